package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/zoff-tech/go-calsync/pkg/config"
	"github.com/zoff-tech/go-calsync/pkg/store"
	"github.com/zoff-tech/go-calsync/pkg/telemetry"
)

var validFormats = []string{"text", "json"}

// rootOptions holds flags shared by every command.
type rootOptions struct {
	ConfigDir string
	Format    string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "calsync",
		Short: "Calendar outbox sync engine",
		Long: `calsync drains the sync_queue outbox into workspace calendars.

Configuration is read from calsync.yaml (merged with calsync.<ENVIRONMENT>.yaml)
in the config directory, then overridden by CALSYNC_* environment variables.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			for _, f := range validFormats {
				if f == opts.Format {
					return nil
				}
			}
			return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, validFormats)
		},
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigDir, "config", ".", "directory containing calsync.yaml")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(newWorkerCommand(opts))
	cmd.AddCommand(newMigrateCommand(opts))
	cmd.AddCommand(newStatusCommand(opts))
	cmd.AddCommand(newDeadLettersCommand(opts))
	cmd.AddCommand(newRequeueCommand(opts))
	cmd.AddCommand(newSweepCommand(opts))
	cmd.AddCommand(newEnqueueCommand(opts))

	return cmd
}

// env is the wiring shared by the commands: settings, logger, the Postgres handle and the queue store.
type env struct {
	cfg    *config.Settings
	logger *slog.Logger
	db     *sql.DB
	outbox store.OutboxStore
}

func openEnv(ctx context.Context, opts *rootOptions) (*env, error) {
	cfg, err := config.LoadFromFile(opts.ConfigDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	logger := telemetry.NewLogger(os.Stderr, cfg.Log)
	slog.SetDefault(logger)

	db, err := store.OpenPostgres(ctx, cfg.Database.DSN)
	if err != nil {
		return nil, err
	}
	if cfg.Database.MigrateOnStart {
		if err := store.Migrate(ctx, db); err != nil {
			db.Close()
			return nil, err
		}
	}
	outbox, err := store.NewOutboxStore(ctx, cfg.Database, db, cfg.Worker.ProcessingStaleAfter)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize outbox store: %w", err)
	}
	return &env{cfg: cfg, logger: logger, db: db, outbox: outbox}, nil
}

func (e *env) Close() {
	if c, ok := e.outbox.(io.Closer); ok {
		if err := c.Close(); err != nil {
			e.logger.Error("Failed to close outbox store", "error", err)
		}
	}
	if err := e.db.Close(); err != nil {
		e.logger.Error("Failed to close database", "error", err)
	}
}

// printJSON writes v as indented JSON.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
