package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/zoff-tech/go-calsync/pkg/config"
	"github.com/zoff-tech/go-calsync/pkg/schema"
	"github.com/zoff-tech/go-calsync/pkg/store"
)

func newMigrateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadFromFile(opts.ConfigDir)
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			db, err := store.OpenPostgres(cmd.Context(), cfg.Database.DSN)
			if err != nil {
				return err
			}
			defer db.Close()
			if err := store.Migrate(cmd.Context(), db); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
}

func newStatusCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue item counts by status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer e.Close()

			counts, err := e.outbox.StatusCounts(cmd.Context())
			if err != nil {
				return err
			}
			return writeCounts(cmd.OutOrStdout(), opts.Format, counts)
		},
	}
}

func newDeadLettersCommand(opts *rootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "dead-letters",
		Short: "List the most recently dead-lettered items",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit < 1 {
				return fmt.Errorf("limit must be positive, got %d", limit)
			}
			e, err := openEnv(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer e.Close()

			items, err := e.outbox.ListDeadLetters(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return writeItems(cmd.OutOrStdout(), opts.Format, items)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of items to list")
	return cmd
}

func newRequeueCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "requeue <item-id>...",
		Short: "Move dead-lettered items back to PENDING with a fresh attempts budget",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer e.Close()

			for _, id := range args {
				if err := e.outbox.Requeue(cmd.Context(), id); err != nil {
					return fmt.Errorf("failed to requeue %s: %w", id, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "requeued %s\n", id)
			}
			return nil
		},
	}
}

func newSweepCommand(opts *rootOptions) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Delete COMPLETED and DEAD_LETTER items past the retention window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer e.Close()

			if olderThan <= 0 {
				olderThan = e.cfg.Retention.MaxAge
			}
			n, err := e.outbox.Sweep(cmd.Context(), time.Now().Add(-olderThan))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "swept %d items older than %s\n", n, olderThan)
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "retention window (default retention.max_age)")
	return cmd
}

func newEnqueueCommand(opts *rootOptions) *cobra.Command {
	var (
		operation   string
		payloadFile string
		maxAttempts int
	)
	cmd := &cobra.Command{
		Use:   "enqueue [payload-json]",
		Short: "Validate a payload and add it to the queue",
		Long: `Validate a payload against its operation schema and insert a PENDING item.

The payload is read from the argument, from --file, or from stdin when the file is "-".

Example:
  calsync enqueue --operation CANCEL_EVENT '{"workspaceId":"ws-1","calendarId":"primary","sourceType":"task","sourceId":"t-1"}'
  calsync enqueue --operation REBUILD_ALL --file rebuild.json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readPayload(args, payloadFile, cmd.InOrStdin())
			if err != nil {
				return err
			}
			payload, err := schema.DecodePayload(schema.Operation(strings.ToUpper(operation)), raw)
			if err != nil {
				return err
			}

			e, err := openEnv(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer e.Close()

			if maxAttempts < 1 {
				maxAttempts = e.cfg.MaxRetries
			}
			item, err := schema.NewQueueItem(payload, maxAttempts, time.Now().UTC())
			if err != nil {
				return err
			}
			if err := e.outbox.Enqueue(cmd.Context(), item); err != nil {
				return err
			}
			if opts.Format == "json" {
				return printJSON(cmd.OutOrStdout(), item)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "enqueued %s %s for workspace %s\n", item.Operation, item.ID, item.WorkspaceID)
			return nil
		},
	}
	cmd.Flags().StringVar(&operation, "operation", "", "UPSERT_EVENT, CANCEL_EVENT or REBUILD_ALL (required)")
	cmd.Flags().StringVar(&payloadFile, "file", "", `read the payload from a file ("-" for stdin)`)
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", 0, "attempts budget (default max_retries)")
	_ = cmd.MarkFlagRequired("operation")
	return cmd
}

// readPayload returns the payload from exactly one of the argument or the file flag.
func readPayload(args []string, file string, stdin io.Reader) (json.RawMessage, error) {
	switch {
	case len(args) == 1 && file != "":
		return nil, fmt.Errorf("pass the payload as an argument or with --file, not both")
	case len(args) == 1:
		return json.RawMessage(args[0]), nil
	case file == "-":
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read payload from stdin: %w", err)
		}
		return data, nil
	case file != "":
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read payload: %w", err)
		}
		return data, nil
	}
	return nil, fmt.Errorf("a payload is required")
}

func writeCounts(w io.Writer, format string, counts []schema.StatusCount) error {
	if format == "json" {
		return printJSON(w, counts)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STATUS\tCOUNT")
	for _, c := range counts {
		fmt.Fprintf(tw, "%s\t%d\n", c.Status, c.Count)
	}
	return tw.Flush()
}

func writeItems(w io.Writer, format string, items []schema.QueueItem) error {
	if format == "json" {
		if items == nil {
			items = []schema.QueueItem{}
		}
		return printJSON(w, items)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tWORKSPACE\tOPERATION\tATTEMPTS\tUPDATED\tLAST ERROR")
	for _, it := range items {
		lastError := ""
		if it.LastError != nil {
			lastError = *it.LastError
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d\t%s\t%s\n",
			it.ID, it.WorkspaceID, it.Operation, it.Attempts, it.MaxAttempts,
			it.UpdatedAt.UTC().Format(time.RFC3339), lastError)
	}
	return tw.Flush()
}
