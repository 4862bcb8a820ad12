package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/zoff-tech/go-calsync/pkg/admin"
	"github.com/zoff-tech/go-calsync/pkg/broker"
	"github.com/zoff-tech/go-calsync/pkg/lock"
	"github.com/zoff-tech/go-calsync/pkg/processor"
	"github.com/zoff-tech/go-calsync/pkg/provider"
	"github.com/zoff-tech/go-calsync/pkg/store"
	"github.com/zoff-tech/go-calsync/pkg/telemetry"
)

const shutdownTimeout = 30 * time.Second

func newWorkerCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the sync worker and the admin server until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runWorker(ctx, opts)
		},
	}
}

func runWorker(ctx context.Context, opts *rootOptions) error {
	e, err := openEnv(ctx, opts)
	if err != nil {
		return err
	}
	defer e.Close()
	cfg, logger := e.cfg, e.logger

	shutdownTelemetry, err := telemetry.Init(cfg.Observability)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer shutdownTelemetry()

	locker, err := lock.NewLocker(ctx, cfg.Lock, e.db, cfg.Worker.InstanceID)
	if err != nil {
		return fmt.Errorf("failed to initialize lock: %w", err)
	}
	if c, ok := locker.(interface{ Close(context.Context) error }); ok {
		defer func() {
			if err := c.Close(context.Background()); err != nil {
				logger.Error("Failed to close lock backend", "error", err)
			}
		}()
	}

	connections := store.NewPostgresConnectionRepository(e.db, store.PlainTokens{})
	deps := processor.Dependencies{
		Outbox:      e.outbox,
		Bindings:    store.NewPostgresBindingRepository(e.db),
		Connections: connections,
		Locker:      locker,
		Calendars: provider.NewGoogleFactory(cfg.Provider).
			WithRefreshTimeout(cfg.Worker.ProviderTimeout).
			WithTokenStore(connections),
	}
	if cfg.Rebuild.EntityView != "" {
		deps.Entities = store.NewViewEntitySource(e.db, cfg.Rebuild.EntityView)
	}
	if cfg.Broker.Type != "" {
		b, err := broker.NewBroker(ctx, &cfg.Broker)
		if err != nil {
			return fmt.Errorf("failed to initialize broker: %w", err)
		}
		publisher := broker.NewDeadLetterPublisher(b, cfg.DeadLetterTopic)
		defer func() {
			if err := publisher.Close(); err != nil {
				logger.Error("Failed to close broker", "error", err)
			}
		}()
		deps.DeadLetters = publisher
	}

	worker := processor.NewSyncWorker(deps, cfg, logger)
	server := admin.NewServer(cfg.Admin.Addr, e.outbox, e.db.PingContext, logger)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Run()
	}()

	if err := worker.Start(ctx); err != nil {
		return err
	}
	logger.Info("Worker running", "instance_id", cfg.Worker.InstanceID, "lock", cfg.Lock.Type, "store", cfg.Database.Type)

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case runErr = <-serverErr:
		if runErr != nil {
			runErr = fmt.Errorf("admin server failed: %w", runErr)
		}
	}

	// In-flight items finish before Stop returns.
	worker.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Failed to shut down admin server", "error", err)
	}
	return runErr
}
