package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/zoff-tech/go-calsync/pkg/broker"
	"github.com/zoff-tech/go-calsync/pkg/config"
	"github.com/zoff-tech/go-calsync/pkg/failure"
	"github.com/zoff-tech/go-calsync/pkg/lock"
	"github.com/zoff-tech/go-calsync/pkg/provider"
	"github.com/zoff-tech/go-calsync/pkg/retry"
	"github.com/zoff-tech/go-calsync/pkg/schema"
	"github.com/zoff-tech/go-calsync/pkg/store"
)

// ErrAlreadyRunning is returned by Start when the worker's loop is active.
var ErrAlreadyRunning = errors.New("sync worker already running")

// DeadLetterSink receives every item the worker dead-letters.
type DeadLetterSink interface {
	PublishDeadLetter(ctx context.Context, ev broker.DeadLetterEvent) error
}

// Dependencies are the collaborators a SyncWorker drives.
// Entities and DeadLetters are optional.
type Dependencies struct {
	Outbox      store.OutboxStore
	Bindings    store.BindingRepository
	Connections store.ConnectionRepository
	Locker      lock.Locker
	Calendars   provider.Factory
	Entities    store.ActiveEntitySource
	DeadLetters DeadLetterSink
}

type Option func(*SyncWorker)

// WithClock replaces time.Now for retry bookkeeping and retention cutoffs.
func WithClock(now func() time.Time) Option {
	return func(w *SyncWorker) { w.now = now }
}

// SyncWorker drains the sync_queue outbox into the external calendar provider.
type SyncWorker struct {
	deps   Dependencies
	logger *slog.Logger
	tracer trace.Tracer
	policy retry.Policy
	now    func() time.Time

	pollInterval    time.Duration
	batchSize       int
	concurrency     int
	providerTimeout time.Duration
	maxAttempts     int
	rebuildBatch    int
	retentionMaxAge time.Duration
	sweepInterval   time.Duration

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewSyncWorker creates a worker from the loaded settings.
func NewSyncWorker(deps Dependencies, cfg *config.Settings, logger *slog.Logger, opts ...Option) *SyncWorker {
	w := &SyncWorker{
		deps:            deps,
		logger:          logger,
		tracer:          otel.Tracer("go-calsync"),
		policy:          retry.NewPolicy(cfg.RetryBackoff, cfg.RetryBackoffMax),
		now:             time.Now,
		pollInterval:    cfg.PollInterval,
		batchSize:       cfg.BatchSize,
		concurrency:     max(cfg.Worker.Concurrency, 1),
		providerTimeout: cfg.Worker.ProviderTimeout,
		maxAttempts:     cfg.MaxRetries,
		rebuildBatch:    cfg.Rebuild.MaxDeletesPerAttempt,
		retentionMaxAge: cfg.Retention.MaxAge,
		sweepInterval:   cfg.Retention.Interval,
	}
	if w.rebuildBatch < 1 {
		w.rebuildBatch = config.DefaultRebuildMaxDeletes
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start launches the poll loop. The loop ends when ctx is cancelled or Stop is called.
func (w *SyncWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return ErrAlreadyRunning
	}

	loopCtx, cancel := context.WithCancel(ctx)
	w.running = true
	w.cancel = cancel
	w.done = make(chan struct{})
	go w.run(loopCtx, w.done)
	return nil
}

// Stop ends the poll loop and waits for in-flight items to finish. It is a no-op when not running.
func (w *SyncWorker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	cancel, done := w.cancel, w.done
	w.mu.Unlock()

	cancel()
	<-done
}

// Running reports whether the poll loop is active.
func (w *SyncWorker) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *SyncWorker) run(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	var sweep <-chan time.Time
	if w.sweepInterval > 0 {
		sweepTicker := time.NewTicker(w.sweepInterval)
		defer sweepTicker.Stop()
		sweep = sweepTicker.C
	}

	w.logger.InfoContext(ctx, "Sync worker started",
		"poll_interval", w.pollInterval, "batch_size", w.batchSize, "concurrency", w.concurrency)
	for {
		if _, err := w.PollOnce(ctx); err != nil && ctx.Err() == nil {
			w.logger.ErrorContext(ctx, "Poll failed", "error", err)
		}

		select {
		case <-ctx.Done():
			w.logger.Info("Sync worker stopped")
			return
		case <-sweep:
			if _, err := w.SweepOnce(ctx); err != nil && ctx.Err() == nil {
				w.logger.ErrorContext(ctx, "Retention sweep failed", "error", err)
			}
		case <-ticker.C:
		}
	}
}

// PollOnce fetches one batch and processes it. It returns the number of items that went
// through the processing path (claimed or not) and only fails when the batch cannot be fetched.
func (w *SyncWorker) PollOnce(ctx context.Context) (int, error) {
	ctx, span := w.tracer.Start(ctx, "PollReadyBatch", trace.WithAttributes(
		attribute.Int("batch.limit", w.batchSize),
	))
	defer span.End()

	items, err := w.deps.Outbox.FetchReadyBatch(ctx, w.batchSize)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("failed to fetch ready batch: %w", err)
	}
	span.SetAttributes(attribute.Int("batch.size", len(items)))
	if len(items) == 0 {
		return 0, nil
	}
	w.logger.DebugContext(ctx, "Fetched ready batch", "count", len(items))

	var processed atomic.Int64
	g := new(errgroup.Group)
	g.SetLimit(w.concurrency)
	for i := range items {
		// Items not yet started stay eligible for the next poll.
		if ctx.Err() != nil {
			break
		}
		item := &items[i]
		g.Go(func() error {
			if w.processLocked(ctx, item) {
				processed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	return int(processed.Load()), nil
}

// processLocked runs one item inside its lock scope. It reports whether the lock was acquired.
func (w *SyncWorker) processLocked(ctx context.Context, item *schema.QueueItem) bool {
	acquired, err := w.deps.Locker.TryAcquire(ctx, item.ID)
	if err != nil {
		w.logger.WarnContext(ctx, "Failed to acquire item lock", "item_id", item.ID, "error", err)
		return false
	}
	if !acquired {
		lockContention.Inc()
		w.logger.DebugContext(ctx, "Item locked by another holder", "item_id", item.ID)
		return false
	}

	// Shutdown must not interrupt an item that holds its lock.
	base := context.WithoutCancel(ctx)
	defer func() {
		if r := recover(); r != nil {
			w.logger.ErrorContext(base, "Panic while processing item", "item_id", item.ID, "panic", r)
		}
		if err := w.deps.Locker.Release(base, item.ID); err != nil {
			w.logger.ErrorContext(base, "Failed to release item lock", "item_id", item.ID, "error", err)
		}
	}()

	start := time.Now()
	outcome := w.process(base, item)
	itemDuration.WithLabelValues(string(item.Operation)).Observe(time.Since(start).Seconds())
	itemsProcessed.WithLabelValues(string(item.Operation), outcome).Inc()
	return true
}

func (w *SyncWorker) process(ctx context.Context, item *schema.QueueItem) string {
	ctx, span := w.tracer.Start(ctx, "ProcessQueueItem", trace.WithAttributes(
		attribute.String("item.id", item.ID),
		attribute.String("item.workspace_id", item.WorkspaceID),
		attribute.String("item.operation", string(item.Operation)),
		attribute.String("item.status", string(item.Status)),
		attribute.Int("item.attempts", item.Attempts),
	))
	defer span.End()

	claimed, err := w.deps.Outbox.MarkProcessing(ctx, item.ID)
	if err != nil {
		span.RecordError(err)
		w.logger.ErrorContext(ctx, "Failed to claim item", "item_id", item.ID, "error", err)
		return outcomeError
	}
	if !claimed {
		w.logger.DebugContext(ctx, "Item no longer eligible", "item_id", item.ID)
		return outcomeSkipped
	}

	w.logger.InfoContext(ctx, "Processing item",
		"item_id", item.ID, "workspace_id", item.WorkspaceID, "operation", item.Operation, "attempts", item.Attempts)

	payload, err := item.DecodePayload()
	if err == nil {
		err = w.dispatchRecovered(ctx, payload)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return w.fail(ctx, item, err)
	}

	if err := w.deps.Outbox.MarkCompleted(ctx, item.ID); err != nil {
		span.RecordError(err)
		w.logger.ErrorContext(ctx, "Failed to mark item completed", "item_id", item.ID, "error", err)
		return outcomeError
	}
	w.logger.InfoContext(ctx, "Item completed", "item_id", item.ID, "operation", item.Operation)
	return outcomeCompleted
}

// dispatchRecovered turns a handler panic into a failure. Provider calls are bounded
// one by one through the Calendar returned by calendarFor.
func (w *SyncWorker) dispatchRecovered(ctx context.Context, payload schema.Payload) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s handler: %v", payload.Operation(), r)
		}
	}()
	return w.dispatch(ctx, payload)
}

// fail records a handled failure on the item and applies the class side effects.
func (w *SyncWorker) fail(ctx context.Context, item *schema.QueueItem, cause error) string {
	class := failure.Classify(cause)
	now := w.now()
	decision := w.policy.Decide(item.Attempts, item.MaxAttempts, class.Retryable(), now)
	lastError := fmt.Sprintf("%s: %v", class, cause)

	if class == failure.AuthInvalid && !errors.Is(cause, errNoUsableConnection) {
		w.invalidateConnection(ctx, item.WorkspaceID, cause.Error())
	}

	if !decision.DeadLetter {
		w.logger.WarnContext(ctx, "Item failed, scheduling retry",
			"item_id", item.ID, "class", class, "attempts", decision.Attempts,
			"next_attempt_at", decision.NextAttemptAt, "error", cause)
		if err := w.deps.Outbox.MarkFailedForRetry(ctx, item.ID, decision.Attempts, decision.NextAttemptAt, lastError); err != nil {
			w.logger.ErrorContext(ctx, "Failed to mark item for retry", "item_id", item.ID, "error", err)
			return outcomeError
		}
		return outcomeRetry
	}

	w.logger.WarnContext(ctx, "Item dead-lettered",
		"item_id", item.ID, "class", class, "attempts", decision.Attempts, "max_attempts", item.MaxAttempts, "error", cause)
	if err := w.deps.Outbox.MarkDeadLetter(ctx, item.ID, decision.Attempts, lastError); err != nil {
		w.logger.ErrorContext(ctx, "Failed to mark item dead-lettered", "item_id", item.ID, "error", err)
		return outcomeError
	}

	if w.deps.DeadLetters != nil {
		ev := broker.DeadLetterEvent{
			ItemID:         item.ID,
			WorkspaceID:    item.WorkspaceID,
			Operation:      item.Operation,
			Attempts:       decision.Attempts,
			MaxAttempts:    item.MaxAttempts,
			Class:          string(class),
			Error:          cause.Error(),
			Payload:        item.Payload,
			DeadLetteredAt: now,
		}
		if err := w.deps.DeadLetters.PublishDeadLetter(ctx, ev); err != nil {
			w.logger.ErrorContext(ctx, "Failed to publish dead letter", "item_id", item.ID, "error", err)
		}
	}
	return outcomeDeadLetter
}

func (w *SyncWorker) invalidateConnection(ctx context.Context, workspaceID, reason string) {
	if err := w.deps.Connections.MarkInvalid(ctx, workspaceID, reason); err != nil {
		w.logger.ErrorContext(ctx, "Failed to flag connection invalid", "workspace_id", workspaceID, "error", err)
		return
	}
	connectionsInvalidated.Inc()
	w.logger.WarnContext(ctx, "Connection flagged invalid", "workspace_id", workspaceID, "reason", reason)
}

// SweepOnce deletes finished items older than the retention window.
func (w *SyncWorker) SweepOnce(ctx context.Context) (int64, error) {
	cutoff := w.now().Add(-w.retentionMaxAge)
	n, err := w.deps.Outbox.Sweep(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep items older than %s: %w", cutoff.Format(time.RFC3339), err)
	}
	itemsSwept.Add(float64(n))
	if n > 0 {
		w.logger.InfoContext(ctx, "Swept finished items", "count", n, "older_than", cutoff)
	}
	return n, nil
}
