package store

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/spanner"
	"github.com/zoff-tech/go-calsync/pkg/schema"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"google.golang.org/api/iterator"
)

const spannerQueueColumns = `id, workspace_id, operation, payload, status, attempts, max_attempts,
	next_attempt_at, last_error, created_at, updated_at, processed_at`

// SpannerOutboxStore implements OutboxStore on a Cloud Spanner sync_queue table.
// payload is stored as STRING(MAX).
type SpannerOutboxStore struct {
	client     *spanner.Client
	staleAfter time.Duration
	now        func() time.Time
}

func (s *SpannerOutboxStore) FetchReadyBatch(ctx context.Context, limit int) ([]schema.QueueItem, error) {
	now := s.now()
	stmt := spanner.Statement{
		SQL: `SELECT ` + spannerQueueColumns + ` FROM sync_queue
              WHERE ((status = @statusPending OR status = @statusFailed) AND next_attempt_at <= @now)
                 OR (status = @statusProcessing AND updated_at < @staleBefore)
              ORDER BY created_at ASC, id ASC
              LIMIT @batchSize`,
		Params: map[string]interface{}{
			"statusPending":    string(schema.StatusPending),
			"statusFailed":     string(schema.StatusFailed),
			"statusProcessing": string(schema.StatusProcessing),
			"now":              now,
			"staleBefore":      now.Add(-s.staleAfter),
			"batchSize":        int64(limit),
		},
	}
	return s.query(ctx, "FetchReadyBatch", stmt)
}

func (s *SpannerOutboxStore) MarkProcessing(ctx context.Context, id string) (bool, error) {
	now := s.now()
	n, err := s.update(ctx, "MarkProcessing", spanner.Statement{
		SQL: `UPDATE sync_queue SET status = @statusProcessing, updated_at = @now
              WHERE id = @id
                AND (((status = @statusPending OR status = @statusFailed) AND next_attempt_at <= @now)
                  OR (status = @statusProcessing AND updated_at < @staleBefore))`,
		Params: map[string]interface{}{
			"statusProcessing": string(schema.StatusProcessing),
			"statusPending":    string(schema.StatusPending),
			"statusFailed":     string(schema.StatusFailed),
			"now":              now,
			"staleBefore":      now.Add(-s.staleAfter),
			"id":               id,
		},
	})
	return n == 1, err
}

func (s *SpannerOutboxStore) MarkCompleted(ctx context.Context, id string) error {
	return s.transition(ctx, "MarkCompleted", id, spanner.Statement{
		SQL: `UPDATE sync_queue SET status = @status, processed_at = @now, updated_at = @now
              WHERE id = @id AND status = @statusProcessing`,
		Params: map[string]interface{}{
			"status": string(schema.StatusCompleted),
			"now":    s.now(),
		},
	})
}

func (s *SpannerOutboxStore) MarkFailedForRetry(ctx context.Context, id string, attempts int, nextAttemptAt time.Time, lastError string) error {
	return s.transition(ctx, "MarkFailedForRetry", id, spanner.Statement{
		SQL: `UPDATE sync_queue SET status = @status, attempts = @attempts, next_attempt_at = @nextAttemptAt,
                     last_error = @lastError, updated_at = @now
              WHERE id = @id AND status = @statusProcessing`,
		Params: map[string]interface{}{
			"status":        string(schema.StatusFailed),
			"attempts":      int64(attempts),
			"nextAttemptAt": nextAttemptAt,
			"lastError":     lastError,
			"now":           s.now(),
		},
	})
}

func (s *SpannerOutboxStore) MarkDeadLetter(ctx context.Context, id string, attempts int, lastError string) error {
	return s.transition(ctx, "MarkDeadLetter", id, spanner.Statement{
		SQL: `UPDATE sync_queue SET status = @status, attempts = @attempts, last_error = @lastError, updated_at = @now
              WHERE id = @id AND status = @statusProcessing`,
		Params: map[string]interface{}{
			"status":    string(schema.StatusDeadLetter),
			"attempts":  int64(attempts),
			"lastError": lastError,
			"now":       s.now(),
		},
	})
}

func (s *SpannerOutboxStore) Enqueue(ctx context.Context, item *schema.QueueItem) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "Enqueue")
	defer span.End()

	_, err := s.client.Apply(ctx, []*spanner.Mutation{
		spanner.Insert("sync_queue",
			[]string{"id", "workspace_id", "operation", "payload", "status", "attempts", "max_attempts",
				"next_attempt_at", "created_at", "updated_at"},
			[]interface{}{item.ID, item.WorkspaceID, string(item.Operation), string(item.Payload), string(item.Status),
				int64(item.Attempts), int64(item.MaxAttempts), item.NextAttemptAt, item.CreatedAt, item.UpdatedAt}),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to enqueue item: %w", err)
	}
	return nil
}

func (s *SpannerOutboxStore) Requeue(ctx context.Context, id string) error {
	now := s.now()
	n, err := s.update(ctx, "Requeue", spanner.Statement{
		SQL: `UPDATE sync_queue SET status = @statusPending, attempts = 0, next_attempt_at = @now, updated_at = @now
              WHERE id = @id AND status = @statusDeadLetter`,
		Params: map[string]interface{}{
			"statusPending":    string(schema.StatusPending),
			"statusDeadLetter": string(schema.StatusDeadLetter),
			"now":              now,
			"id":               id,
		},
	})
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("queue item %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *SpannerOutboxStore) StatusCounts(ctx context.Context) ([]schema.StatusCount, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "StatusCounts")
	defer span.End()

	iter := s.client.Single().Query(ctx, spanner.Statement{
		SQL: `SELECT status, COUNT(*) FROM sync_queue GROUP BY status`,
	})
	defer iter.Stop()

	counts := make(map[schema.Status]int64, len(schema.Statuses))
	for {
		row, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("failed to count queue items: %w", err)
		}
		var status string
		var n int64
		if err := row.Columns(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		counts[schema.Status(status)] = n
	}
	return orderedCounts(counts), nil
}

func (s *SpannerOutboxStore) ListDeadLetters(ctx context.Context, limit int) ([]schema.QueueItem, error) {
	return s.query(ctx, "ListDeadLetters", spanner.Statement{
		SQL: `SELECT ` + spannerQueueColumns + ` FROM sync_queue
              WHERE status = @statusDeadLetter
              ORDER BY updated_at DESC, id ASC
              LIMIT @limit`,
		Params: map[string]interface{}{
			"statusDeadLetter": string(schema.StatusDeadLetter),
			"limit":            int64(limit),
		},
	})
}

func (s *SpannerOutboxStore) Sweep(ctx context.Context, olderThan time.Time) (int64, error) {
	return s.update(ctx, "Sweep", spanner.Statement{
		SQL: `DELETE FROM sync_queue
              WHERE (status = @statusCompleted OR status = @statusDeadLetter) AND updated_at < @olderThan`,
		Params: map[string]interface{}{
			"statusCompleted":  string(schema.StatusCompleted),
			"statusDeadLetter": string(schema.StatusDeadLetter),
			"olderThan":        olderThan,
		},
	})
}

// transition applies a single-row update guarded on PROCESSING.
func (s *SpannerOutboxStore) transition(ctx context.Context, spanName string, id string, stmt spanner.Statement) error {
	stmt.Params["id"] = id
	stmt.Params["statusProcessing"] = string(schema.StatusProcessing)
	n, err := s.update(ctx, spanName, stmt)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("queue item %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *SpannerOutboxStore) update(ctx context.Context, spanName string, stmt spanner.Statement) (int64, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, spanName)
	defer span.End()
	start := time.Now()

	var rowCount int64
	_, err := s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		n, err := txn.Update(ctx, stmt)
		rowCount = n
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("failed to execute %s: %w", spanName, err)
	}
	addDBStatsToSpan(span, "spanner", spanName, int(rowCount), time.Since(start))
	return rowCount, nil
}

func (s *SpannerOutboxStore) query(ctx context.Context, spanName string, stmt spanner.Statement) ([]schema.QueueItem, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, spanName)
	defer span.End()
	start := time.Now()

	iter := s.client.Single().Query(ctx, stmt)
	defer iter.Stop()

	var items []schema.QueueItem
	for {
		row, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("failed to execute %s: %w", spanName, err)
		}

		item, err := spannerQueueItem(row)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}

	addDBStatsToSpan(span, "spanner", spanName, len(items), time.Since(start))
	return items, nil
}

func spannerQueueItem(row *spanner.Row) (schema.QueueItem, error) {
	var (
		item                  schema.QueueItem
		operation, status     string
		payload               string
		attempts, maxAttempts int64
		lastError             spanner.NullString
		processedAt           spanner.NullTime
	)
	if err := row.Columns(
		&item.ID,
		&item.WorkspaceID,
		&operation,
		&payload,
		&status,
		&attempts,
		&maxAttempts,
		&item.NextAttemptAt,
		&lastError,
		&item.CreatedAt,
		&item.UpdatedAt,
		&processedAt); err != nil {
		return item, fmt.Errorf("failed to scan queue item: %w", err)
	}
	item.Operation = schema.Operation(operation)
	item.Status = schema.Status(status)
	item.Payload = []byte(payload)
	item.Attempts = int(attempts)
	item.MaxAttempts = int(maxAttempts)
	if lastError.Valid {
		item.LastError = &lastError.StringVal
	}
	if processedAt.Valid {
		item.ProcessedAt = &processedAt.Time
	}
	return item, nil
}
