package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/zoff-tech/go-calsync/pkg/schema"
)

const queueColumns = `id, workspace_id, operation, payload, status, attempts, max_attempts,
	next_attempt_at, last_error, created_at, updated_at, processed_at`

var queueColumnList = []string{
	"id", "workspace_id", "operation", "payload", "status", "attempts", "max_attempts",
	"next_attempt_at", "last_error", "created_at", "updated_at", "processed_at",
}

// PostgresOutboxStore implements OutboxStore on the sync_queue table.
type PostgresOutboxStore struct {
	db         *sql.DB // using database/sql
	staleAfter time.Duration
	now        func() time.Time
}

// NewPostgresOutboxStore creates a store. PROCESSING rows not updated for staleAfter are
// treated as abandoned by a crashed worker and become eligible again.
func NewPostgresOutboxStore(db *sql.DB, staleAfter time.Duration) *PostgresOutboxStore {
	return &PostgresOutboxStore{db: db, staleAfter: staleAfter, now: time.Now}
}

func (p *PostgresOutboxStore) FetchReadyBatch(ctx context.Context, limit int) ([]schema.QueueItem, error) {
	var items []schema.QueueItem
	err := withTransaction(ctx, p.db, "FetchReadyBatch", func(ctx context.Context, tx *sql.Tx) (int, error) {
		now := p.now()
		rows, err := tx.QueryContext(ctx,
			`SELECT `+queueColumns+` FROM sync_queue
             WHERE (status IN ($1, $2) AND next_attempt_at <= $3)
                OR (status = $4 AND updated_at < $5)
             ORDER BY created_at ASC, id ASC
             LIMIT $6`,
			string(schema.StatusPending), string(schema.StatusFailed), now,
			string(schema.StatusProcessing), now.Add(-p.staleAfter), limit)
		if err != nil {
			return 0, fmt.Errorf("failed to query ready items: %w", err)
		}
		defer rows.Close()

		items, err = scanQueueItems(rows)
		return len(items), err
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (p *PostgresOutboxStore) MarkProcessing(ctx context.Context, id string) (bool, error) {
	var claimed bool
	err := withTransaction(ctx, p.db, "MarkProcessing", func(ctx context.Context, tx *sql.Tx) (int, error) {
		now := p.now()
		res, err := tx.ExecContext(ctx,
			`UPDATE sync_queue SET status = $1, updated_at = $2
             WHERE id = $3
               AND ((status IN ($4, $5) AND next_attempt_at <= $2)
                 OR (status = $1 AND updated_at < $6))`,
			string(schema.StatusProcessing), now, id,
			string(schema.StatusPending), string(schema.StatusFailed), now.Add(-p.staleAfter))
		if err != nil {
			return 0, fmt.Errorf("failed to claim item %s: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		claimed = n == 1
		return int(n), nil
	})
	return claimed, err
}

func (p *PostgresOutboxStore) MarkCompleted(ctx context.Context, id string) error {
	return withTransaction(ctx, p.db, "MarkCompleted", func(ctx context.Context, tx *sql.Tx) (int, error) {
		res, err := tx.ExecContext(ctx,
			`UPDATE sync_queue SET status = $1, processed_at = $2, updated_at = $2 WHERE id = $3 AND status = $4`,
			string(schema.StatusCompleted), p.now(), id, string(schema.StatusProcessing))
		if err != nil {
			return 0, fmt.Errorf("failed to complete item %s: %w", id, err)
		}
		return expectOneRow(res, id)
	})
}

func (p *PostgresOutboxStore) MarkFailedForRetry(ctx context.Context, id string, attempts int, nextAttemptAt time.Time, lastError string) error {
	return withTransaction(ctx, p.db, "MarkFailedForRetry", func(ctx context.Context, tx *sql.Tx) (int, error) {
		res, err := tx.ExecContext(ctx,
			`UPDATE sync_queue SET status = $1, attempts = $2, next_attempt_at = $3, last_error = $4, updated_at = $5
             WHERE id = $6 AND status = $7`,
			string(schema.StatusFailed), attempts, nextAttemptAt, lastError, p.now(), id, string(schema.StatusProcessing))
		if err != nil {
			return 0, fmt.Errorf("failed to schedule retry for item %s: %w", id, err)
		}
		return expectOneRow(res, id)
	})
}

func (p *PostgresOutboxStore) MarkDeadLetter(ctx context.Context, id string, attempts int, lastError string) error {
	return withTransaction(ctx, p.db, "MarkDeadLetter", func(ctx context.Context, tx *sql.Tx) (int, error) {
		res, err := tx.ExecContext(ctx,
			`UPDATE sync_queue SET status = $1, attempts = $2, last_error = $3, updated_at = $4
             WHERE id = $5 AND status = $6`,
			string(schema.StatusDeadLetter), attempts, lastError, p.now(), id, string(schema.StatusProcessing))
		if err != nil {
			return 0, fmt.Errorf("failed to dead-letter item %s: %w", id, err)
		}
		return expectOneRow(res, id)
	})
}

func (p *PostgresOutboxStore) Enqueue(ctx context.Context, item *schema.QueueItem) error {
	query, args, err := sq.Insert("sync_queue").
		Columns(
			"id",
			"workspace_id",
			"operation",
			"payload",
			"status",
			"attempts",
			"max_attempts",
			"next_attempt_at",
			"created_at",
			"updated_at",
		).
		Values(
			item.ID,
			item.WorkspaceID,
			string(item.Operation),
			string(item.Payload),
			string(item.Status),
			item.Attempts,
			item.MaxAttempts,
			item.NextAttemptAt,
			item.CreatedAt,
			item.UpdatedAt,
		).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build insert query: %w", err)
	}

	return withTransaction(ctx, p.db, "Enqueue", func(ctx context.Context, tx *sql.Tx) (int, error) {
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return 0, fmt.Errorf("failed to enqueue item: %w", err)
		}
		return 1, nil
	})
}

func (p *PostgresOutboxStore) Requeue(ctx context.Context, id string) error {
	now := p.now()
	query, args, err := sq.Update("sync_queue").
		Set("status", string(schema.StatusPending)).
		Set("attempts", 0).
		Set("next_attempt_at", now).
		Set("updated_at", now).
		Where(sq.Eq{"id": id, "status": string(schema.StatusDeadLetter)}).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build update query: %w", err)
	}

	return withTransaction(ctx, p.db, "Requeue", func(ctx context.Context, tx *sql.Tx) (int, error) {
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return 0, fmt.Errorf("failed to requeue item %s: %w", id, err)
		}
		return expectOneRow(res, id)
	})
}

func (p *PostgresOutboxStore) StatusCounts(ctx context.Context) ([]schema.StatusCount, error) {
	query, args, err := sq.Select("status", "COUNT(*)").
		From("sync_queue").
		GroupBy("status").
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build select query: %w", err)
	}

	counts := make(map[schema.Status]int64, len(schema.Statuses))
	err = withTransaction(ctx, p.db, "StatusCounts", func(ctx context.Context, tx *sql.Tx) (int, error) {
		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return 0, fmt.Errorf("failed to count queue items: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var status string
			var n int64
			if err := rows.Scan(&status, &n); err != nil {
				return 0, fmt.Errorf("failed to scan status count: %w", err)
			}
			counts[schema.Status(status)] = n
		}
		return len(counts), rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return orderedCounts(counts), nil
}

func (p *PostgresOutboxStore) ListDeadLetters(ctx context.Context, limit int) ([]schema.QueueItem, error) {
	query, args, err := sq.Select(queueColumnList...).
		From("sync_queue").
		Where(sq.Eq{"status": string(schema.StatusDeadLetter)}).
		OrderBy("updated_at DESC", "id ASC").
		Limit(uint64(limit)).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build select query: %w", err)
	}

	var items []schema.QueueItem
	err = withTransaction(ctx, p.db, "ListDeadLetters", func(ctx context.Context, tx *sql.Tx) (int, error) {
		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return 0, fmt.Errorf("failed to query dead letters: %w", err)
		}
		defer rows.Close()

		items, err = scanQueueItems(rows)
		return len(items), err
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (p *PostgresOutboxStore) Sweep(ctx context.Context, olderThan time.Time) (int64, error) {
	query, args, err := sq.Delete("sync_queue").
		Where(sq.Eq{"status": []string{string(schema.StatusCompleted), string(schema.StatusDeadLetter)}}).
		Where(sq.Lt{"updated_at": olderThan}).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("failed to build delete query: %w", err)
	}

	var deleted int64
	err = withTransaction(ctx, p.db, "Sweep", func(ctx context.Context, tx *sql.Tx) (int, error) {
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return 0, fmt.Errorf("failed to sweep queue: %w", err)
		}
		deleted, err = res.RowsAffected()
		return int(deleted), err
	})
	return deleted, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanQueueItem(row rowScanner) (schema.QueueItem, error) {
	var (
		item        schema.QueueItem
		operation   string
		status      string
		payload     []byte
		lastError   sql.NullString
		processedAt sql.NullTime
	)
	if err := row.Scan(
		&item.ID,
		&item.WorkspaceID,
		&operation,
		&payload,
		&status,
		&item.Attempts,
		&item.MaxAttempts,
		&item.NextAttemptAt,
		&lastError,
		&item.CreatedAt,
		&item.UpdatedAt,
		&processedAt); err != nil {
		return item, fmt.Errorf("failed to scan queue item: %w", err)
	}
	item.Operation = schema.Operation(operation)
	item.Status = schema.Status(status)
	item.Payload = payload
	if lastError.Valid {
		item.LastError = &lastError.String
	}
	if processedAt.Valid {
		item.ProcessedAt = &processedAt.Time
	}
	return item, nil
}

func scanQueueItems(rows *sql.Rows) ([]schema.QueueItem, error) {
	var items []schema.QueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating queue items: %w", err)
	}
	return items, nil
}

func expectOneRow(res sql.Result, id string) (int, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, fmt.Errorf("queue item %s: %w", id, ErrNotFound)
	}
	return int(n), nil
}

// orderedCounts reports every status, including empty ones, in lifecycle order.
func orderedCounts(counts map[schema.Status]int64) []schema.StatusCount {
	out := make([]schema.StatusCount, 0, len(schema.Statuses))
	for _, s := range schema.Statuses {
		out = append(out, schema.StatusCount{Status: s, Count: counts[s]})
	}
	return out
}
