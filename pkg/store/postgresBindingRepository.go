package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/zoff-tech/go-calsync/pkg/schema"
)

const bindingColumns = `id, workspace_id, external_event_id, calendar_id, source_type, source_id, event_type,
	title, start_at, end_at, last_synced_at, sync_version`

// PostgresBindingRepository implements BindingRepository on the sync_bindings table.
type PostgresBindingRepository struct {
	db  *sql.DB
	now func() time.Time
}

func NewPostgresBindingRepository(db *sql.DB) *PostgresBindingRepository {
	return &PostgresBindingRepository{db: db, now: time.Now}
}

func (r *PostgresBindingRepository) Get(ctx context.Context, key schema.BindingKey) (*schema.Binding, error) {
	var b *schema.Binding
	err := withTransaction(ctx, r.db, "GetBinding", func(ctx context.Context, tx *sql.Tx) (int, error) {
		row := tx.QueryRowContext(ctx,
			`SELECT `+bindingColumns+` FROM sync_bindings
             WHERE workspace_id = $1 AND source_type = $2 AND source_id = $3`,
			key.WorkspaceID, string(key.SourceType), key.SourceID)
		found, err := scanBinding(row)
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("binding %s/%s/%s: %w", key.WorkspaceID, key.SourceType, key.SourceID, ErrNotFound)
		}
		if err != nil {
			return 0, err
		}
		b = &found
		return 1, nil
	})
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (r *PostgresBindingRepository) Upsert(ctx context.Context, b *schema.Binding) error {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	b.LastSyncedAt = r.now()

	return withTransaction(ctx, r.db, "UpsertBinding", func(ctx context.Context, tx *sql.Tx) (int, error) {
		row := tx.QueryRowContext(ctx,
			`INSERT INTO sync_bindings (`+bindingColumns+`)
             VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 1)
             ON CONFLICT (workspace_id, source_type, source_id) DO UPDATE SET
                 external_event_id = EXCLUDED.external_event_id,
                 calendar_id = EXCLUDED.calendar_id,
                 event_type = EXCLUDED.event_type,
                 title = EXCLUDED.title,
                 start_at = EXCLUDED.start_at,
                 end_at = EXCLUDED.end_at,
                 last_synced_at = EXCLUDED.last_synced_at,
                 sync_version = sync_bindings.sync_version + 1
             RETURNING id, sync_version`,
			b.ID, b.WorkspaceID, b.ExternalEventID, b.CalendarID, string(b.SourceType), b.SourceID,
			b.EventType, b.Title, b.StartAt, b.EndAt, b.LastSyncedAt)
		if err := row.Scan(&b.ID, &b.SyncVersion); err != nil {
			return 0, fmt.Errorf("failed to upsert binding: %w", err)
		}
		return 1, nil
	})
}

func (r *PostgresBindingRepository) Delete(ctx context.Context, key schema.BindingKey) error {
	return withTransaction(ctx, r.db, "DeleteBinding", func(ctx context.Context, tx *sql.Tx) (int, error) {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM sync_bindings WHERE workspace_id = $1 AND source_type = $2 AND source_id = $3`,
			key.WorkspaceID, string(key.SourceType), key.SourceID)
		if err != nil {
			return 0, fmt.Errorf("failed to delete binding: %w", err)
		}
		n, err := res.RowsAffected()
		return int(n), err
	})
}

func (r *PostgresBindingRepository) ListByWorkspace(ctx context.Context, workspaceID string) ([]schema.Binding, error) {
	query, args, err := sq.Select(bindingColumns).
		From("sync_bindings").
		Where(sq.Eq{"workspace_id": workspaceID}).
		OrderBy("id").
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build select query: %w", err)
	}

	var bindings []schema.Binding
	err = withTransaction(ctx, r.db, "ListBindings", func(ctx context.Context, tx *sql.Tx) (int, error) {
		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return 0, fmt.Errorf("failed to query bindings: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			b, err := scanBinding(rows)
			if err != nil {
				return 0, err
			}
			bindings = append(bindings, b)
		}
		return len(bindings), rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return bindings, nil
}

func (r *PostgresBindingRepository) DeleteByWorkspace(ctx context.Context, workspaceID string) (int64, error) {
	var deleted int64
	err := withTransaction(ctx, r.db, "DeleteBindingsByWorkspace", func(ctx context.Context, tx *sql.Tx) (int, error) {
		res, err := tx.ExecContext(ctx, `DELETE FROM sync_bindings WHERE workspace_id = $1`, workspaceID)
		if err != nil {
			return 0, fmt.Errorf("failed to delete bindings: %w", err)
		}
		deleted, err = res.RowsAffected()
		return int(deleted), err
	})
	return deleted, err
}

func scanBinding(row rowScanner) (schema.Binding, error) {
	var b schema.Binding
	var sourceType string
	if err := row.Scan(
		&b.ID,
		&b.WorkspaceID,
		&b.ExternalEventID,
		&b.CalendarID,
		&sourceType,
		&b.SourceID,
		&b.EventType,
		&b.Title,
		&b.StartAt,
		&b.EndAt,
		&b.LastSyncedAt,
		&b.SyncVersion); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return b, err
		}
		return b, fmt.Errorf("failed to scan binding: %w", err)
	}
	b.SourceType = schema.SourceType(sourceType)
	return b, nil
}
