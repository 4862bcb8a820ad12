package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/lib/pq"
	"github.com/zoff-tech/go-calsync/pkg/schema"
)

// ViewEntitySource reads active entities from an application-owned view with the columns
// workspace_id, source_type, source_id, event_type, title, description, start_at, end_at,
// is_all_day, recurrence (text[]), location, color_id.
type ViewEntitySource struct {
	db   *sql.DB
	view string
}

func NewViewEntitySource(db *sql.DB, view string) *ViewEntitySource {
	return &ViewEntitySource{db: db, view: view}
}

func (s *ViewEntitySource) ActiveEntities(ctx context.Context, workspaceID string) ([]ActiveEntity, error) {
	var entities []ActiveEntity
	err := withTransaction(ctx, s.db, "ActiveEntities", func(ctx context.Context, tx *sql.Tx) (int, error) {
		rows, err := tx.QueryContext(ctx,
			`SELECT source_type, source_id, event_type, title, description, start_at, end_at,
                    is_all_day, recurrence, location, color_id
             FROM `+quoteQualified(s.view)+` WHERE workspace_id = $1 ORDER BY source_type, source_id`,
			workspaceID)
		if err != nil {
			return 0, fmt.Errorf("failed to query active entities: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var (
				e           ActiveEntity
				sourceType  string
				description sql.NullString
				location    sql.NullString
				colorID     sql.NullString
				recurrence  []string
			)
			if err := rows.Scan(&sourceType, &e.SourceID, &e.EventType, &e.Event.Title, &description,
				&e.Event.Start, &e.Event.End, &e.Event.IsAllDay, pq.Array(&recurrence), &location, &colorID); err != nil {
				return 0, fmt.Errorf("failed to scan active entity: %w", err)
			}
			e.SourceType = schema.SourceType(sourceType)
			e.Event.Description = description.String
			e.Event.Location = location.String
			e.Event.ColorID = colorID.String
			e.Event.Recurrence = recurrence
			entities = append(entities, e)
		}
		return len(entities), rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return entities, nil
}

// quoteQualified quotes each dot-separated part of a possibly schema-qualified name.
func quoteQualified(name string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = pq.QuoteIdentifier(p)
	}
	return strings.Join(parts, ".")
}
