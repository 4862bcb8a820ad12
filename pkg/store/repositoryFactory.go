package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"cloud.google.com/go/spanner"
	"github.com/zoff-tech/go-calsync/pkg/config"

	_ "github.com/lib/pq" // PostgreSQL driver
)

var sqlOpen = sql.Open

var newSpannerClient = func(ctx context.Context, uri string) (*spanner.Client, error) {
	return spanner.NewClient(ctx, uri)
}

var NewSpannerOutboxStoreFactory = func(client *spanner.Client, staleAfter time.Duration) OutboxStore {
	return &SpannerOutboxStore{client: client, staleAfter: staleAfter, now: time.Now}
}

// OpenPostgres opens and pings the database holding bindings, connections and (by default) the queue.
func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sqlOpen("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	return db, nil
}

// NewOutboxStore builds the queue store selected by cfg.Type. db is used for the postgres type.
func NewOutboxStore(ctx context.Context, cfg config.DbSettings, db *sql.DB, staleAfter time.Duration) (OutboxStore, error) {
	switch cfg.Type {
	case "postgres":
		return NewPostgresOutboxStore(db, staleAfter), nil
	case "spanner":
		client, err := newSpannerClient(ctx, cfg.URI)
		if err != nil {
			return nil, err
		}
		return NewSpannerOutboxStoreFactory(client, staleAfter), nil
	default:
		return nil, fmt.Errorf("unsupported DB type: %s", cfg.Type)
	}
}

// Close releases the Spanner client.
func (s *SpannerOutboxStore) Close() error {
	s.client.Close()
	return nil
}
