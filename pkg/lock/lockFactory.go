package lock

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/zoff-tech/go-calsync/pkg/config"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

var mongoConnect = func(ctx context.Context, uri string) (*mongo.Client, error) {
	return mongo.Connect(ctx, options.Client().ApplyURI(uri))
}

// NewLocker builds the lock selected by cfg.Type. db backs the postgres type.
func NewLocker(ctx context.Context, cfg config.LockSettings, db *sql.DB, instanceID string) (Locker, error) {
	switch cfg.Type {
	case "postgres":
		return NewAdvisoryLocker(db), nil
	case "mongo":
		client, err := mongoConnect(ctx, cfg.URI)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to mongo: %w", err)
		}
		coll := client.Database(cfg.Database).Collection(cfg.Collection)
		if err := ensureIndexes(ctx, coll); err != nil {
			_ = client.Disconnect(ctx)
			return nil, fmt.Errorf("failed to create lease index: %w", err)
		}
		locker := NewLeaseLocker(coll, instanceID, cfg.LeaseTTL)
		locker.client = client
		return locker, nil
	default:
		return nil, fmt.Errorf("unsupported lock type: %s", cfg.Type)
	}
}
