package store

import (
	"context"
	"testing"
	"time"

	"cloud.google.com/go/spanner"
	"cloud.google.com/go/spanner/spannertest"
	"cloud.google.com/go/spanner/spansql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zoff-tech/go-calsync/pkg/schema"
)

const spannerQueueDDL = `CREATE TABLE sync_queue (
	id STRING(MAX) NOT NULL,
	workspace_id STRING(MAX) NOT NULL,
	operation STRING(MAX) NOT NULL,
	payload STRING(MAX) NOT NULL,
	status STRING(MAX) NOT NULL,
	attempts INT64 NOT NULL,
	max_attempts INT64 NOT NULL,
	next_attempt_at TIMESTAMP NOT NULL,
	last_error STRING(MAX),
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	processed_at TIMESTAMP,
) PRIMARY KEY (id)`

func setupSpannerOutboxStore(t *testing.T) *SpannerOutboxStore {
	t.Helper()
	server, err := spannertest.NewServer("localhost:0")
	require.NoError(t, err)
	t.Cleanup(server.Close)

	ddl, err := spansql.ParseDDL("sync_queue.sql", spannerQueueDDL)
	require.NoError(t, err)
	require.NoError(t, server.UpdateDDL(ddl))

	t.Setenv("SPANNER_EMULATOR_HOST", server.Addr)
	client, err := spanner.NewClient(context.Background(), "projects/p/instances/i/databases/d")
	require.NoError(t, err)
	t.Cleanup(client.Close)

	store := NewSpannerOutboxStoreFactory(client, 5*time.Minute).(*SpannerOutboxStore)
	store.now = func() time.Time { return fixedNow }
	return store
}

func TestSpannerEnqueueAndFetchReadyBatch(t *testing.T) {
	repo := setupSpannerOutboxStore(t)
	ctx := context.Background()

	older, err := schema.NewQueueItem(schema.RebuildAllPayload{WorkspaceID: "ws-1", CalendarID: "primary"}, 5, fixedNow.Add(-time.Minute))
	require.NoError(t, err)
	newer, err := schema.NewQueueItem(schema.RebuildAllPayload{WorkspaceID: "ws-2", CalendarID: "primary"}, 5, fixedNow.Add(-time.Second))
	require.NoError(t, err)
	future, err := schema.NewQueueItem(schema.RebuildAllPayload{WorkspaceID: "ws-3", CalendarID: "primary"}, 5, fixedNow.Add(time.Hour))
	require.NoError(t, err)

	for _, item := range []*schema.QueueItem{newer, future, older} {
		require.NoError(t, repo.Enqueue(ctx, item))
	}

	items, err := repo.FetchReadyBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, older.ID, items[0].ID)
	assert.Equal(t, newer.ID, items[1].ID)
	assert.Equal(t, schema.OperationRebuildAll, items[0].Operation)
	assert.Equal(t, schema.StatusPending, items[0].Status)
	assert.Equal(t, 5, items[0].MaxAttempts)
	assert.JSONEq(t, string(older.Payload), string(items[0].Payload))
}
