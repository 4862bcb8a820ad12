package store

import (
	"context"
	"errors"
	"time"

	"github.com/zoff-tech/go-calsync/pkg/schema"
)

// ErrNotFound is returned when the addressed row does not exist or is not in the expected state.
var ErrNotFound = errors.New("not found")

// OutboxStore defines the database operations on the sync_queue outbox.
type OutboxStore interface {
	// FetchReadyBatch returns up to limit items that are due, oldest first. It does not modify rows.
	FetchReadyBatch(ctx context.Context, limit int) ([]schema.QueueItem, error)
	// MarkProcessing claims an item. It returns false when the item is no longer eligible.
	MarkProcessing(ctx context.Context, id string) (bool, error)
	// MarkCompleted moves a processing item to COMPLETED and stamps processed_at.
	MarkCompleted(ctx context.Context, id string) error
	// MarkFailedForRetry moves a processing item to FAILED with the given attempt count and due time.
	MarkFailedForRetry(ctx context.Context, id string, attempts int, nextAttemptAt time.Time, lastError string) error
	// MarkDeadLetter moves a processing item to DEAD_LETTER.
	MarkDeadLetter(ctx context.Context, id string, attempts int, lastError string) error
	// Enqueue inserts a new item.
	Enqueue(ctx context.Context, item *schema.QueueItem) error
	// Requeue moves a DEAD_LETTER item back to PENDING with a fresh attempts budget.
	Requeue(ctx context.Context, id string) error
	// StatusCounts groups queue rows by status.
	StatusCounts(ctx context.Context) ([]schema.StatusCount, error)
	// ListDeadLetters returns the most recently dead-lettered items.
	ListDeadLetters(ctx context.Context, limit int) ([]schema.QueueItem, error)
	// Sweep deletes COMPLETED and DEAD_LETTER items last updated before olderThan.
	Sweep(ctx context.Context, olderThan time.Time) (int64, error)
}

// BindingRepository stores the mapping between internal entities and external events.
type BindingRepository interface {
	Get(ctx context.Context, key schema.BindingKey) (*schema.Binding, error)
	// Upsert inserts or updates the binding for b.Key(), bumping sync_version on update.
	// The stored id and sync version are written back to b.
	Upsert(ctx context.Context, b *schema.Binding) error
	Delete(ctx context.Context, key schema.BindingKey) error
	ListByWorkspace(ctx context.Context, workspaceID string) ([]schema.Binding, error)
	DeleteByWorkspace(ctx context.Context, workspaceID string) (int64, error)
}

// ConnectionRepository reads workspace credentials and flags them invalid.
type ConnectionRepository interface {
	Get(ctx context.Context, workspaceID string) (*schema.Connection, error)
	// MarkInvalid only ever sets is_valid to false.
	MarkInvalid(ctx context.Context, workspaceID string, reason string) error
}

// ActiveEntity is a tracked entity that should currently have a calendar event.
type ActiveEntity struct {
	SourceType schema.SourceType
	SourceID   string
	EventType  string
	Event      schema.EventFields
}

// ActiveEntitySource lists the entities a rebuild recreates.
type ActiveEntitySource interface {
	ActiveEntities(ctx context.Context, workspaceID string) ([]ActiveEntity, error)
}

// TokenDecrypter turns stored credentials into usable tokens.
type TokenDecrypter interface {
	Decrypt(ctx context.Context, stored string) (string, error)
}

// TokenEncrypter is implemented by decrypters that can also seal tokens for storage.
type TokenEncrypter interface {
	Encrypt(ctx context.Context, plain string) (string, error)
}

// PlainTokens is a TokenDecrypter for credentials stored unencrypted.
type PlainTokens struct{}

func (PlainTokens) Decrypt(_ context.Context, stored string) (string, error) {
	return stored, nil
}

func (PlainTokens) Encrypt(_ context.Context, plain string) (string, error) {
	return plain, nil
}
