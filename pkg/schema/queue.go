package schema

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status represents the lifecycle state of a queue item.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusDeadLetter Status = "DEAD_LETTER"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusDeadLetter}

// Terminal reports whether no further automatic processing happens in this status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusDeadLetter
}

// Operation tags the shape of a queue item's payload.
type Operation string

const (
	OperationUpsertEvent Operation = "UPSERT_EVENT"
	OperationCancelEvent Operation = "CANCEL_EVENT"
	OperationRebuildAll  Operation = "REBUILD_ALL"
)

// Valid reports whether op is a known operation.
func (op Operation) Valid() bool {
	switch op {
	case OperationUpsertEvent, OperationCancelEvent, OperationRebuildAll:
		return true
	}
	return false
}

// DefaultMaxAttempts is used when an item is enqueued without an explicit budget.
const DefaultMaxAttempts = 5

// QueueItem represents a row of the sync_queue outbox table.
type QueueItem struct {
	ID            string          `json:"id"`
	WorkspaceID   string          `json:"workspace_id"`
	Operation     Operation       `json:"operation"`
	Payload       json.RawMessage `json:"payload"`
	Status        Status          `json:"status"`
	Attempts      int             `json:"attempts"`
	MaxAttempts   int             `json:"max_attempts"`
	NextAttemptAt time.Time       `json:"next_attempt_at"`
	LastError     *string         `json:"last_error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	ProcessedAt   *time.Time      `json:"processed_at,omitempty"`
}

// NewQueueItem creates a pending QueueItem for the given payload, eligible immediately.
func NewQueueItem(payload Payload, maxAttempts int, now time.Time) (*QueueItem, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	if maxAttempts < 1 {
		maxAttempts = DefaultMaxAttempts
	}
	return &QueueItem{
		ID:            uuid.NewString(),
		WorkspaceID:   payload.Workspace(),
		Operation:     payload.Operation(),
		Payload:       raw,
		Status:        StatusPending,
		Attempts:      0,
		MaxAttempts:   maxAttempts,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// StatusCount is one row of the status-count operational query.
type StatusCount struct {
	Status Status `json:"status"`
	Count  int64  `json:"count"`
}

// DecodePayload decodes the item payload and checks it targets the item's workspace.
// Every error returned wraps ErrInvalidPayload.
func (q QueueItem) DecodePayload() (Payload, error) {
	p, err := DecodePayload(q.Operation, q.Payload)
	if err != nil {
		return nil, err
	}
	if p.Workspace() != q.WorkspaceID {
		return nil, fmt.Errorf("%w: payload workspace %q does not match item workspace %q",
			ErrInvalidPayload, p.Workspace(), q.WorkspaceID)
	}
	return p, nil
}
