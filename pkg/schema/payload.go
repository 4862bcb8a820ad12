package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrInvalidPayload is returned when a payload cannot be processed no matter how often it is retried.
var ErrInvalidPayload = errors.New("invalid payload")

// Payload is the operation-specific body of a queue item.
// The set of implementations is closed: UpsertEventPayload, CancelEventPayload, RebuildAllPayload.
type Payload interface {
	Operation() Operation
	Workspace() string
	isPayload()
}

// EventFields is the provider-neutral description of a calendar event.
type EventFields struct {
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	IsAllDay    bool      `json:"isAllDay"`
	Recurrence  []string  `json:"recurrence,omitempty"`
	Location    string    `json:"location,omitempty"`
	ColorID     string    `json:"colorId,omitempty"`
}

type UpsertEventPayload struct {
	WorkspaceID string      `json:"workspaceId"`
	CalendarID  string      `json:"calendarId"`
	SourceType  SourceType  `json:"sourceType"`
	SourceID    string      `json:"sourceId"`
	EventType   string      `json:"eventType"`
	Event       EventFields `json:"event"`
}

type CancelEventPayload struct {
	WorkspaceID string     `json:"workspaceId"`
	CalendarID  string     `json:"calendarId"`
	SourceType  SourceType `json:"sourceType"`
	SourceID    string     `json:"sourceId"`
}

type RebuildAllPayload struct {
	WorkspaceID string `json:"workspaceId"`
	CalendarID  string `json:"calendarId"`
}

func (UpsertEventPayload) Operation() Operation { return OperationUpsertEvent }
func (CancelEventPayload) Operation() Operation { return OperationCancelEvent }
func (RebuildAllPayload) Operation() Operation  { return OperationRebuildAll }

func (p UpsertEventPayload) Workspace() string { return p.WorkspaceID }
func (p CancelEventPayload) Workspace() string { return p.WorkspaceID }
func (p RebuildAllPayload) Workspace() string  { return p.WorkspaceID }

func (UpsertEventPayload) isPayload() {}
func (CancelEventPayload) isPayload() {}
func (RebuildAllPayload) isPayload()  {}

// Key returns the binding identity the payload targets.
func (p UpsertEventPayload) Key() BindingKey {
	return BindingKey{WorkspaceID: p.WorkspaceID, SourceType: p.SourceType, SourceID: p.SourceID}
}

// Key returns the binding identity the payload targets.
func (p CancelEventPayload) Key() BindingKey {
	return BindingKey{WorkspaceID: p.WorkspaceID, SourceType: p.SourceType, SourceID: p.SourceID}
}

// DecodePayload validates raw against the schema registered for op and decodes it.
// Every error returned wraps ErrInvalidPayload.
func DecodePayload(op Operation, raw json.RawMessage) (Payload, error) {
	if !op.Valid() {
		return nil, fmt.Errorf("%w: unknown operation %q", ErrInvalidPayload, op)
	}
	if err := validatePayload(op, raw); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, op, err)
	}

	switch op {
	case OperationUpsertEvent:
		var p UpsertEventPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		if p.Event.End.Before(p.Event.Start) {
			return nil, fmt.Errorf("%w: event ends before it starts", ErrInvalidPayload)
		}
		return p, nil
	case OperationCancelEvent:
		var p CancelEventPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		return p, nil
	case OperationRebuildAll:
		var p RebuildAllPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		return p, nil
	}
	return nil, fmt.Errorf("%w: unknown operation %q", ErrInvalidPayload, op)
}
