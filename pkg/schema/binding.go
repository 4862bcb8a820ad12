package schema

import "time"

// SourceType identifies the kind of internal entity a calendar event mirrors.
type SourceType string

const (
	SourceTask          SourceType = "task"
	SourceMilestone     SourceType = "milestone"
	SourceGateRun       SourceType = "gate_run"
	SourceProjectReview SourceType = "project_review"
)

// BindingKey is the unique identity of a binding.
type BindingKey struct {
	WorkspaceID string
	SourceType  SourceType
	SourceID    string
}

// Binding maps an internal entity to the external event it produced.
type Binding struct {
	ID              string     `json:"id"`
	WorkspaceID     string     `json:"workspace_id"`
	ExternalEventID string     `json:"external_event_id"`
	CalendarID      string     `json:"calendar_id"`
	SourceType      SourceType `json:"source_type"`
	SourceID        string     `json:"source_id"`
	EventType       string     `json:"event_type"`
	Title           string     `json:"title"`
	StartAt         time.Time  `json:"start_at"`
	EndAt           time.Time  `json:"end_at"`
	LastSyncedAt    time.Time  `json:"last_synced_at"`
	SyncVersion     int64      `json:"sync_version"`
}

// Key returns the binding's unique identity.
func (b *Binding) Key() BindingKey {
	return BindingKey{WorkspaceID: b.WorkspaceID, SourceType: b.SourceType, SourceID: b.SourceID}
}
