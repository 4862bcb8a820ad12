package schema

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodePayload_Upsert(t *testing.T) {
	raw := json.RawMessage(`{
		"workspaceId": "ws-1",
		"calendarId": "primary",
		"sourceType": "milestone",
		"sourceId": "m-42",
		"eventType": "milestone_due",
		"event": {
			"title": "Gate 2 review",
			"description": null,
			"start": "2026-03-01T09:00:00.000Z",
			"end": "2026-03-01T10:00:00.000Z",
			"isAllDay": false,
			"recurrence": ["RRULE:FREQ=WEEKLY;COUNT=3"],
			"colorId": "5"
		}
	}`)

	p, err := DecodePayload(OperationUpsertEvent, raw)
	require.NoError(t, err)

	upsert, ok := p.(UpsertEventPayload)
	require.True(t, ok)
	assert.Equal(t, "ws-1", upsert.Workspace())
	assert.Equal(t, SourceMilestone, upsert.SourceType)
	assert.Equal(t, "Gate 2 review", upsert.Event.Title)
	assert.Equal(t, time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC), upsert.Event.Start.UTC())
	assert.Equal(t, []string{"RRULE:FREQ=WEEKLY;COUNT=3"}, upsert.Event.Recurrence)
	assert.Equal(t, BindingKey{WorkspaceID: "ws-1", SourceType: SourceMilestone, SourceID: "m-42"}, upsert.Key())
}

func TestDecodePayload_Cancel(t *testing.T) {
	raw := json.RawMessage(`{"workspaceId":"ws-1","calendarId":"primary","sourceType":"task","sourceId":"t-1"}`)

	p, err := DecodePayload(OperationCancelEvent, raw)
	require.NoError(t, err)
	assert.Equal(t, OperationCancelEvent, p.Operation())
	assert.Equal(t, "t-1", p.(CancelEventPayload).SourceID)
}

func TestDecodePayload_Rebuild(t *testing.T) {
	p, err := DecodePayload(OperationRebuildAll, json.RawMessage(`{"workspaceId":"ws-1","calendarId":"primary"}`))
	require.NoError(t, err)
	assert.Equal(t, RebuildAllPayload{WorkspaceID: "ws-1", CalendarID: "primary"}, p)
}

func TestDecodePayload_Rejects(t *testing.T) {
	tests := []struct {
		name string
		op   Operation
		raw  string
	}{
		{"unknown operation", Operation("SEND_EMAIL"), `{"workspaceId":"ws-1"}`},
		{"missing source id", OperationCancelEvent, `{"workspaceId":"ws-1","calendarId":"c","sourceType":"task"}`},
		{"unknown source type", OperationCancelEvent, `{"workspaceId":"ws-1","calendarId":"c","sourceType":"invoice","sourceId":"1"}`},
		{"empty workspace", OperationRebuildAll, `{"workspaceId":"","calendarId":"c"}`},
		{"not json", OperationRebuildAll, `{"workspaceId":`},
		{"bad timestamp", OperationUpsertEvent, `{"workspaceId":"w","calendarId":"c","sourceType":"task","sourceId":"1","eventType":"due",
			"event":{"title":"t","start":"tomorrow","end":"2026-03-01T10:00:00Z","isAllDay":false}}`},
		{"missing event", OperationUpsertEvent, `{"workspaceId":"w","calendarId":"c","sourceType":"task","sourceId":"1","eventType":"due"}`},
		{"ends before start", OperationUpsertEvent, `{"workspaceId":"w","calendarId":"c","sourceType":"task","sourceId":"1","eventType":"due",
			"event":{"title":"t","start":"2026-03-02T10:00:00Z","end":"2026-03-01T10:00:00Z","isAllDay":false}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := DecodePayload(tt.op, json.RawMessage(tt.raw))
			assert.Nil(t, p)
			assert.ErrorIs(t, err, ErrInvalidPayload)
		})
	}
}

func TestNewQueueItem(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	item, err := NewQueueItem(CancelEventPayload{
		WorkspaceID: "ws-9",
		CalendarID:  "primary",
		SourceType:  SourceGateRun,
		SourceID:    "g-1",
	}, 0, now)
	require.NoError(t, err)

	assert.NotEmpty(t, item.ID)
	assert.Equal(t, "ws-9", item.WorkspaceID)
	assert.Equal(t, OperationCancelEvent, item.Operation)
	assert.Equal(t, StatusPending, item.Status)
	assert.Equal(t, DefaultMaxAttempts, item.MaxAttempts)
	assert.Equal(t, now, item.NextAttemptAt)

	decoded, err := DecodePayload(item.Operation, item.Payload)
	require.NoError(t, err)
	assert.Equal(t, "g-1", decoded.(CancelEventPayload).SourceID)
}

func TestStatusTerminal(t *testing.T) {
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusDeadLetter.Terminal())
	assert.False(t, StatusFailed.Terminal())
	assert.False(t, StatusProcessing.Terminal())
}

func TestQueueItemDecodePayload_WorkspaceMismatch(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	item, err := NewQueueItem(RebuildAllPayload{WorkspaceID: "ws-2", CalendarID: "primary"}, 0, now)
	require.NoError(t, err)

	p, err := item.DecodePayload()
	require.NoError(t, err)
	assert.Equal(t, "ws-2", p.Workspace())

	item.WorkspaceID = "ws-1"
	_, err = item.DecodePayload()
	assert.ErrorIs(t, err, ErrInvalidPayload)
}
