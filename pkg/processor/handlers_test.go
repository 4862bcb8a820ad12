package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zoff-tech/go-calsync/pkg/config"
	"github.com/zoff-tech/go-calsync/pkg/failure"
	"github.com/zoff-tech/go-calsync/pkg/schema"
	"github.com/zoff-tech/go-calsync/pkg/store"
)

func TestUpsertEvent_TwiceConvergesOnOneEvent(t *testing.T) {
	h := newHarness(t)

	first := h.outbox.add(t, upsertPayload("t-1", "Draft"), 0)
	h.poll(t)
	second := h.outbox.add(t, upsertPayload("t-1", "Final"), 0)
	h.poll(t)

	assert.Equal(t, schema.StatusCompleted, h.outbox.get(first.ID).Status)
	assert.Equal(t, schema.StatusCompleted, h.outbox.get(second.ID).Status)

	creates, updates, _ := h.cal.calls()
	assert.Equal(t, 1, creates)
	assert.Equal(t, 1, updates)
	assert.Equal(t, 1, h.cal.eventCount())
	assert.Equal(t, 1, h.bindings.count())

	b, err := h.bindings.Get(context.Background(), upsertPayload("t-1", "").Key())
	require.NoError(t, err)
	assert.Equal(t, "evt-1", b.ExternalEventID)
	assert.Equal(t, "Final", b.Title)
	assert.Equal(t, int64(2), b.SyncVersion)
	assert.Equal(t, "task_due", b.EventType)
	assert.Equal(t, fixedNow.Add(24*time.Hour), b.StartAt)
}

func TestCancelEvent_TwiceIsNoOp(t *testing.T) {
	h := newHarness(t)
	h.outbox.add(t, upsertPayload("t-1", "Review"), 0)
	h.poll(t)

	first := h.outbox.add(t, cancelPayload("t-1"), 0)
	h.poll(t)
	second := h.outbox.add(t, cancelPayload("t-1"), 0)
	h.poll(t)

	assert.Equal(t, schema.StatusCompleted, h.outbox.get(first.ID).Status)
	assert.Equal(t, schema.StatusCompleted, h.outbox.get(second.ID).Status)
	_, _, deletes := h.cal.calls()
	assert.Equal(t, 1, deletes)
	assert.Equal(t, 0, h.bindings.count())
	assert.Equal(t, 0, h.cal.eventCount())
}

func TestCancelEvent_ProviderNotFoundDeadLetters(t *testing.T) {
	h := newHarness(t)
	h.outbox.add(t, upsertPayload("t-1", "Review"), 0)
	h.poll(t)
	h.cal.deleteErr["evt-1"] = fmt.Errorf("failed to delete event: %w", failure.ErrNotFound)

	item := h.outbox.add(t, cancelPayload("t-1"), 0)
	h.poll(t)

	got := h.outbox.get(item.ID)
	assert.Equal(t, schema.StatusDeadLetter, got.Status)
	require.NotNil(t, got.LastError)
	assert.Contains(t, *got.LastError, string(failure.NotFound))
	assert.Equal(t, 1, h.bindings.count())
}

func TestUpsertEvent_UpdateNotFoundIsNotRecreated(t *testing.T) {
	h := newHarness(t)
	h.outbox.add(t, upsertPayload("t-1", "Review"), 0)
	h.poll(t)
	h.cal.updateErr = failure.ErrNotFound

	item := h.outbox.add(t, upsertPayload("t-1", "Moved"), 0)
	h.poll(t)

	assert.Equal(t, schema.StatusDeadLetter, h.outbox.get(item.ID).Status)
	creates, _, _ := h.cal.calls()
	assert.Equal(t, 1, creates)
}

func TestConnectionUnusable_NoProviderCall(t *testing.T) {
	tests := []struct {
		name  string
		setup func(c *fakeConnections)
	}{
		{"missing", func(c *fakeConnections) { delete(c.conns, "ws-1") }},
		{"invalid", func(c *fakeConnections) { c.conns["ws-1"].IsValid = false }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			tt.setup(h.conns)

			item := h.outbox.add(t, upsertPayload("t-1", "Review"), 0)
			h.poll(t)

			got := h.outbox.get(item.ID)
			assert.Equal(t, schema.StatusDeadLetter, got.Status)
			assert.Equal(t, 1, got.Attempts)
			assert.Equal(t, 0, h.factory.built)
			creates, updates, deletes := h.cal.calls()
			assert.Zero(t, creates+updates+deletes)
			assert.Empty(t, h.conns.invalidated)
		})
	}
}

func TestRebuildAll_ToleratesNotFound(t *testing.T) {
	h := newHarness(t)
	for i := 1; i <= 3; i++ {
		h.outbox.add(t, upsertPayload(fmt.Sprintf("t-%d", i), "Event"), 0)
	}
	h.poll(t)
	require.Equal(t, 3, h.bindings.count())
	h.cal.deleteErr["evt-2"] = fmt.Errorf("failed to delete event: %w", failure.ErrNotFound)

	item := h.outbox.add(t, schema.RebuildAllPayload{WorkspaceID: "ws-1", CalendarID: "primary"}, 0)
	h.poll(t)

	assert.Equal(t, schema.StatusCompleted, h.outbox.get(item.ID).Status)
	assert.Equal(t, 0, h.bindings.count())
	_, _, deletes := h.cal.calls()
	assert.Equal(t, 3, deletes)
}

func TestRebuildAll_TransientDeleteRetriesWholeRebuild(t *testing.T) {
	h := newHarness(t)
	h.outbox.add(t, upsertPayload("t-1", "Event"), 0)
	h.outbox.add(t, upsertPayload("t-2", "Event"), 0)
	h.poll(t)
	h.cal.deleteErr["evt-2"] = errors.New("connection reset")

	item := h.outbox.add(t, schema.RebuildAllPayload{WorkspaceID: "ws-1", CalendarID: "primary"}, 0)
	h.poll(t)

	got := h.outbox.get(item.ID)
	assert.Equal(t, schema.StatusFailed, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, 2, h.bindings.count())
}

func TestRebuildAll_EnqueuesActiveEntities(t *testing.T) {
	entities := &fakeEntities{entities: []store.ActiveEntity{
		{SourceType: schema.SourceMilestone, SourceID: "m-1", EventType: "milestone_due",
			Event: schema.EventFields{Title: "Gate 1", Start: fixedNow, End: fixedNow.Add(time.Hour)}},
		{SourceType: schema.SourceProjectReview, SourceID: "r-1", EventType: "review",
			Event: schema.EventFields{Title: "Review", Start: fixedNow, End: fixedNow.Add(24 * time.Hour), IsAllDay: true}},
	}}
	h := newHarness(t, func(cfg *config.Settings, deps *Dependencies) {
		cfg.MaxRetries = 7
		deps.Entities = entities
	})
	h.outbox.add(t, upsertPayload("t-1", "Old"), 0)
	h.poll(t)

	rebuild := h.outbox.add(t, schema.RebuildAllPayload{WorkspaceID: "ws-1", CalendarID: "team"}, 0)
	h.poll(t)
	require.Equal(t, schema.StatusCompleted, h.outbox.get(rebuild.ID).Status)

	var queued []schema.QueueItem
	for _, it := range h.outbox.byOperation(schema.OperationUpsertEvent) {
		if it.Status == schema.StatusPending {
			queued = append(queued, it)
		}
	}
	require.Len(t, queued, 2)
	for _, it := range queued {
		assert.Equal(t, "ws-1", it.WorkspaceID)
		assert.Equal(t, 7, it.MaxAttempts)
		p, err := schema.DecodePayload(it.Operation, it.Payload)
		require.NoError(t, err)
		assert.Equal(t, "team", p.(schema.UpsertEventPayload).CalendarID)
	}

	h.poll(t)
	assert.Equal(t, 2, h.bindings.count())
}

func TestInvalidPayload_DeadLettersWithoutProviderCall(t *testing.T) {
	h := newHarness(t)
	item := h.outbox.addRaw(schema.OperationCancelEvent, `{"workspaceId":"ws-1","calendarId":"primary","sourceType":"invoice","sourceId":"1"}`)

	h.poll(t)

	got := h.outbox.get(item.ID)
	assert.Equal(t, schema.StatusDeadLetter, got.Status)
	require.NotNil(t, got.LastError)
	assert.Contains(t, *got.LastError, string(failure.InvalidPayload))
	assert.Equal(t, 0, h.factory.built)
	require.Len(t, h.sink.events, 1)
	assert.Equal(t, string(failure.InvalidPayload), h.sink.events[0].Class)
}

func TestUnknownOperation_DeadLetters(t *testing.T) {
	h := newHarness(t)
	item := h.outbox.addRaw(schema.Operation("SEND_INVITE"), `{"workspaceId":"ws-1"}`)

	h.poll(t)

	assert.Equal(t, schema.StatusDeadLetter, h.outbox.get(item.ID).Status)
}

func TestPayloadForOtherWorkspace_DeadLettersWithoutFlagging(t *testing.T) {
	h := newHarness(t)
	h.conns.conns["ws-2"] = &schema.Connection{WorkspaceID: "ws-2", AccessToken: "token-ws-2", IsValid: true}
	h.cal.createErr = fmt.Errorf("failed to create event: %w", failure.ErrAuthInvalid)

	p := upsertPayload("t-1", "Review")
	p.WorkspaceID = "ws-2"
	raw, err := json.Marshal(p)
	require.NoError(t, err)
	item := h.outbox.addRaw(schema.OperationUpsertEvent, string(raw))

	h.poll(t)

	got := h.outbox.get(item.ID)
	assert.Equal(t, schema.StatusDeadLetter, got.Status)
	require.NotNil(t, got.LastError)
	assert.Contains(t, *got.LastError, string(failure.InvalidPayload))
	assert.Equal(t, 0, h.factory.built)
	assert.Empty(t, h.conns.invalidated)
	assert.True(t, h.conns.valid("ws-1"))
	assert.True(t, h.conns.valid("ws-2"))
}

func TestRebuildAll_TimeoutAppliesPerProviderCall(t *testing.T) {
	h := newHarness(t, func(cfg *config.Settings, _ *Dependencies) {
		cfg.Worker.ProviderTimeout = 100 * time.Millisecond
		cfg.Rebuild.MaxDeletesPerAttempt = 50
	})
	for i := 1; i <= 8; i++ {
		h.outbox.add(t, upsertPayload(fmt.Sprintf("t-%d", i), "Event"), 0)
	}
	h.poll(t)
	require.Equal(t, 8, h.bindings.count())

	// Eight deletes take longer than one timeout in total but each fits its own budget.
	h.cal.onDelete = func(ctx context.Context) error {
		select {
		case <-time.After(20 * time.Millisecond):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	item := h.outbox.add(t, schema.RebuildAllPayload{WorkspaceID: "ws-1", CalendarID: "primary"}, 0)
	h.poll(t)

	assert.Equal(t, schema.StatusCompleted, h.outbox.get(item.ID).Status)
	assert.Equal(t, 0, h.bindings.count())
}

func TestRebuildAll_LargeWorkspaceContinuesInFollowUpItems(t *testing.T) {
	h := newHarness(t, func(cfg *config.Settings, _ *Dependencies) {
		cfg.Rebuild.MaxDeletesPerAttempt = 2
		cfg.BatchSize = 1
	})
	for i := 1; i <= 5; i++ {
		h.outbox.add(t, upsertPayload(fmt.Sprintf("t-%d", i), "Event"), 0)
	}
	for i := 0; i < 5; i++ {
		h.poll(t)
	}
	require.Equal(t, 5, h.bindings.count())

	first := h.outbox.add(t, schema.RebuildAllPayload{WorkspaceID: "ws-1", CalendarID: "primary"}, 0)
	h.poll(t)

	assert.Equal(t, schema.StatusCompleted, h.outbox.get(first.ID).Status)
	assert.Equal(t, 3, h.bindings.count())
	_, _, deletes := h.cal.calls()
	assert.Equal(t, 2, deletes)
	require.Len(t, pending(h.outbox.byOperation(schema.OperationRebuildAll)), 1)

	h.poll(t)
	assert.Equal(t, 1, h.bindings.count())
	h.poll(t)
	assert.Equal(t, 0, h.bindings.count())
	assert.Empty(t, pending(h.outbox.byOperation(schema.OperationRebuildAll)))

	_, _, deletes = h.cal.calls()
	assert.Equal(t, 5, deletes)
	assert.Equal(t, 0, h.cal.eventCount())
	for _, it := range h.outbox.byOperation(schema.OperationRebuildAll) {
		assert.Equal(t, schema.StatusCompleted, it.Status)
	}
}

func pending(items []schema.QueueItem) []schema.QueueItem {
	var out []schema.QueueItem
	for _, it := range items {
		if it.Status == schema.StatusPending {
			out = append(out, it)
		}
	}
	return out
}
