package processor

import (
	"context"
	"errors"
	"fmt"

	"github.com/zoff-tech/go-calsync/pkg/failure"
	"github.com/zoff-tech/go-calsync/pkg/provider"
	"github.com/zoff-tech/go-calsync/pkg/schema"
	"github.com/zoff-tech/go-calsync/pkg/store"
)

// errNoUsableConnection marks auth failures detected before any provider call,
// where the connection is already missing or invalid and must not be flagged again.
var errNoUsableConnection = errors.New("no usable calendar connection")

func (w *SyncWorker) dispatch(ctx context.Context, payload schema.Payload) error {
	switch p := payload.(type) {
	case schema.UpsertEventPayload:
		return w.upsertEvent(ctx, p)
	case schema.CancelEventPayload:
		return w.cancelEvent(ctx, p)
	case schema.RebuildAllPayload:
		return w.rebuildAll(ctx, p)
	}
	return fmt.Errorf("%w: no handler for %s", schema.ErrInvalidPayload, payload.Operation())
}

// calendarFor resolves the workspace connection into a provider client whose calls
// are each bounded by the provider timeout.
func (w *SyncWorker) calendarFor(ctx context.Context, workspaceID string) (provider.Calendar, error) {
	conn, err := w.deps.Connections.Get(ctx, workspaceID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %w: workspace %s has no connection", failure.ErrAuthInvalid, errNoUsableConnection, workspaceID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load connection for workspace %s: %w", workspaceID, err)
	}
	if !conn.IsValid {
		return nil, fmt.Errorf("%w: %w: workspace %s connection is invalid", failure.ErrAuthInvalid, errNoUsableConnection, workspaceID)
	}
	cal, err := w.deps.Calendars.ForConnection(ctx, conn)
	if err != nil {
		return nil, err
	}
	return provider.WithCallTimeout(cal, w.providerTimeout), nil
}

// getBinding returns nil without error when no binding exists.
func (w *SyncWorker) getBinding(ctx context.Context, key schema.BindingKey) (*schema.Binding, error) {
	b, err := w.deps.Bindings.Get(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load binding: %w", err)
	}
	return b, nil
}

func (w *SyncWorker) upsertEvent(ctx context.Context, p schema.UpsertEventPayload) error {
	cal, err := w.calendarFor(ctx, p.WorkspaceID)
	if err != nil {
		return err
	}
	existing, err := w.getBinding(ctx, p.Key())
	if err != nil {
		return err
	}

	binding := &schema.Binding{
		WorkspaceID: p.WorkspaceID,
		CalendarID:  p.CalendarID,
		SourceType:  p.SourceType,
		SourceID:    p.SourceID,
		EventType:   p.EventType,
		Title:       p.Event.Title,
		StartAt:     p.Event.Start,
		EndAt:       p.Event.End,
	}
	if existing != nil {
		if err := cal.UpdateEvent(ctx, p.CalendarID, existing.ExternalEventID, p.Event); err != nil {
			return err
		}
		binding.ID = existing.ID
		binding.ExternalEventID = existing.ExternalEventID
	} else {
		eventID, err := cal.CreateEvent(ctx, p.CalendarID, p.Event)
		if err != nil {
			return err
		}
		binding.ExternalEventID = eventID
	}

	// A failure here leaves the provider event unbound; the retry creates a second one.
	if err := w.deps.Bindings.Upsert(ctx, binding); err != nil {
		return fmt.Errorf("failed to save binding for %s/%s: %w", p.SourceType, p.SourceID, err)
	}
	return nil
}

func (w *SyncWorker) cancelEvent(ctx context.Context, p schema.CancelEventPayload) error {
	cal, err := w.calendarFor(ctx, p.WorkspaceID)
	if err != nil {
		return err
	}
	existing, err := w.getBinding(ctx, p.Key())
	if err != nil {
		return err
	}
	if existing == nil {
		w.logger.DebugContext(ctx, "Nothing to cancel", "workspace_id", p.WorkspaceID, "source_type", p.SourceType, "source_id", p.SourceID)
		return nil
	}

	if err := cal.DeleteEvent(ctx, existing.CalendarID, existing.ExternalEventID); err != nil {
		return err
	}
	if err := w.deps.Bindings.Delete(ctx, p.Key()); err != nil {
		return fmt.Errorf("failed to delete binding for %s/%s: %w", p.SourceType, p.SourceID, err)
	}
	return nil
}

// rebuildAll removes every bound event of the workspace and queues recreation. A workspace
// with more bindings than rebuildBatch is handled over several items: each pass deletes one
// batch of events with their bindings and enqueues a follow-up REBUILD_ALL.
func (w *SyncWorker) rebuildAll(ctx context.Context, p schema.RebuildAllPayload) error {
	cal, err := w.calendarFor(ctx, p.WorkspaceID)
	if err != nil {
		return err
	}
	bindings, err := w.deps.Bindings.ListByWorkspace(ctx, p.WorkspaceID)
	if err != nil {
		return fmt.Errorf("failed to list bindings: %w", err)
	}

	if len(bindings) > w.rebuildBatch {
		for _, b := range bindings[:w.rebuildBatch] {
			if err := w.deleteBoundEvent(ctx, cal, b); err != nil {
				return err
			}
			if err := w.deps.Bindings.Delete(ctx, b.Key()); err != nil {
				return fmt.Errorf("failed to delete binding for %s/%s: %w", b.SourceType, b.SourceID, err)
			}
		}
		return w.continueRebuild(ctx, p, len(bindings)-w.rebuildBatch)
	}

	for _, b := range bindings {
		if err := w.deleteBoundEvent(ctx, cal, b); err != nil {
			return err
		}
	}

	deleted, err := w.deps.Bindings.DeleteByWorkspace(ctx, p.WorkspaceID)
	if err != nil {
		return fmt.Errorf("failed to delete bindings: %w", err)
	}
	w.logger.InfoContext(ctx, "Workspace bindings cleared", "workspace_id", p.WorkspaceID, "count", deleted)

	return w.enqueueActive(ctx, p)
}

// deleteBoundEvent deletes the provider event of b. An event that is already gone counts as deleted.
func (w *SyncWorker) deleteBoundEvent(ctx context.Context, cal provider.Calendar, b schema.Binding) error {
	err := cal.DeleteEvent(ctx, b.CalendarID, b.ExternalEventID)
	if err == nil {
		return nil
	}
	if failure.Classify(err) == failure.NotFound {
		w.logger.InfoContext(ctx, "Event already gone", "workspace_id", b.WorkspaceID, "event_id", b.ExternalEventID)
		return nil
	}
	return err
}

func (w *SyncWorker) continueRebuild(ctx context.Context, p schema.RebuildAllPayload, remaining int) error {
	item, err := schema.NewQueueItem(p, w.maxAttempts, w.now())
	if err != nil {
		return fmt.Errorf("failed to build rebuild continuation: %w", err)
	}
	if err := w.deps.Outbox.Enqueue(ctx, item); err != nil {
		return fmt.Errorf("failed to enqueue rebuild continuation: %w", err)
	}
	w.logger.InfoContext(ctx, "Rebuild continues in a follow-up item",
		"workspace_id", p.WorkspaceID, "next_item_id", item.ID, "remaining", remaining)
	return nil
}

// enqueueActive queues one UPSERT_EVENT per active entity so recreation runs through the queue.
func (w *SyncWorker) enqueueActive(ctx context.Context, p schema.RebuildAllPayload) error {
	if w.deps.Entities == nil {
		w.logger.InfoContext(ctx, "No entity source configured, rebuild recreates nothing", "workspace_id", p.WorkspaceID)
		return nil
	}
	entities, err := w.deps.Entities.ActiveEntities(ctx, p.WorkspaceID)
	if err != nil {
		return fmt.Errorf("failed to list active entities: %w", err)
	}

	now := w.now()
	for _, e := range entities {
		item, err := schema.NewQueueItem(schema.UpsertEventPayload{
			WorkspaceID: p.WorkspaceID,
			CalendarID:  p.CalendarID,
			SourceType:  e.SourceType,
			SourceID:    e.SourceID,
			EventType:   e.EventType,
			Event:       e.Event,
		}, w.maxAttempts, now)
		if err != nil {
			return fmt.Errorf("failed to build upsert for %s/%s: %w", e.SourceType, e.SourceID, err)
		}
		if err := w.deps.Outbox.Enqueue(ctx, item); err != nil {
			return fmt.Errorf("failed to enqueue upsert for %s/%s: %w", e.SourceType, e.SourceID, err)
		}
	}
	w.logger.InfoContext(ctx, "Rebuild enqueued upserts", "workspace_id", p.WorkspaceID, "count", len(entities))
	return nil
}
