package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zoff-tech/go-calsync/pkg/broker"
	"github.com/zoff-tech/go-calsync/pkg/config"
	"github.com/zoff-tech/go-calsync/pkg/provider"
	"github.com/zoff-tech/go-calsync/pkg/schema"
	"github.com/zoff-tech/go-calsync/pkg/store"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testSettings() *config.Settings {
	return &config.Settings{
		PollInterval:    10 * time.Millisecond,
		BatchSize:       10,
		MaxRetries:      5,
		RetryBackoff:    time.Second,
		RetryBackoffMax: time.Hour,
		Worker: config.WorkerSettings{
			Concurrency:     1,
			ProviderTimeout: time.Second,
		},
		Retention: config.RetentionSettings{MaxAge: 24 * time.Hour},
	}
}

// fakeOutbox is an in-memory sync_queue with the same eligibility rules as the SQL stores.
type fakeOutbox struct {
	mu         sync.Mutex
	now        func() time.Time
	items      map[string]*schema.QueueItem
	claimErr   error
	fetchErr   error
	markErr    error
	sweptSince time.Time
}

func newFakeOutbox() *fakeOutbox {
	return &fakeOutbox{now: func() time.Time { return fixedNow }, items: map[string]*schema.QueueItem{}}
}

func (o *fakeOutbox) add(t *testing.T, p schema.Payload, attempts int) *schema.QueueItem {
	t.Helper()
	item, err := schema.NewQueueItem(p, 5, fixedNow.Add(-time.Minute))
	require.NoError(t, err)
	item.Attempts = attempts
	item.CreatedAt = fixedNow.Add(-time.Minute).Add(time.Duration(len(o.items)) * time.Millisecond)
	o.mu.Lock()
	o.items[item.ID] = item
	o.mu.Unlock()
	return item
}

func (o *fakeOutbox) addRaw(op schema.Operation, raw string) *schema.QueueItem {
	item := &schema.QueueItem{
		ID: fmt.Sprintf("raw-%d", len(o.items)), WorkspaceID: "ws-1", Operation: op, Payload: json.RawMessage(raw),
		Status: schema.StatusPending, MaxAttempts: 5, NextAttemptAt: fixedNow.Add(-time.Minute), CreatedAt: fixedNow,
	}
	o.mu.Lock()
	o.items[item.ID] = item
	o.mu.Unlock()
	return item
}

func (o *fakeOutbox) get(id string) schema.QueueItem {
	o.mu.Lock()
	defer o.mu.Unlock()
	return *o.items[id]
}

func (o *fakeOutbox) byOperation(op schema.Operation) []schema.QueueItem {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []schema.QueueItem
	for _, it := range o.items {
		if it.Operation == op {
			out = append(out, *it)
		}
	}
	return out
}

// release makes a FAILED item due again.
func (o *fakeOutbox) release(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.items[id].NextAttemptAt = o.now()
}

func (o *fakeOutbox) FetchReadyBatch(_ context.Context, limit int) ([]schema.QueueItem, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.fetchErr != nil {
		return nil, o.fetchErr
	}
	var ready []schema.QueueItem
	for _, it := range o.items {
		if (it.Status == schema.StatusPending || it.Status == schema.StatusFailed) && !it.NextAttemptAt.After(o.now()) {
			ready = append(ready, *it)
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		if ready[i].CreatedAt.Equal(ready[j].CreatedAt) {
			return ready[i].ID < ready[j].ID
		}
		return ready[i].CreatedAt.Before(ready[j].CreatedAt)
	})
	if len(ready) > limit {
		ready = ready[:limit]
	}
	return ready, nil
}

func (o *fakeOutbox) MarkProcessing(_ context.Context, id string) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.claimErr != nil {
		return false, o.claimErr
	}
	it, ok := o.items[id]
	if !ok || (it.Status != schema.StatusPending && it.Status != schema.StatusFailed) {
		return false, nil
	}
	it.Status = schema.StatusProcessing
	return true, nil
}

func (o *fakeOutbox) transition(id string, fn func(it *schema.QueueItem)) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.markErr != nil {
		return o.markErr
	}
	it, ok := o.items[id]
	if !ok || it.Status != schema.StatusProcessing {
		return fmt.Errorf("item %s: %w", id, store.ErrNotFound)
	}
	fn(it)
	return nil
}

func (o *fakeOutbox) MarkCompleted(_ context.Context, id string) error {
	return o.transition(id, func(it *schema.QueueItem) {
		now := o.now()
		it.Status = schema.StatusCompleted
		it.ProcessedAt = &now
	})
}

func (o *fakeOutbox) MarkFailedForRetry(_ context.Context, id string, attempts int, next time.Time, lastError string) error {
	return o.transition(id, func(it *schema.QueueItem) {
		it.Status = schema.StatusFailed
		it.Attempts = attempts
		it.NextAttemptAt = next
		it.LastError = &lastError
	})
}

func (o *fakeOutbox) MarkDeadLetter(_ context.Context, id string, attempts int, lastError string) error {
	return o.transition(id, func(it *schema.QueueItem) {
		it.Status = schema.StatusDeadLetter
		it.Attempts = attempts
		it.LastError = &lastError
	})
}

func (o *fakeOutbox) Enqueue(_ context.Context, item *schema.QueueItem) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	cp := *item
	o.items[item.ID] = &cp
	return nil
}

func (o *fakeOutbox) Requeue(context.Context, string) error { return nil }

func (o *fakeOutbox) StatusCounts(context.Context) ([]schema.StatusCount, error) { return nil, nil }

func (o *fakeOutbox) ListDeadLetters(context.Context, int) ([]schema.QueueItem, error) {
	return nil, nil
}

func (o *fakeOutbox) Sweep(_ context.Context, olderThan time.Time) (int64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sweptSince = olderThan
	var n int64
	for id, it := range o.items {
		if it.Status.Terminal() && it.UpdatedAt.Before(olderThan) {
			delete(o.items, id)
			n++
		}
	}
	return n, nil
}

type fakeBindings struct {
	mu        sync.Mutex
	rows      map[schema.BindingKey]*schema.Binding
	upsertErr error
	seq       int
}

func newFakeBindings() *fakeBindings {
	return &fakeBindings{rows: map[schema.BindingKey]*schema.Binding{}}
}

func (b *fakeBindings) Get(_ context.Context, key schema.BindingKey) (*schema.Binding, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	row, ok := b.rows[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *row
	return &cp, nil
}

func (b *fakeBindings) Upsert(_ context.Context, in *schema.Binding) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.upsertErr != nil {
		return b.upsertErr
	}
	cp := *in
	if prev, ok := b.rows[in.Key()]; ok {
		cp.ID = prev.ID
		cp.SyncVersion = prev.SyncVersion + 1
	} else {
		b.seq++
		cp.ID = fmt.Sprintf("binding-%d", b.seq)
		cp.SyncVersion = 1
	}
	b.rows[in.Key()] = &cp
	in.ID, in.SyncVersion = cp.ID, cp.SyncVersion
	return nil
}

func (b *fakeBindings) Delete(_ context.Context, key schema.BindingKey) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.rows, key)
	return nil
}

func (b *fakeBindings) ListByWorkspace(_ context.Context, workspaceID string) ([]schema.Binding, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []schema.Binding
	for _, row := range b.rows {
		if row.WorkspaceID == workspaceID {
			out = append(out, *row)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (b *fakeBindings) DeleteByWorkspace(_ context.Context, workspaceID string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var n int64
	for key, row := range b.rows {
		if row.WorkspaceID == workspaceID {
			delete(b.rows, key)
			n++
		}
	}
	return n, nil
}

func (b *fakeBindings) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.rows)
}

type fakeConnections struct {
	mu          sync.Mutex
	conns       map[string]*schema.Connection
	invalidated []string
}

func newFakeConnections(workspaces ...string) *fakeConnections {
	c := &fakeConnections{conns: map[string]*schema.Connection{}}
	for _, ws := range workspaces {
		c.conns[ws] = &schema.Connection{WorkspaceID: ws, AccessToken: "token-" + ws, IsValid: true}
	}
	return c
}

func (c *fakeConnections) Get(_ context.Context, workspaceID string) (*schema.Connection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	conn, ok := c.conns[workspaceID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *conn
	return &cp, nil
}

func (c *fakeConnections) MarkInvalid(_ context.Context, workspaceID, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidated = append(c.invalidated, workspaceID)
	if conn, ok := c.conns[workspaceID]; ok {
		conn.IsValid = false
		conn.InvalidReason = reason
	}
	return nil
}

func (c *fakeConnections) valid(workspaceID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conns[workspaceID].IsValid
}

// fakeLocker is an in-process lock table. Keys in external are held by "another instance".
type fakeLocker struct {
	mu       sync.Mutex
	held     map[string]bool
	external map[string]bool
	acquired int
	released int
}

func newFakeLocker() *fakeLocker {
	return &fakeLocker{held: map[string]bool{}, external: map[string]bool{}}
}

func (l *fakeLocker) TryAcquire(_ context.Context, itemID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[itemID] || l.external[itemID] {
		return false, nil
	}
	l.held[itemID] = true
	l.acquired++
	return true, nil
}

func (l *fakeLocker) Release(_ context.Context, itemID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[itemID] {
		delete(l.held, itemID)
		l.released++
	}
	return nil
}

func (l *fakeLocker) heldCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.held)
}

// fakeCalendar records provider calls. Hooks run before the call and may block or fail it.
type fakeCalendar struct {
	mu        sync.Mutex
	events    map[string]schema.EventFields
	seq       int
	creates   int
	updates   int
	deletes   int
	createErr error
	updateErr error
	deleteErr map[string]error
	onCreate  func(ctx context.Context) error
	onDelete  func(ctx context.Context) error
}

func newFakeCalendar() *fakeCalendar {
	return &fakeCalendar{events: map[string]schema.EventFields{}, deleteErr: map[string]error{}}
}

func (c *fakeCalendar) CreateEvent(ctx context.Context, _ string, fields schema.EventFields) (string, error) {
	if c.onCreate != nil {
		if err := c.onCreate(ctx); err != nil {
			return "", err
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.creates++
	if c.createErr != nil {
		return "", c.createErr
	}
	c.seq++
	id := fmt.Sprintf("evt-%d", c.seq)
	c.events[id] = fields
	return id, nil
}

func (c *fakeCalendar) UpdateEvent(_ context.Context, _ string, eventID string, fields schema.EventFields) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updates++
	if c.updateErr != nil {
		return c.updateErr
	}
	c.events[eventID] = fields
	return nil
}

func (c *fakeCalendar) DeleteEvent(ctx context.Context, _ string, eventID string) error {
	if c.onDelete != nil {
		if err := c.onDelete(ctx); err != nil {
			return err
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deletes++
	if err, ok := c.deleteErr[eventID]; ok {
		return err
	}
	delete(c.events, eventID)
	return nil
}

func (c *fakeCalendar) calls() (creates, updates, deletes int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.creates, c.updates, c.deletes
}

func (c *fakeCalendar) eventCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

type fakeFactory struct {
	cal   *fakeCalendar
	mu    sync.Mutex
	built int
}

func (f *fakeFactory) ForConnection(context.Context, *schema.Connection) (provider.Calendar, error) {
	f.mu.Lock()
	f.built++
	f.mu.Unlock()
	return f.cal, nil
}

type fakeEntities struct {
	entities []store.ActiveEntity
}

func (e *fakeEntities) ActiveEntities(context.Context, string) ([]store.ActiveEntity, error) {
	return e.entities, nil
}

type fakeSink struct {
	mu     sync.Mutex
	events []broker.DeadLetterEvent
	err    error
}

func (s *fakeSink) PublishDeadLetter(_ context.Context, ev broker.DeadLetterEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return s.err
}

// harness bundles a worker with its fakes.
type harness struct {
	outbox   *fakeOutbox
	bindings *fakeBindings
	conns    *fakeConnections
	locker   *fakeLocker
	cal      *fakeCalendar
	factory  *fakeFactory
	sink     *fakeSink
	worker   *SyncWorker
}

func newHarness(t *testing.T, mutate ...func(*config.Settings, *Dependencies)) *harness {
	t.Helper()
	h := &harness{
		outbox:   newFakeOutbox(),
		bindings: newFakeBindings(),
		conns:    newFakeConnections("ws-1"),
		locker:   newFakeLocker(),
		cal:      newFakeCalendar(),
		sink:     &fakeSink{},
	}
	h.factory = &fakeFactory{cal: h.cal}
	deps := Dependencies{
		Outbox:      h.outbox,
		Bindings:    h.bindings,
		Connections: h.conns,
		Locker:      h.locker,
		Calendars:   h.factory,
		DeadLetters: h.sink,
	}
	cfg := testSettings()
	for _, m := range mutate {
		m(cfg, &deps)
	}
	h.worker = NewSyncWorker(deps, cfg, discardLogger(), WithClock(func() time.Time { return fixedNow }))
	return h
}

func (h *harness) poll(t *testing.T) int {
	t.Helper()
	n, err := h.worker.PollOnce(context.Background())
	require.NoError(t, err)
	return n
}

func upsertPayload(sourceID, title string) schema.UpsertEventPayload {
	return schema.UpsertEventPayload{
		WorkspaceID: "ws-1",
		CalendarID:  "primary",
		SourceType:  schema.SourceTask,
		SourceID:    sourceID,
		EventType:   "task_due",
		Event: schema.EventFields{
			Title: title,
			Start: fixedNow.Add(24 * time.Hour),
			End:   fixedNow.Add(25 * time.Hour),
		},
	}
}

func cancelPayload(sourceID string) schema.CancelEventPayload {
	return schema.CancelEventPayload{WorkspaceID: "ws-1", CalendarID: "primary", SourceType: schema.SourceTask, SourceID: sourceID}
}
