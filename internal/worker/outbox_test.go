package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/fieldsync/dispatch/internal/domain/outbox"
	"github.com/fieldsync/dispatch/internal/domain/routing"
	"github.com/fieldsync/dispatch/internal/observability"
	"github.com/fieldsync/dispatch/internal/repo/memory"
	"github.com/fieldsync/dispatch/internal/usecase"
)

type outboxHarness struct {
	w       *OutboxWorker
	events  *memory.OutboxRepo
	backlog *memory.RoutingsRepo
	sync    *stubSync
	stats   *observability.WorkerStats
}

func newOutboxHarness(cfg OutboxConfig) *outboxHarness {
	events := memory.NewOutboxRepo()
	backlog := memory.NewRoutingsRepo()
	sync := &stubSync{}
	stats := observability.NewWorkerStats()

	w := NewOutboxWorker(OutboxDeps{
		Events:  events,
		Backlog: backlog,
		Sync:    sync,
		Stats:   stats,
		Log:     discardLogger(),
	}, cfg)

	return &outboxHarness{w: w, events: events, backlog: backlog, sync: sync, stats: stats}
}

func putJobSyncEvent(t *testing.T, repo *memory.OutboxRepo, routingID string) outbox.Event {
	t.Helper()

	e, err := outbox.NewJobSync(outbox.JobSyncPayload{
		RoutingID:    routingID,
		JobID:        "job-1",
		CompanyID:    "co-1",
		ProviderType: "mock",
	}, 3)
	if err != nil {
		t.Fatalf("build event: %v", err)
	}
	repo.Put(e)
	return e
}

func (h *outboxHarness) event(t *testing.T, id string) outbox.Event {
	t.Helper()
	e, err := h.events.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("reload event: %v", err)
	}
	return e
}

func TestOutboxWorker_DrainDeliversPendingEvents(t *testing.T) {
	h := newOutboxHarness(OutboxConfig{})
	e1 := putJobSyncEvent(t, h.events, "rt-1")
	e2 := putJobSyncEvent(t, h.events, "rt-2")

	ctx := context.Background()
	h.w.drain(ctx, ctx)

	if got := h.sync.callCount(); got != 2 {
		t.Fatalf("expected 2 dispatches, got %d", got)
	}
	for _, id := range []string{e1.ID, e2.ID} {
		if e := h.event(t, id); e.Status != outbox.StatusCompleted {
			t.Fatalf("expected event %s completed, got %s", id, e.Status)
		}
	}
	if snap := h.stats.Snapshot(); snap.EventsProcessed != 2 {
		t.Fatalf("expected 2 processed, got %d", snap.EventsProcessed)
	}
}

func TestOutboxWorker_FailedSyncMarksEventFailed(t *testing.T) {
	h := newOutboxHarness(OutboxConfig{})
	h.sync.fn = func(string) (bool, error) {
		return false, errors.New("provider exploded")
	}
	e := putJobSyncEvent(t, h.events, "rt-1")

	ctx := context.Background()
	h.w.drain(ctx, ctx)

	got := h.event(t, e.ID)
	if got.Status != outbox.StatusFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}
	if got.RetryCount != 1 {
		t.Fatalf("expected retry_count 1, got %d", got.RetryCount)
	}
	if got.ErrorMessage == nil || !strings.Contains(*got.ErrorMessage, "provider exploded") {
		t.Fatalf("expected cause recorded, got %v", got.ErrorMessage)
	}
	if snap := h.stats.Snapshot(); snap.EventsFailed != 1 {
		t.Fatalf("expected 1 failed, got %d", snap.EventsFailed)
	}
}

func TestOutboxWorker_ParkedRoutingCompletesEvent(t *testing.T) {
	h := newOutboxHarness(OutboxConfig{})
	h.sync.fn = func(string) (bool, error) {
		return false, fmt.Errorf("%w: routing rt-1 is failed (retry 1/3)", usecase.ErrSyncNotAllowed)
	}
	e := putJobSyncEvent(t, h.events, "rt-1")

	ctx := context.Background()
	h.w.drain(ctx, ctx)

	// the routing owns its own retry schedule; the event is done
	got := h.event(t, e.ID)
	if got.Status != outbox.StatusCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
}

func TestOutboxWorker_DuplicateRoutingDeduped(t *testing.T) {
	h := newOutboxHarness(OutboxConfig{})
	e1 := putJobSyncEvent(t, h.events, "rt-1")
	e2 := putJobSyncEvent(t, h.events, "rt-1")

	ctx := context.Background()
	h.w.drain(ctx, ctx)

	if got := h.sync.callCount(); got != 1 {
		t.Fatalf("expected 1 dispatch for duplicate routing, got %d", got)
	}
	for _, id := range []string{e1.ID, e2.ID} {
		if e := h.event(t, id); e.Status != outbox.StatusCompleted {
			t.Fatalf("expected event %s completed, got %s", id, e.Status)
		}
	}
}

func TestOutboxWorker_UnhandledEventTypeDropped(t *testing.T) {
	h := newOutboxHarness(OutboxConfig{})
	e := outbox.New(outbox.EventCompanySync, "co-1", []byte(`{}`), 3)
	h.events.Put(e)

	ctx := context.Background()
	h.w.drain(ctx, ctx)

	if got := h.event(t, e.ID); got.Status != outbox.StatusCompleted {
		t.Fatalf("unhandled type must complete, got %s", got.Status)
	}
	if h.sync.callCount() != 0 {
		t.Fatal("unhandled type must not dispatch a sync")
	}
}

func TestOutboxWorker_PoisonPayloadFails(t *testing.T) {
	h := newOutboxHarness(OutboxConfig{})
	e := outbox.New(outbox.EventJobSync, "rt-1", []byte(`{}`), 3)
	h.events.Put(e)

	ctx := context.Background()
	h.w.drain(ctx, ctx)

	got := h.event(t, e.ID)
	if got.Status != outbox.StatusFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}
	if got.ErrorMessage == nil || !strings.Contains(*got.ErrorMessage, "decode") {
		t.Fatalf("expected decode error recorded, got %v", got.ErrorMessage)
	}
	if h.sync.callCount() != 0 {
		t.Fatal("poison payload must not dispatch")
	}
}

func TestOutboxWorker_FailedEventRedeliveredAfterBackoff(t *testing.T) {
	h := newOutboxHarness(OutboxConfig{})

	e := putJobSyncEvent(t, h.events, "rt-1")
	failedAt := time.Now().UTC().Add(-20 * time.Minute)
	e.Status = outbox.StatusFailed
	e.RetryCount = 1
	e.ProcessedAt = &failedAt
	h.events.Put(e)

	ctx := context.Background()
	h.w.drain(ctx, ctx)

	got := h.event(t, e.ID)
	if got.Status != outbox.StatusCompleted {
		t.Fatalf("expected redelivered event completed, got %s", got.Status)
	}
	if h.sync.callCount() != 1 {
		t.Fatalf("expected 1 dispatch, got %d", h.sync.callCount())
	}
	if snap := h.stats.Snapshot(); snap.EventsRetried != 1 {
		t.Fatalf("expected 1 retried, got %d", snap.EventsRetried)
	}
}

func TestOutboxWorker_FreshFailureWaitsOutBackoff(t *testing.T) {
	h := newOutboxHarness(OutboxConfig{})

	e := putJobSyncEvent(t, h.events, "rt-1")
	failedAt := time.Now().UTC().Add(-time.Minute)
	e.Status = outbox.StatusFailed
	e.RetryCount = 1
	e.ProcessedAt = &failedAt
	h.events.Put(e)

	ctx := context.Background()
	h.w.drain(ctx, ctx)

	if got := h.event(t, e.ID); got.Status != outbox.StatusFailed {
		t.Fatalf("backoff has not elapsed, expected failed, got %s", got.Status)
	}
	if h.sync.callCount() != 0 {
		t.Fatal("event must not redeliver before its backoff")
	}
}

func TestOutboxWorker_ExhaustedEventStaysFailed(t *testing.T) {
	h := newOutboxHarness(OutboxConfig{})

	e := putJobSyncEvent(t, h.events, "rt-1")
	failedAt := time.Now().UTC().Add(-24 * time.Hour)
	e.Status = outbox.StatusFailed
	e.RetryCount = 3
	e.ProcessedAt = &failedAt
	h.events.Put(e)

	ctx := context.Background()
	h.w.drain(ctx, ctx)

	if got := h.event(t, e.ID); got.Status != outbox.StatusFailed {
		t.Fatalf("exhausted event must stay failed, got %s", got.Status)
	}
	if h.sync.callCount() != 0 {
		t.Fatal("exhausted event must not dispatch")
	}
}

func TestOutboxWorker_PendingScanDispatchesBacklog(t *testing.T) {
	h := newOutboxHarness(OutboxConfig{})

	rt := routing.New("job-1", "co-1")
	h.backlog.Put(rt)

	ctx := context.Background()
	h.w.scanPending(ctx, ctx)

	if got := h.sync.called(); len(got) != 1 || got[0] != rt.ID {
		t.Fatalf("expected backlog dispatch of %s, got %v", rt.ID, got)
	}
}

func TestOutboxWorker_RetryScanDispatchesDueRoutings(t *testing.T) {
	h := newOutboxHarness(OutboxConfig{})

	past := time.Now().UTC().Add(-time.Minute)
	rt := routing.New("job-1", "co-1")
	rt.SyncStatus = routing.SyncFailed
	rt.RetryCount = 1
	rt.NextRetryAt = &past
	h.backlog.Put(rt)

	ctx := context.Background()
	h.w.scanRetries(ctx, ctx)

	if got := h.sync.called(); len(got) != 1 || got[0] != rt.ID {
		t.Fatalf("expected retry dispatch of %s, got %v", rt.ID, got)
	}
}

func TestOutboxWorker_RetryScanFailsStuckEvents(t *testing.T) {
	h := newOutboxHarness(OutboxConfig{StuckAfter: 10 * time.Minute})

	e := putJobSyncEvent(t, h.events, "rt-1")
	e.Status = outbox.StatusProcessing
	e.CreatedAt = time.Now().UTC().Add(-time.Hour)
	h.events.Put(e)

	ctx := context.Background()
	h.w.scanRetries(ctx, ctx)

	got := h.event(t, e.ID)
	if got.Status != outbox.StatusFailed {
		t.Fatalf("abandoned event must be failed for the retry pathway, got %s", got.Status)
	}
}

func TestOutboxWorker_ScanSkipsRecentlyDispatched(t *testing.T) {
	h := newOutboxHarness(OutboxConfig{})

	rt := routing.New("job-1", "co-1")
	h.backlog.Put(rt)
	putJobSyncEvent(t, h.events, rt.ID)

	ctx := context.Background()
	h.w.drain(ctx, ctx)
	h.w.scanPending(ctx, ctx)

	// the event already dispatched this routing; the scan must not
	if got := h.sync.callCount(); got != 1 {
		t.Fatalf("expected 1 dispatch across drain and scan, got %d", got)
	}
}

func TestOutboxWorker_RunDrainsOnTicker(t *testing.T) {
	h := newOutboxHarness(OutboxConfig{DrainInterval: 10 * time.Millisecond})
	e := putJobSyncEvent(t, h.events, "rt-1")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.w.Run(ctx) }()

	waitFor(t, 2*time.Second, func() bool {
		ev, err := h.events.GetByID(context.Background(), e.ID)
		return err == nil && ev.Status == outbox.StatusCompleted
	}, "event was not drained by the running loop")

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean stop, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop on cancellation")
	}
}
