package worker

import (
	"context"
	"testing"
	"time"

	"github.com/fieldsync/dispatch/internal/domain/job"
	"github.com/fieldsync/dispatch/internal/domain/outbox"
	"github.com/fieldsync/dispatch/internal/domain/routing"
	"github.com/fieldsync/dispatch/internal/repo/memory"
)

func putCompletedEvent(repo *memory.OutboxRepo, processedAt time.Time) outbox.Event {
	e := outbox.New(outbox.EventJobSync, "rt-1", []byte(`{"routingId":"rt-1"}`), 3)
	e.Status = outbox.StatusCompleted
	e.ProcessedAt = &processedAt
	repo.Put(e)
	return e
}

func TestMaintenanceWorker_SweepOutboxHonorsRetention(t *testing.T) {
	store := memory.NewStore()
	w := NewMaintenanceWorker(store.Outbox, store.Routings, discardLogger(), MaintenanceConfig{
		OutboxRetention: 7 * 24 * time.Hour,
	})

	old := putCompletedEvent(store.Outbox, time.Now().UTC().Add(-8*24*time.Hour))
	recent := putCompletedEvent(store.Outbox, time.Now().UTC().Add(-time.Hour))

	pending := outbox.New(outbox.EventJobSync, "rt-2", []byte(`{"routingId":"rt-2"}`), 3)
	pending.CreatedAt = time.Now().UTC().Add(-30 * 24 * time.Hour)
	store.Outbox.Put(pending)

	w.sweepOutbox()

	if _, err := store.Outbox.GetByID(context.Background(), old.ID); err == nil {
		t.Fatal("expected the aged completed event to be pruned")
	}
	if _, err := store.Outbox.GetByID(context.Background(), recent.ID); err != nil {
		t.Fatalf("recent completed event must survive: %v", err)
	}
	// age alone never prunes an unprocessed event
	if _, err := store.Outbox.GetByID(context.Background(), pending.ID); err != nil {
		t.Fatalf("pending event must survive: %v", err)
	}
}

func TestMaintenanceWorker_SweepRoutingsDeletesOrphans(t *testing.T) {
	store := memory.NewStore()
	w := NewMaintenanceWorker(store.Outbox, store.Routings, discardLogger(), MaintenanceConfig{})

	owned := job.New(job.CreateRequest{
		Summary:               "fix leaking faucet",
		Address:               job.Address{Street: "12 Main St", City: "Tulsa", State: "OK", ZipCode: "74101"},
		Homeowner:             job.Homeowner{Name: "Dana Smith"},
		CreatedByCompanyID:    "co-1",
		CreatedByTechnicianID: "tech-1",
	})
	store.Jobs.Put(owned)
	kept := routing.New(owned.ID, "co-2")
	store.Routings.Put(kept)

	orphan := routing.New("job-gone", "co-2")
	store.Routings.Put(orphan)

	w.sweepRoutings()

	if _, err := store.Routings.GetByID(context.Background(), orphan.ID); err == nil {
		t.Fatal("expected the orphaned routing to be deleted")
	}
	if _, err := store.Routings.GetByID(context.Background(), kept.ID); err != nil {
		t.Fatalf("owned routing must survive: %v", err)
	}
}

func TestMaintenanceWorker_RunStopsOnCancel(t *testing.T) {
	store := memory.NewStore()
	w := NewMaintenanceWorker(store.Outbox, store.Routings, discardLogger(), MaintenanceConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean stop, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("maintenance worker did not stop")
	}
}
