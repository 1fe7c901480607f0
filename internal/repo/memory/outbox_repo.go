package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/fieldsync/dispatch/internal/domain/outbox"
)

type OutboxRepo struct {
	mu    sync.Mutex
	items map[string]outbox.Event
}

func NewOutboxRepo() *OutboxRepo {
	return &OutboxRepo{items: make(map[string]outbox.Event)}
}

func (r *OutboxRepo) Put(e outbox.Event) {
	r.mu.Lock()
	r.items[e.ID] = e
	r.mu.Unlock()
}

func (r *OutboxRepo) Create(_ context.Context, e outbox.Event) error {
	r.mu.Lock()
	r.items[e.ID] = e
	r.mu.Unlock()
	return nil
}

func (r *OutboxRepo) GetByID(_ context.Context, id string) (outbox.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.items[id]
	if !ok {
		return outbox.Event{}, outbox.ErrEventNotFound
	}
	return e, nil
}

// Claim transitions pending to processing under the repo lock, the
// in-memory twin of the postgres conditional UPDATE.
func (r *OutboxRepo) Claim(_ context.Context, id string) (outbox.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.items[id]
	if !ok || e.Status != outbox.StatusPending {
		return outbox.Event{}, outbox.ErrEventNotClaimable
	}

	e.Status = outbox.StatusProcessing
	r.items[id] = e
	return e, nil
}

func (r *OutboxRepo) MarkCompleted(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.items[id]
	if !ok {
		return outbox.ErrEventNotFound
	}

	now := time.Now().UTC()
	e.Status = outbox.StatusCompleted
	e.ProcessedAt = &now
	e.ErrorMessage = nil
	r.items[id] = e
	return nil
}

func (r *OutboxRepo) MarkFailed(_ context.Context, id, errMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.items[id]
	if !ok {
		return outbox.ErrEventNotFound
	}

	now := time.Now().UTC()
	e.Status = outbox.StatusFailed
	e.RetryCount++
	e.ErrorMessage = &errMsg
	e.ProcessedAt = &now
	r.items[id] = e
	return nil
}

func (r *OutboxRepo) ResetForRetry(_ context.Context, limit int) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if limit <= 0 {
		limit = 50
	}
	now := time.Now().UTC()

	eligible := make([]outbox.Event, 0, 8)
	for _, e := range r.items {
		if e.RetryEligible(now) {
			eligible = append(eligible, e)
		}
	}
	sortEventsByCreated(eligible)
	if len(eligible) > limit {
		eligible = eligible[:limit]
	}

	for _, e := range eligible {
		e.Status = outbox.StatusPending
		e.ErrorMessage = nil
		r.items[e.ID] = e
	}
	return int64(len(eligible)), nil
}

func (r *OutboxRepo) ListPending(_ context.Context, limit int) ([]outbox.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if limit <= 0 {
		limit = 50
	}

	out := make([]outbox.Event, 0, 8)
	for _, e := range r.items {
		if e.Status == outbox.StatusPending {
			out = append(out, e)
		}
	}
	sortEventsByCreated(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *OutboxRepo) FailStuckProcessing(_ context.Context, stuckAfter time.Duration) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	var n int64
	for id, e := range r.items {
		if e.Status != outbox.StatusProcessing || now.Sub(e.CreatedAt) <= stuckAfter {
			continue
		}
		msg := "dispatch abandoned: worker stopped mid-flight"
		e.Status = outbox.StatusFailed
		e.RetryCount++
		e.ErrorMessage = &msg
		e.ProcessedAt = &now
		r.items[id] = e
		n++
	}
	return n, nil
}

func (r *OutboxRepo) DeleteCompletedBefore(_ context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for id, e := range r.items {
		if e.Status == outbox.StatusCompleted && e.ProcessedAt != nil && e.ProcessedAt.Before(cutoff) {
			delete(r.items, id)
			n++
		}
	}
	return n, nil
}

func (r *OutboxRepo) CountsByStatus(_ context.Context) (map[string]int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	counts := make(map[string]int, 4)
	for _, e := range r.items {
		counts[string(e.Status)]++
	}
	return counts, nil
}

func sortEventsByCreated(evs []outbox.Event) {
	sort.Slice(evs, func(i, j int) bool {
		if evs[i].CreatedAt.Equal(evs[j].CreatedAt) {
			return evs[i].ID < evs[j].ID
		}
		return evs[i].CreatedAt.Before(evs[j].CreatedAt)
	})
}
