package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/fieldsync/dispatch/internal/domain/routing"
)

type RoutingsRepo struct {
	mu    sync.Mutex
	items map[string]routing.JobRouting

	// jobExists lets DeleteOrphaned see the jobs table; NewStore wires
	// it. Standalone repos treat every routing as owned.
	jobExists func(id string) bool
}

func NewRoutingsRepo() *RoutingsRepo {
	return &RoutingsRepo{items: make(map[string]routing.JobRouting)}
}

// Put stores a routing verbatim. Tests use it to rewind retry
// schedules and claim timestamps.
func (r *RoutingsRepo) Put(rt routing.JobRouting) {
	r.mu.Lock()
	r.items[rt.ID] = rt
	r.mu.Unlock()
}

func (r *RoutingsRepo) GetByID(_ context.Context, id string) (routing.JobRouting, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rt, ok := r.items[id]
	if !ok {
		return routing.JobRouting{}, routing.ErrRoutingNotFound
	}
	return rt, nil
}

func (r *RoutingsRepo) GetByJobAndCompany(_ context.Context, jobID, companyID string) (routing.JobRouting, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, rt := range r.items {
		if rt.JobID == jobID && rt.CompanyIDReceived == companyID {
			return rt, nil
		}
	}
	return routing.JobRouting{}, routing.ErrRoutingNotFound
}

func (r *RoutingsRepo) ListByJob(_ context.Context, jobID string) ([]routing.JobRouting, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]routing.JobRouting, 0, 4)
	for _, rt := range r.items {
		if rt.JobID == jobID {
			out = append(out, rt)
		}
	}
	sortByCreated(out)
	return out, nil
}

// Claim applies the same guarded transition as the postgres repo: the
// whole check-and-set happens under one lock, so concurrent claimers
// see exactly one winner.
func (r *RoutingsRepo) Claim(_ context.Context, id string, maxRetries int, stuckAfter time.Duration) (routing.JobRouting, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rt, ok := r.items[id]
	if !ok {
		return routing.JobRouting{}, routing.ErrNotClaimable
	}

	now := time.Now().UTC()
	if !rt.CanSync(now, stuckAfter, maxRetries) {
		return routing.JobRouting{}, routing.ErrNotClaimable
	}

	rt.SyncStatus = routing.SyncProcessing
	rt.ClaimedAt = &now
	rt.TotalSyncAttempts++
	rt.UpdatedAt = now
	r.items[id] = rt
	return rt, nil
}

func (r *RoutingsRepo) MarkSynced(_ context.Context, id, externalID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rt, ok := r.items[id]
	if !ok || rt.SyncStatus != routing.SyncProcessing {
		return routing.ErrNotProcessing
	}

	now := time.Now().UTC()
	rt.SyncStatus = routing.SyncSynced
	rt.ExternalID = &externalID
	rt.LastSyncedAt = &now
	rt.ErrorMessage = nil
	rt.NextRetryAt = nil
	rt.ClaimedAt = nil
	rt.UpdatedAt = now
	r.items[id] = rt
	return nil
}

func (r *RoutingsRepo) MarkSyncFailed(_ context.Context, id, errMsg string, retryCount int, nextRetryAt *time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rt, ok := r.items[id]
	if !ok || rt.SyncStatus != routing.SyncProcessing {
		return routing.ErrNotProcessing
	}

	now := time.Now().UTC()
	rt.SyncStatus = routing.SyncFailed
	rt.ErrorMessage = &errMsg
	rt.RetryCount = retryCount
	rt.NextRetryAt = nextRetryAt
	rt.ClaimedAt = nil
	rt.UpdatedAt = now
	r.items[id] = rt
	return nil
}

func (r *RoutingsRepo) MarkCompleted(_ context.Context, id string, revenue *float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rt, ok := r.items[id]
	if !ok || rt.SyncStatus != routing.SyncSynced {
		return routing.ErrNotSynced
	}

	now := time.Now().UTC()
	rt.SyncStatus = routing.SyncCompleted
	if revenue != nil {
		rt.Revenue = revenue
	}
	rt.LastSyncedAt = &now
	rt.UpdatedAt = now
	r.items[id] = rt
	return nil
}

func (r *RoutingsRepo) TouchPolled(_ context.Context, ids []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	for _, id := range ids {
		rt, ok := r.items[id]
		if !ok || rt.SyncStatus != routing.SyncSynced {
			continue
		}
		rt.LastSyncedAt = &now
		rt.UpdatedAt = now
		r.items[id] = rt
	}
	return nil
}

func (r *RoutingsRepo) ListSyncedForPolling(_ context.Context, cutoff time.Time, limit int) ([]routing.JobRouting, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if limit <= 0 {
		limit = 100
	}

	out := make([]routing.JobRouting, 0, 8)
	for _, rt := range r.items {
		if rt.SyncStatus != routing.SyncSynced || rt.ExternalID == nil {
			continue
		}
		if rt.LastSyncedAt != nil && !rt.LastSyncedAt.Before(cutoff) {
			continue
		}
		out = append(out, rt)
	}
	sortByCreated(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *RoutingsRepo) ListPendingSync(_ context.Context, limit int, stuckAfter time.Duration) ([]routing.JobRouting, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if limit <= 0 {
		limit = 50
	}
	now := time.Now().UTC()

	out := make([]routing.JobRouting, 0, 8)
	for _, rt := range r.items {
		stuck := rt.SyncStatus == routing.SyncProcessing &&
			rt.ClaimedAt != nil && now.Sub(*rt.ClaimedAt) > stuckAfter
		if rt.SyncStatus == routing.SyncPending || stuck {
			out = append(out, rt)
		}
	}
	sortByCreated(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *RoutingsRepo) ListRetryDue(_ context.Context, limit, maxRetries int) ([]routing.JobRouting, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if limit <= 0 {
		limit = 50
	}
	now := time.Now().UTC()

	out := make([]routing.JobRouting, 0, 8)
	for _, rt := range r.items {
		if rt.SyncStatus != routing.SyncFailed || rt.RetryCount >= maxRetries {
			continue
		}
		if rt.NextRetryAt != nil && rt.NextRetryAt.After(now) {
			continue
		}
		out = append(out, rt)
	}
	sortByCreated(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *RoutingsRepo) CountsByStatus(_ context.Context) (map[string]int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	counts := make(map[string]int, 5)
	for _, rt := range r.items {
		counts[string(rt.SyncStatus)]++
	}
	return counts, nil
}

// DeleteOrphaned mirrors the postgres sweep for routings whose job row
// is gone.
func (r *RoutingsRepo) DeleteOrphaned(_ context.Context) (int64, error) {
	if r.jobExists == nil {
		return 0, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for id, rt := range r.items {
		if !r.jobExists(rt.JobID) {
			delete(r.items, id)
			n++
		}
	}
	return n, nil
}

func sortByCreated(rts []routing.JobRouting) {
	sort.Slice(rts, func(i, j int) bool {
		if rts[i].CreatedAt.Equal(rts[j].CreatedAt) {
			return rts[i].ID < rts[j].ID
		}
		return rts[i].CreatedAt.Before(rts[j].CreatedAt)
	})
}
