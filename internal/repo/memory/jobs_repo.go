package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fieldsync/dispatch/internal/domain/job"
	"github.com/fieldsync/dispatch/internal/utils"
)

type JobsRepo struct {
	mu    sync.RWMutex
	items map[string]job.Job
}

func NewJobsRepo() *JobsRepo {
	return &JobsRepo{items: make(map[string]job.Job)}
}

func (r *JobsRepo) Put(j job.Job) {
	r.mu.Lock()
	r.items[j.ID] = j
	r.mu.Unlock()
}

func (r *JobsRepo) GetByID(_ context.Context, id string) (job.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	j, ok := r.items[id]
	if !ok {
		return job.Job{}, job.ErrJobNotFound
	}
	return j, nil
}

func (r *JobsRepo) exists(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.items[id]
	return ok
}

// Delete removes a job row outright, leaving any routings orphaned.
// Tests use it to exercise the orphan sweep.
func (r *JobsRepo) Delete(id string) {
	r.mu.Lock()
	delete(r.items, id)
	r.mu.Unlock()
}

// MarkCompleted mirrors the postgres guard: only pending jobs move,
// repeated completions are no-ops.
func (r *JobsRepo) MarkCompleted(_ context.Context, id string, completedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.items[id]
	if !ok {
		return job.ErrJobNotFound
	}
	if j.Status != job.StatusPending {
		return nil
	}

	j.Status = job.StatusCompleted
	j.CompletedAt = &completedAt
	j.UpdatedAt = time.Now().UTC()
	r.items[id] = j
	return nil
}

// ListCursor mirrors the postgres keyset page: newest (updated_at, id)
// first, limit+1 look-ahead, nonempty nextCursor while pages remain.
func (r *JobsRepo) ListCursor(_ context.Context, status string, limit int, cursor string) ([]job.Job, string, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}

	var after *utils.JobCursor
	if cursor != "" {
		c, err := utils.DecodeJobCursor(cursor)
		if err != nil {
			return nil, "", fmt.Errorf("invalid cursor: %w", err)
		}
		after = &c
	}

	r.mu.RLock()
	jobs := make([]job.Job, 0, len(r.items))
	for _, j := range r.items {
		if status != "" && string(j.Status) != status {
			continue
		}
		if after != nil {
			if j.UpdatedAt.After(after.UpdatedAt) {
				continue
			}
			if j.UpdatedAt.Equal(after.UpdatedAt) && j.ID >= after.ID {
				continue
			}
		}
		jobs = append(jobs, j)
	}
	r.mu.RUnlock()

	sort.Slice(jobs, func(i, k int) bool {
		if !jobs[i].UpdatedAt.Equal(jobs[k].UpdatedAt) {
			return jobs[i].UpdatedAt.After(jobs[k].UpdatedAt)
		}
		return jobs[i].ID > jobs[k].ID
	})

	if len(jobs) <= limit {
		return jobs, "", nil
	}

	jobs = jobs[:limit]
	last := jobs[limit-1]
	next, err := utils.EncodeJobCursor(last.UpdatedAt, last.ID)
	if err != nil {
		return nil, "", err
	}
	return jobs, next, nil
}

func (r *JobsRepo) CountByStatus(_ context.Context) (map[string]int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[string]int, 2)
	for _, j := range r.items {
		counts[string(j.Status)]++
	}
	return counts, nil
}
