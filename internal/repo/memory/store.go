package memory

import (
	"context"

	"github.com/fieldsync/dispatch/internal/domain/job"
	"github.com/fieldsync/dispatch/internal/domain/outbox"
	"github.com/fieldsync/dispatch/internal/domain/routing"
)

// Store bundles the repos a create-job transaction spans. The bundle
// write happens under the routing repo's lock ordering, so a reader
// never observes a routing without its outbox event.
type Store struct {
	Jobs     *JobsRepo
	Routings *RoutingsRepo
	Outbox   *OutboxRepo
}

func NewStore() *Store {
	s := &Store{
		Jobs:     NewJobsRepo(),
		Routings: NewRoutingsRepo(),
		Outbox:   NewOutboxRepo(),
	}
	s.Routings.jobExists = s.Jobs.exists
	return s
}

// CreateJobBundle writes the job, its routings, and their outbox
// events as one atomic unit, enforcing the (job_id, company_id)
// uniqueness the database constraint would.
func (s *Store) CreateJobBundle(ctx context.Context, j job.Job, routings []routing.JobRouting, events []outbox.Event) error {
	s.Routings.mu.Lock()
	defer s.Routings.mu.Unlock()

	seen := make(map[string]bool, len(routings))
	for _, rt := range routings {
		key := rt.JobID + "/" + rt.CompanyIDReceived
		if seen[key] {
			return routing.ErrDuplicateRouting
		}
		seen[key] = true

		for _, have := range s.Routings.items {
			if have.JobID == rt.JobID && have.CompanyIDReceived == rt.CompanyIDReceived {
				return routing.ErrDuplicateRouting
			}
		}
	}

	s.Jobs.Put(j)
	for _, rt := range routings {
		s.Routings.items[rt.ID] = rt
	}
	for _, e := range events {
		s.Outbox.Put(e)
	}
	return nil
}
