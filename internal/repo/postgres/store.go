package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fieldsync/dispatch/internal/db"
	"github.com/fieldsync/dispatch/internal/domain/job"
	"github.com/fieldsync/dispatch/internal/domain/outbox"
	"github.com/fieldsync/dispatch/internal/domain/routing"
)

// Store groups the repos whose writes must share a transaction. Use
// cases depend on the bundle operation, not on pgx, so tests can swap
// in the memory twin.
type Store struct {
	pool     *pgxpool.Pool
	jobs     *JobsRepo
	routings *RoutingsRepo
	outbox   *OutboxRepo
}

func NewStore(pool *pgxpool.Pool, jobs *JobsRepo, routings *RoutingsRepo, events *OutboxRepo) *Store {
	return &Store{
		pool:     pool,
		jobs:     jobs,
		routings: routings,
		outbox:   events,
	}
}

// CreateJobBundle commits the job, its routings, and their outbox
// events in one transaction. Either everything lands or nothing does;
// the outbox dispatcher can never observe a routing without its event.
func (s *Store) CreateJobBundle(ctx context.Context, j job.Job, routings []routing.JobRouting, events []outbox.Event) error {
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		if err := s.jobs.CreateTx(ctx, tx, j); err != nil {
			return err
		}

		for _, rt := range routings {
			if err := s.routings.CreateTx(ctx, tx, rt); err != nil {
				return err
			}
		}

		for _, e := range events {
			if err := s.outbox.CreateTx(ctx, tx, e); err != nil {
				return err
			}
		}
		return nil
	})

	if err != nil {
		if IsUniqueViolation(err) {
			return routing.ErrDuplicateRouting
		}
		return err
	}
	return nil
}
