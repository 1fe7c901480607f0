package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fieldsync/dispatch/internal/domain/routing"
	"github.com/fieldsync/dispatch/internal/observability"
)

type RoutingsRepo struct {
	pool *pgxpool.Pool
	prom *observability.Prom
}

func NewRoutingsRepo(pool *pgxpool.Pool, prom *observability.Prom) *RoutingsRepo {
	return &RoutingsRepo{pool: pool, prom: prom}
}

func (r *RoutingsRepo) observe(op string, fn func() error) error {
	if r.prom != nil {
		return r.prom.ObserveDB(op, fn)
	}
	return fn()
}

const routingColumns = `id, job_id, company_id_received, sync_status, external_id,
	retry_count, total_sync_attempts, next_retry_at, claimed_at, last_synced_at,
	error_message, revenue, created_at, updated_at`

func (r *RoutingsRepo) CreateTx(ctx context.Context, tx pgx.Tx, rt routing.JobRouting) error {
	op := "routings.create"

	return r.observe(op, func() error {
		_, err := tx.Exec(ctx, `INSERT INTO job_routings(
			id, job_id, company_id_received, sync_status, external_id,
			retry_count, total_sync_attempts, next_retry_at, claimed_at, last_synced_at,
			error_message, revenue, created_at, updated_at
		) VALUES (
			$1,$2,$3,$4,$5,
			$6,$7,$8,$9,$10,
			$11,$12,$13,$14
		)`,
			rt.ID, rt.JobID, rt.CompanyIDReceived, string(rt.SyncStatus), rt.ExternalID,
			rt.RetryCount, rt.TotalSyncAttempts, rt.NextRetryAt, rt.ClaimedAt, rt.LastSyncedAt,
			rt.ErrorMessage, rt.Revenue, rt.CreatedAt, rt.UpdatedAt)
		return err
	})
}

func (r *RoutingsRepo) GetByID(ctx context.Context, id string) (routing.JobRouting, error) {
	op := "routings.get_by_id"

	var rt routing.JobRouting
	err := r.observe(op, func() error {
		row := r.pool.QueryRow(ctx, `SELECT `+routingColumns+` FROM job_routings WHERE id = $1`, id)
		var scanErr error
		rt, scanErr = scanRouting(row)
		return scanErr
	})

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return routing.JobRouting{}, routing.ErrRoutingNotFound
		}
		return routing.JobRouting{}, err
	}
	return rt, nil
}

func (r *RoutingsRepo) GetByJobAndCompany(ctx context.Context, jobID, companyID string) (routing.JobRouting, error) {
	op := "routings.get_by_job_and_company"

	var rt routing.JobRouting
	err := r.observe(op, func() error {
		row := r.pool.QueryRow(ctx, `
			SELECT `+routingColumns+`
			FROM job_routings
			WHERE job_id = $1 AND company_id_received = $2
		`, jobID, companyID)
		var scanErr error
		rt, scanErr = scanRouting(row)
		return scanErr
	})

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return routing.JobRouting{}, routing.ErrRoutingNotFound
		}
		return routing.JobRouting{}, err
	}
	return rt, nil
}

func (r *RoutingsRepo) ListByJob(ctx context.Context, jobID string) ([]routing.JobRouting, error) {
	op := "routings.list_by_job"

	var rows pgx.Rows
	err := r.observe(op, func() error {
		var qerr error
		rows, qerr = r.pool.Query(ctx, `
			SELECT `+routingColumns+`
			FROM job_routings
			WHERE job_id = $1
			ORDER BY created_at ASC, id ASC
		`, jobID)
		return qerr
	})
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectRoutings(rows)
}

// Claim moves one routing to processing in a single guarded statement,
// so two workers racing on the same routing cannot both win. A routing
// is claimable when pending, when failed with retries left and its
// backoff elapsed, or when an earlier claim sat in processing longer
// than stuckAfter.
func (r *RoutingsRepo) Claim(ctx context.Context, id string, maxRetries int, stuckAfter time.Duration) (routing.JobRouting, error) {
	op := "routings.claim"

	var rt routing.JobRouting
	err := r.observe(op, func() error {
		row := r.pool.QueryRow(ctx, `
			UPDATE job_routings
			SET sync_status = 'processing',
			    claimed_at = NOW(),
			    total_sync_attempts = total_sync_attempts + 1,
			    updated_at = NOW()
			WHERE id = $1
			  AND (
			        sync_status = 'pending'
			     OR (sync_status = 'failed'
			         AND retry_count < $2
			         AND (next_retry_at IS NULL OR next_retry_at <= NOW()))
			     OR (sync_status = 'processing'
			         AND claimed_at IS NOT NULL
			         AND claimed_at < NOW() - ($3 * INTERVAL '1 second'))
			  )
			RETURNING `+routingColumns,
			id, maxRetries, int(stuckAfter.Seconds()))
		var scanErr error
		rt, scanErr = scanRouting(row)
		return scanErr
	})

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return routing.JobRouting{}, routing.ErrNotClaimable
		}
		return routing.JobRouting{}, err
	}
	return rt, nil
}

// MarkSynced records a successful provider hand-off. The processing
// guard drops the write if another worker already reclaimed the row.
func (r *RoutingsRepo) MarkSynced(ctx context.Context, id, externalID string) error {
	op := "routings.mark_synced"

	var tag pgconn.CommandTag
	err := r.observe(op, func() error {
		var execErr error
		tag, execErr = r.pool.Exec(ctx, `
			UPDATE job_routings
			SET sync_status = 'synced',
			    external_id = $2,
			    last_synced_at = NOW(),
			    error_message = NULL,
			    next_retry_at = NULL,
			    claimed_at = NULL,
			    updated_at = NOW()
			WHERE id = $1 AND sync_status = 'processing'
		`, id, externalID)
		return execErr
	})
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return routing.ErrNotProcessing
	}
	return nil
}

func (r *RoutingsRepo) MarkSyncFailed(ctx context.Context, id, errMsg string, retryCount int, nextRetryAt *time.Time) error {
	op := "routings.mark_sync_failed"

	var tag pgconn.CommandTag
	err := r.observe(op, func() error {
		var execErr error
		tag, execErr = r.pool.Exec(ctx, `
			UPDATE job_routings
			SET sync_status = 'failed',
			    error_message = $2,
			    retry_count = $3,
			    next_retry_at = $4,
			    claimed_at = NULL,
			    updated_at = NOW()
			WHERE id = $1 AND sync_status = 'processing'
		`, id, errMsg, retryCount, nextRetryAt)
		return execErr
	})
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return routing.ErrNotProcessing
	}
	return nil
}

// MarkCompleted finalizes a synced routing once the provider reports
// the job done. Revenue stays untouched when the provider sent none.
func (r *RoutingsRepo) MarkCompleted(ctx context.Context, id string, revenue *float64) error {
	op := "routings.mark_completed"

	var tag pgconn.CommandTag
	err := r.observe(op, func() error {
		var execErr error
		tag, execErr = r.pool.Exec(ctx, `
			UPDATE job_routings
			SET sync_status = 'completed',
			    revenue = COALESCE($2, revenue),
			    last_synced_at = NOW(),
			    updated_at = NOW()
			WHERE id = $1 AND sync_status = 'synced'
		`, id, revenue)
		return execErr
	})
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return routing.ErrNotSynced
	}
	return nil
}

// TouchPolled bumps last_synced_at on still-incomplete routings so the
// poller leaves them alone for another spacing interval.
func (r *RoutingsRepo) TouchPolled(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	op := "routings.touch_polled"

	return r.observe(op, func() error {
		_, err := r.pool.Exec(ctx, `
			UPDATE job_routings
			SET last_synced_at = NOW(), updated_at = NOW()
			WHERE id = ANY($1) AND sync_status = 'synced'
		`, ids)
		return err
	})
}

// ListSyncedForPolling returns synced routings that have a provider id
// and were last checked before the cutoff, oldest check first.
func (r *RoutingsRepo) ListSyncedForPolling(ctx context.Context, cutoff time.Time, limit int) ([]routing.JobRouting, error) {
	op := "routings.list_synced_for_polling"

	if limit <= 0 {
		limit = 100
	}

	var rows pgx.Rows
	err := r.observe(op, func() error {
		var qerr error
		rows, qerr = r.pool.Query(ctx, `
			SELECT `+routingColumns+`
			FROM job_routings
			WHERE sync_status = 'synced'
			  AND external_id IS NOT NULL
			  AND (last_synced_at IS NULL OR last_synced_at < $1)
			ORDER BY last_synced_at ASC NULLS FIRST, created_at ASC
			LIMIT $2
		`, cutoff, limit)
		return qerr
	})
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectRoutings(rows)
}

// ListPendingSync feeds the backup scanner: routings still pending, or
// stuck in processing past stuckAfter, that the outbox path missed.
func (r *RoutingsRepo) ListPendingSync(ctx context.Context, limit int, stuckAfter time.Duration) ([]routing.JobRouting, error) {
	op := "routings.list_pending_sync"

	if limit <= 0 {
		limit = 50
	}

	var rows pgx.Rows
	err := r.observe(op, func() error {
		var qerr error
		rows, qerr = r.pool.Query(ctx, `
			SELECT `+routingColumns+`
			FROM job_routings
			WHERE sync_status = 'pending'
			   OR (sync_status = 'processing'
			       AND claimed_at IS NOT NULL
			       AND claimed_at < NOW() - ($1 * INTERVAL '1 second'))
			ORDER BY created_at ASC
			LIMIT $2
		`, int(stuckAfter.Seconds()), limit)
		return qerr
	})
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectRoutings(rows)
}

// ListRetryDue feeds the retry scanner: failed routings with retries
// remaining whose backoff has elapsed.
func (r *RoutingsRepo) ListRetryDue(ctx context.Context, limit, maxRetries int) ([]routing.JobRouting, error) {
	op := "routings.list_retry_due"

	if limit <= 0 {
		limit = 50
	}

	var rows pgx.Rows
	err := r.observe(op, func() error {
		var qerr error
		rows, qerr = r.pool.Query(ctx, `
			SELECT `+routingColumns+`
			FROM job_routings
			WHERE sync_status = 'failed'
			  AND retry_count < $1
			  AND (next_retry_at IS NULL OR next_retry_at <= NOW())
			ORDER BY next_retry_at ASC NULLS FIRST, created_at ASC
			LIMIT $2
		`, maxRetries, limit)
		return qerr
	})
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectRoutings(rows)
}

func (r *RoutingsRepo) CountsByStatus(ctx context.Context) (map[string]int, error) {
	op := "routings.counts_by_status"

	var rows pgx.Rows
	err := r.observe(op, func() error {
		var qerr error
		rows, qerr = r.pool.Query(ctx, `SELECT sync_status, COUNT(*) FROM job_routings GROUP BY sync_status`)
		return qerr
	})
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int, 5)
	for rows.Next() {
		var status string
		var n int
		if scanErr := rows.Scan(&status, &n); scanErr != nil {
			return nil, scanErr
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// DeleteOrphaned removes routings whose job row is gone. Normal
// operation never produces these; the sweep covers manual cleanup done
// directly against the jobs table.
func (r *RoutingsRepo) DeleteOrphaned(ctx context.Context) (int64, error) {
	op := "routings.delete_orphaned"

	var tag pgconn.CommandTag
	err := r.observe(op, func() error {
		var execErr error
		tag, execErr = r.pool.Exec(ctx, `
			DELETE FROM job_routings r
			WHERE NOT EXISTS (SELECT 1 FROM jobs j WHERE j.id = r.job_id)
		`)
		return execErr
	})
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func scanRouting(row pgx.Row) (routing.JobRouting, error) {
	var rt routing.JobRouting
	var status string

	err := row.Scan(
		&rt.ID, &rt.JobID, &rt.CompanyIDReceived, &status, &rt.ExternalID,
		&rt.RetryCount, &rt.TotalSyncAttempts, &rt.NextRetryAt, &rt.ClaimedAt, &rt.LastSyncedAt,
		&rt.ErrorMessage, &rt.Revenue, &rt.CreatedAt, &rt.UpdatedAt,
	)
	if err != nil {
		return routing.JobRouting{}, err
	}

	rt.SyncStatus = routing.SyncStatus(status)
	return rt, nil
}

func collectRoutings(rows pgx.Rows) ([]routing.JobRouting, error) {
	out := make([]routing.JobRouting, 0, 16)
	for rows.Next() {
		rt, err := scanRouting(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rt)
	}
	return out, rows.Err()
}
