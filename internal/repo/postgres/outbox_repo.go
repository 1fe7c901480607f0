package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fieldsync/dispatch/internal/domain/outbox"
	"github.com/fieldsync/dispatch/internal/observability"
)

type OutboxRepo struct {
	pool *pgxpool.Pool
	prom *observability.Prom
}

func NewOutboxRepo(pool *pgxpool.Pool, prom *observability.Prom) *OutboxRepo {
	return &OutboxRepo{pool: pool, prom: prom}
}

func (r *OutboxRepo) observe(op string, fn func() error) error {
	if r.prom != nil {
		return r.prom.ObserveDB(op, fn)
	}
	return fn()
}

const outboxColumns = `id, event_type, aggregate_id, event_data, status,
	retry_count, max_retries, error_message, created_at, processed_at`

// CreateTx writes an outbox event in the caller's transaction. The
// event only becomes visible to the dispatcher once the surrounding
// state change commits.
func (r *OutboxRepo) CreateTx(ctx context.Context, tx pgx.Tx, e outbox.Event) error {
	op := "outbox.create"

	return r.observe(op, func() error {
		_, err := tx.Exec(ctx, `INSERT INTO outbox_events(
			id, event_type, aggregate_id, event_data, status,
			retry_count, max_retries, error_message, created_at, processed_at
		) VALUES (
			$1,$2,$3,$4,$5,
			$6,$7,$8,$9,$10
		)`,
			e.ID, string(e.EventType), e.AggregateID, []byte(e.EventData), string(e.Status),
			e.RetryCount, e.MaxRetries, e.ErrorMessage, e.CreatedAt, e.ProcessedAt)
		return err
	})
}

func (r *OutboxRepo) GetByID(ctx context.Context, id string) (outbox.Event, error) {
	op := "outbox.get_by_id"

	var e outbox.Event
	err := r.observe(op, func() error {
		row := r.pool.QueryRow(ctx, `SELECT `+outboxColumns+` FROM outbox_events WHERE id = $1`, id)
		var scanErr error
		e, scanErr = scanOutboxEvent(row)
		return scanErr
	})

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return outbox.Event{}, outbox.ErrEventNotFound
		}
		return outbox.Event{}, err
	}
	return e, nil
}

// Claim flips one pending event to processing. Losing the race to
// another dispatcher returns ErrEventNotClaimable, which callers treat
// as someone else's work.
func (r *OutboxRepo) Claim(ctx context.Context, id string) (outbox.Event, error) {
	op := "outbox.claim"

	var e outbox.Event
	err := r.observe(op, func() error {
		row := r.pool.QueryRow(ctx, `
			UPDATE outbox_events
			SET status = 'processing'
			WHERE id = $1 AND status = 'pending'
			RETURNING `+outboxColumns, id)
		var scanErr error
		e, scanErr = scanOutboxEvent(row)
		return scanErr
	})

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return outbox.Event{}, outbox.ErrEventNotClaimable
		}
		return outbox.Event{}, err
	}
	return e, nil
}

func (r *OutboxRepo) MarkCompleted(ctx context.Context, id string) error {
	op := "outbox.mark_completed"

	var tag pgconn.CommandTag
	err := r.observe(op, func() error {
		var execErr error
		tag, execErr = r.pool.Exec(ctx, `
			UPDATE outbox_events
			SET status = 'completed', processed_at = NOW(), error_message = NULL
			WHERE id = $1
		`, id)
		return execErr
	})
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return outbox.ErrEventNotFound
	}
	return nil
}

// MarkFailed records a dispatch failure. processed_at anchors the
// redelivery backoff, and retry_count counts failures already spent.
func (r *OutboxRepo) MarkFailed(ctx context.Context, id, errMsg string) error {
	op := "outbox.mark_failed"

	var tag pgconn.CommandTag
	err := r.observe(op, func() error {
		var execErr error
		tag, execErr = r.pool.Exec(ctx, `
			UPDATE outbox_events
			SET status = 'failed',
			    retry_count = retry_count + 1,
			    error_message = $2,
			    processed_at = NOW()
			WHERE id = $1
		`, id, errMsg)
		return execErr
	})
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return outbox.ErrEventNotFound
	}
	return nil
}

// ResetForRetry re-queues failed events whose backoff elapsed: 5 min
// tripled per recorded failure, counted from the failing attempt.
// Returns how many events went back to pending.
func (r *OutboxRepo) ResetForRetry(ctx context.Context, limit int) (int64, error) {
	op := "outbox.reset_for_retry"

	if limit <= 0 {
		limit = 50
	}

	var tag pgconn.CommandTag
	err := r.observe(op, func() error {
		var execErr error
		tag, execErr = r.pool.Exec(ctx, `
			WITH picked AS (
				SELECT id
				FROM outbox_events
				WHERE status = 'failed'
				  AND retry_count < max_retries
				  AND (processed_at IS NULL
				       OR processed_at <= NOW() - make_interval(secs => 300 * POWER(3, retry_count)))
				ORDER BY created_at ASC
				LIMIT $1
			)
			UPDATE outbox_events o
			SET status = 'pending', error_message = NULL
			FROM picked
			WHERE o.id = picked.id
		`, limit)
		return execErr
	})
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// ListPending returns dispatchable events oldest first so earlier
// state changes sync before later ones.
func (r *OutboxRepo) ListPending(ctx context.Context, limit int) ([]outbox.Event, error) {
	op := "outbox.list_pending"

	if limit <= 0 {
		limit = 50
	}

	var rows pgx.Rows
	err := r.observe(op, func() error {
		var qerr error
		rows, qerr = r.pool.Query(ctx, `
			SELECT `+outboxColumns+`
			FROM outbox_events
			WHERE status = 'pending'
			ORDER BY created_at ASC
			LIMIT $1
		`, limit)
		return qerr
	})
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectOutboxEvents(rows)
}

// FailStuckProcessing marks events abandoned mid-dispatch as failed so
// the retry sweep can pick them back up. An event is stuck once it has
// sat in processing past stuckAfter with no terminal transition.
func (r *OutboxRepo) FailStuckProcessing(ctx context.Context, stuckAfter time.Duration) (int64, error) {
	op := "outbox.fail_stuck_processing"

	var tag pgconn.CommandTag
	err := r.observe(op, func() error {
		var execErr error
		tag, execErr = r.pool.Exec(ctx, `
			UPDATE outbox_events
			SET status = 'failed',
			    retry_count = retry_count + 1,
			    error_message = 'dispatch abandoned: worker stopped mid-flight',
			    processed_at = NOW()
			WHERE status = 'processing'
			  AND created_at < NOW() - ($1 * INTERVAL '1 second')
		`, int(stuckAfter.Seconds()))
		return execErr
	})
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// DeleteCompletedBefore prunes completed events older than the cutoff.
func (r *OutboxRepo) DeleteCompletedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	op := "outbox.delete_completed_before"

	var tag pgconn.CommandTag
	err := r.observe(op, func() error {
		var execErr error
		tag, execErr = r.pool.Exec(ctx, `
			DELETE FROM outbox_events
			WHERE status = 'completed'
			  AND processed_at IS NOT NULL
			  AND processed_at < $1
		`, cutoff)
		return execErr
	})
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *OutboxRepo) CountsByStatus(ctx context.Context) (map[string]int, error) {
	op := "outbox.counts_by_status"

	var rows pgx.Rows
	err := r.observe(op, func() error {
		var qerr error
		rows, qerr = r.pool.Query(ctx, `SELECT status, COUNT(*) FROM outbox_events GROUP BY status`)
		return qerr
	})
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int, 4)
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

func scanOutboxEvent(row pgx.Row) (outbox.Event, error) {
	var e outbox.Event
	var eventType, status string
	var data []byte

	err := row.Scan(
		&e.ID, &eventType, &e.AggregateID, &data, &status,
		&e.RetryCount, &e.MaxRetries, &e.ErrorMessage, &e.CreatedAt, &e.ProcessedAt,
	)
	if err != nil {
		return outbox.Event{}, err
	}

	e.EventType = outbox.EventType(eventType)
	e.Status = outbox.Status(status)
	e.EventData = data
	return e, nil
}

func collectOutboxEvents(rows pgx.Rows) ([]outbox.Event, error) {
	out := make([]outbox.Event, 0, 16)
	for rows.Next() {
		e, err := scanOutboxEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
