package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fieldsync/dispatch/internal/domain/job"
	"github.com/fieldsync/dispatch/internal/domain/skill"
	"github.com/fieldsync/dispatch/internal/observability"
	"github.com/fieldsync/dispatch/internal/utils"
)

type JobsRepo struct {
	pool *pgxpool.Pool
	prom *observability.Prom
}

func NewJobsRepo(pool *pgxpool.Pool, prom *observability.Prom) *JobsRepo {
	return &JobsRepo{pool: pool, prom: prom}
}

func (r *JobsRepo) observe(op string, fn func() error) error {
	if r.prom != nil {
		return r.prom.ObserveDB(op, fn)
	}
	return fn()
}

func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError

	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return true
	}
	return false
}

const jobColumns = `id, summary, street, city, state, zip_code,
	homeowner_name, homeowner_phone, homeowner_email,
	created_by_company_id, created_by_technician_id,
	required_skills, skill_levels, category, status,
	completed_at, created_at, updated_at`

// CreateTx inserts a job inside the caller's transaction so the job,
// its routings and their outbox events commit or roll back together.
func (r *JobsRepo) CreateTx(ctx context.Context, tx pgx.Tx, j job.Job) error {
	op := "jobs.create"

	requiredSkills, err := json.Marshal(j.RequiredSkills)
	if err != nil {
		return err
	}
	skillLevels, err := json.Marshal(j.SkillLevels)
	if err != nil {
		return err
	}

	return r.observe(op, func() error {
		_, err := tx.Exec(ctx, `INSERT INTO jobs(
			id, summary, street, city, state, zip_code,
			homeowner_name, homeowner_phone, homeowner_email,
			created_by_company_id, created_by_technician_id,
			required_skills, skill_levels, category, status,
			completed_at, created_at, updated_at
		) VALUES (
			$1,$2,$3,$4,$5,$6,
			$7,$8,$9,
			$10,$11,
			$12,$13,$14,$15,
			$16,$17,$18
		)`,
			j.ID, j.Summary, j.Address.Street, j.Address.City, j.Address.State, j.Address.ZipCode,
			j.Homeowner.Name, j.Homeowner.Phone, j.Homeowner.Email,
			j.CreatedByCompanyID, j.CreatedByTechnicianID,
			requiredSkills, skillLevels, j.Category, string(j.Status),
			j.CompletedAt, j.CreatedAt, j.UpdatedAt)
		return err
	})
}

func (r *JobsRepo) GetByID(ctx context.Context, id string) (job.Job, error) {
	op := "jobs.get_by_id"

	var j job.Job
	err := r.observe(op, func() error {
		row := r.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
		var scanErr error
		j, scanErr = scanJob(row)
		return scanErr
	})

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return job.Job{}, job.ErrJobNotFound
		}
		return job.Job{}, err
	}
	return j, nil
}

// MarkCompleted transitions a pending job to completed. Completion is
// sticky, so a second call is a no-op rather than an error.
func (r *JobsRepo) MarkCompleted(ctx context.Context, id string, completedAt time.Time) error {
	op := "jobs.mark_completed"

	var tag pgconn.CommandTag
	err := r.observe(op, func() error {
		var execErr error
		tag, execErr = r.pool.Exec(ctx, `
			UPDATE jobs
			SET status = 'completed', completed_at = $2, updated_at = NOW()
			WHERE id = $1 AND status = 'pending'
		`, id, completedAt)
		return execErr
	})
	if err != nil {
		return err
	}

	if tag.RowsAffected() == 0 {
		var exists bool
		if err := r.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM jobs WHERE id = $1)`, id).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return job.ErrJobNotFound
		}
	}
	return nil
}

// ListCursor pages jobs newest-updated first using a keyset cursor on
// (updated_at, id). Passing a status narrows the page; limit is capped
// at 100. A nonempty nextCursor means more pages remain.
func (r *JobsRepo) ListCursor(ctx context.Context, status string, limit int, cursor string) ([]job.Job, string, error) {
	op := "jobs.list_cursor"

	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}

	query := `SELECT ` + jobColumns + ` FROM jobs`
	args := make([]any, 0, 4)
	where := make([]string, 0, 2)

	if status != "" {
		args = append(args, status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if cursor != "" {
		c, err := utils.DecodeJobCursor(cursor)
		if err != nil {
			return nil, "", fmt.Errorf("invalid cursor: %w", err)
		}
		args = append(args, c.UpdatedAt, c.ID)
		where = append(where, fmt.Sprintf("(updated_at, id) < ($%d, $%d)", len(args)-1, len(args)))
	}
	for i, cond := range where {
		if i == 0 {
			query += " WHERE " + cond
		} else {
			query += " AND " + cond
		}
	}
	args = append(args, limit+1)
	query += fmt.Sprintf(" ORDER BY updated_at DESC, id DESC LIMIT $%d", len(args))

	var rows pgx.Rows
	err := r.observe(op, func() error {
		var qerr error
		rows, qerr = r.pool.Query(ctx, query, args...)
		return qerr
	})
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()

	jobs := make([]job.Job, 0, limit)
	for rows.Next() {
		j, scanErr := scanJob(rows)
		if scanErr != nil {
			return nil, "", scanErr
		}
		jobs = append(jobs, j)
	}
	if rows.Err() != nil {
		return nil, "", rows.Err()
	}

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

func (r *JobsRepo) CountByStatus(ctx context.Context) (map[string]int, error) {
	op := "jobs.count_by_status"

	var rows pgx.Rows
	err := r.observe(op, func() error {
		var qerr error
		rows, qerr = r.pool.Query(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
		return qerr
	})
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int, 2)
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

func scanJob(row pgx.Row) (job.Job, error) {
	var j job.Job
	var status string
	var requiredSkills, skillLevels []byte

	err := row.Scan(
		&j.ID, &j.Summary, &j.Address.Street, &j.Address.City, &j.Address.State, &j.Address.ZipCode,
		&j.Homeowner.Name, &j.Homeowner.Phone, &j.Homeowner.Email,
		&j.CreatedByCompanyID, &j.CreatedByTechnicianID,
		&requiredSkills, &skillLevels, &j.Category, &status,
		&j.CompletedAt, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return job.Job{}, err
	}

	j.Status = job.Status(status)
	if len(requiredSkills) > 0 {
		if err := json.Unmarshal(requiredSkills, &j.RequiredSkills); err != nil {
			return job.Job{}, err
		}
	}
	if len(skillLevels) > 0 {
		levels := make(map[string]skill.Level)
		if err := json.Unmarshal(skillLevels, &levels); err != nil {
			return job.Job{}, err
		}
		j.SkillLevels = levels
	}
	return j, nil
}
