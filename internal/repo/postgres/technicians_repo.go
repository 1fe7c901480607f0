package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fieldsync/dispatch/internal/domain/technician"
	"github.com/fieldsync/dispatch/internal/observability"
)

type TechniciansRepo struct {
	pool *pgxpool.Pool
	prom *observability.Prom
}

func NewTechniciansRepo(pool *pgxpool.Pool, prom *observability.Prom) *TechniciansRepo {
	return &TechniciansRepo{pool: pool, prom: prom}
}

func (r *TechniciansRepo) observe(op string, fn func() error) error {
	if r.prom != nil {
		return r.prom.ObserveDB(op, fn)
	}
	return fn()
}

func (r *TechniciansRepo) Create(ctx context.Context, req technician.CreateRequest) (technician.Technician, error) {
	t := technician.New(req)
	op := "technicians.create"

	err := r.observe(op, func() error {
		_, err := r.pool.Exec(ctx, `INSERT INTO technicians(
			id, company_id, name, phone, email, is_active, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
			t.ID, t.CompanyID, t.Name, t.Phone, t.Email, t.IsActive, t.CreatedAt, t.UpdatedAt)
		return err
	})

	if err != nil {
		return technician.Technician{}, err
	}
	return t, nil
}

func (r *TechniciansRepo) GetByID(ctx context.Context, id string) (technician.Technician, error) {
	var t technician.Technician
	op := "technicians.get_by_id"

	err := r.observe(op, func() error {
		return r.pool.QueryRow(ctx, `
			SELECT id, company_id, name, phone, email, is_active, created_at, updated_at
			FROM technicians
			WHERE id = $1
		`, id).Scan(&t.ID, &t.CompanyID, &t.Name, &t.Phone, &t.Email, &t.IsActive, &t.CreatedAt, &t.UpdatedAt)
	})

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return technician.Technician{}, technician.ErrTechnicianNotFound
		}
		return technician.Technician{}, err
	}
	return t, nil
}
