package postgres

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fieldsync/dispatch/internal/domain/company"
	"github.com/fieldsync/dispatch/internal/domain/skill"
	"github.com/fieldsync/dispatch/internal/observability"
)

type CompaniesRepo struct {
	pool *pgxpool.Pool
	prom *observability.Prom
}

func NewCompaniesRepo(pool *pgxpool.Pool, prom *observability.Prom) *CompaniesRepo {
	return &CompaniesRepo{pool: pool, prom: prom}
}

func (r *CompaniesRepo) observe(op string, fn func() error) error {
	if r.prom != nil {
		return r.prom.ObserveDB(op, fn)
	}
	return fn()
}

func (r *CompaniesRepo) Create(ctx context.Context, req company.CreateRequest) (company.Company, error) {
	c := company.New(req)
	op := "companies.create"

	cfg, err := json.Marshal(c.ProviderConfig)
	if err != nil {
		return company.Company{}, err
	}

	err = r.observe(op, func() error {
		_, err := r.pool.Exec(ctx, `INSERT INTO companies(
			id, name, provider_type, provider_config, is_active, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7)`,
			c.ID, c.Name, string(c.ProviderType), cfg, c.IsActive, c.CreatedAt, c.UpdatedAt)
		return err
	})

	if err != nil {
		return company.Company{}, err
	}
	return c, nil
}

func (r *CompaniesRepo) GetByID(ctx context.Context, id string) (company.Company, error) {
	var c company.Company
	var providerType string
	var cfg []byte
	var err error

	op := "companies.get_by_id"

	err = r.observe(op, func() error {
		return r.pool.QueryRow(ctx, `
			SELECT id, name, provider_type, provider_config, is_active, created_at, updated_at
			FROM companies
			WHERE id = $1
		`, id).Scan(&c.ID, &c.Name, &providerType, &cfg, &c.IsActive, &c.CreatedAt, &c.UpdatedAt)
	})

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return company.Company{}, company.ErrCompanyNotFound
		}
		return company.Company{}, err
	}

	c.ProviderType = company.ProviderType(providerType)
	if len(cfg) > 0 {
		if err := json.Unmarshal(cfg, &c.ProviderConfig); err != nil {
			return company.Company{}, err
		}
	}
	return c, nil
}

// ListActiveWithSkills loads every active company together with its
// skill rows, the candidate set the matching engine ranks.
func (r *CompaniesRepo) ListActiveWithSkills(ctx context.Context) ([]company.WithSkills, error) {
	op := "companies.list_active_with_skills"

	var rows pgx.Rows
	err := r.observe(op, func() error {
		var qerr error
		rows, qerr = r.pool.Query(ctx, `
			SELECT id, name, provider_type, provider_config, is_active, created_at, updated_at
			FROM companies
			WHERE is_active = TRUE
			ORDER BY created_at ASC, id ASC
		`)
		return qerr
	})
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]company.WithSkills, 0, 16)
	ids := make([]string, 0, 16)

	for rows.Next() {
		var c company.Company
		var providerType string
		var cfg []byte

		if scanErr := rows.Scan(&c.ID, &c.Name, &providerType, &cfg, &c.IsActive, &c.CreatedAt, &c.UpdatedAt); scanErr != nil {
			return nil, scanErr
		}

		c.ProviderType = company.ProviderType(providerType)
		if len(cfg) > 0 {
			if err := json.Unmarshal(cfg, &c.ProviderConfig); err != nil {
				return nil, err
			}
		}

		out = append(out, company.WithSkills{Company: c})
		ids = append(ids, c.ID)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	if len(out) == 0 {
		return out, nil
	}

	skills, err := r.skillsForCompanies(ctx, ids)
	if err != nil {
		return nil, err
	}

	for i := range out {
		out[i].Skills = skills[out[i].ID]
	}
	return out, nil
}

func (r *CompaniesRepo) skillsForCompanies(ctx context.Context, companyIDs []string) (map[string][]company.Skill, error) {
	op := "companies.skills_for_companies"

	var rows pgx.Rows
	err := r.observe(op, func() error {
		var qerr error
		rows, qerr = r.pool.Query(ctx, `
			SELECT id, company_id, skill_name, skill_level, is_primary, created_at
			FROM company_skills
			WHERE company_id = ANY($1)
			ORDER BY skill_name ASC
		`, companyIDs)
		return qerr
	})
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	grouped := make(map[string][]company.Skill, len(companyIDs))
	for rows.Next() {
		var s company.Skill
		var level string

		if scanErr := rows.Scan(&s.ID, &s.CompanyID, &s.Name, &level, &s.IsPrimary, &s.CreatedAt); scanErr != nil {
			return nil, scanErr
		}
		s.Level = skill.Level(level)
		grouped[s.CompanyID] = append(grouped[s.CompanyID], s)
	}
	return grouped, rows.Err()
}

// AddSkill upserts one skill row; the (company_id, skill_name) unique
// key makes repeated seeds idempotent.
func (r *CompaniesRepo) AddSkill(ctx context.Context, s company.Skill) error {
	op := "companies.add_skill"

	return r.observe(op, func() error {
		_, err := r.pool.Exec(ctx, `
			INSERT INTO company_skills (id, company_id, skill_name, skill_level, is_primary, created_at)
			VALUES ($1,$2,$3,$4,$5,$6)
			ON CONFLICT (company_id, skill_name)
			DO UPDATE SET skill_level = EXCLUDED.skill_level, is_primary = EXCLUDED.is_primary
		`, s.ID, s.CompanyID, s.Name, string(s.Level), s.IsPrimary, s.CreatedAt)
		return err
	})
}
