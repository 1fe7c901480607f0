package db

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fieldsync/dispatch/internal/domain/company"
	"github.com/fieldsync/dispatch/internal/domain/skill"
	"github.com/fieldsync/dispatch/internal/domain/technician"
)

// EnsureDemoCompanies seeds two mock-provider companies and a
// technician so a fresh dev database can route a job end to end.
// It is idempotent and a no-op once the sender exists.
func EnsureDemoCompanies(ctx context.Context, pool *pgxpool.Pool) error {
	var dummy string

	err := pool.QueryRow(ctx, `SELECT id FROM companies WHERE name = $1`, "Demo Sender").Scan(&dummy)

	if err == nil {
		return nil
	}

	if !errors.Is(err, pgx.ErrNoRows) {
		return err
	}

	sender := company.New(company.CreateRequest{
		Name:         "Demo Sender",
		ProviderType: company.ProviderMock,
		IsActive:     true,
	})
	receiver := company.New(company.CreateRequest{
		Name:         "Demo Receiver",
		ProviderType: company.ProviderMock,
		IsActive:     true,
	})
	tech := technician.New(technician.CreateRequest{
		CompanyID: sender.ID,
		Name:      "Demo Technician",
	})

	return WithTx(ctx, pool, func(tx pgx.Tx) error {
		for _, c := range []company.Company{sender, receiver} {
			cfg, err := json.Marshal(c.ProviderConfig)
			if err != nil {
				return err
			}

			_, err = tx.Exec(ctx,
				`INSERT INTO companies (id, name, provider_type, provider_config, is_active, created_at, updated_at)
				 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
				c.ID, c.Name, c.ProviderType, cfg, c.IsActive, c.CreatedAt, c.UpdatedAt,
			)
			if err != nil {
				return err
			}
		}

		recvSkill := company.NewSkill(receiver.ID, "plumbing", skill.LevelExpert, true)
		_, err := tx.Exec(ctx,
			`INSERT INTO company_skills (id, company_id, skill_name, skill_level, is_primary, created_at)
			 VALUES ($1,$2,$3,$4,$5,$6)`,
			recvSkill.ID, recvSkill.CompanyID, recvSkill.Name, recvSkill.Level, recvSkill.IsPrimary, recvSkill.CreatedAt,
		)
		if err != nil {
			return err
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO technicians (id, company_id, name, phone, email, is_active, created_at, updated_at)
			 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
			tech.ID, tech.CompanyID, tech.Name, tech.Phone, tech.Email, tech.IsActive, tech.CreatedAt, tech.UpdatedAt,
		)
		return err
	})
}
