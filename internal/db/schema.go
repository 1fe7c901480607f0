package db

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Every statement is idempotent so repeated startups are no-ops. Real
// deployments version their schema with a migration tool; this keeps
// dev and CI databases usable without one.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS companies (
	id UUID PRIMARY KEY,
	name TEXT NOT NULL,
	provider_type TEXT NOT NULL,
	provider_config JSONB NOT NULL DEFAULT '{}',
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS company_skills (
	id UUID PRIMARY KEY,
	company_id UUID NOT NULL REFERENCES companies(id) ON DELETE CASCADE,
	skill_name TEXT NOT NULL,
	skill_level TEXT NOT NULL,
	is_primary BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL,
	UNIQUE (company_id, skill_name)
);

CREATE TABLE IF NOT EXISTS technicians (
	id UUID PRIMARY KEY,
	company_id UUID NOT NULL REFERENCES companies(id) ON DELETE CASCADE,
	name TEXT NOT NULL,
	phone TEXT,
	email TEXT,
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_technicians_company ON technicians (company_id);

CREATE TABLE IF NOT EXISTS jobs (
	id UUID PRIMARY KEY,
	summary TEXT NOT NULL,
	street TEXT NOT NULL,
	city TEXT NOT NULL,
	state TEXT NOT NULL,
	zip_code TEXT NOT NULL,
	homeowner_name TEXT NOT NULL,
	homeowner_phone TEXT,
	homeowner_email TEXT,
	created_by_company_id UUID NOT NULL REFERENCES companies(id),
	created_by_technician_id UUID NOT NULL REFERENCES technicians(id),
	required_skills JSONB NOT NULL DEFAULT '[]',
	skill_levels JSONB NOT NULL DEFAULT '{}',
	category TEXT,
	status TEXT NOT NULL,
	completed_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs (status);

-- keyset index for GET /jobs: newest updated first
CREATE INDEX IF NOT EXISTS idx_jobs_updated_id ON jobs (updated_at DESC, id DESC);

CREATE TABLE IF NOT EXISTS job_routings (
	id UUID PRIMARY KEY,
	job_id UUID NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
	company_id_received UUID NOT NULL REFERENCES companies(id),
	sync_status TEXT NOT NULL,
	external_id TEXT,
	retry_count INT NOT NULL DEFAULT 0,
	total_sync_attempts INT NOT NULL DEFAULT 0,
	next_retry_at TIMESTAMPTZ,
	claimed_at TIMESTAMPTZ,
	last_synced_at TIMESTAMPTZ,
	error_message TEXT,
	revenue DOUBLE PRECISION,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	UNIQUE (job_id, company_id_received)
);

CREATE INDEX IF NOT EXISTS idx_routings_job ON job_routings (job_id);

-- one routing per provider-side job; NULLs (not yet synced) don't collide
CREATE UNIQUE INDEX IF NOT EXISTS idx_routings_external_id ON job_routings (external_id);

-- retry scan: failed routings whose backoff elapsed
CREATE INDEX IF NOT EXISTS idx_routings_status_retry ON job_routings (sync_status, next_retry_at);

-- poll scan: synced routings by staleness
CREATE INDEX IF NOT EXISTS idx_routings_status_polled ON job_routings (sync_status, last_synced_at);

CREATE TABLE IF NOT EXISTS outbox_events (
	id UUID PRIMARY KEY,
	event_type TEXT NOT NULL,
	aggregate_id UUID NOT NULL,
	event_data JSONB NOT NULL,
	status TEXT NOT NULL,
	retry_count INT NOT NULL DEFAULT 0,
	max_retries INT NOT NULL DEFAULT 3,
	error_message TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	processed_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_outbox_status_created ON outbox_events (status, created_at);
`

// EnsureSchema applies the DDL above in one round trip. Exec without
// arguments rides the simple protocol, which accepts the multi-statement
// string.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, schemaSQL)
	return err
}
