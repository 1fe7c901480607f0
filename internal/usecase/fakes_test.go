package usecase

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/fieldsync/dispatch/internal/domain/company"
	"github.com/fieldsync/dispatch/internal/domain/job"
	"github.com/fieldsync/dispatch/internal/domain/routing"
	"github.com/fieldsync/dispatch/internal/domain/skill"
	"github.com/fieldsync/dispatch/internal/domain/technician"
	"github.com/fieldsync/dispatch/internal/notifications"
	"github.com/fieldsync/dispatch/internal/provider"
	"github.com/fieldsync/dispatch/internal/ratelimit"
	"github.com/fieldsync/dispatch/internal/repo/memory"
	"github.com/fieldsync/dispatch/internal/retry"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newExecutor builds a single-attempt executor with a breaker loose
// enough that ordinary test failures never trip it.
func newExecutor() *retry.Executor {
	breaker := retry.NewCircuitBreaker(100, time.Minute)
	return retry.NewExecutor(breaker, retry.ExecutorConfig{
		Attempts:  1,
		BaseDelay: time.Millisecond,
		MaxDelay:  time.Millisecond,
		RetryIf:   provider.IsRetryable,
	}, discardLogger())
}

// fakeProvider is a scriptable platform adapter. Zero value behaves
// like a healthy provider: leads are accepted and stay open.
type fakeProvider struct {
	mu          sync.Mutex
	createCalls int
	batchCalls  int

	createFn func(req provider.CreateLeadRequest) (provider.CreateLeadResponse, error)
	statusFn func(externalID string) provider.JobStatusResponse
	batchFn  func(externalIDs []string) ([]provider.JobStatusResponse, error)
}

func (f *fakeProvider) CreateLead(_ context.Context, req provider.CreateLeadRequest) (provider.CreateLeadResponse, error) {
	f.mu.Lock()
	f.createCalls++
	f.mu.Unlock()

	if f.createFn != nil {
		return f.createFn(req)
	}
	return provider.CreateLeadResponse{Success: true, ExternalID: "ext-" + req.IdempotencyKey}, nil
}

func (f *fakeProvider) GetJobStatus(_ context.Context, externalID string) (provider.JobStatusResponse, error) {
	return f.statusFor(externalID), nil
}

func (f *fakeProvider) BatchGetJobStatus(_ context.Context, externalIDs []string) ([]provider.JobStatusResponse, error) {
	f.mu.Lock()
	f.batchCalls++
	f.mu.Unlock()

	if f.batchFn != nil {
		return f.batchFn(externalIDs)
	}

	out := make([]provider.JobStatusResponse, 0, len(externalIDs))
	for _, id := range externalIDs {
		out = append(out, f.statusFor(id))
	}
	return out, nil
}

func (f *fakeProvider) ValidateConfig() bool { return true }

func (f *fakeProvider) statusFor(externalID string) provider.JobStatusResponse {
	if f.statusFn != nil {
		return f.statusFn(externalID)
	}
	return provider.JobStatusResponse{ExternalID: externalID, Status: "open"}
}

func (f *fakeProvider) createCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.createCalls
}

// fakeRegistry resolves providers from a fixed map keyed by company
// id. Companies without an entry resolve to a not-configured error.
type fakeRegistry struct {
	providers map[string]provider.Provider
	err       error
}

func (r *fakeRegistry) Resolve(c company.Company) (provider.Provider, error) {
	if r.err != nil {
		return nil, r.err
	}
	p, ok := r.providers[c.ID]
	if !ok {
		return nil, provider.NewError(provider.KindNotConfigured, string(c.ProviderType),
			"no adapter registered for company %s", c.ID)
	}
	return p, nil
}

type captureNotifier struct {
	mu   sync.Mutex
	sent []notifications.JobCompletedInput
}

func (n *captureNotifier) SendJobCompleted(_ context.Context, in notifications.JobCompletedInput) error {
	n.mu.Lock()
	n.sent = append(n.sent, in)
	n.mu.Unlock()
	return nil
}

func (n *captureNotifier) all() []notifications.JobCompletedInput {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]notifications.JobCompletedInput, len(n.sent))
	copy(out, n.sent)
	return out
}

func configFor(pt company.ProviderType) map[string]string {
	switch pt {
	case company.ProviderServiceTitan:
		return map[string]string{"client_id": "id", "client_secret": "secret", "tenant_id": "tenant"}
	case company.ProviderHousecallPro:
		return map[string]string{"api_key": "key", "company_id": "hcp-1"}
	}
	return map[string]string{}
}

func putCompany(repo *memory.CompaniesRepo, id string, pt company.ProviderType, active bool, skills ...company.Skill) company.Company {
	now := time.Now().UTC()
	c := company.Company{
		ID:             id,
		Name:           "company " + id,
		ProviderType:   pt,
		ProviderConfig: configFor(pt),
		IsActive:       active,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	repo.Put(c)

	for _, s := range skills {
		s.CompanyID = id
		if s.ID == "" {
			s.ID = id + "/" + s.Name
		}
		_ = repo.AddSkill(context.Background(), s)
	}
	return c
}

func putTechnician(repo *memory.TechniciansRepo, id, companyID string, active bool) technician.Technician {
	now := time.Now().UTC()
	t := technician.Technician{
		ID:        id,
		CompanyID: companyID,
		Name:      "tech " + id,
		IsActive:  active,
		CreatedAt: now,
		UpdatedAt: now,
	}
	repo.Put(t)
	return t
}

func companySkill(name string, level skill.Level, primary bool) company.Skill {
	return company.Skill{Name: name, Level: level, IsPrimary: primary}
}

func putJob(repo *memory.JobsRepo, companyID, techID string) job.Job {
	j := job.New(job.CreateRequest{
		Summary: "water heater replacement",
		Address: job.Address{Street: "12 Oak St", City: "Austin", State: "TX", ZipCode: "78701"},
		Homeowner: job.Homeowner{
			Name: "Dana Smith",
		},
		CreatedByCompanyID:    companyID,
		CreatedByTechnicianID: techID,
		RequiredSkills:        []string{"plumbing"},
		SkillLevels:           map[string]skill.Level{"plumbing": skill.LevelIntermediate},
	})
	repo.Put(j)
	return j
}

func putPendingRouting(repo *memory.RoutingsRepo, jobID, companyID string) routing.JobRouting {
	rt := routing.New(jobID, companyID)
	repo.Put(rt)
	return rt
}

func putSyncedRouting(repo *memory.RoutingsRepo, jobID, companyID, externalID string, lastSyncedAt *time.Time) routing.JobRouting {
	rt := routing.New(jobID, companyID)
	rt.SyncStatus = routing.SyncSynced
	rt.ExternalID = &externalID
	rt.LastSyncedAt = lastSyncedAt
	repo.Put(rt)
	return rt
}

func newSyncJobForTest(store *memory.Store, companies *memory.CompaniesRepo, reg ProviderRegistry, cfg SyncJobConfig) *SyncJob {
	return NewSyncJob(SyncJobDeps{
		Routings:  store.Routings,
		Jobs:      store.Jobs,
		Companies: companies,
		Registry:  reg,
		Limiter:   ratelimit.NewMemoryLimiter(),
		Executor:  newExecutor(),
		Log:       discardLogger(),
	}, cfg)
}
