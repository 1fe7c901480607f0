package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/samber/lo"

	"github.com/fieldsync/dispatch/internal/domain/company"
	"github.com/fieldsync/dispatch/internal/domain/job"
	"github.com/fieldsync/dispatch/internal/domain/outbox"
	"github.com/fieldsync/dispatch/internal/domain/routing"
	"github.com/fieldsync/dispatch/internal/domain/skill"
	"github.com/fieldsync/dispatch/internal/domain/technician"
	"github.com/fieldsync/dispatch/internal/matching"
)

// CreateJobInput is the validated-but-raw request: skill levels arrive
// as strings and are parsed here, before any row is written.
type CreateJobInput struct {
	Summary               string
	Address               job.Address
	Homeowner             job.Homeowner
	CreatedByCompanyID    string
	CreatedByTechnicianID string
	RequiredSkills        []string
	SkillLevels           map[string]string
	Category              *string
}

// CreateJobResult carries the created job, the routings raised for it,
// and the matches that selected them. Matches is index-aligned with
// Routings.
type CreateJobResult struct {
	Job          job.Job              `json:"job"`
	Routings     []routing.JobRouting `json:"routings"`
	Matches      []matching.Match     `json:"matches"`
	AverageScore float64              `json:"averageScore"`
}

// CreateJob routes a new job to the best-matching companies and leaves
// one pending routing plus one outbox event per selection, all in a
// single atomic write.
type CreateJob struct {
	companies   CompaniesRepo
	technicians TechniciansRepo
	store       BundleStore
	log         *slog.Logger

	allowMock   bool
	maxRoutings int
	maxRetries  int
}

type CreateJobOptions struct {
	// AllowMockProviders admits mock companies into the candidate
	// pool. Off in production.
	AllowMockProviders bool

	// MaxRoutingsPerJob caps how many companies one job fans out to.
	// <= 0 means a single routing.
	MaxRoutingsPerJob int

	// EventMaxRetries is the redelivery budget stamped on each outbox
	// event. <= 0 takes the outbox default.
	EventMaxRetries int
}

func NewCreateJob(companies CompaniesRepo, technicians TechniciansRepo, store BundleStore, opts CreateJobOptions, log *slog.Logger) *CreateJob {
	maxRoutings := opts.MaxRoutingsPerJob
	if maxRoutings <= 0 {
		maxRoutings = 1
	}

	return &CreateJob{
		companies:   companies,
		technicians: technicians,
		store:       store,
		log:         log,
		allowMock:   opts.AllowMockProviders,
		maxRoutings: maxRoutings,
		maxRetries:  opts.EventMaxRetries,
	}
}

func (uc *CreateJob) Execute(ctx context.Context, in CreateJobInput) (CreateJobResult, error) {
	requiredSkills, skillLevels, err := buildSkillRequirements(in.RequiredSkills, in.SkillLevels)
	if err != nil {
		return CreateJobResult{}, err
	}

	requester, err := uc.companies.GetByID(ctx, in.CreatedByCompanyID)
	if err != nil {
		if errors.Is(err, company.ErrCompanyNotFound) {
			return CreateJobResult{}, Validationf("company %s not found", in.CreatedByCompanyID)
		}
		return CreateJobResult{}, fmt.Errorf("load requesting company: %w", err)
	}

	tech, err := uc.technicians.GetByID(ctx, in.CreatedByTechnicianID)
	if err != nil {
		if errors.Is(err, technician.ErrTechnicianNotFound) {
			return CreateJobResult{}, Validationf("technician %s not found", in.CreatedByTechnicianID)
		}
		return CreateJobResult{}, fmt.Errorf("load technician: %w", err)
	}
	if !tech.WorksFor(requester.ID) {
		return CreateJobResult{}, Validationf("technician %s does not belong to company %s", tech.ID, requester.ID)
	}
	if !tech.IsActive {
		return CreateJobResult{}, Validationf("technician %s is inactive", tech.ID)
	}

	candidates, err := uc.companies.ListActiveWithSkills(ctx)
	if err != nil {
		return CreateJobResult{}, fmt.Errorf("list candidate companies: %w", err)
	}

	eligible := lo.Filter(candidates, func(c company.WithSkills, _ int) bool {
		return c.ID != requester.ID && c.CanReceiveJobs(uc.allowMock)
	})

	req := matching.Requirements{
		RequiredSkills: requiredSkills,
		SkillLevels:    skillLevels,
		Category:       in.Category,
	}
	matches := matching.Rank(req, eligible, uc.maxRoutings)
	if len(matches) == 0 {
		return CreateJobResult{}, Validationf("no suitable companies found for the required skills")
	}

	j := job.New(job.CreateRequest{
		Summary:               in.Summary,
		Address:               in.Address,
		Homeowner:             in.Homeowner,
		CreatedByCompanyID:    requester.ID,
		CreatedByTechnicianID: tech.ID,
		RequiredSkills:        requiredSkills,
		SkillLevels:           skillLevels,
		Category:              in.Category,
	})

	routings := make([]routing.JobRouting, 0, len(matches))
	events := make([]outbox.Event, 0, len(matches))
	for _, m := range matches {
		rt := routing.New(j.ID, m.CompanyID)

		ev, evErr := outbox.NewJobSync(outbox.JobSyncPayload{
			RoutingID:     rt.ID,
			JobID:         j.ID,
			CompanyID:     m.CompanyID,
			ProviderType:  m.ProviderType,
			MatchingScore: m.Score,
			MatchedSkills: m.MatchedSkills,
		}, uc.maxRetries)
		if evErr != nil {
			return CreateJobResult{}, fmt.Errorf("build outbox event: %w", evErr)
		}

		routings = append(routings, rt)
		events = append(events, ev)
	}

	if err := uc.store.CreateJobBundle(ctx, j, routings, events); err != nil {
		return CreateJobResult{}, fmt.Errorf("persist job bundle: %w", err)
	}

	avg := lo.SumBy(matches, func(m matching.Match) float64 { return m.Score }) / float64(len(matches))

	uc.log.InfoContext(ctx, "job.created",
		"job_id", j.ID,
		"company_id", requester.ID,
		"technician_id", tech.ID,
		"routings", len(routings),
		"avg_score", avg,
	)

	return CreateJobResult{
		Job:          j,
		Routings:     routings,
		Matches:      matches,
		AverageScore: avg,
	}, nil
}

// buildSkillRequirements normalizes the raw skill input. Every
// skill_levels key must name a required skill and carry a known level.
func buildSkillRequirements(required []string, rawLevels map[string]string) ([]string, map[string]skill.Level, error) {
	skills := make([]string, 0, len(required))
	seen := make(map[string]bool, len(required))
	for _, raw := range required {
		name := skill.Normalize(raw)
		if name == "" {
			return nil, nil, Validationf("required_skills entries must be nonempty")
		}
		if seen[name] {
			continue
		}
		seen[name] = true
		skills = append(skills, name)
	}

	levels := make(map[string]skill.Level, len(rawLevels))
	for rawName, rawLevel := range rawLevels {
		name := skill.Normalize(rawName)
		if !seen[name] {
			return nil, nil, Validationf("skill_levels references %q which is not in required_skills", rawName)
		}
		lvl, ok := skill.Parse(rawLevel)
		if !ok {
			return nil, nil, Validationf("skill level for %q must be one of basic, intermediate, expert", rawName)
		}
		levels[name] = lvl
	}

	return skills, levels, nil
}
