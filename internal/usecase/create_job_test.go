package usecase

import (
	"context"
	"math"
	"strings"
	"testing"

	"github.com/fieldsync/dispatch/internal/domain/company"
	"github.com/fieldsync/dispatch/internal/domain/job"
	"github.com/fieldsync/dispatch/internal/domain/outbox"
	"github.com/fieldsync/dispatch/internal/domain/routing"
	"github.com/fieldsync/dispatch/internal/domain/skill"
	"github.com/fieldsync/dispatch/internal/repo/memory"
)

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

type createJobHarness struct {
	uc        *CreateJob
	store     *memory.Store
	companies *memory.CompaniesRepo
	techs     *memory.TechniciansRepo
}

func newCreateJobHarness(opts CreateJobOptions) createJobHarness {
	companies := memory.NewCompaniesRepo()
	techs := memory.NewTechniciansRepo()
	store := memory.NewStore()

	return createJobHarness{
		uc:        NewCreateJob(companies, techs, store, opts, discardLogger()),
		store:     store,
		companies: companies,
		techs:     techs,
	}
}

func validInput(companyID, techID string) CreateJobInput {
	return CreateJobInput{
		Summary: "leaking water heater",
		Address: job.Address{Street: "12 Oak St", City: "Austin", State: "TX", ZipCode: "78701"},
		Homeowner: job.Homeowner{
			Name: "Dana Smith",
		},
		CreatedByCompanyID:    companyID,
		CreatedByTechnicianID: techID,
		RequiredSkills:        []string{"Plumbing"},
		SkillLevels:           map[string]string{"plumbing": "expert"},
	}
}

func TestCreateJob_RoutesToBestMatch(t *testing.T) {
	h := newCreateJobHarness(CreateJobOptions{AllowMockProviders: true})

	putCompany(h.companies, "req", company.ProviderMock, true)
	putTechnician(h.techs, "tech-1", "req", true)
	putCompany(h.companies, "ace", company.ProviderMock, true,
		companySkill("plumbing", skill.LevelExpert, true))
	putCompany(h.companies, "basic-co", company.ProviderMock, true,
		companySkill("plumbing", skill.LevelBasic, false))

	res, err := h.uc.Execute(context.Background(), validInput("req", "tech-1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(res.Routings) != 1 {
		t.Fatalf("expected 1 routing, got %d", len(res.Routings))
	}
	rt := res.Routings[0]
	if rt.CompanyIDReceived != "ace" {
		t.Fatalf("expected routing to ace, got %s", rt.CompanyIDReceived)
	}
	if rt.SyncStatus != routing.SyncPending {
		t.Fatalf("expected pending routing, got %s", rt.SyncStatus)
	}
	if rt.JobID != res.Job.ID {
		t.Fatalf("routing job id %s does not match job %s", rt.JobID, res.Job.ID)
	}

	// expert 3.0 + primary 1.5 + active 0.5 + provider 0.3
	if !almostEqual(res.AverageScore, 5.3) {
		t.Fatalf("expected average score 5.3, got %v", res.AverageScore)
	}

	if res.Job.Status != job.StatusPending {
		t.Fatalf("expected pending job, got %s", res.Job.Status)
	}
	if res.Job.RequiredSkills[0] != "plumbing" {
		t.Fatalf("expected normalized skill name, got %q", res.Job.RequiredSkills[0])
	}

	stored, err := h.store.Jobs.GetByID(context.Background(), res.Job.ID)
	if err != nil {
		t.Fatalf("job was not persisted: %v", err)
	}
	if stored.Summary != "leaking water heater" {
		t.Fatalf("unexpected stored summary %q", stored.Summary)
	}

	events, err := h.store.Outbox.ListPending(context.Background(), 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 outbox event, got %d", len(events))
	}
	payload, err := outbox.DecodeJobSync(events[0])
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.RoutingID != rt.ID || payload.JobID != res.Job.ID || payload.CompanyID != "ace" {
		t.Fatalf("payload references wrong rows: %+v", payload)
	}
	if !almostEqual(payload.MatchingScore, 5.3) {
		t.Fatalf("expected payload score 5.3, got %v", payload.MatchingScore)
	}
	if events[0].AggregateID != rt.ID {
		t.Fatalf("expected aggregate id %s, got %s", rt.ID, events[0].AggregateID)
	}
}

func TestCreateJob_FanOutToSeveralCompanies(t *testing.T) {
	h := newCreateJobHarness(CreateJobOptions{AllowMockProviders: true, MaxRoutingsPerJob: 2})

	putCompany(h.companies, "req", company.ProviderMock, true)
	putTechnician(h.techs, "tech-1", "req", true)
	putCompany(h.companies, "ace", company.ProviderMock, true,
		companySkill("plumbing", skill.LevelExpert, true))
	putCompany(h.companies, "good", company.ProviderMock, true,
		companySkill("plumbing", skill.LevelExpert, false))
	putCompany(h.companies, "meh", company.ProviderMock, true,
		companySkill("plumbing", skill.LevelBasic, false))

	res, err := h.uc.Execute(context.Background(), validInput("req", "tech-1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(res.Routings) != 2 {
		t.Fatalf("expected 2 routings, got %d", len(res.Routings))
	}
	if res.Routings[0].CompanyIDReceived != "ace" || res.Routings[1].CompanyIDReceived != "good" {
		t.Fatalf("expected routings to [ace good], got [%s %s]",
			res.Routings[0].CompanyIDReceived, res.Routings[1].CompanyIDReceived)
	}
	if len(res.Matches) != 2 || res.Matches[0].CompanyID != "ace" {
		t.Fatalf("matches not aligned with routings: %+v", res.Matches)
	}

	// ace 5.3, good 3.8
	want := (5.3 + 3.8) / 2
	if !almostEqual(res.AverageScore, want) {
		t.Fatalf("expected average %v, got %v", want, res.AverageScore)
	}

	events, _ := h.store.Outbox.ListPending(context.Background(), 10)
	if len(events) != 2 {
		t.Fatalf("expected one event per routing, got %d", len(events))
	}
}

func TestCreateJob_ExcludesRequesterAndIneligible(t *testing.T) {
	h := newCreateJobHarness(CreateJobOptions{AllowMockProviders: true})

	// The requester has the best skills but must never route to itself.
	putCompany(h.companies, "req", company.ProviderMock, true,
		companySkill("plumbing", skill.LevelExpert, true))
	putTechnician(h.techs, "tech-1", "req", true)

	// Missing servicetitan credentials: not routable.
	unconfigured := company.Company{
		ID:           "st-bare",
		Name:         "bare servicetitan",
		ProviderType: company.ProviderServiceTitan,
		IsActive:     true,
	}
	h.companies.Put(unconfigured)

	putCompany(h.companies, "ok", company.ProviderMock, true,
		companySkill("plumbing", skill.LevelBasic, false))

	res, err := h.uc.Execute(context.Background(), validInput("req", "tech-1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Routings) != 1 || res.Routings[0].CompanyIDReceived != "ok" {
		t.Fatalf("expected single routing to ok, got %+v", res.Routings)
	}
}

func TestCreateJob_MockProvidersGatedInProduction(t *testing.T) {
	h := newCreateJobHarness(CreateJobOptions{AllowMockProviders: false})

	putCompany(h.companies, "req", company.ProviderHousecallPro, true)
	putTechnician(h.techs, "tech-1", "req", true)
	putCompany(h.companies, "mock-only", company.ProviderMock, true,
		companySkill("plumbing", skill.LevelExpert, true))

	_, err := h.uc.Execute(context.Background(), validInput("req", "tech-1"))
	if !IsValidation(err) {
		t.Fatalf("expected validation error with mock providers gated, got %v", err)
	}
}

func TestCreateJob_ValidationFailures(t *testing.T) {
	h := newCreateJobHarness(CreateJobOptions{AllowMockProviders: true})

	putCompany(h.companies, "req", company.ProviderMock, true)
	putTechnician(h.techs, "tech-1", "req", true)
	putTechnician(h.techs, "tech-other", "other-co", true)
	putTechnician(h.techs, "tech-idle", "req", false)
	putCompany(h.companies, "ace", company.ProviderMock, true,
		companySkill("plumbing", skill.LevelExpert, true))

	cases := []struct {
		name    string
		mutate  func(*CreateJobInput)
		wantMsg string
	}{
		{
			name:    "unknown company",
			mutate:  func(in *CreateJobInput) { in.CreatedByCompanyID = "nope" },
			wantMsg: "not found",
		},
		{
			name:    "unknown technician",
			mutate:  func(in *CreateJobInput) { in.CreatedByTechnicianID = "nope" },
			wantMsg: "not found",
		},
		{
			name:    "technician of another company",
			mutate:  func(in *CreateJobInput) { in.CreatedByTechnicianID = "tech-other" },
			wantMsg: "does not belong",
		},
		{
			name:    "inactive technician",
			mutate:  func(in *CreateJobInput) { in.CreatedByTechnicianID = "tech-idle" },
			wantMsg: "inactive",
		},
		{
			name:    "empty required skill",
			mutate:  func(in *CreateJobInput) { in.RequiredSkills = []string{"  "} },
			wantMsg: "nonempty",
		},
		{
			name:    "unknown skill level",
			mutate:  func(in *CreateJobInput) { in.SkillLevels = map[string]string{"plumbing": "wizard"} },
			wantMsg: "must be one of",
		},
		{
			name: "level for skill not required",
			mutate: func(in *CreateJobInput) {
				in.SkillLevels = map[string]string{"roofing": "expert"}
			},
			wantMsg: "not in required_skills",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := validInput("req", "tech-1")
			tc.mutate(&in)

			_, err := h.uc.Execute(context.Background(), in)
			if !IsValidation(err) {
				t.Fatalf("expected validation error, got %v", err)
			}
			if !strings.Contains(err.Error(), tc.wantMsg) {
				t.Fatalf("expected message containing %q, got %q", tc.wantMsg, err.Error())
			}
		})
	}

	// none of the rejected requests may have left rows behind
	events, _ := h.store.Outbox.ListPending(context.Background(), 10)
	if len(events) != 0 {
		t.Fatalf("rejected requests wrote %d outbox events", len(events))
	}
}

func TestCreateJob_NoCandidates(t *testing.T) {
	h := newCreateJobHarness(CreateJobOptions{AllowMockProviders: true})

	putCompany(h.companies, "req", company.ProviderMock, true)
	putTechnician(h.techs, "tech-1", "req", true)

	_, err := h.uc.Execute(context.Background(), validInput("req", "tech-1"))
	if !IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if !strings.Contains(err.Error(), "no suitable companies") {
		t.Fatalf("unexpected message: %q", err.Error())
	}
}
