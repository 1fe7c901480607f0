package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/samber/lo"

	"github.com/fieldsync/dispatch/internal/domain/routing"
	"github.com/fieldsync/dispatch/internal/notifications"
	"github.com/fieldsync/dispatch/internal/observability"
	"github.com/fieldsync/dispatch/internal/provider"
)

type PollConfig struct {
	// Spacing is the minimum rest between status checks of one
	// routing.
	Spacing time.Duration

	// BatchSize caps routings per poll cycle.
	BatchSize int

	// ProviderTimeout caps one batch-status call.
	ProviderTimeout time.Duration
}

func (c PollConfig) withDefaults() PollConfig {
	if c.Spacing <= 0 {
		c.Spacing = 30 * time.Minute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.ProviderTimeout <= 0 {
		c.ProviderTimeout = 30 * time.Second
	}
	return c
}

type PollUpdatesDeps struct {
	Routings  RoutingsRepo
	Jobs      JobsRepo
	Companies CompaniesRepo
	Registry  ProviderRegistry
	Notifier  notifications.Notifier
	Stats     *observability.WorkerStats
	Prom      *observability.Prom
	Log       *slog.Logger
}

// PollResult aggregates one poll cycle.
type PollResult struct {
	TotalPolled int      `json:"totalPolled"`
	Updated     int      `json:"updated"`
	Completed   int      `json:"completed"`
	Errors      []string `json:"errors,omitempty"`
}

// PollUpdates checks synced routings against their providers and folds
// completions back: routing to completed (with revenue), job to
// completed when revenue arrived. Routings the provider still holds
// open get their last_synced_at bumped so the next cycle skips them
// until the spacing elapses.
type PollUpdates struct {
	routings  RoutingsRepo
	jobs      JobsRepo
	companies CompaniesRepo
	registry  ProviderRegistry
	notifier  notifications.Notifier
	stats     *observability.WorkerStats
	prom      *observability.Prom
	log       *slog.Logger
	cfg       PollConfig
}

func NewPollUpdates(deps PollUpdatesDeps, cfg PollConfig) *PollUpdates {
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}

	return &PollUpdates{
		routings:  deps.Routings,
		jobs:      deps.Jobs,
		companies: deps.Companies,
		registry:  deps.Registry,
		notifier:  deps.Notifier,
		stats:     deps.Stats,
		prom:      deps.Prom,
		log:       log,
		cfg:       cfg.withDefaults(),
	}
}

// Execute runs one poll cycle. Group-level failures (provider down,
// company gone) are collected into the result instead of aborting the
// cycle; only the initial listing can fail the run outright.
func (uc *PollUpdates) Execute(ctx context.Context) (PollResult, error) {
	cutoff := time.Now().UTC().Add(-uc.cfg.Spacing)

	due, err := uc.routings.ListSyncedForPolling(ctx, cutoff, uc.cfg.BatchSize)
	if err != nil {
		return PollResult{}, fmt.Errorf("list routings for polling: %w", err)
	}

	res := PollResult{TotalPolled: len(due)}
	if len(due) == 0 {
		return res, nil
	}

	// One group per receiving company; the company determines the
	// provider. Groups run sequentially so a provider's rate limit is
	// never tripped by intra-cycle parallelism.
	groups := lo.GroupBy(due, func(rt routing.JobRouting) string { return rt.CompanyIDReceived })
	companyIDs := lo.Keys(groups)
	sort.Strings(companyIDs)

	for _, companyID := range companyIDs {
		if ctx.Err() != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("cycle aborted: %v", ctx.Err()))
			break
		}
		if err := uc.pollCompany(ctx, companyID, groups[companyID], &res); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("company %s: %v", companyID, err))
			uc.log.WarnContext(ctx, "poll.company_failed", "company_id", companyID, "error", err)
		}
	}

	if uc.stats != nil {
		uc.stats.AddRoutingsPolled(res.TotalPolled)
	}
	if uc.prom != nil {
		uc.prom.RoutingsPolled.Add(float64(res.TotalPolled))
	}

	uc.log.InfoContext(ctx, "poll.cycle_done",
		"total_polled", res.TotalPolled,
		"updated", res.Updated,
		"completed", res.Completed,
		"errors", len(res.Errors),
	)
	return res, nil
}

func (uc *PollUpdates) pollCompany(ctx context.Context, companyID string, batch []routing.JobRouting, res *PollResult) error {
	c, err := uc.companies.GetByID(ctx, companyID)
	if err != nil {
		return fmt.Errorf("load company: %w", err)
	}

	p, err := uc.registry.Resolve(c)
	if err != nil {
		return fmt.Errorf("resolve provider: %w", err)
	}

	externalIDs := lo.Map(batch, func(rt routing.JobRouting, _ int) string { return *rt.ExternalID })

	callCtx, cancel := context.WithTimeout(ctx, uc.cfg.ProviderTimeout)
	defer cancel()

	statuses, err := p.BatchGetJobStatus(callCtx, externalIDs)
	if err != nil {
		return fmt.Errorf("batch status: %w", err)
	}

	byExternal := make(map[string]provider.JobStatusResponse, len(statuses))
	for _, st := range statuses {
		byExternal[st.ExternalID] = st
	}

	touch := make([]string, 0, len(batch))
	for _, rt := range batch {
		st, ok := byExternal[*rt.ExternalID]
		if !ok {
			res.Errors = append(res.Errors, fmt.Sprintf("routing %s: provider returned no status for %s", rt.ID, *rt.ExternalID))
			continue
		}
		if st.ErrorMessage != "" {
			res.Errors = append(res.Errors, fmt.Sprintf("routing %s: %s", rt.ID, st.ErrorMessage))
			uc.log.WarnContext(ctx, "poll.status_error",
				"routing_id", rt.ID,
				"external_id", *rt.ExternalID,
				"error", st.ErrorMessage,
			)
			continue
		}

		if st.IsCompleted {
			if err := uc.complete(ctx, rt, st); err != nil {
				res.Errors = append(res.Errors, fmt.Sprintf("routing %s: %v", rt.ID, err))
				continue
			}
			res.Updated++
			res.Completed++
			continue
		}

		touch = append(touch, rt.ID)
	}

	if err := uc.routings.TouchPolled(ctx, touch); err != nil {
		return fmt.Errorf("touch polled routings: %w", err)
	}
	return nil
}

// complete finalizes one routing the provider reported done. The job
// itself completes only when revenue arrived with the report.
func (uc *PollUpdates) complete(ctx context.Context, rt routing.JobRouting, st provider.JobStatusResponse) error {
	if err := uc.routings.MarkCompleted(ctx, rt.ID, st.Revenue); err != nil {
		if errors.Is(err, routing.ErrNotSynced) {
			// already completed by a concurrent cycle
			return nil
		}
		return fmt.Errorf("mark routing completed: %w", err)
	}
	if uc.stats != nil {
		uc.stats.AddRoutingsCompleted(1)
	}

	summary := ""
	if j, err := uc.jobs.GetByID(ctx, rt.JobID); err == nil {
		summary = j.Summary
	}

	if st.Revenue != nil {
		completedAt := time.Now().UTC()
		if st.CompletedAt != nil {
			completedAt = st.CompletedAt.UTC()
		}
		if err := uc.jobs.MarkCompleted(ctx, rt.JobID, completedAt); err != nil {
			// the routing is already terminal; surface the mismatch
			// instead of leaving it silent
			return fmt.Errorf("mark job completed: %w", err)
		}
	}

	uc.log.InfoContext(ctx, "poll.routing_completed",
		"routing_id", rt.ID,
		"job_id", rt.JobID,
		"company_id", rt.CompanyIDReceived,
		"revenue", st.Revenue,
	)

	uc.notify(ctx, rt, summary, st.Revenue)
	return nil
}

// notify is fire-and-forget: a dead notification channel never affects
// routing or job state.
func (uc *PollUpdates) notify(ctx context.Context, rt routing.JobRouting, summary string, revenue *float64) {
	if uc.notifier == nil {
		return
	}

	err := uc.notifier.SendJobCompleted(ctx, notifications.JobCompletedInput{
		JobID:     rt.JobID,
		RoutingID: rt.ID,
		CompanyID: rt.CompanyIDReceived,
		Summary:   summary,
		Revenue:   revenue,
	})
	if err != nil {
		uc.log.WarnContext(ctx, "poll.notify_failed", "routing_id", rt.ID, "error", err)
	}
}
