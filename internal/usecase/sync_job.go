package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fieldsync/dispatch/internal/domain/company"
	"github.com/fieldsync/dispatch/internal/domain/job"
	"github.com/fieldsync/dispatch/internal/domain/routing"
	"github.com/fieldsync/dispatch/internal/observability"
	"github.com/fieldsync/dispatch/internal/provider"
	"github.com/fieldsync/dispatch/internal/ratelimit"
	"github.com/fieldsync/dispatch/internal/retry"
)

type SyncJobConfig struct {
	// MaxRetries bounds delivery attempts per routing.
	MaxRetries int

	// StuckAfter is the age past which a processing claim counts as
	// abandoned and may be stolen.
	StuckAfter time.Duration

	// ProviderTimeout caps one outbound create-lead call.
	ProviderTimeout time.Duration

	// RateMax / RateWindow bound syncs per receiving company.
	RateMax    int
	RateWindow time.Duration
}

func (c SyncJobConfig) withDefaults() SyncJobConfig {
	if c.MaxRetries <= 0 {
		c.MaxRetries = routing.DefaultMaxRetries
	}
	if c.StuckAfter <= 0 {
		c.StuckAfter = routing.DefaultStuckAfter
	}
	if c.ProviderTimeout <= 0 {
		c.ProviderTimeout = 30 * time.Second
	}
	if c.RateMax <= 0 {
		c.RateMax = 30
	}
	if c.RateWindow <= 0 {
		c.RateWindow = time.Minute
	}
	return c
}

type SyncJobDeps struct {
	Routings  RoutingsRepo
	Jobs      JobsRepo
	Companies CompaniesRepo
	Registry  ProviderRegistry
	Limiter   ratelimit.Limiter
	Executor  *retry.Executor
	Stats     *observability.WorkerStats
	Prom      *observability.Prom
	Log       *slog.Logger
}

// SyncJob pushes one claimed routing to its provider platform. The
// conditional claim is the linearization point: at most one attempt
// holds a routing at a time, and everything after the claim either
// lands in synced or releases the row into failed with a schedule.
type SyncJob struct {
	routings  RoutingsRepo
	jobs      JobsRepo
	companies CompaniesRepo
	registry  ProviderRegistry
	limiter   ratelimit.Limiter
	executor  *retry.Executor
	stats     *observability.WorkerStats
	prom      *observability.Prom
	log       *slog.Logger
	cfg       SyncJobConfig
}

func NewSyncJob(deps SyncJobDeps, cfg SyncJobConfig) *SyncJob {
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}

	return &SyncJob{
		routings:  deps.Routings,
		jobs:      deps.Jobs,
		companies: deps.Companies,
		registry:  deps.Registry,
		limiter:   deps.Limiter,
		executor:  deps.Executor,
		stats:     deps.Stats,
		prom:      deps.Prom,
		log:       log,
		cfg:       cfg.withDefaults(),
	}
}

// Execute runs one delivery attempt for the routing.
//
// The bool reports whether the routing is on the provider side after
// this call: true when this attempt synced it or an earlier one
// already had. (false, nil) means the attempt was legitimately skipped
// (the routing vanished or a peer holds the claim) and the caller's
// event may complete. A non-nil error means the attempt failed and the
// event should be redelivered.
func (uc *SyncJob) Execute(ctx context.Context, routingID string) (bool, error) {
	rt, err := uc.routings.GetByID(ctx, routingID)
	if err != nil {
		if errors.Is(err, routing.ErrRoutingNotFound) {
			uc.log.WarnContext(ctx, "sync.routing_gone", "routing_id", routingID)
			uc.skipped()
			return false, nil
		}
		return false, fmt.Errorf("load routing: %w", err)
	}

	now := time.Now().UTC()
	if !rt.CanSync(now, uc.cfg.StuckAfter, uc.cfg.MaxRetries) {
		if rt.SyncStatus.IsTerminal() {
			uc.skipped()
			return true, nil
		}
		return false, fmt.Errorf("%w: routing %s is %s (retry %d/%d)",
			ErrSyncNotAllowed, rt.ID, rt.SyncStatus, rt.RetryCount, uc.cfg.MaxRetries)
	}

	// The window is consumed before the claim so a denied attempt
	// leaves the routing pending instead of parking it in processing.
	rateKey := "sync_company:" + rt.CompanyIDReceived
	if !ratelimit.Allow(ctx, uc.limiter, rateKey, uc.cfg.RateMax, uc.cfg.RateWindow) {
		if uc.prom != nil {
			uc.prom.RateLimitDenied.WithLabelValues("sync_company").Inc()
		}
		return false, fmt.Errorf("%w: company %s", ErrSyncRateLimited, rt.CompanyIDReceived)
	}

	claimed, err := uc.routings.Claim(ctx, rt.ID, uc.cfg.MaxRetries, uc.cfg.StuckAfter)
	if err != nil {
		if errors.Is(err, routing.ErrNotClaimable) {
			// a peer won between the state check and the claim
			uc.skipped()
			return false, nil
		}
		return false, fmt.Errorf("claim routing: %w", err)
	}
	if uc.stats != nil {
		uc.stats.IncSyncsClaimed()
	}

	j, err := uc.jobs.GetByID(ctx, claimed.JobID)
	if err != nil {
		return uc.fail(ctx, claimed, "unknown", fmt.Errorf("load job: %w", err), !errors.Is(err, job.ErrJobNotFound))
	}

	c, err := uc.companies.GetByID(ctx, claimed.CompanyIDReceived)
	if err != nil {
		return uc.fail(ctx, claimed, "unknown", fmt.Errorf("load company: %w", err), !errors.Is(err, company.ErrCompanyNotFound))
	}

	p, err := uc.registry.Resolve(c)
	if err != nil {
		return uc.fail(ctx, claimed, string(c.ProviderType), err, provider.IsRetryable(err))
	}

	if uc.prom != nil {
		uc.prom.SyncsInFlight.Inc()
		defer uc.prom.SyncsInFlight.Dec()
	}
	started := time.Now()

	var resp provider.CreateLeadResponse
	opKey := "sync_job:" + string(c.ProviderType) + ":" + c.ID
	err = uc.executor.ExecuteOnce(ctx, opKey, func(opCtx context.Context) error {
		callCtx, cancel := context.WithTimeout(opCtx, uc.cfg.ProviderTimeout)
		defer cancel()

		var callErr error
		resp, callErr = p.CreateLead(callCtx, provider.CreateLeadRequest{
			Job:            j,
			IdempotencyKey: claimed.ID,
		})
		if callErr != nil {
			return callErr
		}
		if !resp.Success || resp.ExternalID == "" {
			msg := resp.ErrorMessage
			if msg == "" {
				msg = "provider accepted the lead but returned no external id"
			}
			return provider.NewError(provider.KindUnavailable, string(c.ProviderType), "%s", msg)
		}
		return nil
	})
	if err != nil {
		if uc.prom != nil {
			uc.prom.SyncDuration.WithLabelValues(string(c.ProviderType), "failed").Observe(time.Since(started).Seconds())
		}
		return uc.fail(ctx, claimed, string(c.ProviderType), err, provider.IsRetryable(err))
	}

	if err := uc.routings.MarkSynced(ctx, claimed.ID, resp.ExternalID); err != nil {
		if errors.Is(err, routing.ErrNotProcessing) {
			// the claim went stale mid-call and a peer reclaimed it;
			// the idempotency key made the duplicate push safe
			uc.skipped()
			return false, nil
		}
		return false, fmt.Errorf("mark synced: %w", err)
	}

	elapsed := time.Since(started)
	if uc.stats != nil {
		uc.stats.IncSynced()
		uc.stats.ObserveSyncDuration(elapsed)
	}
	if uc.prom != nil {
		uc.prom.SyncResults.WithLabelValues(string(c.ProviderType), "synced").Inc()
		uc.prom.SyncDuration.WithLabelValues(string(c.ProviderType), "synced").Observe(elapsed.Seconds())
	}

	uc.log.InfoContext(ctx, "sync.synced",
		"routing_id", claimed.ID,
		"job_id", claimed.JobID,
		"company_id", claimed.CompanyIDReceived,
		"provider", c.ProviderType,
		"external_id", resp.ExternalID,
		"attempt", claimed.TotalSyncAttempts,
	)
	return true, nil
}

// fail releases the claim into failed with the retry schedule the
// failure earns, then surfaces the cause to the dispatcher.
func (uc *SyncJob) fail(ctx context.Context, rt routing.JobRouting, providerType string, cause error, retryable bool) (bool, error) {
	now := time.Now().UTC()
	count, nextAt := routing.FailureSchedule(rt.RetryCount, uc.cfg.MaxRetries, now, retryable)

	// The claim must be released even when the task context is already
	// dead (soft deadline, shutdown).
	markCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := uc.routings.MarkSyncFailed(markCtx, rt.ID, cause.Error(), count, nextAt); err != nil && !errors.Is(err, routing.ErrNotProcessing) {
		uc.log.ErrorContext(markCtx, "sync.release_claim_failed", "routing_id", rt.ID, "error", err)
	}

	result := "failed"
	if nextAt != nil {
		result = "retry"
	}
	if uc.stats != nil {
		uc.stats.IncSyncFailed()
	}
	if uc.prom != nil {
		uc.prom.SyncResults.WithLabelValues(providerType, result).Inc()
	}

	uc.log.WarnContext(markCtx, "sync.attempt_failed",
		"routing_id", rt.ID,
		"company_id", rt.CompanyIDReceived,
		"retry_count", count,
		"retryable", retryable,
		"next_retry_at", nextAt,
		"error", cause,
	)
	return false, cause
}

func (uc *SyncJob) skipped() {
	if uc.stats != nil {
		uc.stats.IncSyncSkipped()
	}
}
