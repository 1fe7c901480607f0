package usecase

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fieldsync/dispatch/internal/domain/company"
	"github.com/fieldsync/dispatch/internal/domain/routing"
	"github.com/fieldsync/dispatch/internal/provider"
	"github.com/fieldsync/dispatch/internal/ratelimit"
	"github.com/fieldsync/dispatch/internal/repo/memory"
	"github.com/fieldsync/dispatch/internal/retry"
)

type syncHarness struct {
	uc        *SyncJob
	store     *memory.Store
	companies *memory.CompaniesRepo
	provider  *fakeProvider
	rt        routing.JobRouting
}

// newSyncHarness seeds one receiving company with a pending routing
// wired to the given fake provider.
func newSyncHarness(cfg SyncJobConfig) *syncHarness {
	store := memory.NewStore()
	companies := memory.NewCompaniesRepo()
	techs := memory.NewTechniciansRepo()

	putCompany(companies, "req", company.ProviderMock, true)
	putTechnician(techs, "tech-1", "req", true)
	receiver := putCompany(companies, "recv", company.ProviderHousecallPro, true)

	j := putJob(store.Jobs, "req", "tech-1")
	rt := putPendingRouting(store.Routings, j.ID, receiver.ID)

	fp := &fakeProvider{}
	reg := &fakeRegistry{providers: map[string]provider.Provider{"recv": fp}}

	return &syncHarness{
		uc:        newSyncJobForTest(store, companies, reg, cfg),
		store:     store,
		companies: companies,
		provider:  fp,
		rt:        rt,
	}
}

func (h *syncHarness) routing(t *testing.T) routing.JobRouting {
	t.Helper()
	rt, err := h.store.Routings.GetByID(context.Background(), h.rt.ID)
	if err != nil {
		t.Fatalf("reload routing: %v", err)
	}
	return rt
}

// rewindRetry pulls the routing's next_retry_at into the past so the
// next claim attempt is immediately eligible.
func (h *syncHarness) rewindRetry(t *testing.T) {
	t.Helper()
	rt := h.routing(t)
	past := time.Now().UTC().Add(-time.Minute)
	rt.NextRetryAt = &past
	h.store.Routings.Put(rt)
}

func unavailableErr() error {
	return provider.NewError(provider.KindUnavailable, "housecallpro", "upstream 503")
}

func TestSyncJob_HappyPath(t *testing.T) {
	h := newSyncHarness(SyncJobConfig{})

	ok, err := h.uc.Execute(context.Background(), h.rt.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("expected synced=true")
	}

	rt := h.routing(t)
	if rt.SyncStatus != routing.SyncSynced {
		t.Fatalf("expected synced, got %s", rt.SyncStatus)
	}
	if rt.ExternalID == nil || *rt.ExternalID != "ext-"+h.rt.ID {
		t.Fatalf("expected external id ext-%s, got %v", h.rt.ID, rt.ExternalID)
	}
	if rt.TotalSyncAttempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", rt.TotalSyncAttempts)
	}
	if rt.ClaimedAt != nil {
		t.Fatal("claim must be released after sync")
	}
	if rt.LastSyncedAt == nil {
		t.Fatal("last_synced_at must be set")
	}
	if h.provider.createCount() != 1 {
		t.Fatalf("expected 1 provider call, got %d", h.provider.createCount())
	}
}

func TestSyncJob_FailureSchedulesRetry(t *testing.T) {
	h := newSyncHarness(SyncJobConfig{})
	h.provider.createFn = func(provider.CreateLeadRequest) (provider.CreateLeadResponse, error) {
		return provider.CreateLeadResponse{}, unavailableErr()
	}

	before := time.Now().UTC()
	ok, err := h.uc.Execute(context.Background(), h.rt.ID)
	if ok || err == nil {
		t.Fatalf("expected failed attempt, got ok=%v err=%v", ok, err)
	}

	rt := h.routing(t)
	if rt.SyncStatus != routing.SyncFailed {
		t.Fatalf("expected failed, got %s", rt.SyncStatus)
	}
	if rt.RetryCount != 1 {
		t.Fatalf("expected retry_count 1, got %d", rt.RetryCount)
	}
	if rt.NextRetryAt == nil {
		t.Fatal("expected a retry schedule")
	}
	wantAt := before.Add(5 * time.Minute)
	if rt.NextRetryAt.Before(wantAt.Add(-time.Second)) || rt.NextRetryAt.After(wantAt.Add(5*time.Second)) {
		t.Fatalf("expected next retry ~5m out, got %s", rt.NextRetryAt)
	}
	if rt.ClaimedAt != nil {
		t.Fatal("claim must be released on failure")
	}
	if rt.ErrorMessage == nil || *rt.ErrorMessage == "" {
		t.Fatal("expected error message recorded")
	}
}

func TestSyncJob_RetryThenSucceed(t *testing.T) {
	h := newSyncHarness(SyncJobConfig{})

	failing := true
	h.provider.createFn = func(req provider.CreateLeadRequest) (provider.CreateLeadResponse, error) {
		if failing {
			return provider.CreateLeadResponse{}, unavailableErr()
		}
		return provider.CreateLeadResponse{Success: true, ExternalID: "ext-" + req.IdempotencyKey}, nil
	}

	if ok, err := h.uc.Execute(context.Background(), h.rt.ID); ok || err == nil {
		t.Fatalf("first attempt should fail, got ok=%v err=%v", ok, err)
	}

	// still scheduled for the future: a claim attempt must be refused
	if _, err := h.uc.Execute(context.Background(), h.rt.ID); !errors.Is(err, ErrSyncNotAllowed) {
		t.Fatalf("expected ErrSyncNotAllowed while backoff runs, got %v", err)
	}

	failing = false
	h.rewindRetry(t)

	ok, err := h.uc.Execute(context.Background(), h.rt.ID)
	if err != nil || !ok {
		t.Fatalf("retry should succeed, got ok=%v err=%v", ok, err)
	}

	rt := h.routing(t)
	if rt.SyncStatus != routing.SyncSynced {
		t.Fatalf("expected synced, got %s", rt.SyncStatus)
	}
	if rt.TotalSyncAttempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", rt.TotalSyncAttempts)
	}
	if rt.NextRetryAt != nil {
		t.Fatal("retry schedule must be cleared on sync")
	}
	if rt.ErrorMessage != nil {
		t.Fatalf("error message must be cleared, got %q", *rt.ErrorMessage)
	}
}

func TestSyncJob_RetryBudgetExhausted(t *testing.T) {
	h := newSyncHarness(SyncJobConfig{MaxRetries: 3})
	h.provider.createFn = func(provider.CreateLeadRequest) (provider.CreateLeadResponse, error) {
		return provider.CreateLeadResponse{}, unavailableErr()
	}

	for i := 0; i < 3; i++ {
		if i > 0 {
			h.rewindRetry(t)
		}
		if ok, err := h.uc.Execute(context.Background(), h.rt.ID); ok || err == nil {
			t.Fatalf("attempt %d should fail, got ok=%v err=%v", i+1, ok, err)
		}
	}

	rt := h.routing(t)
	if rt.SyncStatus != routing.SyncFailed {
		t.Fatalf("expected failed, got %s", rt.SyncStatus)
	}
	if rt.RetryCount != 3 {
		t.Fatalf("expected retry_count 3, got %d", rt.RetryCount)
	}
	if rt.NextRetryAt != nil {
		t.Fatalf("exhausted routing must have no schedule, got %s", rt.NextRetryAt)
	}

	// the budget is spent: further attempts are refused without a call
	calls := h.provider.createCount()
	if _, err := h.uc.Execute(context.Background(), h.rt.ID); !errors.Is(err, ErrSyncNotAllowed) {
		t.Fatalf("expected ErrSyncNotAllowed, got %v", err)
	}
	if h.provider.createCount() != calls {
		t.Fatal("exhausted routing must not reach the provider")
	}
}

func TestSyncJob_NonRetryableFailureIsTerminal(t *testing.T) {
	h := newSyncHarness(SyncJobConfig{MaxRetries: 3})
	h.provider.createFn = func(provider.CreateLeadRequest) (provider.CreateLeadResponse, error) {
		return provider.CreateLeadResponse{}, provider.NewError(provider.KindAPIError, "housecallpro", "address rejected")
	}

	if ok, err := h.uc.Execute(context.Background(), h.rt.ID); ok || err == nil {
		t.Fatalf("expected failure, got ok=%v err=%v", ok, err)
	}

	rt := h.routing(t)
	if rt.RetryCount != 3 || rt.NextRetryAt != nil {
		t.Fatalf("non-retryable failure must exhaust the budget, got count=%d at=%v", rt.RetryCount, rt.NextRetryAt)
	}
}

func TestSyncJob_NotConfiguredProvider(t *testing.T) {
	h := newSyncHarness(SyncJobConfig{})
	h.uc.registry = &fakeRegistry{providers: map[string]provider.Provider{}}

	_, err := h.uc.Execute(context.Background(), h.rt.ID)
	if !provider.IsNotConfigured(err) {
		t.Fatalf("expected not-configured error, got %v", err)
	}

	rt := h.routing(t)
	if rt.SyncStatus != routing.SyncFailed || rt.NextRetryAt != nil {
		t.Fatalf("misconfigured company must fail terminally, got %s at=%v", rt.SyncStatus, rt.NextRetryAt)
	}
}

func TestSyncJob_AlreadySyncedSkipsProvider(t *testing.T) {
	h := newSyncHarness(SyncJobConfig{})

	rt := h.routing(t)
	ext := "ext-done"
	rt.SyncStatus = routing.SyncSynced
	rt.ExternalID = &ext
	h.store.Routings.Put(rt)

	ok, err := h.uc.Execute(context.Background(), h.rt.ID)
	if err != nil || !ok {
		t.Fatalf("expected (true, nil) for synced routing, got ok=%v err=%v", ok, err)
	}
	if h.provider.createCount() != 0 {
		t.Fatal("terminal routing must not reach the provider")
	}
}

func TestSyncJob_RoutingGone(t *testing.T) {
	h := newSyncHarness(SyncJobConfig{})

	ok, err := h.uc.Execute(context.Background(), "no-such-routing")
	if err != nil || ok {
		t.Fatalf("expected (false, nil) for missing routing, got ok=%v err=%v", ok, err)
	}
}

func TestSyncJob_RateLimitLeavesRoutingPending(t *testing.T) {
	h := newSyncHarness(SyncJobConfig{RateMax: 1, RateWindow: time.Hour})

	// second routing to the same receiving company
	j2 := putJob(h.store.Jobs, "req", "tech-1")
	rt2 := putPendingRouting(h.store.Routings, j2.ID, "recv")

	if ok, err := h.uc.Execute(context.Background(), h.rt.ID); err != nil || !ok {
		t.Fatalf("first sync should pass, got ok=%v err=%v", ok, err)
	}

	_, err := h.uc.Execute(context.Background(), rt2.ID)
	if !errors.Is(err, ErrSyncRateLimited) {
		t.Fatalf("expected ErrSyncRateLimited, got %v", err)
	}

	got, _ := h.store.Routings.GetByID(context.Background(), rt2.ID)
	if got.SyncStatus != routing.SyncPending {
		t.Fatalf("denied routing must stay pending, got %s", got.SyncStatus)
	}
	if got.TotalSyncAttempts != 0 {
		t.Fatalf("denied routing must not consume an attempt, got %d", got.TotalSyncAttempts)
	}
}

func TestSyncJob_StuckClaimIsReclaimed(t *testing.T) {
	h := newSyncHarness(SyncJobConfig{StuckAfter: 10 * time.Minute})

	rt := h.routing(t)
	stale := time.Now().UTC().Add(-11 * time.Minute)
	rt.SyncStatus = routing.SyncProcessing
	rt.ClaimedAt = &stale
	rt.TotalSyncAttempts = 1
	h.store.Routings.Put(rt)

	ok, err := h.uc.Execute(context.Background(), h.rt.ID)
	if err != nil || !ok {
		t.Fatalf("stale claim should be stolen, got ok=%v err=%v", ok, err)
	}

	got := h.routing(t)
	if got.SyncStatus != routing.SyncSynced || got.TotalSyncAttempts != 2 {
		t.Fatalf("expected reclaimed sync, got %s attempts=%d", got.SyncStatus, got.TotalSyncAttempts)
	}
}

func TestSyncJob_FreshClaimIsNotStolen(t *testing.T) {
	h := newSyncHarness(SyncJobConfig{StuckAfter: 10 * time.Minute})

	rt := h.routing(t)
	recent := time.Now().UTC().Add(-time.Minute)
	rt.SyncStatus = routing.SyncProcessing
	rt.ClaimedAt = &recent
	h.store.Routings.Put(rt)

	_, err := h.uc.Execute(context.Background(), h.rt.ID)
	if !errors.Is(err, ErrSyncNotAllowed) {
		t.Fatalf("expected ErrSyncNotAllowed for live claim, got %v", err)
	}
	if h.provider.createCount() != 0 {
		t.Fatal("live claim must not reach the provider")
	}
}

// TestSyncJob_ConcurrentClaimers exercises the at-most-once claim:
// many goroutines race on one pending routing and the provider must
// see exactly one lead.
func TestSyncJob_ConcurrentClaimers(t *testing.T) {
	h := newSyncHarness(SyncJobConfig{})

	const claimers = 8
	var wg sync.WaitGroup
	errs := make(chan error, claimers)

	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.uc.Execute(context.Background(), h.rt.ID)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	// Losers either lose the claim race (clean no-op) or observe the
	// winner's live claim (ErrSyncNotAllowed); both leave the row alone.
	for err := range errs {
		if err != nil && !errors.Is(err, ErrSyncNotAllowed) {
			t.Fatalf("claim losers must not fail the routing, got %v", err)
		}
	}
	if h.provider.createCount() != 1 {
		t.Fatalf("expected exactly 1 provider call, got %d", h.provider.createCount())
	}

	rt := h.routing(t)
	if rt.SyncStatus != routing.SyncSynced || rt.TotalSyncAttempts != 1 {
		t.Fatalf("expected one winning claim, got %s attempts=%d", rt.SyncStatus, rt.TotalSyncAttempts)
	}
}

func TestSyncJob_OpenCircuitShortsTheCall(t *testing.T) {
	store := memory.NewStore()
	companies := memory.NewCompaniesRepo()
	techs := memory.NewTechniciansRepo()

	putCompany(companies, "req", company.ProviderMock, true)
	putTechnician(techs, "tech-1", "req", true)
	putCompany(companies, "recv", company.ProviderHousecallPro, true)

	fp := &fakeProvider{createFn: func(provider.CreateLeadRequest) (provider.CreateLeadResponse, error) {
		return provider.CreateLeadResponse{}, unavailableErr()
	}}
	reg := &fakeRegistry{providers: map[string]provider.Provider{"recv": fp}}

	// threshold 1: the first failure opens the company's circuit
	breaker := retry.NewCircuitBreaker(1, time.Hour)
	executor := retry.NewExecutor(breaker, retry.ExecutorConfig{
		Attempts: 1,
		RetryIf:  provider.IsRetryable,
	}, discardLogger())

	uc := NewSyncJob(SyncJobDeps{
		Routings:  store.Routings,
		Jobs:      store.Jobs,
		Companies: companies,
		Registry:  reg,
		Limiter:   ratelimit.NewMemoryLimiter(),
		Executor:  executor,
		Log:       discardLogger(),
	}, SyncJobConfig{})

	j1 := putJob(store.Jobs, "req", "tech-1")
	rt1 := putPendingRouting(store.Routings, j1.ID, "recv")
	j2 := putJob(store.Jobs, "req", "tech-1")
	rt2 := putPendingRouting(store.Routings, j2.ID, "recv")

	if _, err := uc.Execute(context.Background(), rt1.ID); err == nil {
		t.Fatal("first attempt should fail and open the circuit")
	}

	_, err := uc.Execute(context.Background(), rt2.ID)
	if !errors.Is(err, retry.ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if fp.createCount() != 1 {
		t.Fatalf("open circuit must short the call, got %d calls", fp.createCount())
	}

	// the shorted attempt still lands in failed with a schedule
	got, _ := store.Routings.GetByID(context.Background(), rt2.ID)
	if got.SyncStatus != routing.SyncFailed || got.NextRetryAt == nil {
		t.Fatalf("expected scheduled retry after circuit short, got %s at=%v", got.SyncStatus, got.NextRetryAt)
	}
}
