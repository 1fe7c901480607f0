package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/errgroup"

	"github.com/fieldsync/dispatch/internal/domain/outbox"
	"github.com/fieldsync/dispatch/internal/domain/routing"
	"github.com/fieldsync/dispatch/internal/observability"
	"github.com/fieldsync/dispatch/internal/usecase"
)

// dedupeTTL is how long a dispatched routing id is remembered. The
// routing claim owns correctness either way; the cache only avoids
// obviously duplicate provider work.
const dedupeTTL = 5 * time.Minute

// OutboxEventsRepo is the slice of the outbox store the drainer needs.
type OutboxEventsRepo interface {
	ListPending(ctx context.Context, limit int) ([]outbox.Event, error)
	Claim(ctx context.Context, id string) (outbox.Event, error)
	MarkCompleted(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id, errMsg string) error
	ResetForRetry(ctx context.Context, limit int) (int64, error)
	FailStuckProcessing(ctx context.Context, stuckAfter time.Duration) (int64, error)
}

// SyncBacklogRepo lists routings the backup scans re-dispatch: ones
// whose events were lost, exhausted, or stuck.
type SyncBacklogRepo interface {
	ListPendingSync(ctx context.Context, limit int, stuckAfter time.Duration) ([]routing.JobRouting, error)
	ListRetryDue(ctx context.Context, limit, maxRetries int) ([]routing.JobRouting, error)
}

// SyncExecutor runs one delivery attempt for a routing.
type SyncExecutor interface {
	Execute(ctx context.Context, routingID string) (bool, error)
}

type OutboxConfig struct {
	// DrainInterval paces the pending-event sweep.
	DrainInterval time.Duration
	// PendingScanInterval paces the backup sweep over pending routings.
	PendingScanInterval time.Duration
	// RetryScanInterval paces the failed-routing and stuck-event sweep.
	RetryScanInterval time.Duration

	BatchSize   int
	Concurrency int
	MaxRetries  int
	StuckAfter  time.Duration

	// SoftTimeLimit bounds one sync task's useful work; HardTimeLimit
	// is the absolute kill switch above it.
	SoftTimeLimit time.Duration
	HardTimeLimit time.Duration

	// Grace is how long in-flight tasks may run past shutdown.
	Grace time.Duration
}

func (c OutboxConfig) withDefaults() OutboxConfig {
	if c.DrainInterval <= 0 {
		c.DrainInterval = 30 * time.Second
	}
	if c.PendingScanInterval <= 0 {
		c.PendingScanInterval = 2 * time.Minute
	}
	if c.RetryScanInterval <= 0 {
		c.RetryScanInterval = 10 * time.Minute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 8
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = routing.DefaultMaxRetries
	}
	if c.StuckAfter <= 0 {
		c.StuckAfter = routing.DefaultStuckAfter
	}
	if c.SoftTimeLimit <= 0 {
		c.SoftTimeLimit = 8 * time.Minute
	}
	if c.HardTimeLimit <= 0 {
		c.HardTimeLimit = 10 * time.Minute
	}
	if c.Grace <= 0 {
		c.Grace = 30 * time.Second
	}
	return c
}

type OutboxDeps struct {
	Events  OutboxEventsRepo
	Backlog SyncBacklogRepo
	Sync    SyncExecutor
	Stats   *observability.WorkerStats
	Prom    *observability.Prom
	Log     *slog.Logger
}

// OutboxWorker drains pending outbox events into sync tasks and runs
// the backup scans that re-dispatch routings whose events went
// missing. One wave of tasks runs per tick, bounded by Concurrency, so
// the pool limit is also the worker's global bound on outbound work.
type OutboxWorker struct {
	events  OutboxEventsRepo
	backlog SyncBacklogRepo
	sync    SyncExecutor
	recent  *gocache.Cache
	stats   *observability.WorkerStats
	prom    *observability.Prom
	log     *slog.Logger
	cfg     OutboxConfig
}

func NewOutboxWorker(deps OutboxDeps, cfg OutboxConfig) *OutboxWorker {
	stats := deps.Stats
	if stats == nil {
		stats = observability.NewWorkerStats()
	}
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}

	return &OutboxWorker{
		events:  deps.Events,
		backlog: deps.Backlog,
		sync:    deps.Sync,
		recent:  gocache.New(dedupeTTL, 2*dedupeTTL),
		stats:   stats,
		prom:    deps.Prom,
		log:     log,
		cfg:     cfg.withDefaults(),
	}
}

func (w *OutboxWorker) Name() string { return "outbox" }

func (w *OutboxWorker) Run(ctx context.Context) error {
	drain := time.NewTicker(w.cfg.DrainInterval)
	defer drain.Stop()
	pendingScan := time.NewTicker(w.cfg.PendingScanInterval)
	defer pendingScan.Stop()
	retryScan := time.NewTicker(w.cfg.RetryScanInterval)
	defer retryScan.Stop()

	// tasks started by a tick keep running through shutdown for Grace
	taskCtx, cancelTasks := graceful(ctx, w.cfg.Grace)
	defer cancelTasks()

	w.log.InfoContext(ctx, "outbox.started",
		"drain_interval", w.cfg.DrainInterval,
		"batch_size", w.cfg.BatchSize,
		"concurrency", w.cfg.Concurrency,
	)

	for {
		select {
		case <-ctx.Done():
			w.log.Info("outbox.stopped")
			return nil
		case <-drain.C:
			w.drain(ctx, taskCtx)
		case <-pendingScan.C:
			w.scanPending(ctx, taskCtx)
		case <-retryScan.C:
			w.scanRetries(ctx, taskCtx)
		}
	}
}

// drain dispatches one batch of pending events, then gives failed
// events whose backoff elapsed a bounded second chance in the same
// tick: at most a quarter of the batch, so retries never starve fresh
// work.
func (w *OutboxWorker) drain(ctx, taskCtx context.Context) {
	batch, err := w.events.ListPending(ctx, w.cfg.BatchSize)
	if err != nil {
		w.log.ErrorContext(ctx, "outbox.list_pending_failed", "error", err)
		return
	}
	w.dispatchEvents(ctx, taskCtx, batch)

	retryCap := max(w.cfg.BatchSize/4, 1)
	n, err := w.events.ResetForRetry(ctx, retryCap)
	if err != nil {
		w.log.ErrorContext(ctx, "outbox.reset_retry_failed", "error", err)
		return
	}
	if n == 0 {
		return
	}

	retries, err := w.events.ListPending(ctx, min(int(n), retryCap))
	if err != nil {
		w.log.ErrorContext(ctx, "outbox.list_retries_failed", "error", err)
		return
	}
	w.dispatchEvents(ctx, taskCtx, retries)
}

func (w *OutboxWorker) dispatchEvents(ctx, taskCtx context.Context, batch []outbox.Event) {
	if len(batch) == 0 {
		return
	}

	g := new(errgroup.Group)
	g.SetLimit(w.cfg.Concurrency)

	for _, e := range batch {
		g.Go(func() error {
			w.handleEvent(taskCtx, e)
			return nil
		})
	}
	_ = g.Wait()

	w.log.DebugContext(ctx, "outbox.batch_done", "count", len(batch))
}

func (w *OutboxWorker) handleEvent(ctx context.Context, e outbox.Event) {
	claimed, err := w.events.Claim(ctx, e.ID)
	if err != nil {
		if errors.Is(err, outbox.ErrEventNotClaimable) {
			// a peer drainer won the event
			return
		}
		w.log.ErrorContext(ctx, "outbox.claim_failed", "event_id", e.ID, "error", err)
		return
	}

	if claimed.RetryCount > 0 {
		w.stats.IncEventsRetried()
	}

	switch claimed.EventType {
	case outbox.EventJobSync:
		w.handleJobSync(ctx, claimed)
	default:
		// no handler registered for the type; completing keeps the
		// queue clean instead of retrying forever
		w.log.WarnContext(ctx, "outbox.unhandled_event_type",
			"event_id", claimed.ID,
			"event_type", claimed.EventType,
		)
		w.completeEvent(ctx, claimed, "dropped")
	}
}

func (w *OutboxWorker) handleJobSync(ctx context.Context, e outbox.Event) {
	p, err := outbox.DecodeJobSync(e)
	if err != nil {
		// a malformed payload never heals; let it burn its retries
		w.failEvent(ctx, e, fmt.Errorf("decode payload: %w", err))
		return
	}

	if w.recentlyDispatched(p.RoutingID) {
		w.completeEvent(ctx, e, "deduped")
		return
	}

	_, err = w.runSyncTask(ctx, p.RoutingID)
	switch {
	case err == nil:
		w.completeEvent(ctx, e, "completed")
	case errors.Is(err, usecase.ErrSyncNotAllowed):
		// the routing carries its own failure schedule now; the retry
		// scan owns it from here, so the event's delivery is done
		w.completeEvent(ctx, e, "skipped")
	default:
		w.failEvent(ctx, e, err)
	}
}

// scanPending is the backup dispatcher for routings sitting in pending
// (or stuck in processing) without a live event, e.g. after a crash
// between event completion and the sync outcome.
func (w *OutboxWorker) scanPending(ctx, taskCtx context.Context) {
	due, err := w.backlog.ListPendingSync(ctx, w.cfg.BatchSize, w.cfg.StuckAfter)
	if err != nil {
		w.log.ErrorContext(ctx, "outbox.pending_scan_failed", "error", err)
		return
	}
	w.dispatchRoutings(ctx, taskCtx, due, "pending_scan")
}

// scanRetries re-dispatches failed routings whose backoff elapsed and
// fails events abandoned mid-claim so the retry pathway can reset
// them.
func (w *OutboxWorker) scanRetries(ctx, taskCtx context.Context) {
	n, err := w.events.FailStuckProcessing(ctx, w.cfg.StuckAfter)
	if err != nil {
		w.log.ErrorContext(ctx, "outbox.fail_stuck_failed", "error", err)
	} else if n > 0 {
		w.log.WarnContext(ctx, "outbox.stuck_events_failed", "count", n)
	}

	due, err := w.backlog.ListRetryDue(ctx, w.cfg.BatchSize, w.cfg.MaxRetries)
	if err != nil {
		w.log.ErrorContext(ctx, "outbox.retry_scan_failed", "error", err)
		return
	}
	w.dispatchRoutings(ctx, taskCtx, due, "retry_scan")
}

func (w *OutboxWorker) dispatchRoutings(ctx, taskCtx context.Context, due []routing.JobRouting, source string) {
	if len(due) == 0 {
		return
	}
	w.log.InfoContext(ctx, "outbox.backlog_dispatch", "source", source, "count", len(due))

	g := new(errgroup.Group)
	g.SetLimit(w.cfg.Concurrency)

	for _, rt := range due {
		if w.recentlyDispatched(rt.ID) {
			continue
		}
		g.Go(func() error {
			if _, err := w.runSyncTask(taskCtx, rt.ID); err != nil {
				w.log.WarnContext(taskCtx, "outbox.backlog_sync_failed",
					"source", source,
					"routing_id", rt.ID,
					"error", err,
				)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// recentlyDispatched records the routing id and reports whether it was
// already present. Add is atomic under the cache lock, so concurrent
// events for one routing agree on a single dispatcher.
func (w *OutboxWorker) recentlyDispatched(routingID string) bool {
	return w.recent.Add(routingID, struct{}{}, gocache.DefaultExpiration) != nil
}

// runSyncTask runs one sync attempt under the task deadlines: the soft
// limit bounds the attempt itself (its expiry surfaces as a failed
// attempt and marks the routing), the hard limit is the outer abort.
func (w *OutboxWorker) runSyncTask(ctx context.Context, routingID string) (bool, error) {
	hardCtx, cancelHard := context.WithTimeout(ctx, w.cfg.HardTimeLimit)
	defer cancelHard()
	softCtx, cancelSoft := context.WithTimeout(hardCtx, w.cfg.SoftTimeLimit)
	defer cancelSoft()

	return w.sync.Execute(softCtx, routingID)
}

func (w *OutboxWorker) completeEvent(ctx context.Context, e outbox.Event, result string) {
	if err := w.events.MarkCompleted(ctx, e.ID); err != nil {
		w.log.ErrorContext(ctx, "outbox.mark_completed_failed", "event_id", e.ID, "error", err)
		return
	}
	w.stats.IncEventsProcessed()
	if w.prom != nil {
		w.prom.OutboxEvents.WithLabelValues(string(e.EventType), result).Inc()
	}
}

func (w *OutboxWorker) failEvent(ctx context.Context, e outbox.Event, cause error) {
	if err := w.events.MarkFailed(ctx, e.ID, cause.Error()); err != nil {
		w.log.ErrorContext(ctx, "outbox.mark_failed_failed", "event_id", e.ID, "error", err)
		return
	}
	w.stats.IncEventsFailed()
	if w.prom != nil {
		w.prom.OutboxEvents.WithLabelValues(string(e.EventType), "failed").Inc()
	}
	w.log.WarnContext(ctx, "outbox.event_failed",
		"event_id", e.ID,
		"event_type", e.EventType,
		"retry_count", e.RetryCount,
		"max_retries", e.MaxRetries,
		"error", cause,
	)
}
