package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/fieldsync/dispatch/internal/observability"
	"github.com/fieldsync/dispatch/internal/ratelimit"
	"github.com/fieldsync/dispatch/internal/retry"
	"github.com/fieldsync/dispatch/internal/usecase"
)

// pollKey is shared by every scheduler instance: the rate limiter and
// circuit breaker see one global poll operation no matter how many
// processes tick.
const pollKey = "poll_job_updates"

type PollConfig struct {
	// Tick is the scheduler cadence. It deliberately runs faster than
	// the allowed rate; the limiter collapses overlapping schedulers
	// (embedded api plus dedicated worker) to RateMax per window.
	Tick       time.Duration
	RateMax    int
	RateWindow time.Duration
	Grace      time.Duration
}

func (c PollConfig) withDefaults() PollConfig {
	if c.Tick <= 0 {
		c.Tick = 20 * time.Second
	}
	if c.RateMax <= 0 {
		c.RateMax = 1
	}
	if c.RateWindow <= 0 {
		c.RateWindow = time.Minute
	}
	if c.Grace <= 0 {
		c.Grace = 30 * time.Second
	}
	return c
}

type PollDeps struct {
	Poll     *usecase.PollUpdates
	Limiter  ratelimit.Limiter
	Executor *retry.Executor
	Stats    *observability.WorkerStats
	Prom     *observability.Prom
	Log      *slog.Logger
}

// PollWorker periodically runs the poll-updates cycle. Cycle failures
// are logged and counted, never fatal; the loop exits only on
// cancellation.
type PollWorker struct {
	poll     *usecase.PollUpdates
	limiter  ratelimit.Limiter
	executor *retry.Executor
	stats    *observability.WorkerStats
	prom     *observability.Prom
	log      *slog.Logger
	cfg      PollConfig
}

func NewPollWorker(deps PollDeps, cfg PollConfig) *PollWorker {
	stats := deps.Stats
	if stats == nil {
		stats = observability.NewWorkerStats()
	}
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}

	return &PollWorker{
		poll:     deps.Poll,
		limiter:  deps.Limiter,
		executor: deps.Executor,
		stats:    stats,
		prom:     deps.Prom,
		log:      log,
		cfg:      cfg.withDefaults(),
	}
}

func (w *PollWorker) Name() string { return "poll" }

func (w *PollWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.Tick)
	defer ticker.Stop()

	// a cycle in flight at shutdown gets Grace to finish its group
	cycleCtx, cancelCycles := graceful(ctx, w.cfg.Grace)
	defer cancelCycles()

	w.log.InfoContext(ctx, "poll.started", "tick", w.cfg.Tick, "rate_max", w.cfg.RateMax, "rate_window", w.cfg.RateWindow)

	for {
		select {
		case <-ctx.Done():
			w.log.Info("poll.stopped")
			return nil
		case <-ticker.C:
			w.tick(cycleCtx)
		}
	}
}

func (w *PollWorker) tick(ctx context.Context) {
	if !ratelimit.Allow(ctx, w.limiter, pollKey, w.cfg.RateMax, w.cfg.RateWindow) {
		if w.prom != nil {
			w.prom.PollRuns.WithLabelValues("rate_limited").Inc()
		}
		return
	}

	w.stats.IncPollRuns()

	err := w.executor.Execute(ctx, pollKey, func(ctx context.Context) error {
		res, err := w.poll.Execute(ctx)
		if err != nil {
			return err
		}
		if len(res.Errors) > 0 {
			w.log.WarnContext(ctx, "poll.cycle_errors", "count", len(res.Errors), "errors", res.Errors)
		}
		return nil
	})
	if err != nil {
		w.stats.IncPollErrors()
		if w.prom != nil {
			w.prom.PollRuns.WithLabelValues("error").Inc()
		}
		w.log.ErrorContext(ctx, "poll.cycle_failed", "error", err)
		return
	}

	if w.prom != nil {
		w.prom.PollRuns.WithLabelValues("ok").Inc()
	}
}
