package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/fieldsync/dispatch/internal/config"
	"github.com/fieldsync/dispatch/internal/db"
	"github.com/fieldsync/dispatch/internal/notifications"
	"github.com/fieldsync/dispatch/internal/observability"
	"github.com/fieldsync/dispatch/internal/provider"
	"github.com/fieldsync/dispatch/internal/provider/mock"
	"github.com/fieldsync/dispatch/internal/provider/registry"
	"github.com/fieldsync/dispatch/internal/ratelimit"
	"github.com/fieldsync/dispatch/internal/redisclient"
	"github.com/fieldsync/dispatch/internal/repo/postgres"
	"github.com/fieldsync/dispatch/internal/retry"
	"github.com/fieldsync/dispatch/internal/usecase"
	"github.com/fieldsync/dispatch/internal/worker"
)

// The worker binary runs the background loops on their own: outbox
// drain, provider polling, and maintenance sweeps. It serves only
// health and metrics endpoints; the job API lives in cmd/api.
func main() {
	_ = godotenv.Load()

	cfg := config.Load()

	log := observability.NewLogger(cfg.Env)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.OTLPEndpoint != "" {
		shutdownTracer, err := observability.InitTracer(ctx, "dispatch-worker", cfg.OTLPEndpoint)
		if err != nil {
			log.Error("tracer init failed", "error", err)
			os.Exit(1)
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownTracer(flushCtx); err != nil {
				log.Error("tracer shutdown failed", "error", err)
			}
		}()
	}

	pool, err := db.NewPool(cfg.DBURL, cfg.DBMaxConns)
	if err != nil {
		log.Error("db connect failed", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	// both binaries bootstrap the schema so either can come up first
	// on a fresh database
	if err := db.EnsureSchema(ctx, pool); err != nil {
		log.Error("schema bootstrap failed", "error", err)
		os.Exit(1)
	}

	var rdb *redis.Client
	rdb, err = redisclient.New(ctx, redisclient.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err != nil {
		log.Warn("redis unavailable, using in-process fallbacks", "error", err)
		rdb = nil
	} else {
		defer rdb.Close()
	}

	// Without Redis the rate limits degrade to per-process windows, so
	// a fleet of workers may poll more often than configured.
	var limiter ratelimit.Limiter
	var leadStore mock.LeadStore
	if rdb != nil {
		limiter = ratelimit.NewRedisLimiter(rdb, log)
		leadStore = mock.NewRedisLeadStore(rdb)
	} else {
		limiter = ratelimit.NewMemoryLimiter()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	prom := observability.NewProm(reg)

	companies := postgres.NewCompaniesRepo(pool, prom)
	jobs := postgres.NewJobsRepo(pool, prom)
	routings := postgres.NewRoutingsRepo(pool, prom)
	events := postgres.NewOutboxRepo(pool, prom)

	providers := registry.New(registry.Options{LeadStore: leadStore})
	stats := observability.NewWorkerStats()

	breaker := retry.NewCircuitBreaker(0, 0)
	executor := retry.NewExecutor(breaker, retry.ExecutorConfig{
		Attempts: cfg.MaxRetryAttempts,
		RetryIf:  provider.IsRetryable,
	}, log)

	syncJob := usecase.NewSyncJob(usecase.SyncJobDeps{
		Routings:  routings,
		Jobs:      jobs,
		Companies: companies,
		Registry:  providers,
		Limiter:   limiter,
		Executor:  executor,
		Stats:     stats,
		Prom:      prom,
		Log:       log,
	}, usecase.SyncJobConfig{
		MaxRetries:      cfg.MaxRetryAttempts,
		StuckAfter:      cfg.StuckClaimAfter,
		ProviderTimeout: cfg.ProviderTimeout,
		RateMax:         cfg.SyncRateMax,
		RateWindow:      cfg.SyncRateWindow,
	})

	notifier := notifications.NewProtectedNotifier(notifications.NewLogNotifier(log), breaker, 3*time.Second)

	pollCycle := usecase.NewPollUpdates(usecase.PollUpdatesDeps{
		Routings:  routings,
		Jobs:      jobs,
		Companies: companies,
		Registry:  providers,
		Notifier:  notifier,
		Stats:     stats,
		Prom:      prom,
		Log:       log,
	}, usecase.PollConfig{
		Spacing:         cfg.SyncSpacing,
		BatchSize:       cfg.PollingBatchSize,
		ProviderTimeout: cfg.ProviderTimeout,
	})

	sup := worker.NewSupervisor(log)
	sup.Register(worker.NewOutboxWorker(worker.OutboxDeps{
		Events:  events,
		Backlog: routings,
		Sync:    syncJob,
		Stats:   stats,
		Prom:    prom,
		Log:     log,
	}, worker.OutboxConfig{
		DrainInterval:       cfg.OutboxInterval,
		PendingScanInterval: cfg.SyncPendingInterval,
		RetryScanInterval:   cfg.RetryFailedInterval,
		BatchSize:           cfg.BatchSize,
		Concurrency:         cfg.SyncConcurrency,
		MaxRetries:          cfg.MaxRetryAttempts,
		StuckAfter:          cfg.StuckClaimAfter,
		SoftTimeLimit:       cfg.TaskSoftTimeLimit,
		HardTimeLimit:       cfg.TaskTimeLimit,
		Grace:               cfg.ShutdownGrace,
	}))
	sup.Register(worker.NewPollWorker(worker.PollDeps{
		Poll:     pollCycle,
		Limiter:  limiter,
		Executor: executor,
		Stats:    stats,
		Prom:     prom,
		Log:      log,
	}, worker.PollConfig{
		Tick:       cfg.PollTick,
		RateMax:    cfg.PollRateMax,
		RateWindow: cfg.PollWindow,
		Grace:      cfg.ShutdownGrace,
	}))
	sup.Register(worker.NewMaintenanceWorker(events, routings, log, worker.MaintenanceConfig{
		OutboxSweepEvery: time.Duration(cfg.CleanupOutboxEveryHours) * time.Hour,
		RoutingsHour:     cfg.CleanupRoutingsHour,
		OutboxRetention:  time.Duration(cfg.OutboxRetentionDays) * 24 * time.Hour,
	}))

	if err := sup.StartAll(ctx); err != nil {
		log.Error("workers failed to start", "error", err)
		os.Exit(1)
	}

	var shuttingDown atomic.Bool
	healthSrv := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.WorkerHealthPort),
		Handler: worker.HealthHandler(worker.HealthDeps{
			DB:         pool,
			Supervisor: sup,
			Metrics:    reg,
		}, shuttingDown.Load),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info("worker started", "health_port", cfg.WorkerHealthPort, "env", cfg.Env)
		if err := healthSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("health server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	shuttingDown.Store(true)
	log.Info("worker shutting down")

	// readiness flips before workers stop so orchestrators drain first
	sup.StopAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	if err := healthSrv.Shutdown(shutdownCtx); err != nil {
		log.Error("health server shutdown failed", "error", err)
	}

	log.Info("worker shutdown complete")
}
