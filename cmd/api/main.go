package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/fieldsync/dispatch/internal/config"
	"github.com/fieldsync/dispatch/internal/db"
	httpx "github.com/fieldsync/dispatch/internal/http"
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

func main() {
	// best effort; real deployments inject env directly
	_ = godotenv.Load()

	cfg := config.Load()

	log := observability.NewLogger(cfg.Env)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.OTLPEndpoint != "" {
		shutdownTracer, err := observability.InitTracer(ctx, "dispatch-api", cfg.OTLPEndpoint)
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

	// idempotent DDL keeps dev and CI databases usable without a
	// migration runner
	if err := db.EnsureSchema(ctx, pool); err != nil {
		log.Error("schema bootstrap failed", "error", err)
		os.Exit(1)
	}
	if cfg.Env == "dev" {
		if err := db.EnsureDemoCompanies(ctx, pool); err != nil {
			log.Error("demo seed failed", "error", err)
			os.Exit(1)
		}
	}

	// Redis backs the shared rate limits and the mock provider's lead
	// store. The API stays up without it on in-process fallbacks.
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

	var limiter ratelimit.Limiter
	var leadStore mock.LeadStore
	var redisCheck func(context.Context) error
	if rdb != nil {
		limiter = ratelimit.NewRedisLimiter(rdb, log)
		leadStore = mock.NewRedisLeadStore(rdb)
		redisCheck = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	} else {
		limiter = ratelimit.NewMemoryLimiter()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	prom := observability.NewProm(reg)

	companies := postgres.NewCompaniesRepo(pool, prom)
	technicians := postgres.NewTechniciansRepo(pool, prom)
	jobs := postgres.NewJobsRepo(pool, prom)
	routings := postgres.NewRoutingsRepo(pool, prom)
	events := postgres.NewOutboxRepo(pool, prom)
	store := postgres.NewStore(pool, jobs, routings, events)

	providers := registry.New(registry.Options{LeadStore: leadStore})
	stats := observability.NewWorkerStats()

	breaker := retry.NewCircuitBreaker(0, 0)
	executor := retry.NewExecutor(breaker, retry.ExecutorConfig{
		Attempts: cfg.MaxRetryAttempts,
		RetryIf:  provider.IsRetryable,
	}, log)

	createJob := usecase.NewCreateJob(companies, technicians, store, usecase.CreateJobOptions{
		AllowMockProviders: cfg.AllowMockProviders,
		MaxRoutingsPerJob:  cfg.MaxRoutingsPerJob,
		EventMaxRetries:    cfg.MaxRetryAttempts,
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

	deps := httpx.Deps{
		Env: cfg.Env,
		Log: log,

		CreateJob: createJob,
		SyncJob:   syncJob,
		Jobs:      jobs,
		Routings:  routings,

		DB:    pool.Ping,
		Redis: redisCheck,

		JobCounts:     jobs,
		RoutingCounts: routings,
		EventCounts:   events,

		Prom:    prom,
		Metrics: reg,

		AllowedOrigins: cfg.AllowedOrigins,
		RateMax:        cfg.HTTPRateMax,
		RateWindow:     cfg.HTTPRateWindow,
	}

	// Embedded workers give a single-binary deployment the full
	// pipeline; dedicated worker fleets run cmd/worker instead.
	var sup *worker.Supervisor
	if cfg.EmbedWorkers {
		sup = worker.NewSupervisor(log)

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

		deps.Workers = sup
		deps.WorkerStats = stats
	}

	router := httpx.NewRouter(deps)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("server starting", "port", cfg.Port, "env", cfg.Env, "embed_workers", cfg.EmbedWorkers)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	log.Info("server shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", "error", err)
	}
	if sup != nil {
		sup.StopAll()
	}

	log.Info("shutdown complete")
}
