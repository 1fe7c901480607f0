package http

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/fieldsync/dispatch/internal/http/handlers"
	"github.com/fieldsync/dispatch/internal/http/middlewares"
	"github.com/fieldsync/dispatch/internal/observability"
)

// Deps carries everything the router mounts. Worker fields stay nil
// in an API process that does not embed workers; the admin endpoints
// then answer 503 and readiness skips the worker check.
type Deps struct {
	Env string
	Log *slog.Logger

	CreateJob handlers.JobCreator
	SyncJob   handlers.RoutingSyncer
	Jobs      handlers.JobsReader
	Routings  handlers.JobRoutingsReader

	DB    handlers.CheckFunc
	Redis handlers.CheckFunc

	Workers       handlers.WorkerManager
	WorkerStats   *observability.WorkerStats
	JobCounts     handlers.JobCounter
	RoutingCounts handlers.StatusCounter
	EventCounts   handlers.StatusCounter

	Prom    *observability.Prom
	Metrics prometheus.Gatherer

	AllowedOrigins []string
	RateMax        int
	RateWindow     time.Duration
}

func NewRouter(deps Deps) *gin.Engine {
	if deps.Env != "dev" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()

	// middleware

	r.Use(gin.Recovery())
	r.Use(middlewares.RequestID())
	r.Use(middlewares.RequestLogger(deps.Log))
	r.Use(middlewares.SecurityHeaders())
	if len(deps.AllowedOrigins) > 0 {
		r.Use(middlewares.CORSMiddleware(deps.AllowedOrigins))
	}
	if deps.Prom != nil {
		r.Use(deps.Prom.GinHandleMiddleware())
	}
	r.Use(otelgin.Middleware("dispatch-api"))
	r.Use(middlewares.RequireJSON())
	r.Use(middlewares.MaxBodyBytes(1 << 20))

	// health

	health := handlers.NewHealthHandler(deps.DB, deps.Redis, deps.Workers)
	r.GET("/health", health.Live)
	r.GET("/health/live", health.Live)
	r.GET("/health/ready", health.Ready)
	r.GET("/health/detailed", health.Detailed)

	// jobs

	jobs := handlers.NewJobsHandler(deps.CreateJob, deps.SyncJob, deps.Jobs, deps.Routings)

	createJob := []gin.HandlerFunc{jobs.Create}
	if deps.RateMax > 0 {
		limiter := middlewares.NewRateLimiter(deps.RateMax, deps.RateWindow)
		createJob = []gin.HandlerFunc{limiter.RateLimiterMiddleware(middlewares.KeyByIP), jobs.Create}
	}

	r.POST("/jobs", createJob...)
	r.GET("/jobs", jobs.List)
	r.GET("/jobs/:id", jobs.Get)
	r.GET("/jobs/:id/routings", jobs.Routings)
	r.POST("/jobs/:id/sync", jobs.Resync)

	// admin

	adminHandler := handlers.NewAdminHandler(handlers.AdminDeps{
		Workers:  deps.Workers,
		Stats:    deps.WorkerStats,
		DB:       deps.DB,
		Jobs:     deps.JobCounts,
		Routings: deps.RoutingCounts,
		Events:   deps.EventCounts,
	})

	admin := r.Group("/admin")
	admin.GET("/workers/status", adminHandler.WorkersStatus)
	admin.GET("/workers/stats", adminHandler.WorkersStats)
	admin.POST("/workers/start", adminHandler.StartWorkers)
	admin.POST("/workers/stop", adminHandler.StopWorkers)
	admin.POST("/workers/:name/restart", adminHandler.RestartWorker)
	admin.GET("/system/health", adminHandler.SystemHealth)

	if deps.Metrics != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Metrics, promhttp.HandlerOpts{})))
	}

	return r
}
