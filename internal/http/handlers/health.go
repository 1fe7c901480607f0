package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/fieldsync/dispatch/internal/worker"
)

// CheckFunc probes one dependency. A nil check means the dependency is
// not part of this deployment and is reported as disabled.
type CheckFunc func(ctx context.Context) error

// WorkerSet is the supervisor surface the health endpoints read.
type WorkerSet interface {
	Health() []worker.WorkerHealth
	AllRunning() bool
}

type HealthHandler struct {
	db      CheckFunc
	redis   CheckFunc
	workers WorkerSet
	started time.Time
}

func NewHealthHandler(db, redis CheckFunc, workers WorkerSet) *HealthHandler {
	return &HealthHandler{
		db:      db,
		redis:   redis,
		workers: workers,
		started: time.Now().UTC(),
	}
}

// GET /health and /health/live

func (h *HealthHandler) Live(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// GET /health/ready
//
// Ready means the service can take traffic: the database answers and,
// when workers are embedded, all of them are running.

func (h *HealthHandler) Ready(ctx *gin.Context) {
	if h.db != nil {
		probeCtx, cancel := context.WithTimeout(ctx.Request.Context(), 500*time.Millisecond)
		defer cancel()

		if err := h.db(probeCtx); err != nil {
			ctx.JSON(http.StatusServiceUnavailable, gin.H{"status": "db_unavailable"})
			return
		}
	}

	if h.workers != nil && !h.workers.AllRunning() {
		ctx.JSON(http.StatusServiceUnavailable, gin.H{"status": "workers_not_running"})
		return
	}

	ctx.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// GET /health/detailed

func (h *HealthHandler) Detailed(ctx *gin.Context) {
	status := http.StatusOK
	overall := "ok"

	dbCheck := h.runCheck(ctx.Request.Context(), h.db)
	if dbCheck["status"] == "error" {
		overall = "degraded"
		status = http.StatusServiceUnavailable
	}

	// A redis outage degrades rate limiting but does not stop traffic.
	redisCheck := h.runCheck(ctx.Request.Context(), h.redis)
	if redisCheck["status"] == "error" && overall == "ok" {
		overall = "degraded"
	}

	resp := gin.H{
		"status":        overall,
		"uptimeSeconds": int(time.Since(h.started).Seconds()),
		"checks": gin.H{
			"database": dbCheck,
			"redis":    redisCheck,
		},
	}

	if h.workers != nil {
		resp["workers"] = h.workers.Health()
		if !h.workers.AllRunning() {
			resp["status"] = "degraded"
			status = http.StatusServiceUnavailable
		}
	}

	ctx.JSON(status, resp)
}

func (h *HealthHandler) runCheck(ctx context.Context, check CheckFunc) gin.H {
	if check == nil {
		return gin.H{"status": "disabled"}
	}

	probeCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	start := time.Now()
	if err := check(probeCtx); err != nil {
		return gin.H{"status": "error", "error": err.Error()}
	}
	return gin.H{"status": "ok", "latencyMs": time.Since(start).Milliseconds()}
}
