package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/fieldsync/dispatch/internal/observability"
	"github.com/fieldsync/dispatch/internal/worker"
)

// WorkerManager is the supervisor surface the admin endpoints drive.
type WorkerManager interface {
	Health() []worker.WorkerHealth
	AllRunning() bool
	Start(name string) error
	Stop(name string) error
	Restart(name string) error
}

// StatusCounter reports rows grouped by status (routings, outbox
// events).
type StatusCounter interface {
	CountsByStatus(ctx context.Context) (map[string]int, error)
}

type JobCounter interface {
	CountByStatus(ctx context.Context) (map[string]int, error)
}

type AdminDeps struct {
	Workers  WorkerManager
	Stats    *observability.WorkerStats
	DB       CheckFunc
	Jobs     JobCounter
	Routings StatusCounter
	Events   StatusCounter
}

type AdminHandler struct {
	deps AdminDeps
}

func NewAdminHandler(deps AdminDeps) *AdminHandler {
	return &AdminHandler{deps: deps}
}

// GET /admin/workers/status

func (h *AdminHandler) WorkersStatus(ctx *gin.Context) {
	if h.deps.Workers == nil {
		respondWorkersNotManaged(ctx)
		return
	}

	ctx.JSON(http.StatusOK, gin.H{
		"workers":    h.deps.Workers.Health(),
		"allRunning": h.deps.Workers.AllRunning(),
	})
}

// GET /admin/workers/stats

func (h *AdminHandler) WorkersStats(ctx *gin.Context) {
	if h.deps.Stats == nil {
		RespondError(ctx, http.StatusServiceUnavailable, "stats_unavailable", "Worker stats are not collected in this process", nil)
		return
	}

	ctx.JSON(http.StatusOK, h.deps.Stats.Snapshot())
}

// POST /admin/workers/start

func (h *AdminHandler) StartWorkers(ctx *gin.Context) {
	if h.deps.Workers == nil {
		respondWorkersNotManaged(ctx)
		return
	}

	started := make([]string, 0, 4)
	for _, w := range h.deps.Workers.Health() {
		if w.Running {
			continue
		}
		if err := h.deps.Workers.Start(w.Name); err != nil {
			RespondError(ctx, http.StatusInternalServerError, "worker_start_failed",
				fmt.Sprintf("Could not start worker %s", w.Name), gin.H{"reason": err.Error()})
			return
		}
		started = append(started, w.Name)
	}

	ctx.JSON(http.StatusOK, gin.H{
		"started": started,
		"workers": h.deps.Workers.Health(),
	})
}

// POST /admin/workers/stop

func (h *AdminHandler) StopWorkers(ctx *gin.Context) {
	if h.deps.Workers == nil {
		respondWorkersNotManaged(ctx)
		return
	}

	stopped := make([]string, 0, 4)
	for _, w := range h.deps.Workers.Health() {
		if !w.Running {
			continue
		}
		if err := h.deps.Workers.Stop(w.Name); err != nil {
			RespondError(ctx, http.StatusInternalServerError, "worker_stop_failed",
				fmt.Sprintf("Could not stop worker %s", w.Name), gin.H{"reason": err.Error()})
			return
		}
		stopped = append(stopped, w.Name)
	}

	ctx.JSON(http.StatusOK, gin.H{
		"stopped": stopped,
		"workers": h.deps.Workers.Health(),
	})
}

// POST /admin/workers/:name/restart

func (h *AdminHandler) RestartWorker(ctx *gin.Context) {
	if h.deps.Workers == nil {
		respondWorkersNotManaged(ctx)
		return
	}

	name := ctx.Param("name")
	if err := h.deps.Workers.Restart(name); err != nil {
		if errors.Is(err, worker.ErrUnknownWorker) {
			RespondNotFound(ctx, "Unknown worker")
			return
		}
		RespondError(ctx, http.StatusInternalServerError, "worker_restart_failed", err.Error(), nil)
		return
	}

	ctx.JSON(http.StatusOK, gin.H{"restarted": name})
}

// GET /admin/system/health
//
// Operator diagnostic: dependency probes plus queue depths. Always
// 200; readiness gating lives under /health/ready.

func (h *AdminHandler) SystemHealth(ctx *gin.Context) {
	reqCtx := ctx.Request.Context()
	resp := gin.H{"status": "ok"}

	if h.deps.DB != nil {
		probeCtx, cancel := context.WithTimeout(reqCtx, time.Second)
		if err := h.deps.DB(probeCtx); err != nil {
			resp["database"] = gin.H{"status": "error", "error": err.Error()}
			resp["status"] = "degraded"
		} else {
			resp["database"] = gin.H{"status": "ok"}
		}
		cancel()
	}

	if h.deps.Workers != nil {
		resp["workers"] = h.deps.Workers.Health()
		if !h.deps.Workers.AllRunning() {
			resp["status"] = "degraded"
		}
	}

	counts := gin.H{}
	if h.deps.Jobs != nil {
		counts["jobs"] = countsOrError(h.deps.Jobs.CountByStatus(reqCtx))
	}
	if h.deps.Routings != nil {
		counts["routings"] = countsOrError(h.deps.Routings.CountsByStatus(reqCtx))
	}
	if h.deps.Events != nil {
		counts["outboxEvents"] = countsOrError(h.deps.Events.CountsByStatus(reqCtx))
	}
	resp["counts"] = counts

	ctx.JSON(http.StatusOK, resp)
}

func countsOrError(m map[string]int, err error) any {
	if err != nil {
		return gin.H{"error": err.Error()}
	}
	return m
}

func respondWorkersNotManaged(ctx *gin.Context) {
	RespondError(ctx, http.StatusServiceUnavailable, "workers_not_managed",
		"This process does not manage background workers", nil)
}
