package worker

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HealthDeps feeds the worker process's health endpoints.
type HealthDeps struct {
	DB         ReadinessDeps
	Supervisor *Supervisor
	Metrics    prometheus.Gatherer
}

// HealthHandler serves the worker process's liveness, readiness, and
// metrics endpoints. Liveness only proves the process is up; readiness
// requires the database to answer and every supervised worker to be
// running.
func HealthHandler(deps HealthDeps, isShuttingDown func() bool) http.Handler {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	r.GET("/readyz", func(c *gin.Context) {
		if isShuttingDown != nil && isShuttingDown() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "shutting_down"})
			return
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), 500*time.Millisecond)
		defer cancel()

		if deps.DB != nil {
			if err := deps.DB.Ping(ctx); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "db_not_ready"})
				return
			}
		}

		if deps.Supervisor != nil && !deps.Supervisor.AllRunning() {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":  "workers_not_running",
				"workers": deps.Supervisor.Health(),
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	if deps.Metrics != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Metrics, promhttp.HandlerOpts{})))
	}

	return r
}
