package observability

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

// Prom bundles every Prometheus collector the service exports. The API
// and worker binaries register the same set against their own
// registries so dashboards share metric names.
type Prom struct {
	RequestsTotal    *prometheus.CounterVec
	RequestsDuration *prometheus.HistogramVec
	InFlight         *prometheus.GaugeVec

	// DB
	DbQueryDuration *prometheus.HistogramVec
	DbErrorsTotal   *prometheus.CounterVec

	// Sync pipeline (workers)
	SyncResults     *prometheus.CounterVec
	SyncDuration    *prometheus.HistogramVec
	SyncsInFlight   prometheus.Gauge
	OutboxEvents    *prometheus.CounterVec
	PollRuns        *prometheus.CounterVec
	RoutingsPolled  prometheus.Counter
	RateLimitDenied *prometheus.CounterVec
	CircuitOpened   *prometheus.CounterVec
}

func NewProm(reg prometheus.Registerer) *Prom {
	p := &Prom{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "dispatch",
				Name:      "http_requests_total",
				Help:      "Total HTTP requests processed",
			},
			[]string{"method", "route", "status"},
		),
		RequestsDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "dispatch",
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latency distributions.",
				Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"method", "route", "status"},
		),
		InFlight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "dispatch",
				Name:      "http_in_flight_requests",
				Help:      "Current number of in-flight HTTP requests.",
			},
			[]string{"method", "route"},
		),
		DbQueryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "dispatch",
				Subsystem: "db",
				Name:      "query_duration_seconds",
				Help:      "DB operation latency (logical op, not raw SQL)",
				Buckets:   []float64{0.005, 0.01, 0.02, 0.05, 0.1, 0.2, 0.35, 0.5, 1, 2, 5},
			},
			[]string{"op", "status"},
		),
		DbErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "dispatch",
				Subsystem: "db",
				Name:      "errors_total",
				Help:      "DB errors by logical op and class.",
			},
			[]string{"op", "class"},
		),
		SyncResults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "dispatch",
				Subsystem: "sync",
				Name:      "results_total",
				Help:      "Routing sync outcomes by provider and result.",
			},
			[]string{"provider", "result"}, // result=synced|retry|failed|skipped
		),
		SyncDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "dispatch",
				Subsystem: "sync",
				Name:      "duration_seconds",
				Help:      "Routing sync duration by provider and result",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "result"},
		),
		SyncsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "dispatch",
				Subsystem: "sync",
				Name:      "in_flight",
				Help:      "Current number of executing sync tasks (per process)",
			},
		),
		OutboxEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "dispatch",
				Subsystem: "outbox",
				Name:      "events_total",
				Help:      "Outbox event outcomes by type and result.",
			},
			[]string{"event_type", "result"}, // result=completed|failed|retried|skipped
		),
		PollRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "dispatch",
				Subsystem: "poll",
				Name:      "runs_total",
				Help:      "Poll cycles by result.",
			},
			[]string{"result"}, // result=ok|error|rate_limited
		),
		RoutingsPolled: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "dispatch",
				Subsystem: "poll",
				Name:      "routings_total",
				Help:      "Synced routings checked against their provider.",
			},
		),
		RateLimitDenied: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "dispatch",
				Subsystem: "ratelimit",
				Name:      "denied_total",
				Help:      "Operations denied by the fixed-window limiter.",
			},
			[]string{"key_prefix"},
		),
		CircuitOpened: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "dispatch",
				Subsystem: "circuit",
				Name:      "opened_total",
				Help:      "Circuit breaker open transitions by operation key prefix.",
			},
			[]string{"key_prefix"},
		),
	}
	reg.MustRegister(
		p.RequestsTotal, p.RequestsDuration, p.InFlight,
		p.DbQueryDuration, p.DbErrorsTotal,
		p.SyncResults, p.SyncDuration, p.SyncsInFlight,
		p.OutboxEvents, p.PollRuns, p.RoutingsPolled,
		p.RateLimitDenied, p.CircuitOpened,
	)

	return p
}

func (p *Prom) GinHandleMiddleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		start := time.Now()

		// route template is only available after routing; best effort:
		route := ctx.FullPath()

		if route == "" {
			route = "unmatched"
		}

		method := ctx.Request.Method
		p.InFlight.WithLabelValues(method, route).Inc()
		defer p.InFlight.WithLabelValues(method, route).Dec()
		ctx.Next()

		status := strconv.Itoa(ctx.Writer.Status())
		secs := time.Since(start).Seconds()

		p.RequestsTotal.WithLabelValues(method, route, status).Inc()
		p.RequestsDuration.WithLabelValues(method, route, status).Observe(secs)
	}
}
