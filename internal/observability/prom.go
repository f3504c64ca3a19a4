package observability

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

type Prom struct {
	RequestsTotal    *prometheus.CounterVec
	RequestsDuration *prometheus.HistogramVec
	InFlight         *prometheus.GaugeVec

	// DB
	DbQueryDuration *prometheus.HistogramVec
	DbErrorsTotal   *prometheus.CounterVec

	// executions
	ExecutionDuration *prometheus.HistogramVec
	ExecutionResults  *prometheus.CounterVec
	JobsInFlight      prometheus.Gauge

	// workers
	WorkersAlive    prometheus.Gauge
	WorkerRestarts  prometheus.Counter

	// deliveries
	DeliveryAttempts *prometheus.CounterVec

	// progress hub
	ProgressDropped prometheus.Counter
}

func NewProm(reg prometheus.Registerer) *Prom {
	p := &Prom{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "ratchet",
				Name:      "http_requests_total",
				Help:      "Total HTTP requests processed",
			},
			[]string{"method", "route", "status"},
		),
		RequestsDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "ratchet",
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latency distributions.",
				Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"method", "route", "status"},
		),
		InFlight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "ratchet",
				Name:      "http_in_flight_requests",
				Help:      "Current number of in-flight HTTP requests.",
			},
			[]string{"method", "route"},
		),
		DbQueryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "ratchet",
				Subsystem: "db",
				Name:      "query_duration_seconds",
				Help:      "DB operation latency (logical op, not raw SQL)",
				Buckets:   []float64{0.005, 0.01, 0.02, 0.05, 0.1, 0.2, 0.35, 0.5, 1, 2, 5},
			},
			[]string{"op", "status"},
		),
		DbErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "ratchet",
				Subsystem: "db",
				Name:      "errors_total",
				Help:      "DB errors by logical op and class.",
			},
			[]string{"op", "class"},
		),
		ExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "ratchet",
				Subsystem: "executions",
				Name:      "duration_seconds",
				Help:      "Execution duration by task and result",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 300},
			},
			[]string{"task", "result"},
		),
		ExecutionResults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "ratchet",
				Subsystem: "executions",
				Name:      "results_total",
				Help:      "Execution outcomes by task and result.",
			},
			[]string{"task", "result"}, // result=completed|failed|retried|cancelled
		),
		JobsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "ratchet",
				Subsystem: "jobs",
				Name:      "in_flight",
				Help:      "Current number of jobs being driven by the scheduler",
			},
		),
		WorkersAlive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "ratchet",
				Subsystem: "pool",
				Name:      "workers_alive",
				Help:      "Worker processes currently alive.",
			},
		),
		WorkerRestarts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "ratchet",
				Subsystem: "pool",
				Name:      "worker_restarts_total",
				Help:      "Worker processes restarted after a crash.",
			},
		),
		DeliveryAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "ratchet",
				Subsystem: "deliveries",
				Name:      "attempts_total",
				Help:      "Output destination delivery attempts by type and outcome.",
			},
			[]string{"destination_type", "outcome"},
		),
		ProgressDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "ratchet",
				Subsystem: "progress",
				Name:      "dropped_total",
				Help:      "Progress updates dropped on full subscriber channels.",
			},
		),
	}

	reg.MustRegister(
		p.RequestsTotal, p.RequestsDuration, p.InFlight,
		p.DbQueryDuration, p.DbErrorsTotal,
		p.ExecutionDuration, p.ExecutionResults, p.JobsInFlight,
		p.WorkersAlive, p.WorkerRestarts,
		p.DeliveryAttempts, p.ProgressDropped,
	)

	return p
}

func (p *Prom) GinHandleMiddleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		start := time.Now()

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
