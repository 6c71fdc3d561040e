// Package observability provides logging, metrics, and tracing adapters.
package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "job_duration_seconds",
			Help:    "End-to-end job handling duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"pool", "language", "status", "verdict"},
	)
	JobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_total",
			Help: "Total number of jobs handled",
		},
		[]string{"pool", "status"},
	)
	JobErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "job_errors_total",
			Help: "Total number of job handling errors by stage",
		},
		[]string{"pool", "stage"},
	)
	ActiveJobs = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "active_jobs",
			Help: "Number of jobs currently executing",
		},
		[]string{"pool"},
	)
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_depth",
			Help: "Approximate number of messages in the job stream",
		},
		[]string{"pool"},
	)
	SubmissionSizeBytes = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "submission_size_bytes",
			Help:    "Distribution of submitted code sizes in bytes",
			Buckets: prometheus.ExponentialBuckets(256, 4, 9),
		},
	)
	JobMemoryKB = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "job_memory_kb",
			Help:    "Peak sandbox memory per job in KB",
			Buckets: prometheus.ExponentialBuckets(1024, 2, 10),
		},
		[]string{"language"},
	)
	VerdictsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "verdicts_total",
			Help: "Total number of judged submissions by verdict",
		},
		[]string{"verdict"},
	)
	ScorePercentage = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "score_percentage",
			Help:    "Distribution of final submission scores (0-100)",
			Buckets: []float64{0, 10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
		},
	)
	RateLimitRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limit_rejections_total",
			Help: "Total number of submissions rejected by the token bucket limiter",
		},
		[]string{"bucket"},
	)
	RateLimitStoreErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rate_limit_store_errors_total",
			Help: "Rate limiter store failures that resulted in fail-open decisions",
		},
	)
	CircuitBreakerStateGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
		[]string{"name"},
	)
	LoadShedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "load_shed_total",
			Help: "Submissions rejected by the load shedder",
		},
		[]string{"priority"},
	)
	WorkerRestartsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "worker_restarts_total",
			Help: "Worker handler panics recovered and restarted",
		},
	)
	WorkersRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "workers_running",
			Help: "Number of worker supervisor loops running in this process",
		},
	)
)

// InitMetrics registers all collectors once per process.
func InitMetrics() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		JobDuration,
		JobsTotal,
		JobErrorsTotal,
		ActiveJobs,
		QueueDepth,
		SubmissionSizeBytes,
		JobMemoryKB,
		VerdictsTotal,
		ScorePercentage,
		RateLimitRejectionsTotal,
		RateLimitStoreErrorsTotal,
		CircuitBreakerStateGauge,
		LoadShedTotal,
		WorkerRestartsTotal,
		WorkersRunning,
	)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		HTTPRequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(route, r.Method).Observe(dur)
	})
}

// ObserveJob records the outcome of one handled job.
func ObserveJob(pool, language, status, verdict string, dur time.Duration, memKB int64) {
	JobDuration.WithLabelValues(pool, language, status, verdict).Observe(dur.Seconds())
	JobsTotal.WithLabelValues(pool, status).Inc()
	if verdict != "" {
		VerdictsTotal.WithLabelValues(verdict).Inc()
	}
	if memKB > 0 {
		JobMemoryKB.WithLabelValues(language).Observe(float64(memKB))
	}
}
