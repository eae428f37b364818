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

	JobsEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_enqueued_total",
			Help: "Total number of jobs enqueued",
		},
		[]string{"kind"},
	)
	JobsRunning = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jobs_running",
			Help: "Number of jobs currently running",
		},
		[]string{"kind"},
	)
	JobsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_completed_total",
			Help: "Total number of jobs completed successfully",
		},
		[]string{"kind"},
	)
	JobsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_failed_total",
			Help: "Total number of jobs failed",
		},
		[]string{"kind"},
	)
	JobsRevokedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_revoked_total",
			Help: "Total number of jobs revoked",
		},
		[]string{"kind"},
	)

	PipelineStepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pipeline_step_duration_seconds",
			Help:    "Pipeline step duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.25, 1, 5, 30, 120, 600},
		},
		[]string{"step"},
	)

	ArtifactWritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "artifact_writes_total",
			Help: "Total number of artifact writes by outcome",
		},
		[]string{"outcome"},
	)
)

// InitMetrics registers all metrics once per process.
func InitMetrics() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		JobsEnqueuedTotal,
		JobsRunning,
		JobsCompletedTotal,
		JobsFailedTotal,
		JobsRevokedTotal,
		PipelineStepDuration,
		ArtifactWritesTotal,
	)
}

// EnqueueJob records an enqueued job.
func EnqueueJob(kind string) { JobsEnqueuedTotal.WithLabelValues(kind).Inc() }

// StartJob records a job entering running state.
func StartJob(kind string) { JobsRunning.WithLabelValues(kind).Inc() }

// FinishJob records a job leaving running state with its terminal status.
func FinishJob(kind, status string) {
	JobsRunning.WithLabelValues(kind).Dec()
	switch status {
	case "success":
		JobsCompletedTotal.WithLabelValues(kind).Inc()
	case "failed":
		JobsFailedTotal.WithLabelValues(kind).Inc()
	case "revoked":
		JobsRevokedTotal.WithLabelValues(kind).Inc()
	}
}

// ObserveStep records one pipeline step duration.
func ObserveStep(step string, d time.Duration) {
	PipelineStepDuration.WithLabelValues(step).Observe(d.Seconds())
}

// HTTPMetricsMiddleware records request count and duration per chi route.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		HTTPRequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}
