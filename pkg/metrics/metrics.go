package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// JobsTotal counts jobs by terminal/transient status.
	JobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "distbuild_jobs_total",
			Help: "Total number of jobs by status",
		},
		[]string{"status"},
	)

	JobsQueued = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "distbuild_jobs_queued",
			Help: "Number of jobs currently queued",
		},
	)

	JobsRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "distbuild_jobs_running",
			Help: "Number of jobs currently running",
		},
	)

	ClaimDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "distbuild_claim_duration_seconds",
			Help:    "Time a queued job waited before being claimed",
			Buckets: prometheus.DefBuckets,
		},
	)

	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "distbuild_job_duration_seconds",
			Help:    "Wall-clock execution time of a job by sandbox kind",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"sandbox"},
	)

	ExecutorExitCodes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "distbuild_executor_exit_codes_total",
			Help: "Executor exit codes by sandbox kind and code",
		},
		[]string{"sandbox", "code"},
	)

	// APIRequestsTotal and APIRequestDuration instrument the HTTP surface,
	// labeled by route template rather than RPC method.
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "distbuild_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "distbuild_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	LogChunksAppended = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "distbuild_log_chunks_appended_total",
			Help: "Total log chunks appended by stream",
		},
		[]string{"stream"},
	)

	QuotaRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "distbuild_quota_rejections_total",
			Help: "Total submit/claim rejections by quota reason",
		},
		[]string{"reason"},
	)
)

func init() {
	prometheus.MustRegister(JobsTotal)
	prometheus.MustRegister(JobsQueued)
	prometheus.MustRegister(JobsRunning)
	prometheus.MustRegister(ClaimDuration)
	prometheus.MustRegister(JobDuration)
	prometheus.MustRegister(ExecutorExitCodes)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(LogChunksAppended)
	prometheus.MustRegister(QuotaRejectionsTotal)
}

// Handler returns the Prometheus HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
