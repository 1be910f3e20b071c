package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Job metrics
	JobsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "skyfill_jobs_total",
			Help: "Total number of jobs by status",
		},
		[]string{"status"},
	)

	TasksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "skyfill_tasks_total",
			Help: "Total number of tasks by status and phase",
		},
		[]string{"status", "phase"},
	)

	// Lease metrics
	LeasesAcquired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "skyfill_leases_acquired_total",
			Help: "Total number of task leases acquired",
		},
	)

	LeasesReclaimed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "skyfill_leases_reclaimed_total",
			Help: "Total number of expired leases reclaimed from orphaned tasks",
		},
	)

	LeasesExpired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "skyfill_leases_expired_total",
			Help: "Total number of leases abandoned after heartbeat failure",
		},
	)

	// Queue metrics
	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "skyfill_queue_depth",
			Help: "Number of tasks currently in the work queue",
		},
	)

	// Rate-limit metrics
	RateLimitWaits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "skyfill_ratelimit_waits_total",
			Help: "Total number of waits on exhausted rate-limit buckets",
		},
	)

	RateLimitWaitMs = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "skyfill_ratelimit_wait_ms_total",
			Help: "Total milliseconds spent waiting on rate-limit buckets",
		},
	)

	BucketAvailable = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "skyfill_ratelimit_bucket_available",
			Help: "Available tokens per (endpoint, credential) bucket",
		},
		[]string{"endpoint", "credential"},
	)

	// Worker metrics
	HandlerErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "skyfill_handler_errors_total",
			Help: "Total handler errors by classification",
		},
		[]string{"classification"},
	)

	TasksCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "skyfill_tasks_completed_total",
			Help: "Total task completions by outcome",
		},
		[]string{"outcome"},
	)

	// Aggregation metrics
	AggregationRows = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "skyfill_aggregation_rows_total",
			Help: "Total rows merged by the aggregator",
		},
	)

	AggregationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "skyfill_aggregation_duration_seconds",
			Help:    "Time taken per aggregation merge step in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Coordinator metrics
	CoordinatorTicks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "skyfill_coordinator_ticks_total",
			Help: "Total coordinator tick cycles",
		},
	)

	RetryPhasesPlanned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "skyfill_retry_phases_planned_total",
			Help: "Total retry phases planned across jobs",
		},
	)
)

func init() {
	prometheus.MustRegister(JobsTotal)
	prometheus.MustRegister(TasksTotal)
	prometheus.MustRegister(LeasesAcquired)
	prometheus.MustRegister(LeasesReclaimed)
	prometheus.MustRegister(LeasesExpired)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(RateLimitWaits)
	prometheus.MustRegister(RateLimitWaitMs)
	prometheus.MustRegister(BucketAvailable)
	prometheus.MustRegister(HandlerErrors)
	prometheus.MustRegister(TasksCompleted)
	prometheus.MustRegister(AggregationRows)
	prometheus.MustRegister(AggregationDuration)
	prometheus.MustRegister(CoordinatorTicks)
	prometheus.MustRegister(RetryPhasesPlanned)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
