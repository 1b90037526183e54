package scheduler

import "github.com/prometheus/client_golang/prometheus"

// Request outcome label values.
const (
	outcomeQueued       = "queued"
	outcomeDeduplicated = "deduplicated"
)

var (
	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowcache_scheduler_requests_total",
			Help: "Total number of action requests received by the scheduler, by outcome.",
		},
		[]string{"outcome"},
	)

	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "flowcache_scheduler_queue_depth",
			Help: "Number of requests waiting for a worker slot, by priority.",
		},
		[]string{"priority"},
	)

	activeWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "flowcache_scheduler_active_workers",
			Help: "Number of currently running workers.",
		},
	)

	workerDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "flowcache_worker_duration_seconds",
			Help:    "Worker execution time from start to terminate, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	workersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowcache_workers_total",
			Help: "Total number of workers terminated, by action and status.",
		},
		[]string{"action", "status"},
	)

	poolRecyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "flowcache_worker_pool_recycles_total",
			Help: "Total number of worker slots retired after reaching their task limit.",
		},
	)
)

func init() {
	prometheus.MustRegister(requestsTotal)
	prometheus.MustRegister(queueDepth)
	prometheus.MustRegister(activeWorkers)
	prometheus.MustRegister(workerDuration)
	prometheus.MustRegister(workersTotal)
	prometheus.MustRegister(poolRecyclesTotal)
}
