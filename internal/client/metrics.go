package client

import "github.com/prometheus/client_golang/prometheus"

// Call result label values.
const (
	resultHit  = "hit"
	resultMiss = "miss"
)

var (
	callsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowcache_client_calls_total",
			Help: "Total number of action calls, by action and cache result.",
		},
		[]string{"action", "result"},
	)

	droppedWritesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "flowcache_client_dropped_writes_total",
			Help: "Total number of requests abandoned because the scheduler input did not drain in time.",
		},
	)

	schedulerAlive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "flowcache_client_scheduler_alive",
			Help: "1 while the supervised scheduler is reachable, 0 otherwise.",
		},
	)
)

func init() {
	prometheus.MustRegister(callsTotal)
	prometheus.MustRegister(droppedWritesTotal)
	prometheus.MustRegister(schedulerAlive)
}
