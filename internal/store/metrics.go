package store

import "github.com/prometheus/client_golang/prometheus"

var (
	storeBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "flowcache_store_bytes",
			Help: "Bytes of published objects tracked against the disk budget.",
		},
	)

	storeCommitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "flowcache_store_commits_total",
			Help: "Total number of objects published into the store.",
		},
	)

	storeEvictionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "flowcache_store_evictions_total",
			Help: "Total number of objects removed to stay within the disk budget.",
		},
	)
)

func init() {
	prometheus.MustRegister(storeBytes)
	prometheus.MustRegister(storeCommitsTotal)
	prometheus.MustRegister(storeEvictionsTotal)
}
