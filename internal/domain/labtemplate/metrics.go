package labtemplate

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// cacheLookups counts store cache lookups by result (hit, miss).
	cacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "opsdash_template_cache_lookups_total",
		Help: "Template cache lookups by result",
	}, []string{"result"})

	// fetchDuration tracks repository call latency by operation.
	fetchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "opsdash_template_fetch_duration_seconds",
		Help:    "Template repository fetch duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
	}, []string{"operation"})

	fetchFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "opsdash_template_fetch_failures_total",
		Help: "Template repository fetch failures by operation",
	}, []string{"operation"})

	staleDiscards = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "opsdash_template_store_stale_discards_total",
		Help: "Superseded store responses dropped on arrival",
	}, []string{"operation"})

	subscriberGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "opsdash_template_store_subscribers",
		Help: "Subscribers currently registered across template stores",
	})
)
