// Package metrics defines the Prometheus collectors for the resolution
// pipeline. Collectors are registered explicitly from the composition root,
// not via init, so tests can construct components without global state.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "resolver"

var (
	// PipelineDuration measures end-to-end resolve latency by answer source.
	PipelineDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pipeline_duration_seconds",
			Help:      "End-to-end query resolution duration in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"source"},
	)

	// StageDuration measures per-stage latency within the pipeline.
	StageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Per-stage duration within the resolution pipeline",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
		[]string{"stage"},
	)

	// CacheTotal counts hits and misses per cache instance.
	CacheTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_requests_total",
			Help:      "Cache lookups by cache name and result",
		},
		[]string{"cache", "result"},
	)

	// GoldenTotal counts golden-answer lookups by result.
	GoldenTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "golden_lookups_total",
			Help:      "Golden answer lookups by result (hit/miss/error)",
		},
		[]string{"result"},
	)

	// EarlyExitTotal counts reranks skipped on a confident top score.
	EarlyExitTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rerank_early_exit_total",
			Help:      "Reranking stages skipped because the top score cleared the threshold",
		},
	)

	// RerankTotal counts reranker invocations by outcome.
	RerankTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rerank_requests_total",
			Help:      "Reranker invocations by status (success/degraded)",
		},
		[]string{"status"},
	)

	// ParallelSearchesTotal counts executed fan-out searches.
	ParallelSearchesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "parallel_searches_total",
			Help:      "Parallel collection searches executed",
		},
	)

	// CollectionSearchTotal counts per-collection branch outcomes.
	CollectionSearchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "collection_search_total",
			Help:      "Per-collection search branches by status (success/failure)",
		},
		[]string{"collection", "status"},
	)

	// PoolSize tracks connections in existence per pool.
	PoolSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_size",
			Help:      "Connections currently held by a pool",
		},
		[]string{"pool"},
	)

	// PoolIdle tracks idle connections per pool.
	PoolIdle = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_idle",
			Help:      "Idle connections currently held by a pool",
		},
		[]string{"pool"},
	)

	// BreakerTransitionsTotal counts circuit breaker state changes.
	BreakerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "breaker_transitions_total",
			Help:      "Circuit breaker state transitions by dependency",
		},
		[]string{"dependency", "from", "to"},
	)
)

// RegisterPipelineMetrics registers all pipeline collectors.
func RegisterPipelineMetrics() {
	prometheus.MustRegister(
		PipelineDuration,
		StageDuration,
		CacheTotal,
		GoldenTotal,
		EarlyExitTotal,
		RerankTotal,
		ParallelSearchesTotal,
		CollectionSearchTotal,
		PoolSize,
		PoolIdle,
		BreakerTransitionsTotal,
	)
}
