// Package metrics exposes the Prometheus counters and gauges the
// client loop and runtime update on the hot path. This is the
// teacher's own direct dependency (prometheus/client_golang); apart
// from cmd/shardnode, which registers these and serves /metrics, no
// other package imports it.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	BlocksProduced = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "shardnode",
		Subsystem: "client",
		Name:      "blocks_produced_total",
		Help:      "Number of blocks produced by this node.",
	})

	BlocksAccepted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shardnode",
		Subsystem: "client",
		Name:      "blocks_accepted_total",
		Help:      "Number of blocks accepted, labeled by status (next/fork/reorg).",
	}, []string{"status"})

	ChunksProduced = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shardnode",
		Subsystem: "client",
		Name:      "chunks_produced_total",
		Help:      "Number of chunks produced, labeled by shard.",
	}, []string{"shard"})

	PoolSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "shardnode",
		Subsystem: "txpool",
		Name:      "pool_size",
		Help:      "Number of transactions currently held in the pool.",
	})

	ApplyLatencySeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "shardnode",
		Subsystem: "runtime",
		Name:      "apply_latency_seconds",
		Help:      "Latency of Runtime.Apply calls.",
		Buckets:   prometheus.DefBuckets,
	})

	DelayedReceiptQueueLength = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "shardnode",
		Subsystem: "runtime",
		Name:      "delayed_receipt_queue_length",
		Help:      "Current length of the delayed receipt queue.",
	})

	EpochFinalizations = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "shardnode",
		Subsystem: "epoch",
		Name:      "finalizations_total",
		Help:      "Number of epochs finalized.",
	})

	CacheMisses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shardnode",
		Subsystem: "store",
		Name:      "cache_misses_total",
		Help:      "Chain store lookups that missed the cache and were absent from the store, labeled by column.",
	}, []string{"column"})

	ChallengesRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "shardnode",
		Subsystem: "client",
		Name:      "challenges_rejected_total",
		Help:      "Number of state challenges found to be malicious on replay.",
	})
)

// MustRegisterAll registers every metric in this package with r.
func MustRegisterAll(r prometheus.Registerer) {
	r.MustRegister(
		BlocksProduced,
		BlocksAccepted,
		ChunksProduced,
		PoolSize,
		ApplyLatencySeconds,
		DelayedReceiptQueueLength,
		EpochFinalizations,
		CacheMisses,
		ChallengesRejected,
	)
}
