// Package metrics exposes the Prometheus collectors shared by the router
// and replica processes.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ShardValidAt tracks the current valid_at counter of each shard known
	// to the router, labeled by shard_id.
	ShardValidAt = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "shardkv_shard_valid_at",
			Help: "Current valid_at counter for a shard",
		},
		[]string{"shard_id"},
	)

	// RingMembers tracks the number of distinct live servers on the hash ring.
	RingMembers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "shardkv_ring_members",
			Help: "Number of distinct live servers on the consistent hash ring",
		},
	)

	// HeartbeatFailures counts heartbeat probe failures, labeled by server_id.
	HeartbeatFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shardkv_heartbeat_failures_total",
			Help: "Total number of failed heartbeat probes",
		},
		[]string{"server_id"},
	)

	// ReplicasDead counts replicas that crossed max_fails and were handed to recovery.
	ReplicasDead = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "shardkv_replicas_dead_total",
			Help: "Total number of replicas declared dead by the heartbeat loop",
		},
	)

	// RecoveryDuration measures time spent recovering a dead replica's shards.
	RecoveryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "shardkv_recovery_duration_seconds",
			Help:    "Time spent recovering a dead replica's shards",
			Buckets: prometheus.DefBuckets,
		},
	)

	// MutationFanoutFailures counts per-replica failures during a mutation fan-out.
	MutationFanoutFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shardkv_mutation_fanout_failures_total",
			Help: "Total number of per-replica failures during mutation fan-out",
		},
		[]string{"shard_id", "server_id"},
	)

	// ReadCacheHits counts read-through cache hits at the router.
	ReadCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "shardkv_read_cache_hits_total",
			Help: "Total number of read-through cache hits",
		},
	)

	// ReadCacheMisses counts read-through cache misses at the router.
	ReadCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "shardkv_read_cache_misses_total",
			Help: "Total number of read-through cache misses",
		},
	)
)
