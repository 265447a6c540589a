package runtimeshard

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	tryLockTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "runtimeshard_try_lock_total",
		Help: "try_lock calls handled, by shard id.",
	}, []string{"shard"})

	woundedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "runtimeshard_wounded_total",
		Help: "Tickets wounded, by shard id.",
	}, []string{"shard"})

	grantedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "runtimeshard_granted_total",
		Help: "Locks granted (immediately or via sweep), by shard id.",
	}, []string{"shard"})

	committedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "runtimeshard_committed_total",
		Help: "Tickets committed, by shard id.",
	}, []string{"shard"})
)

type shardMetrics struct {
	tryLockTotal  prometheus.Counter
	woundedTotal  prometheus.Counter
	grantedTotal  prometheus.Counter
	committedTotal prometheus.Counter
}

func newShardMetrics(shardID string) *shardMetrics {
	return &shardMetrics{
		tryLockTotal:   tryLockTotal.WithLabelValues(shardID),
		woundedTotal:   woundedTotal.WithLabelValues(shardID),
		grantedTotal:   grantedTotal.WithLabelValues(shardID),
		committedTotal: committedTotal.WithLabelValues(shardID),
	}
}
