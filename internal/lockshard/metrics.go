package lockshard

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	lockedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lockshard_locked_total",
		Help: "UHS inputs successfully locked by lock_outputs, by shard id.",
	}, []string{"shard"})

	appliedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lockshard_applied_total",
		Help: "CTXs applied (committed or rolled back) by apply_outputs, by shard id.",
	}, []string{"shard"})

	auditSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name: "lockshard_audit_seconds",
		Help: "Wall-clock duration of an audit pass, by shard id.",
	}, []string{"shard"})
)

type shardMetrics struct {
	locked  prometheus.Counter
	applied prometheus.Counter
	audit   prometheus.Observer
}

func newShardMetrics(shardID string) *shardMetrics {
	return &shardMetrics{
		locked:  lockedTotal.WithLabelValues(shardID),
		applied: appliedTotal.WithLabelValues(shardID),
		audit:   auditSeconds.WithLabelValues(shardID),
	}
}
