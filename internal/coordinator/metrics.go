package coordinator

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type controllerMetrics struct {
	admitted    prometheus.Counter
	rejected    *prometheus.CounterVec
	batchesCut  prometheus.Counter
	batchSize   prometheus.Histogram
	driverFails prometheus.Counter
	recovered   *prometheus.CounterVec
}

var (
	controllerMetricsOnce   sync.Once
	sharedControllerMetrics *controllerMetrics
)

// newControllerMetrics returns the controller collectors, registering them
// on the default prometheus registry on first use; every Controller in a
// process shares the same collectors.
func newControllerMetrics() *controllerMetrics {
	controllerMetricsOnce.Do(func() { sharedControllerMetrics = registerControllerMetrics() })
	return sharedControllerMetrics
}

func registerControllerMetrics() *controllerMetrics {
	return &controllerMetrics{
		admitted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "coordinator_ctx_admitted_total",
			Help: "CTXs accepted into a batch.",
		}),
		rejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "coordinator_ctx_rejected_total",
			Help: "CTXs rejected at admission, by reason.",
		}, []string{"reason"}),
		batchesCut: promauto.NewCounter(prometheus.CounterOpts{
			Name: "coordinator_batches_cut_total",
			Help: "Batches handed to the executor pool.",
		}),
		batchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "coordinator_batch_size",
			Help:    "Size of each cut batch.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		driverFails: promauto.NewCounter(prometheus.CounterOpts{
			Name: "coordinator_driver_failures_total",
			Help: "Driver phases that transitioned a dtx to failed.",
		}),
		recovered: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "coordinator_dtx_recovered_total",
			Help: "dtxs resumed on leader election, by the phase recovery resumed from.",
		}, []string{"phase"}),
	}
}
