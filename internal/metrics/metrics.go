// Package metrics holds the engine's Prometheus collectors. They register
// with the default registry so promhttp.Handler exposes them.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "predictd"

// WorkerStates lists every state a worker can report.
var WorkerStates = []string{"starting", "ready", "busy", "draining", "failed"}

var (
	workerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "worker_state",
			Help:      "1 for the state each worker is currently in",
		},
		[]string{"device", "state"},
	)

	workerLoads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "worker_loads_total",
			Help:      "Replica load attempts by outcome",
		},
		[]string{"device", "outcome"},
	)

	executionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "execution_seconds",
			Help:      "Batch execution time on a worker",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"device", "outcome"},
	)

	batchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "batching",
			Name:      "batch_size",
			Help:      "Requests per closed batch",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		},
	)

	batchesClosed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "batching",
			Name:      "batches_closed_total",
			Help:      "Closed batches by trigger (size, timer, flush)",
		},
		[]string{"reason"},
	)

	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "queue_depth",
			Help:      "Closed batches waiting for a worker",
		},
	)

	dispatchRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "rejected_total",
			Help:      "Batches rejected before execution by error kind",
		},
		[]string{"kind"},
	)

	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "request_seconds",
			Help:      "End-to-end prediction latency by outcome",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(workerState, workerLoads, executionDuration, batchSize, batchesClosed, queueDepth, dispatchRejected, requestDuration)
}

// SetWorkerState marks state as the current state of device.
func SetWorkerState(device, state string) {
	for _, s := range WorkerStates {
		v := 0.0
		if s == state {
			v = 1
		}
		workerState.WithLabelValues(device, s).Set(v)
	}
}

// ForgetWorker drops the series of a removed worker.
func ForgetWorker(device string) {
	for _, s := range WorkerStates {
		workerState.DeleteLabelValues(device, s)
	}
}

func IncWorkerLoad(device, outcome string) { workerLoads.WithLabelValues(device, outcome).Inc() }

func ObserveExecution(device, outcome string, d time.Duration) {
	executionDuration.WithLabelValues(device, outcome).Observe(d.Seconds())
}

func ObserveBatch(size int, reason string) {
	batchSize.Observe(float64(size))
	batchesClosed.WithLabelValues(reason).Inc()
}

func SetQueueDepth(n int) { queueDepth.Set(float64(n)) }

func IncDispatchRejected(kind string) { dispatchRejected.WithLabelValues(kind).Inc() }

func ObserveRequest(outcome string, d time.Duration) {
	requestDuration.WithLabelValues(outcome).Observe(d.Seconds())
}
