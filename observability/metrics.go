// Package observability exposes the governor's Prometheus metrics. All
// metrics are registered on the default registry; hosts that already serve
// promhttp pick them up without extra wiring.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Decisions counts admission outcomes by kind and, for refusals, the
	// horizon that tripped.
	Decisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quotaplane",
		Name:      "decisions_total",
		Help:      "Admission decisions by outcome kind and tripped horizon.",
	}, []string{"kind", "horizon"})

	// QueueDepth tracks pending queue entries across all tenants.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "quotaplane",
		Name:      "queue_depth",
		Help:      "Pending queue entries.",
	})

	// QueueWaitSeconds observes time from enqueue to terminal status.
	QueueWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "quotaplane",
		Name:      "queue_wait_seconds",
		Help:      "Time queued entries spent waiting before completion.",
		Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 1800},
	})

	// WindowRotations counts stale-window rotations by horizon.
	WindowRotations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quotaplane",
		Name:      "window_rotations_total",
		Help:      "Sliding windows rotated after expiry.",
	}, []string{"horizon"})

	// StoreLatency observes store operation latency by operation name.
	StoreLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "quotaplane",
		Name:      "store_latency_seconds",
		Help:      "Latency of durable store operations.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"op"})

	// PatternRuns counts pattern analysis passes and how many patterns each
	// persisted.
	PatternRuns = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "quotaplane",
		Name:      "pattern_runs_total",
		Help:      "Completed pattern analysis passes.",
	})

	PatternsDetected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quotaplane",
		Name:      "patterns_detected_total",
		Help:      "Patterns persisted by kind.",
	}, []string{"kind"})

	// JanitorPruned counts rows removed by the retention sweep, by table.
	JanitorPruned = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quotaplane",
		Name:      "janitor_pruned_total",
		Help:      "Rows removed by the retention janitor.",
	}, []string{"table"})
)
