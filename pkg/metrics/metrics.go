// Package metrics defines the Prometheus series the detection engine
// exposes, registered exactly once via sync.Once.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	TicksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sipade",
			Name:      "ticks_total",
			Help:      "Detection ticks processed, labeled by outcome (normal, alert, error).",
		},
		[]string{"result"},
	)

	AlertsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "sipade",
			Name:      "alerts_total",
			Help:      "Total anomalous windows that produced an alert.",
		},
	)

	TrainingWindowsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "sipade",
			Name:      "training_windows_total",
			Help:      "Total windows consumed by the training loop; the two seed windows are not counted.",
		},
	)

	BaselineDistance = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "sipade",
			Name:      "baseline_distance",
			Help:      "Current B.dist_ewma value.",
		},
	)

	BaselineThreshold = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "sipade",
			Name:      "baseline_threshold",
			Help:      "Current B.threshold value.",
		},
	)

	CheckpointWritesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "sipade",
			Name:      "checkpoint_writes_total",
			Help:      "Total checkpoints persisted.",
		},
	)

	StoreErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sipade",
			Name:      "store_errors_total",
			Help:      "Total store errors, labeled by store (cdr, checkpoint, alert).",
		},
		[]string{"store"},
	)

	registerOnce sync.Once
)

// Register registers all series with reg exactly once.
func Register(reg prometheus.Registerer) {
	registerOnce.Do(func() {
		reg.MustRegister(
			TicksTotal,
			AlertsTotal,
			TrainingWindowsTotal,
			BaselineDistance,
			BaselineThreshold,
			CheckpointWritesTotal,
			StoreErrorsTotal,
		)
	})
}
