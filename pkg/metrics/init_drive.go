package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initDriveMetrics() {
	r.DriveOperationsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "hyperdrive_drive_operations_total",
			Help: "Total number of drive operations",
		},
		[]string{"op", "status"},
	)

	r.DriveOperationDuration = promauto.With(r.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hyperdrive_drive_operation_duration_seconds",
			Help:    "Duration of drive operations in seconds",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1, 5},
		},
		[]string{"op"},
	)

	r.TreeFoldsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "hyperdrive_tree_folds_total",
			Help: "Tree index resolutions by strategy",
		},
		[]string{"mode"}, // incremental, refold, full, lookup
	)

	r.TreeFoldedBlocks = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "hyperdrive_tree_folded_blocks_total",
			Help: "Metadata records folded into tree snapshots",
		},
	)
}
