// Package metrics exposes Prometheus instrumentation for the engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ResolutionsTotal counts tenant resolutions by concluding tier.
	ResolutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bundir_resolutions_total",
			Help: "Total number of tenant resolutions",
		},
		[]string{"outcome"},
	)
	// SnapshotsTotal counts full roster snapshots per workspace.
	SnapshotsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bundir_snapshots_total",
			Help: "Total number of change-feed snapshots applied",
		},
		[]string{"workspace"},
	)
	// RosterSize is the current in-memory roster size per workspace.
	RosterSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bundir_roster_size",
			Help: "Number of client records in the live roster",
		},
		[]string{"workspace"},
	)
	// EnrichmentBatchesTotal counts settled enrichment batches.
	EnrichmentBatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bundir_enrichment_batches_total",
			Help: "Total number of enrichment batches settled",
		},
		[]string{"workspace"},
	)
	// EnrichmentFieldFailuresTotal counts per-field enrichment read
	// failures that defaulted to their safe fallback.
	EnrichmentFieldFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bundir_enrichment_field_failures_total",
			Help: "Enrichment reads that fell back to a default value",
		},
		[]string{"field"},
	)
	// LifecycleOpsTotal counts lifecycle operations by op and status.
	LifecycleOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bundir_lifecycle_ops_total",
			Help: "Total number of lifecycle operations",
		},
		[]string{"op", "status"},
	)
)
