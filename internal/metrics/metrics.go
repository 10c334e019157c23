// Package metrics holds the Prometheus instrumentation vectors shared
// across the sync state machine, the metadata store, and the mirror
// pipeline. Grounded on lake/api/metrics/metrics.go's
// promauto-package-level-var pattern.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SyncRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "update_server_sync_requests_total",
			Help: "Total number of syncUpdates requests, by emitted stage",
		},
		[]string{"stage"},
	)

	SyncTruncatedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "update_server_sync_truncated_total",
			Help: "Total number of syncUpdates responses truncated at MaxUpdatesInResponse",
		},
	)

	SyncStageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "update_server_sync_stage_duration_seconds",
			Help:    "Duration of a single syncUpdates call, by emitted stage",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage"},
	)

	StorePackagesTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "update_server_store_packages_total",
			Help: "Number of packages currently resident in the attached metadata store",
		},
	)

	MirrorFetchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "update_server_mirror_fetch_total",
			Help: "Total number of mirror fetch attempts, by result",
		},
		[]string{"result"},
	)

	MirrorFetchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "update_server_mirror_fetch_duration_seconds",
			Help:    "Duration of a single mirror fetch-and-apply poll",
			Buckets: prometheus.DefBuckets,
		},
	)
)
