// Package metrics exposes prometheus instrumentation for index rebuilds,
// clustering passes and marker churn.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Task labels.
const (
	TaskRebuild    = "rebuild"
	TaskClustering = "clustering"
)

var (
	indexRebuildsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "markercluster_index_rebuilds_total",
		Help: "Total number of completed spatial index rebuilds",
	})

	indexRebuildDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "markercluster_index_rebuild_duration_seconds",
		Help:    "Duration of spatial index rebuilds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	})

	clusteringPassesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "markercluster_clustering_passes_total",
		Help: "Total number of clustering passes that completed",
	})

	clusteringPassDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "markercluster_clustering_pass_duration_seconds",
		Help:    "Duration of clustering passes",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
	})

	clustersPerPass = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "markercluster_clusters_per_pass",
		Help:    "Number of clusters produced by a clustering pass",
		Buckets: prometheus.ExponentialBuckets(1, 4, 8),
	})

	tasksCancelledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "markercluster_tasks_cancelled_total",
		Help: "Number of background tasks abandoned because newer work superseded them",
	}, []string{"task"})

	markerOpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "markercluster_marker_operations_total",
		Help: "Marker operations issued to render surfaces",
	}, []string{"op"})

	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "markercluster_active_sessions",
		Help: "Current number of connected map sessions",
	})
)

// ObserveRebuild records a completed index rebuild.
func ObserveRebuild(d time.Duration) {
	indexRebuildsTotal.Inc()
	indexRebuildDuration.Observe(d.Seconds())
}

// ObservePass records a completed clustering pass.
func ObservePass(d time.Duration, clusters int) {
	clusteringPassesTotal.Inc()
	clusteringPassDuration.Observe(d.Seconds())
	clustersPerPass.Observe(float64(clusters))
}

// Cancelled records a superseded task of the given kind.
func Cancelled(task string) {
	tasksCancelledTotal.WithLabelValues(task).Inc()
}

// MarkerOps records the marker operations of one render.
func MarkerOps(added, removed, animated int) {
	markerOpsTotal.WithLabelValues("add").Add(float64(added))
	markerOpsTotal.WithLabelValues("remove").Add(float64(removed))
	markerOpsTotal.WithLabelValues("animate").Add(float64(animated))
}

// SessionOpened and SessionClosed track connected map sessions.
func SessionOpened() { activeSessions.Inc() }

func SessionClosed() { activeSessions.Dec() }
