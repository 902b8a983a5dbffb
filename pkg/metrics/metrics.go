package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Bundle (two-phase commit) metrics
	BundleCommitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fhirstore_bundle_commits_total",
			Help: "Total number of bundle commits by outcome",
		},
		[]string{"outcome"},
	)

	BundleRollbackTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fhirstore_bundle_rollback_total",
			Help: "Total number of bundles that rolled back",
		},
	)

	BundleCommitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fhirstore_bundle_commit_duration_seconds",
			Help:    "Time taken to commit a bundle in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Version store / optimistic concurrency metrics
	VersionConflictsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fhirstore_version_conflicts_total",
			Help: "Total number of version conflicts by kind (reclaim or contention)",
		},
		[]string{"kind"},
	)

	// Export registry metrics
	ExportAdmissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fhirstore_export_admissions_total",
			Help: "Total number of export admission decisions by outcome",
		},
		[]string{"outcome"},
	)

	ExportJobsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fhirstore_export_jobs_in_flight",
			Help: "Current number of export jobs not yet terminal",
		},
	)

	// Change propagator metrics
	PropagatorBatchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fhirstore_propagator_batch_duration_seconds",
			Help:    "Time taken to propagate a batch of change records to the search index",
			Buckets: prometheus.DefBuckets,
		},
	)

	PropagatorRecordsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fhirstore_propagator_records_total",
			Help: "Total number of change records propagated by operation",
		},
		[]string{"operation"},
	)

	// Hybrid store metrics
	HybridOffloadBytes = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fhirstore_hybrid_offload_bytes",
			Help:    "Size in bytes of resource bodies offloaded to the blob store",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 8),
		},
	)

	// Data service operation latency
	DataServiceOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fhirstore_dataservice_operation_duration_seconds",
			Help:    "Time taken for a data service operation in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)
)

func init() {
	prometheus.MustRegister(BundleCommitsTotal)
	prometheus.MustRegister(BundleRollbackTotal)
	prometheus.MustRegister(BundleCommitDuration)
	prometheus.MustRegister(VersionConflictsTotal)
	prometheus.MustRegister(ExportAdmissionsTotal)
	prometheus.MustRegister(ExportJobsInFlight)
	prometheus.MustRegister(PropagatorBatchDuration)
	prometheus.MustRegister(PropagatorRecordsTotal)
	prometheus.MustRegister(HybridOffloadBytes)
	prometheus.MustRegister(DataServiceOperationDuration)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
