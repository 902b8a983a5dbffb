/*
Package metrics provides Prometheus metrics collection and exposition for
the fhirstore persistence core.

All metrics are registered at package init using prometheus.MustRegister
and exposed via the standard promhttp handler.

# Metrics Catalog

fhirstore_bundle_commits_total{outcome}:
  - Counter. Total bundle two-phase commits by outcome ("committed",
    "rolled_back").

fhirstore_bundle_rollback_total:
  - Counter. Total bundles that rolled back during phase 1 or phase 2.

fhirstore_bundle_commit_duration_seconds:
  - Histogram. Wall time to drive a bundle through staging and commit.

fhirstore_version_conflicts_total{kind}:
  - Counter. Optimistic concurrency failures, split by kind: "reclaim"
    (a stale lock was forcibly reclaimed) or "contention" (an ordinary
    conditional-write rejection). Registered only: no package in this
    module increments it.

fhirstore_export_admissions_total{outcome}:
  - Counter. Export admission decisions by outcome ("admitted",
    "rejected_per_user", "rejected_system_cap").

fhirstore_export_jobs_in_flight:
  - Gauge. Export jobs currently in a non-terminal jobStatus.

fhirstore_propagator_batch_duration_seconds:
  - Histogram. Time to propagate one change-feed batch to the search
    index.

fhirstore_propagator_records_total{operation}:
  - Counter. Change records propagated, split by operation ("upsert",
    "delete").

fhirstore_hybrid_offload_bytes:
  - Histogram. Size of resource bodies offloaded to the blob store.

fhirstore_dataservice_operation_duration_seconds{operation}:
  - Histogram. Data service operation latency by operation name
    ("create", "update", "delete", "read").

# Usage

	timer := metrics.NewTimer()
	// ... perform bundle commit ...
	timer.ObserveDuration(metrics.BundleCommitDuration)
	metrics.BundleCommitsTotal.WithLabelValues("committed").Inc()

	http.Handle("/metrics", metrics.Handler())
*/
package metrics
