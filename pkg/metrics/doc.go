/*
Package metrics provides Prometheus metrics collection and exposition for
distbuild.

Metrics are declared as package-level variables, registered once at init,
and exposed on /metrics via promhttp.Handler(). /health and /ready report
process and dependency health for the coordinator; /live is a bare liveness
probe.

# Metrics catalog

distbuild_jobs_total{status}: counter, incremented each time a job reaches
the given status.

distbuild_jobs_queued / distbuild_jobs_running: gauges, sampled periodically
by a Collector rather than updated inline, since queue depth is a property
of the whole table rather than of any single operation.

distbuild_claim_duration_seconds: histogram of time between a job's
created_at and the claim that moved it to running.

distbuild_job_duration_seconds{sandbox}: histogram of started_at to
finished_at, labeled by sandbox kind.

distbuild_executor_exit_codes_total{sandbox,code}: counter of executor exit
codes, including the reserved 124 (timeout) and 126 (backend unusable).

distbuild_api_requests_total{method,status} and
distbuild_api_request_duration_seconds{method}: HTTP surface instrumentation,
labeled by route template (e.g. "POST /v1/jobs") rather than by path with
IDs substituted in, to keep cardinality bounded.

distbuild_log_chunks_appended_total{stream}: counter of chunks persisted by
AppendLogChunks.

distbuild_quota_rejections_total{reason}: counter of submit/claim rejections,
labeled "inactive", "max_concurrent", or "max_per_day".

# Usage

	timer := metrics.NewTimer()
	// ... do work ...
	timer.ObserveDurationVec(metrics.JobDuration, string(job.Sandbox))
*/
package metrics
