/*
Package metrics provides Prometheus metrics for Skyfill.

Counters and gauges are registered at init and exported through the API's
/metrics endpoint. Instrumented code updates counters inline; gauges that
mirror stored state (queue depth, jobs and tasks by status, bucket levels)
are refreshed by a background Collector that polls the store on a fixed
interval.

# Metric Families

	skyfill_jobs_total                   jobs by status
	skyfill_tasks_total                  tasks by status and phase
	skyfill_tasks_completed_total        task completions by outcome
	skyfill_queue_depth                  current queue depth
	skyfill_leases_acquired_total        leases taken by workers
	skyfill_leases_reclaimed_total       orphaned leases reclaimed
	skyfill_ratelimit_waits_total        waits on exhausted buckets
	skyfill_ratelimit_bucket_available   tokens per (endpoint, credential)
	skyfill_handler_errors_total         handler errors by classification
	skyfill_coordinator_ticks_total      coordinator loop iterations
	skyfill_retry_phases_planned_total   retry phases planned

# Usage

	collector := metrics.NewCollector(store)
	collector.Start()
	defer collector.Stop()

	mux.Handle("GET /metrics", metrics.Handler())
*/
package metrics
