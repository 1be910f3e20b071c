/*
Package api provides the HTTP control plane for Skyfill.

The API server exposes job submission, inspection, cancellation, per-job
logs, recent runtime events, health probes, and Prometheus metrics over a
JSON REST surface. It binds to loopback by default; there is no
authentication layer, so exposure beyond the host is the operator's call.

# Endpoints

	GET  /health                    liveness probe
	GET  /ready                     readiness probe with storage check
	GET  /metrics                   Prometheus exposition

	POST /v1/jobs                   submit a job spec
	GET  /v1/jobs                   list jobs
	GET  /v1/jobs/{id}              job detail
	GET  /v1/jobs/{id}/tasks        tasks, optional ?status= filter
	POST /v1/jobs/{id}/cancel       cancel a job
	GET  /v1/jobs/{id}/logs         per-job event log (NDJSON)
	GET  /v1/events                 recent runtime events

# Error Shape

Every non-2xx response carries a JSON body with a message and a stable code:

	{"error": "handler \"x\" not registered", "code": "unknown_handler"}

Codes map to statuses: invalid_spec → 400, job_not_found → 404,
unknown_handler → 422, job_terminal → 409, internal → 500. Clients branch on
the code, never the message.

# Usage

	server := api.NewServer(coord, store, broker, logDir)
	go server.Start("127.0.0.1:7733")
	defer server.Stop(ctx)
*/
package api
