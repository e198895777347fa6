// Package api hosts the read-only HTTP status surface of the pipeline.
// Notable routes:
//   - GET /healthz and /readyz for liveness and readiness checks.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/run for a snapshot of the live run.
//   - GET /v1/run/events for a server-sent stream of progress events.
//   - GET /v1/runs/{run_id} and /v1/runs/{run_id}/failed for persisted runs
//     via the store.RunRepository interface.
package api
