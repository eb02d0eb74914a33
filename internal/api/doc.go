// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/jobs and /v1/jobs/stop to start and stop crawl jobs.
//   - GET /v1/jobs and /v1/jobs/status?root= for live job status.
//   - GET /v1/jobs/history for the persisted status history.
package api
