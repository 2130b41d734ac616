// Package api hosts the worker's operator HTTP surface. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/worker for the local runtime state and counters.
//   - GET /v1/cluster for the aggregated fleet status, when a cluster view is wired.
package api
