// Package api hosts the ops HTTP server. Routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/stats for the engine's rolling statistics.
//   - POST /v1/fetch to run a batch of URLs and return per-URL summaries.
package api
