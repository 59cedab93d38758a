// Package metrics exposes Prometheus instrumentation for the trust and
// capacity subsystems. Metrics are registered at init and served from
// the API server's /metrics endpoint via Handler.
package metrics
