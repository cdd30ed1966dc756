// Package monitoring provides metrics and observability.
// This package implements:
//   - Prometheus metrics for transport, reliability, routing and peers
//   - An HTTP server exposing /metrics and /health
package monitoring
