// Package api exposes a small status server for a running fetch: health
// probes, a RunStats snapshot and Prometheus metrics.
package api
