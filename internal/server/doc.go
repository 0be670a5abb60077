// Package server implements the HTTP API for monitoring the recorder:
// health, pipeline statistics, queue detail, sanitized configuration and
// Prometheus metrics.
package server
