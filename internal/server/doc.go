// Package server exposes the HTTP management API: session creation and
// teardown, output relaying, health, statistics, configuration, and
// Prometheus metrics.
package server
