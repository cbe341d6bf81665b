package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the capture bridge service
type Metrics struct {
	// Session metrics
	ActiveSessions    prometheus.Gauge
	SessionsCreated   prometheus.Counter
	SessionsDestroyed prometheus.Counter
	SessionDuration   prometheus.Histogram

	// Readiness gate metrics
	ReadinessProbes   prometheus.Counter
	ReadinessFailures prometheus.Counter

	// Bridge transport metrics
	PortBindErrors      prometheus.Counter
	ConnectionsAccepted prometheus.Counter
	BytesForwarded      prometheus.Counter
	ChunkSize           prometheus.Histogram

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics on the default registry
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith creates all metrics and registers them on the given registry
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		// Session metrics
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "bridge_active_sessions",
			Help: "Current number of active capture sessions",
		}),
		SessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "bridge_sessions_created_total",
			Help: "Total number of capture sessions created",
		}),
		SessionsDestroyed: factory.NewCounter(prometheus.CounterOpts{
			Name: "bridge_sessions_destroyed_total",
			Help: "Total number of capture sessions destroyed",
		}),
		SessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "bridge_session_duration_seconds",
			Help:    "Duration of capture sessions in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~1 hour
		}),

		// Readiness gate metrics
		ReadinessProbes: factory.NewCounter(prometheus.CounterOpts{
			Name: "bridge_readiness_probes_total",
			Help: "Total number of capability probes issued",
		}),
		ReadinessFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "bridge_readiness_failures_total",
			Help: "Total number of sessions aborted because the capture runtime never became ready",
		}),

		// Bridge transport metrics
		PortBindErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "bridge_port_bind_errors_total",
			Help: "Total number of failed TCP listener binds",
		}),
		ConnectionsAccepted: factory.NewCounter(prometheus.CounterOpts{
			Name: "bridge_connections_accepted_total",
			Help: "Total number of producer TCP connections accepted",
		}),
		BytesForwarded: factory.NewCounter(prometheus.CounterOpts{
			Name: "bridge_bytes_forwarded_total",
			Help: "Total number of stream bytes forwarded to session outputs",
		}),
		ChunkSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "bridge_chunk_size_bytes",
			Help:    "Size of individual forwarded chunks in bytes",
			Buckets: prometheus.ExponentialBuckets(256, 4, 8), // 256B to ~4MB
		}),

		// HTTP API metrics
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bridge_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// RecordSessionCreated increments the sessions created counter and the active
// sessions gauge
func (m *Metrics) RecordSessionCreated() {
	m.SessionsCreated.Inc()
	m.ActiveSessions.Inc()
}

// RecordSessionDestroyed decrements the active gauge and records duration
func (m *Metrics) RecordSessionDestroyed(durationSeconds float64) {
	m.SessionsDestroyed.Inc()
	m.ActiveSessions.Dec()
	m.SessionDuration.Observe(durationSeconds)
}

// RecordReadinessProbe increments the probe counter
func (m *Metrics) RecordReadinessProbe() {
	m.ReadinessProbes.Inc()
}

// RecordReadinessFailure increments the readiness failure counter
func (m *Metrics) RecordReadinessFailure() {
	m.ReadinessFailures.Inc()
}

// RecordPortBindError increments the port bind error counter
func (m *Metrics) RecordPortBindError() {
	m.PortBindErrors.Inc()
}

// RecordConnectionAccepted increments the accepted connections counter
func (m *Metrics) RecordConnectionAccepted() {
	m.ConnectionsAccepted.Inc()
}

// RecordChunkForwarded records a forwarded chunk and its size
func (m *Metrics) RecordChunkForwarded(sizeBytes int) {
	m.BytesForwarded.Add(float64(sizeBytes))
	m.ChunkSize.Observe(float64(sizeBytes))
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
