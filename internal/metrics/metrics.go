package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application. A nil *Metrics
// is valid and records nothing, so components can take one optionally.
type Metrics struct {
	registry *prometheus.Registry

	// Agent metrics
	AgentRunsTotal      *prometheus.CounterVec
	AgentRunDuration    *prometheus.HistogramVec
	AgentIterations     prometheus.Histogram
	ModelRequestsTotal  *prometheus.CounterVec
	ModelRequestLatency *prometheus.HistogramVec

	// Tool metrics
	ToolCallsTotal   *prometheus.CounterVec
	ToolCallDuration *prometheus.HistogramVec

	// Namespace metrics
	NamespaceFetchesTotal *prometheus.CounterVec
	NamespacesUnavailable prometheus.Gauge
	NamespacePingsTotal   *prometheus.CounterVec

	// Cache metrics
	CacheLookupsTotal *prometheus.CounterVec

	// Gateway metrics
	GatewayConnectionsActive prometheus.Gauge
	GatewayRequestsTotal     *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		AgentRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolmesh_agent_runs_total",
				Help: "Total number of agent loop runs by final state",
			},
			[]string{"state"},
		),
		AgentRunDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "toolmesh_agent_run_duration_seconds",
				Help:    "Duration of agent loop runs in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"mode"},
		),
		AgentIterations: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "toolmesh_agent_iterations",
				Help:    "Model round-trips per agent run",
				Buckets: []float64{1, 2, 3, 5, 8, 13, 21},
			},
		),
		ModelRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolmesh_model_requests_total",
				Help: "Total number of model requests by provider and status",
			},
			[]string{"provider", "status"},
		),
		ModelRequestLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "toolmesh_model_request_duration_seconds",
				Help:    "Duration of model requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"provider"},
		),

		ToolCallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolmesh_tool_calls_total",
				Help: "Total number of tool dispatches by origin and status",
			},
			[]string{"tool_name", "origin", "status"},
		),
		ToolCallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "toolmesh_tool_call_duration_seconds",
				Help:    "Duration of tool dispatches in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"origin"},
		),

		NamespaceFetchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolmesh_namespace_fetches_total",
				Help: "Total number of namespace manifest resolutions by source",
			},
			[]string{"namespace", "source"},
		),
		NamespacesUnavailable: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "toolmesh_namespaces_unavailable",
				Help: "Number of namespaces excluded from the last catalog",
			},
		),
		NamespacePingsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolmesh_namespace_pings_total",
				Help: "Total number of namespace health pings by outcome",
			},
			[]string{"namespace", "status"},
		),

		CacheLookupsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolmesh_cache_lookups_total",
				Help: "Total number of cache lookups by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),

		GatewayConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "toolmesh_gateway_connections_active",
				Help: "Number of open gateway WebSocket connections",
			},
		),
		GatewayRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolmesh_gateway_requests_total",
				Help: "Total number of gateway requests by route and status code",
			},
			[]string{"route", "code"},
		),
	}

	m.registerMetrics()

	return m
}

// registerMetrics registers all metrics with the registry
func (m *Metrics) registerMetrics() {
	m.registry.MustRegister(
		m.AgentRunsTotal,
		m.AgentRunDuration,
		m.AgentIterations,
		m.ModelRequestsTotal,
		m.ModelRequestLatency,
		m.ToolCallsTotal,
		m.ToolCallDuration,
		m.NamespaceFetchesTotal,
		m.NamespacesUnavailable,
		m.NamespacePingsTotal,
		m.CacheLookupsTotal,
		m.GatewayConnectionsActive,
		m.GatewayRequestsTotal,
	)
}

// RecordAgentRun records a finished agent run.
func (m *Metrics) RecordAgentRun(mode, state string, iterations int, d time.Duration) {
	if m == nil {
		return
	}
	m.AgentRunsTotal.WithLabelValues(state).Inc()
	m.AgentRunDuration.WithLabelValues(mode).Observe(d.Seconds())
	m.AgentIterations.Observe(float64(iterations))
}

// RecordModelRequest records one provider round-trip.
func (m *Metrics) RecordModelRequest(provider string, err error, d time.Duration) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.ModelRequestsTotal.WithLabelValues(provider, status).Inc()
	m.ModelRequestLatency.WithLabelValues(provider).Observe(d.Seconds())
}

// RecordToolCall records one tool dispatch.
func (m *Metrics) RecordToolCall(tool, origin string, isError bool, d time.Duration) {
	if m == nil {
		return
	}
	status := "ok"
	if isError {
		status = "error"
	}
	m.ToolCallsTotal.WithLabelValues(tool, origin, status).Inc()
	m.ToolCallDuration.WithLabelValues(origin).Observe(d.Seconds())
}

// RecordNamespaceFetch records where a namespace manifest came from:
// "cache", "remote" or "failed".
func (m *Metrics) RecordNamespaceFetch(namespace, source string) {
	if m == nil {
		return
	}
	m.NamespaceFetchesTotal.WithLabelValues(namespace, source).Inc()
}

// SetUnavailableNamespaces records the size of the last unavailable set.
func (m *Metrics) SetUnavailableNamespaces(n int) {
	if m == nil {
		return
	}
	m.NamespacesUnavailable.Set(float64(n))
}

// RecordNamespacePing records one health ping of a namespace.
func (m *Metrics) RecordNamespacePing(namespace string, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.NamespacePingsTotal.WithLabelValues(namespace, status).Inc()
}

// RecordCacheLookup records a cache lookup. kind is manifest, result or llm;
// outcome is hit, miss or error.
func (m *Metrics) RecordCacheLookup(kind, outcome string) {
	if m == nil {
		return
	}
	m.CacheLookupsTotal.WithLabelValues(kind, outcome).Inc()
}

// GatewayConnectionOpened increments the live connection gauge.
func (m *Metrics) GatewayConnectionOpened() {
	if m == nil {
		return
	}
	m.GatewayConnectionsActive.Inc()
}

// GatewayConnectionClosed decrements the live connection gauge.
func (m *Metrics) GatewayConnectionClosed() {
	if m == nil {
		return
	}
	m.GatewayConnectionsActive.Dec()
}

// RecordGatewayRequest records an HTTP request served by the gateway.
func (m *Metrics) RecordGatewayRequest(route string, code int) {
	if m == nil {
		return
	}
	m.GatewayRequestsTotal.WithLabelValues(route, http.StatusText(code)).Inc()
}

// Handler returns an HTTP handler for the metrics endpoint
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
