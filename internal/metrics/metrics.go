// Package metrics provides Prometheus metrics for the relay.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for relay latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// Metrics holds all Prometheus metric collectors for the proxy.
type Metrics struct {
	Registry *prometheus.Registry

	ConnectionsTotal  prometheus.Counter
	ConnectionsActive prometheus.Gauge

	RelayRequests *prometheus.CounterVec
	RelayDuration *prometheus.HistogramVec
	RelayBytes    *prometheus.CounterVec

	UpstreamDuration  *prometheus.HistogramVec
	UpstreamResponses *prometheus.CounterVec
	UpstreamFailures  *prometheus.CounterVec
	UpstreamProbes    *prometheus.CounterVec

	AdminRequests         *prometheus.CounterVec
	AdminRequestDuration  *prometheus.HistogramVec
	AdminRequestsInFlight prometheus.Gauge
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		ConnectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "zotero_wsl_proxy_connections_total",
			Help: "Total inbound connections accepted.",
		}),
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "zotero_wsl_proxy_connections_active",
			Help: "Number of inbound connections currently open.",
		}),

		RelayRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "zotero_wsl_proxy_relay_requests_total",
			Help: "Total relayed requests by method and client-visible status code.",
		}, []string{"method", "status_code"}),
		RelayDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "zotero_wsl_proxy_relay_request_duration_seconds",
			Help:    "Relay latency from request line to last response byte, in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method"}),
		RelayBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "zotero_wsl_proxy_relay_body_bytes_total",
			Help: "Body bytes relayed, by direction.",
		}, []string{"direction"}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "zotero_wsl_proxy_upstream_request_duration_seconds",
			Help:    "Upstream time to response head, in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method"}),
		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "zotero_wsl_proxy_upstream_responses_total",
			Help: "Total upstream responses by method and status code.",
		}, []string{"method", "status_code"}),
		UpstreamFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "zotero_wsl_proxy_upstream_failures_total",
			Help: "Total failed upstream exchanges by failure kind.",
		}, []string{"kind"}),
		UpstreamProbes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "zotero_wsl_proxy_upstream_probes_total",
			Help: "Total upstream health-check probes by result.",
		}, []string{"ok"}),

		AdminRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "zotero_wsl_proxy_admin_http_requests_total",
			Help: "Total admin HTTP requests.",
		}, []string{"method", "status_code", "path_prefix"}),
		AdminRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "zotero_wsl_proxy_admin_http_request_duration_seconds",
			Help:    "Admin HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "path_prefix"}),
		AdminRequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "zotero_wsl_proxy_admin_http_requests_in_flight",
			Help: "Number of admin HTTP requests currently being processed.",
		}),
	}

	reg.MustRegister(
		m.ConnectionsTotal,
		m.ConnectionsActive,
		m.RelayRequests,
		m.RelayDuration,
		m.RelayBytes,
		m.UpstreamDuration,
		m.UpstreamResponses,
		m.UpstreamFailures,
		m.UpstreamProbes,
		m.AdminRequests,
		m.AdminRequestDuration,
		m.AdminRequestsInFlight,
	)

	return m
}

// knownMethods lists the allowed HTTP method label values (bounded cardinality).
var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true,
}

// NormalizeMethod returns a bounded HTTP method label for Prometheus metrics.
// Non-standard methods are mapped to "other" to prevent cardinality explosion.
func NormalizeMethod(method string) string {
	if knownMethods[method] {
		return method
	}
	return "other"
}

// knownPrefixes lists the allowed admin path label values (bounded cardinality).
var knownPrefixes = []string{"/healthz", "/proxy/status", "/metrics"}

// NormalizePath returns a bounded path label for Prometheus metrics.
func NormalizePath(path string) string {
	for _, prefix := range knownPrefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") || strings.HasPrefix(path, prefix+"?") {
			return prefix
		}
	}
	return "other"
}
