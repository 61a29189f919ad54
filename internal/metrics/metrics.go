// Package metrics provides Prometheus metrics for the proxy.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for API latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// Token cache lookup results.
const (
	CacheHit   = "hit"
	CacheMiss  = "miss"
	CacheStale = "stale"
)

// Metrics holds all Prometheus metric collectors for the proxy.
type Metrics struct {
	Registry *prometheus.Registry

	// Admin HTTP server.
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Proxy listener.
	ConnectionsTotal    *prometheus.CounterVec
	ConnectionsInFlight prometheus.Gauge
	ParseErrors         *prometheus.CounterVec

	// Token resolution.
	TokenCacheLookups *prometheus.CounterVec
	TokenFetches      *prometheus.CounterVec
	TokenFetchLatency *prometheus.HistogramVec

	// Outbound calls (forwarding and provider fetches).
	UpstreamDuration  *prometheus.HistogramVec
	UpstreamResponses *prometheus.CounterVec
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "token_proxy_admin_requests_total",
			Help: "Total admin HTTP requests.",
		}, []string{"method", "status_code", "path_prefix"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "token_proxy_admin_request_duration_seconds",
			Help:    "Admin HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "path_prefix"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "token_proxy_admin_requests_in_flight",
			Help: "Number of admin HTTP requests currently being processed.",
		}),

		ConnectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "token_proxy_connections_total",
			Help: "Proxied connections by outcome.",
		}, []string{"outcome"}),

		ConnectionsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "token_proxy_connections_in_flight",
			Help: "Number of proxied connections currently open.",
		}),

		ParseErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "token_proxy_parse_errors_total",
			Help: "Inbound requests dropped because they could not be parsed.",
		}, []string{"reason"}),

		TokenCacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "token_proxy_token_cache_lookups_total",
			Help: "Token cache lookups by provider and result (hit, miss, stale).",
		}, []string{"provider", "result"}),

		TokenFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "token_proxy_token_fetches_total",
			Help: "Credential provider fetches by provider and outcome.",
		}, []string{"provider", "outcome"}),

		TokenFetchLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "token_proxy_token_fetch_duration_seconds",
			Help:    "Credential provider fetch latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"provider"}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "token_proxy_upstream_request_duration_seconds",
			Help:    "Outbound call latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method"}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "token_proxy_upstream_responses_total",
			Help: "Total outbound responses by method and status code.",
		}, []string{"method", "status_code"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.ConnectionsTotal,
		m.ConnectionsInFlight,
		m.ParseErrors,
		m.TokenCacheLookups,
		m.TokenFetches,
		m.TokenFetchLatency,
		m.UpstreamDuration,
		m.UpstreamResponses,
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
