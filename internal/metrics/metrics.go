// Package metrics provides Prometheus metrics for the relay.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for request latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30}

// Metrics holds all Prometheus metric collectors for the relay.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	UpstreamDuration  *prometheus.HistogramVec
	UpstreamResponses *prometheus.CounterVec
	UpstreamErrors    *prometheus.CounterVec
	UpstreamRedirects prometheus.Counter
	DNSLookups        *prometheus.CounterVec

	RelayResponses *prometheus.CounterVec
	Manifests      *prometheus.CounterVec
	BytesStreamed  prometheus.Counter
	ActiveStreams  prometheus.Gauge
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "iptv_relay_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "path_prefix"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "iptv_relay_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds, including streamed bodies.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "path_prefix"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "iptv_relay_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "iptv_relay_upstream_request_duration_seconds",
			Help:    "Time to upstream response headers in seconds, per hop.",
			Buckets: defaultBuckets,
		}, []string{"method"}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "iptv_relay_upstream_responses_total",
			Help: "Total upstream responses by method and status code, per hop.",
		}, []string{"method", "status_code"}),

		UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "iptv_relay_upstream_errors_total",
			Help: "Upstream fetches that failed before a relayable response.",
		}, []string{"reason"}),

		UpstreamRedirects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "iptv_relay_upstream_redirects_total",
			Help: "Upstream redirect hops followed internally.",
		}),

		DNSLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "iptv_relay_dns_lookups_total",
			Help: "Upstream host lookups by cache result.",
		}, []string{"result"}),

		RelayResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "iptv_relay_responses_total",
			Help: "Relayed responses by classification.",
		}, []string{"kind"}),

		Manifests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "iptv_relay_manifests_rewritten_total",
			Help: "Rewritten HLS manifests by playlist type.",
		}, []string{"playlist_type"}),

		BytesStreamed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "iptv_relay_bytes_streamed_total",
			Help: "Body bytes written to clients.",
		}),

		ActiveStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "iptv_relay_active_streams",
			Help: "Relay responses currently being written to clients.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.UpstreamDuration,
		m.UpstreamResponses,
		m.UpstreamErrors,
		m.UpstreamRedirects,
		m.DNSLookups,
		m.RelayResponses,
		m.Manifests,
		m.BytesStreamed,
		m.ActiveStreams,
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

// knownPrefixes lists the allowed path label values (bounded cardinality).
// The relay path is configurable and is matched separately.
var knownPrefixes = []string{"/relay/status", "/healthz", "/metrics"}

// NormalizePath returns a bounded path label for Prometheus metrics.
// relayPath is the configured relay endpoint.
func NormalizePath(path, relayPath string) string {
	for _, prefix := range knownPrefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") || strings.HasPrefix(path, prefix+"?") {
			return prefix
		}
	}
	if relayPath != "" && (path == relayPath || strings.HasPrefix(path, relayPath+"?")) {
		return "relay"
	}
	return "other"
}
