// Package metrics defines the Prometheus collectors exported by the proxy and
// the label normalizers that keep their cardinality bounded.
package metrics

import (
	"slices"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "retell_proxy"

// otherLabel replaces any label value outside the known set.
const otherLabel = "other"

var (
	inboundBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30}
	// Web call and chat creation routinely take seconds.
	upstreamBuckets = []float64{.05, .1, .25, .5, 1, 2, 5, 10, 30, 60, 120}
)

// Metrics holds the collectors, all registered on Registry.
type Metrics struct {
	Registry *prometheus.Registry

	// Inbound, labelled by method, status_code, path_prefix.
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Upstream, labelled by route (and status_code for responses).
	UpstreamDuration  *prometheus.HistogramVec
	UpstreamResponses *prometheus.CounterVec

	// ProxyOutcomes counts handled proxy requests by kind and outcome.
	ProxyOutcomes *prometheus.CounterVec
}

// New creates a Metrics instance on a private registry that also carries the
// Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	f := promauto.With(reg)
	inbound := []string{"method", "status_code", "path_prefix"}

	return &Metrics{
		Registry: reg,

		RequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Inbound HTTP requests.",
		}, inbound),
		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Inbound HTTP request latency in seconds.",
			Buckets:   inboundBuckets,
		}, inbound),
		RequestsInFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_in_flight",
			Help:      "Inbound HTTP requests currently being served.",
		}),

		UpstreamDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "request_duration_seconds",
			Help:      "Retell API call latency in seconds.",
			Buckets:   upstreamBuckets,
		}, []string{"route"}),
		UpstreamResponses: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "responses_total",
			Help:      "Retell API responses by route and status code.",
		}, []string{"route", "status_code"}),

		ProxyOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Proxy requests by classified kind and outcome.",
		}, []string{"kind", "outcome"}),
	}
}

var (
	knownMethods = []string{"GET", "POST", "PUT", "DELETE", "PATCH", "HEAD", "OPTIONS"}
	knownPaths   = []string{"/api/retell-proxy", "/healthz", "/proxy/status", "/metrics"}
	knownRoutes  = []string{"/create-chat-completion", "/create-chat", "/v2/create-web-call"}
)

// NormalizeMethod maps non-standard methods to "other".
func NormalizeMethod(method string) string {
	if slices.Contains(knownMethods, method) {
		return method
	}
	return otherLabel
}

// NormalizePath returns the served path that path falls under, or "other".
func NormalizePath(path string) string {
	for _, p := range knownPaths {
		if path == p || strings.HasPrefix(path, p+"/") || strings.HasPrefix(path, p+"?") {
			return p
		}
	}
	return otherLabel
}

// NormalizeRoute returns path if it is a Retell route the proxy calls, or "other".
func NormalizeRoute(path string) string {
	if slices.Contains(knownRoutes, path) {
		return path
	}
	return otherLabel
}
