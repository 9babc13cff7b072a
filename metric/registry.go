// Package metric manages the Prometheus registry shared by printbridge
// components. Components define their own Metrics structs and register them
// here; the gateway serves the registry at /metrics.
package metric

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsRegistry wraps a dedicated Prometheus registry so components never
// collide with the default global registry (important for tests that build
// multiple instances).
type MetricsRegistry struct {
	prometheusRegistry *prometheus.Registry
}

// NewMetricsRegistry creates a registry pre-populated with Go runtime and
// process collectors.
func NewMetricsRegistry() *MetricsRegistry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &MetricsRegistry{prometheusRegistry: reg}
}

// PrometheusRegistry returns the underlying Prometheus registry.
func (r *MetricsRegistry) PrometheusRegistry() *prometheus.Registry {
	return r.prometheusRegistry
}

// Handler returns an HTTP handler serving the registry in the Prometheus
// exposition format.
func (r *MetricsRegistry) Handler() http.Handler {
	return promhttp.HandlerFor(r.prometheusRegistry, promhttp.HandlerOpts{})
}
