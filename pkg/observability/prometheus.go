package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/strand-protocol/devgate/pkg/outcome"
)

// PrometheusExporter mirrors outcomes into Prometheus collectors. Unlike the
// Aggregator it is never reset; counters stay monotonic for scrapers.
type PrometheusExporter struct {
	gatherer prometheus.Gatherer

	requests    *prometheus.CounterVec
	rateLimited *prometheus.CounterVec
	offline     *prometheus.CounterVec
	duration    *prometheus.HistogramVec
}

// NewPrometheusExporter registers the gateway collectors on reg. A nil reg
// uses a fresh private registry.
func NewPrometheusExporter(reg *prometheus.Registry) *PrometheusExporter {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &PrometheusExporter{
		gatherer: reg,
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devgate",
			Name:      "requests_total",
			Help:      "Gateway requests by route and outcome.",
		}, []string{"route", "outcome"}),
		rateLimited: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devgate",
			Name:      "rate_limited_total",
			Help:      "Requests rejected by a rate limiter, by limiter scope.",
		}, []string{"scope"}),
		offline: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devgate",
			Name:      "device_offline_total",
			Help:      "Device offline responses, by whether the breaker answered.",
		}, []string{"cached"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "devgate",
			Name:      "request_duration_seconds",
			Help:      "Gateway request latency.",
			Buckets:   []float64{0.005, 0.025, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"route"}),
	}
}

// Record implements Recorder.
func (p *PrometheusExporter) Record(o Outcome) {
	result := "success"
	if !o.GatewaySuccess {
		result = "failure"
	}
	if o.Kind == outcome.DeviceUnreachable {
		result = "offline"
		cached := "false"
		if o.Cached {
			cached = "true"
		}
		p.offline.WithLabelValues(cached).Inc()
	}
	if o.Kind == outcome.RateLimited {
		scope := o.Scope
		if scope == "" {
			scope = "unknown"
		}
		p.rateLimited.WithLabelValues(scope).Inc()
	}
	p.requests.WithLabelValues(o.Route, result).Inc()
	if !o.Cached {
		p.duration.WithLabelValues(o.Route).Observe(o.Latency.Seconds())
	}
}

// Handler serves the collectors in the Prometheus exposition format.
func (p *PrometheusExporter) Handler() http.Handler {
	return promhttp.HandlerFor(p.gatherer, promhttp.HandlerOpts{})
}
