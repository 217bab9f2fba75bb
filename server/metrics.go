package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsPath = "/metrics"

// Verdict label values for dwexpr_checks_total.
const (
	verdictAccepted = "accepted"
	verdictRejected = "rejected"
	verdictFailed   = "failed" // the expression did not evaluate
	verdictInvalid  = "invalid"
)

type metrics struct {
	registry *prometheus.Registry
	checks   *prometheus.CounterVec
	steps    prometheus.Histogram
	latency  prometheus.Histogram
}

func newMetrics(registry *prometheus.Registry) *metrics {
	m := &metrics{
		registry: registry,
		checks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dwexpr",
			Name:      "checks_total",
			Help:      "The number of candidates checked, by verdict.",
		}, []string{"verdict"}),
		steps: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "dwexpr",
			Name:      "check_steps",
			Help:      "Instructions executed per evaluated candidate.",
			Buckets:   prometheus.ExponentialBuckets(64, 4, 8),
		}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "dwexpr",
			Name:      "check_duration_seconds",
			Help:      "Time spent evaluating one candidate.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
	}
	registry.MustRegister(m.checks, m.steps, m.latency)
	return m
}

// defaultRegistry returns a registry with the process and Go runtime
// collectors added.
func defaultRegistry() *prometheus.Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return registry
}

func (m *metrics) observe(v Verdict, seconds float64) {
	switch {
	case v.Err != nil:
		m.checks.WithLabelValues(verdictFailed).Inc()
	case v.Accepted:
		m.checks.WithLabelValues(verdictAccepted).Inc()
	default:
		m.checks.WithLabelValues(verdictRejected).Inc()
	}
	m.steps.Observe(float64(v.Steps))
	m.latency.Observe(seconds)
}

func (m *metrics) invalid() {
	m.checks.WithLabelValues(verdictInvalid).Inc()
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
