// Package metrics exposes conversion counters for Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	Conversions *prometheus.CounterVec
	Duration    *prometheus.HistogramVec
	Intercepts  *prometheus.CounterVec
	InFlight    prometheus.Gauge
	Swept       prometheus.Counter

	gatherer prometheus.Gatherer
}

// New registers the collectors on reg. A nil reg gets a private registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		Conversions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "webpconv",
			Name:      "conversions_total",
			Help:      "Conversion requests by trigger and result.",
		}, []string{"trigger", "result"}),
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "webpconv",
			Name:      "conversion_duration_seconds",
			Help:      "Time from fetch to recorded download.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"format"}),
		Intercepts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "webpconv",
			Name:      "download_intercepts_total",
			Help:      "Download interception decisions.",
		}, []string{"decision"}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "webpconv",
			Name:      "in_flight",
			Help:      "Conversions currently running.",
		}),
		Swept: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "webpconv",
			Name:      "in_flight_swept_total",
			Help:      "Stale in-flight entries removed by the sweeper.",
		}),
		gatherer: reg,
	}
	reg.MustRegister(m.Conversions, m.Duration, m.Intercepts, m.InFlight, m.Swept)
	return m
}

func (m *Metrics) ObserveConversion(trigger, result string) {
	m.Conversions.WithLabelValues(trigger, result).Inc()
}

func (m *Metrics) ObserveDuration(format string, d time.Duration) {
	m.Duration.WithLabelValues(format).Observe(d.Seconds())
}

func (m *Metrics) ObserveIntercept(decision string) {
	m.Intercepts.WithLabelValues(decision).Inc()
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
