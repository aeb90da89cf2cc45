package daemon

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics exposes loop counters on a private registry so tests never
// collide on the default one.
type Metrics struct {
	registry *prometheus.Registry

	Ticks             prometheus.Counter
	Triggers          *prometheus.CounterVec
	Mutations         *prometheus.CounterVec
	TotalPressure     prometheus.Gauge
	EvaluatorFallback prometheus.Counter
}

// NewMetrics builds and registers the metric set.
func NewMetrics() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.Ticks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pulse_ticks_total",
		Help: "Daemon loop iterations.",
	})
	m.Triggers = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pulse_triggers_total",
		Help: "Trigger dispatch attempts by outcome.",
	}, []string{"outcome"})
	m.Mutations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pulse_mutations_total",
		Help: "Mutation commands by result status.",
	}, []string{"status"})
	m.TotalPressure = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pulse_total_pressure",
		Help: "Weighted total drive pressure at last tick.",
	})
	m.EvaluatorFallback = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pulse_evaluator_fallbacks_total",
		Help: "Ticks where the model evaluator fell back to rules.",
	})

	m.registry.MustRegister(m.Ticks, m.Triggers, m.Mutations, m.TotalPressure, m.EvaluatorFallback)
	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
