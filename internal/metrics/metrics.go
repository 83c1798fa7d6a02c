package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the orchestrator's prometheus collectors.
type Metrics struct {
	reg *prometheus.Registry

	Dispatched       *prometheus.CounterVec // outcome: acknowledged|transient|rejected
	Callbacks        *prometheus.CounterVec // result: success|failure|stale|unknown
	Timeouts         prometheus.Counter
	Retries          prometheus.Counter
	DeadLetters      prometheus.Counter
	GovernorDenials  *prometheus.CounterVec // kind
	StarvationBoosts prometheus.Counter
	QueueDepth       prometheus.Gauge
	InFlight         prometheus.Gauge
	Paused           prometheus.Gauge
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		reg: reg,
		Dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "execflow_dispatched_total",
			Help: "Dispatch calls by outcome.",
		}, []string{"outcome"}),
		Callbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "execflow_callbacks_total",
			Help: "Worker callbacks by result.",
		}, []string{"result"}),
		Timeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "execflow_timeouts_total",
			Help: "Executions swept past their deadline.",
		}),
		Retries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "execflow_retries_total",
			Help: "Retries scheduled after recoverable failures.",
		}),
		DeadLetters: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "execflow_dead_letters_total",
			Help: "Executions that exhausted their retry budget.",
		}),
		GovernorDenials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "execflow_governor_denials_total",
			Help: "Admission denials by budget kind.",
		}, []string{"kind"}),
		StarvationBoosts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "execflow_starvation_boosts_total",
			Help: "Executions flagged boosted after aging past the threshold.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "execflow_queue_depth",
			Help: "Ready executions awaiting dispatch.",
		}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "execflow_in_flight",
			Help: "Executions holding a concurrency slot.",
		}),
		Paused: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "execflow_paused",
			Help: "1 while the fatal-system flag blocks new dispatches.",
		}),
	}
	reg.MustRegister(
		m.Dispatched, m.Callbacks, m.Timeouts, m.Retries, m.DeadLetters,
		m.GovernorDenials, m.StarvationBoosts, m.QueueDepth, m.InFlight, m.Paused,
	)
	return m
}

// Handler serves the registry in the standard exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
