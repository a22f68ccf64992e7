package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application
type Metrics struct {
	registry *prometheus.Registry

	// Run metrics
	RunsStartedTotal   prometheus.Counter
	RunsCompletedTotal *prometheus.CounterVec
	RunDuration        prometheus.Histogram
	RunsActive         prometheus.Gauge
	StepsTotal         prometheus.Counter

	// Concurrency metrics
	ConcurrencyRejectionsTotal prometheus.Counter

	// Session recovery metrics
	SessionRotationsTotal prometheus.Counter
	SessionRefreshesTotal prometheus.Counter
	DrainFailuresTotal    prometheus.Counter

	// Follow-up metrics
	FollowUpRebuildsTotal prometheus.Counter

	// Model selection metrics
	LLMSwapsTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		// Run metrics
		RunsStartedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "agent_runs_started_total",
				Help: "Total number of agent runs started",
			},
		),
		RunsCompletedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agent_runs_completed_total",
				Help: "Total number of agent runs completed",
			},
			[]string{"status"},
		),
		RunDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "agent_run_duration_seconds",
				Help:    "Duration of agent runs in seconds",
				Buckets: prometheus.ExponentialBuckets(1, 2, 10),
			},
		),
		RunsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "agent_runs_active",
				Help: "Number of currently executing agent runs",
			},
		),
		StepsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "agent_steps_total",
				Help: "Total number of agent steps executed",
			},
		),

		// Concurrency metrics
		ConcurrencyRejectionsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "agent_concurrency_rejections_total",
				Help: "Total number of run requests rejected because a run was in progress",
			},
		),

		// Session recovery metrics
		SessionRotationsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "browser_session_rotations_total",
				Help: "Total number of browser sessions rotated after a run",
			},
		),
		SessionRefreshesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "browser_session_refreshes_total",
				Help: "Total number of browser sessions refreshed in place",
			},
		),
		DrainFailuresTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "event_bus_drain_failures_total",
				Help: "Total number of event bus drains that timed out",
			},
		),

		// Follow-up metrics
		FollowUpRebuildsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "agent_followup_rebuilds_total",
				Help: "Total number of agents rebuilt for follow-up tasks",
			},
		),

		// Model selection metrics
		LLMSwapsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llm_swaps_total",
				Help: "Total number of LLM client swaps by provider",
			},
			[]string{"provider"},
		),
	}

	m.registerMetrics()

	return m
}

// registerMetrics registers all metrics with the registry
func (m *Metrics) registerMetrics() {
	m.registry.MustRegister(m.RunsStartedTotal)
	m.registry.MustRegister(m.RunsCompletedTotal)
	m.registry.MustRegister(m.RunDuration)
	m.registry.MustRegister(m.RunsActive)
	m.registry.MustRegister(m.StepsTotal)

	m.registry.MustRegister(m.ConcurrencyRejectionsTotal)

	m.registry.MustRegister(m.SessionRotationsTotal)
	m.registry.MustRegister(m.SessionRefreshesTotal)
	m.registry.MustRegister(m.DrainFailuresTotal)

	m.registry.MustRegister(m.FollowUpRebuildsTotal)

	m.registry.MustRegister(m.LLMSwapsTotal)
}

// Handler returns an HTTP handler for the metrics endpoint
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
