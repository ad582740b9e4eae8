package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the lab engine.
type Metrics struct {
	Registry *prometheus.Registry

	SessionsTotal     *prometheus.CounterVec
	ActiveSessions    prometheus.Gauge
	ProvisionDuration prometheus.Histogram
	TerminationsTotal *prometheus.CounterVec
	BudgetCurrentCost prometheus.Gauge
	BudgetStatus      *prometheus.GaugeVec
	OrphansFound      *prometheus.CounterVec
	OrphansReaped     prometheus.Counter
	CloudCallDuration *prometheus.HistogramVec
	RequestsInFlight  prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics using a dedicated registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		SessionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "cyberlab",
				Name:      "sessions_total",
				Help:      "Total session starts by outcome.",
			},
			[]string{"outcome"},
		),

		ActiveSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "cyberlab",
				Name:      "active_sessions",
				Help:      "Number of sessions currently holding cloud resources.",
			},
		),

		ProvisionDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "cyberlab",
				Name:      "provision_duration_seconds",
				Help:      "Time to provision a full session environment.",
				Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
		),

		TerminationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "cyberlab",
				Name:      "terminations_total",
				Help:      "Total session terminations by cause.",
			},
			[]string{"cause"},
		),

		BudgetCurrentCost: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "cyberlab",
				Subsystem: "budget",
				Name:      "current_cost",
				Help:      "Current month cost estimate.",
			},
		),

		BudgetStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "cyberlab",
				Subsystem: "budget",
				Name:      "status",
				Help:      "Current budget status as a one-hot gauge.",
			},
			[]string{"status"},
		),

		OrphansFound: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "cyberlab",
				Name:      "orphans_found_total",
				Help:      "Orphaned task findings by reason.",
			},
			[]string{"reason"},
		),

		OrphansReaped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "cyberlab",
				Name:      "orphans_reaped_total",
				Help:      "Orphaned tasks terminated by the reaper.",
			},
		),

		CloudCallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "cyberlab",
				Name:      "cloud_call_duration_seconds",
				Help:      "Duration of cloud provider calls.",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"operation"},
		),

		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "cyberlab",
				Subsystem: "api",
				Name:      "requests_in_flight",
				Help:      "Number of HTTP requests currently being processed.",
			},
		),
	}

	// Register all collectors
	reg.MustRegister(
		m.SessionsTotal,
		m.ActiveSessions,
		m.ProvisionDuration,
		m.TerminationsTotal,
		m.BudgetCurrentCost,
		m.BudgetStatus,
		m.OrphansFound,
		m.OrphansReaped,
		m.CloudCallDuration,
		m.RequestsInFlight,
	)

	return m
}

// RecordBudget sets the one-hot status gauge and the cost gauge.
func (m *Metrics) RecordBudget(status string, cost float64) {
	for _, s := range []string{"normal", "warning", "critical", "exceeded"} {
		v := 0.0
		if s == status {
			v = 1
		}
		m.BudgetStatus.WithLabelValues(s).Set(v)
	}
	m.BudgetCurrentCost.Set(cost)
}

// RecordTermination counts one session termination.
func (m *Metrics) RecordTermination(cause string) {
	m.TerminationsTotal.WithLabelValues(cause).Inc()
}
