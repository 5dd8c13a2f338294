// Package metrics exposes Prometheus metrics for sessions, tasks, the
// upstream provider and the state store.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the service.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Session metrics
	SessionsOpened prometheus.Counter
	SessionsClosed prometheus.Counter
	SessionsPruned prometheus.Counter

	// Task metrics
	TaskSubmissions *prometheus.CounterVec
	TaskTransitions *prometheus.CounterVec

	// Upstream metrics
	UpstreamDuration *prometheus.HistogramVec
	UpstreamErrors   *prometheus.CounterVec

	// Store metrics
	StoreErrors *prometheus.CounterVec

	// Sweeper metrics
	SweepRuns   prometheus.Counter
	SweepPurged prometheus.Counter
}

// NewMetrics creates and registers all metrics.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		SessionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cozegate_sessions_opened_total",
			Help: "Total number of sessions opened",
		}),
		SessionsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cozegate_sessions_closed_total",
			Help: "Total number of sessions closed by callers",
		}),
		SessionsPruned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cozegate_sessions_pruned_total",
			Help: "Total number of expired sessions dropped from indexes",
		}),

		TaskSubmissions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cozegate_task_submissions_total",
				Help: "Submissions by outcome (created, duplicate, takeover, rejected)",
			},
			[]string{"outcome"},
		),
		TaskTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cozegate_task_transitions_total",
				Help: "Task state transitions by target state",
			},
			[]string{"state"},
		),

		UpstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cozegate_upstream_request_duration_seconds",
				Help:    "Duration of Coze API calls in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"op"},
		),
		UpstreamErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cozegate_upstream_errors_total",
				Help: "Total number of failed Coze API calls",
			},
			[]string{"op"},
		),

		StoreErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cozegate_store_errors_total",
				Help: "Total number of state store failures",
			},
			[]string{"component"},
		),

		SweepRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cozegate_sweep_runs_total",
			Help: "Total number of cleanup sweeps",
		}),
		SweepPurged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cozegate_sweep_purged_total",
			Help: "Total number of expired entries removed by sweeps",
		}),
	}

	m.registerMetrics()

	return m
}

func (m *Metrics) registerMetrics() {
	m.registry.MustRegister(m.SessionsOpened)
	m.registry.MustRegister(m.SessionsClosed)
	m.registry.MustRegister(m.SessionsPruned)

	m.registry.MustRegister(m.TaskSubmissions)
	m.registry.MustRegister(m.TaskTransitions)

	m.registry.MustRegister(m.UpstreamDuration)
	m.registry.MustRegister(m.UpstreamErrors)

	m.registry.MustRegister(m.StoreErrors)

	m.registry.MustRegister(m.SweepRuns)
	m.registry.MustRegister(m.SweepPurged)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) SessionOpened() {
	if m != nil {
		m.SessionsOpened.Inc()
	}
}

func (m *Metrics) SessionClosed() {
	if m != nil {
		m.SessionsClosed.Inc()
	}
}

func (m *Metrics) SessionsPrunedAdd(n int) {
	if m != nil && n > 0 {
		m.SessionsPruned.Add(float64(n))
	}
}

func (m *Metrics) Submission(outcome string) {
	if m != nil {
		m.TaskSubmissions.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) Transition(state string) {
	if m != nil {
		m.TaskTransitions.WithLabelValues(state).Inc()
	}
}

// ObserveUpstream records one upstream call that started at start.
func (m *Metrics) ObserveUpstream(op string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.UpstreamDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		m.UpstreamErrors.WithLabelValues(op).Inc()
	}
}

func (m *Metrics) StoreError(component string) {
	if m != nil {
		m.StoreErrors.WithLabelValues(component).Inc()
	}
}

func (m *Metrics) Sweep(purged int64) {
	if m == nil {
		return
	}
	m.SweepRuns.Inc()
	if purged > 0 {
		m.SweepPurged.Add(float64(purged))
	}
}
