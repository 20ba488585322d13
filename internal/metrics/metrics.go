// Package metrics exposes Prometheus collectors for agent supervision.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "sdd_orchestrator"

// Metrics groups the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	transitions   *prometheus.CounterVec
	activeAgents  prometheus.Gauge
	runDuration   *prometheus.HistogramVec
	outcomes      *prometheus.CounterVec
	retries       *prometheus.CounterVec
	parsedEntries *prometheus.CounterVec
	reattached    prometheus.Gauge
}

// MustNewMetrics creates the collectors and registers them with reg,
// panicking on a registration conflict. Tests pass a fresh registry.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "state_transitions_total",
			Help:      "Agent lifecycle transitions, by source and target state.",
		}, []string{"from", "to"}),
		activeAgents: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "active",
			Help:      "Agents currently registered and not yet terminal.",
		}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "run_duration_seconds",
			Help:      "Wall time from spawn to exit for owned agents.",
			Buckets:   []float64{10, 30, 60, 300, 900, 1800, 3600, 7200},
		}, []string{"engine", "state"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "results_total",
			Help:      "Classified run results from the persisted log.",
		}, []string{"engine", "subtype"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retry",
			Name:      "attempts_total",
			Help:      "Retry controller decisions, by status.",
		}, []string{"status"}),
		parsedEntries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "logstream",
			Name:      "entries_total",
			Help:      "Parsed log entries delivered to observers.",
		}, []string{"engine", "type"}),
		reattached: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "reattached",
			Help:      "Agents rediscovered alive after the last restart.",
		}),
	}
	reg.MustRegister(
		m.transitions,
		m.activeAgents,
		m.runDuration,
		m.outcomes,
		m.retries,
		m.parsedEntries,
		m.reattached,
	)
	return m
}

// ObserveTransition counts one state change
func (m *Metrics) ObserveTransition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

// SetActive reports the number of live agents
func (m *Metrics) SetActive(n int) {
	if m == nil {
		return
	}
	m.activeAgents.Set(float64(n))
}

// SetReattached reports how many agents were reattached on recovery
func (m *Metrics) SetReattached(n int) {
	if m == nil {
		return
	}
	m.reattached.Set(float64(n))
}

// ObserveRun records how long an owned agent ran and how it exited
func (m *Metrics) ObserveRun(engine, state string, d time.Duration) {
	if m == nil {
		return
	}
	m.runDuration.WithLabelValues(engine, state).Observe(d.Seconds())
}

// ObserveResult counts a classified result
func (m *Metrics) ObserveResult(engine, subtype string) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(engine, subtype).Inc()
}

// ObserveRetry counts a retry decision
func (m *Metrics) ObserveRetry(status string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(status).Inc()
}

// AddEntries counts parsed entries of one type
func (m *Metrics) AddEntries(engine, entryType string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.parsedEntries.WithLabelValues(engine, entryType).Add(float64(n))
}
