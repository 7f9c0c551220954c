// Package observability exposes the agent's Prometheus metrics.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "tabrelay"

// Metrics holds the agent's collectors on a private registry.
type Metrics struct {
	registry         *prometheus.Registry
	ConnectionState  *prometheus.GaugeVec
	FramesTotal      *prometheus.CounterVec
	ReconnectsTotal  prometheus.Counter
	ValidationsTotal *prometheus.CounterVec
	CommandsTotal    *prometheus.CounterVec
	TruncationsTotal prometheus.Counter
	CapturedTotal    *prometheus.CounterVec
	TabValid         prometheus.Gauge
	TabFailures      prometheus.Gauge
	PendingCommands  prometheus.Gauge
	knownStates      []string
}

// NewMetrics creates and registers the collectors. states lists every
// connection state so that exactly one of them reads 1.
func NewMetrics(states ...string) *Metrics {
	r := prometheus.NewRegistry()
	m := &Metrics{
		registry: r,
		ConnectionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "1 for the current relay connection state",
		}, []string{"state"}),
		FramesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Outbound frames by type and result",
		}, []string{"type", "result"}),
		ReconnectsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Scheduled reconnect attempts",
		}),
		ValidationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "validations_total",
			Help:      "Server identity validations by result",
		}, []string{"result"}),
		CommandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Relay commands by kind and outcome",
		}, []string{"kind", "outcome"}),
		TruncationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "truncations_total",
			Help:      "Log entries shortened before sending",
		}),
		CapturedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "captured_entries_total",
			Help:      "Captured log entries by type",
		}, []string{"type"}),
		TabValid: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tab_valid",
			Help:      "1 when the inspected tab is reachable",
		}),
		TabFailures: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tab_consecutive_failures",
			Help:      "Consecutive failed tab checks",
		}),
		PendingCommands: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_commands",
			Help:      "Commands awaiting a response",
		}),
		knownStates: states,
	}
	r.MustRegister(m.ConnectionState, m.FramesTotal, m.ReconnectsTotal, m.ValidationsTotal,
		m.CommandsTotal, m.TruncationsTotal, m.CapturedTotal, m.TabValid, m.TabFailures, m.PendingCommands)
	for _, s := range states {
		m.ConnectionState.WithLabelValues(s).Set(0)
	}
	return m
}

// Registry returns the registry to expose.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// SetConnectionState marks state as current.
func (m *Metrics) SetConnectionState(state string) {
	for _, s := range m.knownStates {
		m.ConnectionState.WithLabelValues(s).Set(0)
	}
	m.ConnectionState.WithLabelValues(state).Set(1)
}

// FrameSent counts a written frame.
func (m *Metrics) FrameSent(frameType string) {
	m.FramesTotal.WithLabelValues(frameType, "sent").Inc()
}

// FrameDropped counts a frame discarded because no socket was open.
func (m *Metrics) FrameDropped(frameType string) {
	m.FramesTotal.WithLabelValues(frameType, "dropped").Inc()
}

// Reconnect counts a scheduled reconnect.
func (m *Metrics) Reconnect(int) {
	m.ReconnectsTotal.Inc()
}

// Validation counts an identity validation outcome.
func (m *Metrics) Validation(ok bool) {
	result := "failure"
	if ok {
		result = "success"
	}
	m.ValidationsTotal.WithLabelValues(result).Inc()
}

// CommandHandled counts a handled relay command.
func (m *Metrics) CommandHandled(kind, outcome string) {
	m.CommandsTotal.WithLabelValues(kind, outcome).Inc()
}

// Truncated counts a shortened log entry.
func (m *Metrics) Truncated() {
	m.TruncationsTotal.Inc()
}

// Captured counts a captured entry.
func (m *Metrics) Captured(entryType string) {
	m.CapturedTotal.WithLabelValues(entryType).Inc()
}

// SetTab records the inspected tab's health.
func (m *Metrics) SetTab(valid bool, failures int) {
	if valid {
		m.TabValid.Set(1)
	} else {
		m.TabValid.Set(0)
	}
	m.TabFailures.Set(float64(failures))
}

// SetPending records the number of commands awaiting a response.
func (m *Metrics) SetPending(n int) {
	m.PendingCommands.Set(float64(n))
}
