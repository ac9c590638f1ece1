package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "coedit"

// Persistence outcome labels.
const (
	PersistChanged   = "changed"
	PersistUnchanged = "unchanged"
	PersistFailed    = "failed"
)

// Collectors groups the realtime collectors so tests can register them on a private registry.
type Collectors struct {
	ActiveSessions   prometheus.Gauge
	EditsApplied     prometheus.Counter
	PersistOutcomes  *prometheus.CounterVec
	BroadcastFailure prometheus.Counter
	InboundRejected  *prometheus.CounterVec
}

// NewCollectors constructs unregistered collectors.
func NewCollectors() *Collectors {
	return &Collectors{
		ActiveSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{Namespace: namespace, Name: "active_sessions", Help: "Number of connected editor sessions."},
		),
		EditsApplied: prometheus.NewCounter(
			prometheus.CounterOpts{Namespace: namespace, Name: "edits_applied_total", Help: "Number of edits applied to the live document."},
		),
		PersistOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "persist_outcomes_total", Help: "Persistence attempts by outcome."},
			[]string{"outcome"},
		),
		BroadcastFailure: prometheus.NewCounter(
			prometheus.CounterOpts{Namespace: namespace, Name: "broadcast_failures_total", Help: "Messages that could not be delivered to a session."},
		),
		InboundRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "inbound_rejected_total", Help: "Inbound messages rejected by reason."},
			[]string{"reason"},
		),
	}
}

// Register adds every collector to the registerer.
func (c *Collectors) Register(reg prometheus.Registerer) {
	reg.MustRegister(c.ActiveSessions)
	reg.MustRegister(c.EditsApplied)
	reg.MustRegister(c.PersistOutcomes)
	reg.MustRegister(c.BroadcastFailure)
	reg.MustRegister(c.InboundRejected)
}
