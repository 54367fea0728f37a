// Package metrics exposes Prometheus collectors for the chat server.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/ZentaChain/zentalk-chat/pkg/protocol"
)

const namespace = "zentalk_chat"

// Metrics holds the server's collectors on a private registry
type Metrics struct {
	Registry *prometheus.Registry

	received       *prometheus.CounterVec
	delivered      *prometheus.CounterVec
	sendFailures   *prometheus.CounterVec
	protocolErrors *prometheus.CounterVec
	lookupMisses   *prometheus.CounterVec
	sessions       prometheus.Gauge

	totals struct {
		received       atomic.Uint64
		delivered      atomic.Uint64
		sendFailures   atomic.Uint64
		protocolErrors atomic.Uint64
		lookupMisses   atomic.Uint64
		sessions       atomic.Int64
	}
}

// Stats is a point-in-time copy of the running totals
type Stats struct {
	Received       uint64 `json:"envelopes_received"`
	Delivered      uint64 `json:"envelopes_delivered"`
	SendFailures   uint64 `json:"send_failures"`
	ProtocolErrors uint64 `json:"protocol_errors"`
	LookupMisses   uint64 `json:"lookup_misses"`
	Sessions       int64  `json:"sessions"`
}

// New creates and registers all collectors
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		received: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "envelopes_received_total",
				Help:      "Envelopes decoded from clients",
			},
			[]string{"transport", "kind"},
		),
		delivered: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "envelopes_delivered_total",
				Help:      "Envelopes handed to a recipient endpoint",
			},
			[]string{"transport", "kind"},
		),
		sendFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "send_failures_total",
				Help:      "Envelopes a recipient endpoint refused or failed to send",
			},
			[]string{"transport"},
		),
		protocolErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "protocol_errors_total",
				Help:      "Malformed or unattributable lines dropped",
			},
			[]string{"transport"},
		),
		lookupMisses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lookup_misses_total",
				Help:      "Lookups of usernames that are not registered",
			},
			[]string{"op"},
		),
		sessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "sessions",
				Help:      "Currently registered sessions",
			},
		),
	}

	m.Registry.MustRegister(
		m.received,
		m.delivered,
		m.sendFailures,
		m.protocolErrors,
		m.lookupMisses,
		m.sessions,
		collectors.NewGoCollector(),
	)

	return m
}

func (m *Metrics) EnvelopeReceived(transport string, kind protocol.Kind) {
	if m == nil {
		return
	}
	m.received.WithLabelValues(transport, kind.String()).Inc()
	m.totals.received.Add(1)
}

func (m *Metrics) EnvelopeDelivered(transport string, kind protocol.Kind) {
	if m == nil {
		return
	}
	m.delivered.WithLabelValues(transport, kind.String()).Inc()
	m.totals.delivered.Add(1)
}

func (m *Metrics) SendFailed(transport string) {
	if m == nil {
		return
	}
	m.sendFailures.WithLabelValues(transport).Inc()
	m.totals.sendFailures.Add(1)
}

func (m *Metrics) ProtocolError(transport string) {
	if m == nil {
		return
	}
	m.protocolErrors.WithLabelValues(transport).Inc()
	m.totals.protocolErrors.Add(1)
}

func (m *Metrics) LookupMiss(op string) {
	if m == nil {
		return
	}
	m.lookupMisses.WithLabelValues(op).Inc()
	m.totals.lookupMisses.Add(1)
}

// SetSessions is wired to registry.Registry.OnChange
func (m *Metrics) SetSessions(n int) {
	if m == nil {
		return
	}
	m.sessions.Set(float64(n))
	m.totals.sessions.Store(int64(n))
}

// Snapshot returns the running totals
func (m *Metrics) Snapshot() Stats {
	if m == nil {
		return Stats{}
	}
	return Stats{
		Received:       m.totals.received.Load(),
		Delivered:      m.totals.delivered.Load(),
		SendFailures:   m.totals.sendFailures.Load(),
		ProtocolErrors: m.totals.protocolErrors.Load(),
		LookupMisses:   m.totals.lookupMisses.Load(),
		Sessions:       m.totals.sessions.Load(),
	}
}
