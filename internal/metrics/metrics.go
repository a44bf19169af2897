// Package metrics exposes the node's prometheus collectors. All methods are
// safe on a nil *Metrics so components can run without instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "trust_node"

// Label values
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"

	OutcomeTrusted   = "trusted"
	OutcomeUntrusted = "untrusted"
	OutcomeInvalid   = "invalid"
	OutcomeError     = "error"

	DecisionApproved = "approved"
	DecisionRejected = "rejected"
)

type Metrics struct {
	reg *prometheus.Registry

	messages       *prometheus.CounterVec
	protocolErrors *prometheus.CounterVec
	errors         *prometheus.CounterVec
	decisions      *prometheus.CounterVec
	verifications  *prometheus.CounterVec
	connections    *prometheus.GaugeVec
	payloadBytes   *prometheus.CounterVec
}

// New builds a private registry with process and Go runtime collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		reg: reg,
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Credential protocol messages by type and direction.",
		}, []string{"type", "direction"}),
		protocolErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_errors_total",
			Help:      "Protocol error replies sent, by error code.",
		}, []string{"code"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Service errors by category.",
		}, []string{"category"}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "issuer",
			Name:      "decisions_total",
			Help:      "Credential request decisions.",
		}, []string{"decision"}),
		verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "verifier",
			Name:      "verifications_total",
			Help:      "Credential verifications by outcome.",
		}, []string{"outcome"}),
		connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Known peer connections by status.",
		}, []string{"status"}),
		payloadBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payload_bytes_total",
			Help:      "Encoded message bytes by direction.",
		}, []string{"direction"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.messages,
		m.protocolErrors,
		m.errors,
		m.decisions,
		m.verifications,
		m.connections,
		m.payloadBytes,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) Message(msgType, direction string, bytes int) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(msgType, direction).Inc()
	if bytes > 0 {
		m.payloadBytes.WithLabelValues(direction).Add(float64(bytes))
	}
}

func (m *Metrics) ProtocolError(code string) {
	if m == nil {
		return
	}
	m.protocolErrors.WithLabelValues(code).Inc()
}

func (m *Metrics) Error(category string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(category).Inc()
}

func (m *Metrics) Decision(decision string) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(decision).Inc()
}

func (m *Metrics) Verification(outcome string) {
	if m == nil {
		return
	}
	m.verifications.WithLabelValues(outcome).Inc()
}

// SetConnections replaces the connection gauge with the given counts.
func (m *Metrics) SetConnections(byStatus map[string]int) {
	if m == nil {
		return
	}
	m.connections.Reset()
	for status, n := range byStatus {
		m.connections.WithLabelValues(status).Set(float64(n))
	}
}
