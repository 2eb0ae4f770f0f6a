package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/Galaxy621/NotPTT/pkg/protocol"
)

// Metrics holds all Prometheus metrics for the server
type Metrics struct {
	// Session metrics
	activeSessions  prometheus.Gauge
	sessionsCreated prometheus.Counter
	sessionsClosed  prometheus.Counter

	// Protocol metrics
	messagesReceived *prometheus.CounterVec // by message kind
	parseFailures    prometheus.Counter

	// Fan-out metrics
	chatFanout prometheus.Histogram
	broadcasts prometheus.Counter
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	return &Metrics{
		activeSessions: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "notptt_active_sessions",
				Help: "Current number of active sessions",
			},
		),
		sessionsCreated: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "notptt_sessions_created_total",
				Help: "Total number of sessions created",
			},
		),
		sessionsClosed: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "notptt_sessions_closed_total",
				Help: "Total number of sessions closed",
			},
		),
		messagesReceived: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notptt_messages_received_total",
				Help: "Total number of inbound messages by kind",
			},
			[]string{"kind"},
		),
		parseFailures: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "notptt_parse_failures_total",
				Help: "Total number of unparseable receive buffers",
			},
		),
		chatFanout: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "notptt_chat_fanout",
				Help:    "Number of sessions that received each chat message",
				Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250},
			},
		),
		broadcasts: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "notptt_broadcasts_total",
				Help: "Total number of system broadcasts",
			},
		),
	}
}

// RecordSessionCreated increments the created counter and the active gauge.
func (m *Metrics) RecordSessionCreated() {
	m.sessionsCreated.Inc()
	m.activeSessions.Inc()
}

// RecordSessionClosed increments the closed counter and decrements the gauge.
func (m *Metrics) RecordSessionClosed() {
	m.sessionsClosed.Inc()
	m.activeSessions.Dec()
}

// RecordMessageReceived counts one inbound message by kind.
func (m *Metrics) RecordMessageReceived(msgType protocol.MessageType) {
	m.messagesReceived.WithLabelValues(messageKind(msgType)).Inc()
}

// RecordParseFailure counts one unparseable receive buffer.
func (m *Metrics) RecordParseFailure() {
	m.parseFailures.Inc()
}

// RecordChatFanout observes how many sessions one chat message reached.
func (m *Metrics) RecordChatFanout(fanout int) {
	m.chatFanout.Observe(float64(fanout))
}

// RecordBroadcast counts one system broadcast.
func (m *Metrics) RecordBroadcast(fanout int) {
	m.broadcasts.Inc()
	m.chatFanout.Observe(float64(fanout))
}

func messageKind(msgType protocol.MessageType) string {
	switch msgType {
	case protocol.ImsgLogin:
		return "login"
	case protocol.ImsgDefault:
		return "state"
	case protocol.ImsgPaused:
		return "paused"
	case protocol.ImsgMessage:
		return "chat"
	default:
		return "unknown"
	}
}
