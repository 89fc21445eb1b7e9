// Package metrics exposes Prometheus instrumentation for the realtime core.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "inovest_realtime"

// Delivery channel labels.
const (
	ChannelSocket  = "socket"
	ChannelPush    = "push"
	ChannelEmail   = "email"
	ChannelContact = "contact"
)

// Delivery outcome labels.
const (
	OutcomeDelivered = "delivered"
	OutcomeFailed    = "failed"
	OutcomeSkipped   = "skipped"
)

// Metrics owns a private registry so tests and multiple servers never collide on
// the default one. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry        *prometheus.Registry
	connections     prometheus.Gauge
	broadcasts      *prometheus.CounterVec
	sessionsCreated prometheus.Counter
	channelOutcomes *prometheus.CounterVec
	droppedSignals  prometheus.Counter
}

// New constructs and registers the collectors.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Live websocket connections.",
		}),
		broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "room_deliveries_total",
			Help:      "Room broadcast deliveries by result.",
		}, []string{"result"}),
		sessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_sessions_created_total",
			Help:      "Chat sessions created by the resolver.",
		}),
		channelOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notification_channel_attempts_total",
			Help:      "Notification fan-out attempts by channel and outcome.",
		}, []string{"channel", "outcome"}),
		droppedSignals: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_signals_total",
			Help:      "Inbound socket signals dropped by the per-connection limiter.",
		}),
	}
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.connections,
		m.broadcasts,
		m.sessionsCreated,
		m.channelOutcomes,
		m.droppedSignals,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RegisterGaugeFunc exposes a value sampled at scrape time, such as the online user count.
func (m *Metrics) RegisterGaugeFunc(name, help string, sample func() float64) {
	if m == nil || sample == nil {
		return
	}
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, sample))
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.connections.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.connections.Dec()
}

// RoomDeliveries records one broadcast's accepted and dropped frame counts.
func (m *Metrics) RoomDeliveries(delivered, dropped int) {
	if m == nil {
		return
	}
	if delivered > 0 {
		m.broadcasts.WithLabelValues(OutcomeDelivered).Add(float64(delivered))
	}
	if dropped > 0 {
		m.broadcasts.WithLabelValues("dropped").Add(float64(dropped))
	}
}

func (m *Metrics) ChatSessionCreated() {
	if m == nil {
		return
	}
	m.sessionsCreated.Inc()
}

func (m *Metrics) ChannelOutcome(channel, outcome string) {
	if m == nil {
		return
	}
	m.channelOutcomes.WithLabelValues(channel, outcome).Inc()
}

func (m *Metrics) SignalDropped() {
	if m == nil {
		return
	}
	m.droppedSignals.Inc()
}
