package tether

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Channel labels.
const (
	channelTCP = "tcp"
	channelUDP = "udp"
)

// Metrics collects connection metrics. Nil *Metrics is valid and collects nothing.
type Metrics struct {
	messagesSent      *prometheus.CounterVec
	messagesReceived  *prometheus.CounterVec
	bytesSent         *prometheus.CounterVec
	endpoints         prometheus.Gauge
	drops             prometheus.Counter
	handshakeFailures prometheus.Counter
	unknownRemoteIDs  prometheus.Counter
	resends           prometheus.Counter
	replayed          prometheus.Counter
}

// NewMetrics creates metrics registered in registerer.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)

	return &Metrics{
		messagesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tether",
			Name:      "messages_sent_total",
			Help:      "Number of frames sent to peers",
		}, []string{"channel"}),
		messagesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tether",
			Name:      "messages_received_total",
			Help:      "Number of frames received from peers",
		}, []string{"channel"}),
		bytesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tether",
			Name:      "bytes_sent_total",
			Help:      "Number of bytes written to sockets",
		}, []string{"channel"}),
		endpoints: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "tether",
			Name:      "connected_endpoints",
			Help:      "Number of endpoints in connected state",
		}),
		drops: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "tether",
			Name:      "dropped_endpoints_total",
			Help:      "Number of endpoints removed after breaking",
		}),
		handshakeFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "tether",
			Name:      "handshake_failures_total",
			Help:      "Number of rejected cookies",
		}),
		unknownRemoteIDs: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "tether",
			Name:      "unknown_remote_ids_total",
			Help:      "Number of messages dropped because of undescribed sender or type",
		}),
		resends: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "tether",
			Name:      "redundant_resends_total",
			Help:      "Number of redundant copies of low-latency messages",
		}),
		replayed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "tether",
			Name:      "replayed_messages_total",
			Help:      "Number of user messages dispatched from logs",
		}),
	}
}

func (m *Metrics) sent(channel string) {
	if m == nil {
		return
	}
	m.messagesSent.WithLabelValues(channel).Inc()
}

func (m *Metrics) wrote(channel string, bytes int) {
	if m == nil {
		return
	}
	m.bytesSent.WithLabelValues(channel).Add(float64(bytes))
}

func (m *Metrics) received(channel string) {
	if m == nil {
		return
	}
	m.messagesReceived.WithLabelValues(channel).Inc()
}

func (m *Metrics) connected() {
	if m == nil {
		return
	}
	m.endpoints.Inc()
}

func (m *Metrics) dropped(wasConnected bool) {
	if m == nil {
		return
	}
	if wasConnected {
		m.endpoints.Dec()
	}
	m.drops.Inc()
}

func (m *Metrics) handshakeFailed() {
	if m == nil {
		return
	}
	m.handshakeFailures.Inc()
}

func (m *Metrics) unknownRemoteID() {
	if m == nil {
		return
	}
	m.unknownRemoteIDs.Inc()
}

func (m *Metrics) resent() {
	if m == nil {
		return
	}
	m.resends.Inc()
}

func (m *Metrics) replayedMessage() {
	if m == nil {
		return
	}
	m.replayed.Inc()
}
