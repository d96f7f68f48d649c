package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "oscrelay"

// Metrics contains the relay-wide counters and gauges. A nil *Metrics records
// nothing, so components can run without a registry.
type Metrics struct {
	DatagramsReceived  *prometheus.CounterVec
	BytesReceived      *prometheus.CounterVec
	DatagramsTruncated prometheus.Counter
	ClassifyErrors     *prometheus.CounterVec
	ControlCommands    *prometheus.CounterVec
	MessagesRouted     prometheus.Counter
	MessagesEnqueued   prometheus.Counter
	MessagesDropped    *prometheus.CounterVec
	DatagramsSent      prometheus.Counter
	SendErrors         prometheus.Counter
	Subscriptions      prometheus.Gauge
	Topics             prometheus.Gauge
	Dispatchers        prometheus.Gauge
	MirrorPublished    prometheus.Counter
	MirrorErrors       prometheus.Counter
}

// NewMetrics creates the relay metric set (unregistered)
func NewMetrics() *Metrics {
	return &Metrics{
		DatagramsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_received_total",
			Help:      "Packets received, by ingress transport",
		}, []string{"transport"}),
		BytesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Bytes received, by ingress transport",
		}, []string{"transport"}),
		DatagramsTruncated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_truncated_total",
			Help:      "Datagrams that filled the whole receive buffer and were likely truncated",
		}),
		ClassifyErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "classify_errors_total",
			Help:      "Packets discarded during classification (decode, protocol)",
		}, []string{"kind"}),
		ControlCommands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "control_commands_total",
			Help:      "Subscribe and unsubscribe commands applied",
		}, []string{"command"}),
		MessagesRouted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_routed_total",
			Help:      "Payload messages matched against the registry",
		}),
		MessagesEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_enqueued_total",
			Help:      "Message copies placed on subscriber queues",
		}),
		MessagesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dropped_total",
			Help:      "Message copies dropped, by reason",
		}, []string{"reason"}),
		DatagramsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_sent_total",
			Help:      "Datagrams written by the shared send loop",
		}),
		SendErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_errors_total",
			Help:      "Datagram writes that failed",
		}),
		Subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subscriptions",
			Help:      "Live (topic, subscriber) pairs",
		}),
		Topics: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "topics",
			Help:      "Topics with at least one subscriber",
		}),
		Dispatchers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dispatchers_running",
			Help:      "Dispatcher goroutines currently running",
		}),
		MirrorPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mirror",
			Name:      "published_total",
			Help:      "Messages mirrored to NATS",
		}),
		MirrorErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mirror",
			Name:      "errors_total",
			Help:      "Mirror publish failures",
		}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.DatagramsReceived, m.BytesReceived, m.DatagramsTruncated, m.ClassifyErrors,
		m.ControlCommands, m.MessagesRouted, m.MessagesEnqueued, m.MessagesDropped,
		m.DatagramsSent, m.SendErrors, m.Subscriptions, m.Topics, m.Dispatchers,
		m.MirrorPublished, m.MirrorErrors,
	}
}

// RecordReceived counts one ingress packet of n bytes
func (m *Metrics) RecordReceived(transport string, n int) {
	if m == nil {
		return
	}
	m.DatagramsReceived.WithLabelValues(transport).Inc()
	m.BytesReceived.WithLabelValues(transport).Add(float64(n))
}

// RecordTruncated counts a datagram that filled the receive buffer
func (m *Metrics) RecordTruncated() {
	if m == nil {
		return
	}
	m.DatagramsTruncated.Inc()
}

// RecordClassifyError counts a discarded packet by taxonomy kind
func (m *Metrics) RecordClassifyError(kind string) {
	if m == nil {
		return
	}
	m.ClassifyErrors.WithLabelValues(kind).Inc()
}

// RecordControl counts an applied subscribe/unsubscribe
func (m *Metrics) RecordControl(command string) {
	if m == nil {
		return
	}
	m.ControlCommands.WithLabelValues(command).Inc()
}

// RecordRouted counts one payload message routed, with the per-subscriber outcome
func (m *Metrics) RecordRouted(enqueued, dropped int) {
	if m == nil {
		return
	}
	m.MessagesRouted.Inc()
	m.MessagesEnqueued.Add(float64(enqueued))
	if dropped > 0 {
		m.MessagesDropped.WithLabelValues("queue_full").Add(float64(dropped))
	}
}

// RecordDropped counts a dropped message copy
func (m *Metrics) RecordDropped(reason string) {
	if m == nil {
		return
	}
	m.MessagesDropped.WithLabelValues(reason).Inc()
}

// RecordSent counts a datagram write outcome
func (m *Metrics) RecordSent(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.SendErrors.Inc()
		return
	}
	m.DatagramsSent.Inc()
}

// SetRegistrySize updates the subscription and topic gauges
func (m *Metrics) SetRegistrySize(subscriptions, topics int) {
	if m == nil {
		return
	}
	m.Subscriptions.Set(float64(subscriptions))
	m.Topics.Set(float64(topics))
}

// DispatcherStarted increments the running dispatcher gauge
func (m *Metrics) DispatcherStarted() {
	if m == nil {
		return
	}
	m.Dispatchers.Inc()
}

// DispatcherStopped decrements the running dispatcher gauge
func (m *Metrics) DispatcherStopped() {
	if m == nil {
		return
	}
	m.Dispatchers.Dec()
}

// RecordMirror counts a mirror publish outcome
func (m *Metrics) RecordMirror(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.MirrorErrors.Inc()
		return
	}
	m.MirrorPublished.Inc()
}
