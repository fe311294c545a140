package ipc

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts protocol-level events. All counters are safe for
// concurrent use.
type Metrics struct {
	MessagesReceived *prometheus.CounterVec
	MessagesSent     *prometheus.CounterVec
	MessagesQueued   prometheus.Counter
	MessagesDropped  prometheus.Counter
	RateLimited      prometheus.Counter
	ValidationErrors prometheus.Counter
	SignatureErrors  prometheus.Counter
	ClientsRejected  prometheus.Counter
	Connections      prometheus.Counter
}

// NewMetrics builds the protocol counters and registers them with reg.
// Pass prometheus.DefaultRegisterer for the process-wide registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		MessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "polagent",
			Subsystem: "ipc",
			Name:      "messages_received_total",
			Help:      "Inbound messages by type.",
		}, []string{"type"}),
		MessagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "polagent",
			Subsystem: "ipc",
			Name:      "messages_sent_total",
			Help:      "Outbound messages by type.",
		}, []string{"type"}),
		MessagesQueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "polagent",
			Subsystem: "ipc",
			Name:      "messages_queued_total",
			Help:      "Messages buffered while no client was connected.",
		}),
		MessagesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "polagent",
			Subsystem: "ipc",
			Name:      "messages_dropped_total",
			Help:      "Queued messages evicted because the queue was full.",
		}),
		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "polagent",
			Subsystem: "ipc",
			Name:      "rate_limited_total",
			Help:      "Inbound messages discarded by the flood limiter.",
		}),
		ValidationErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "polagent",
			Subsystem: "ipc",
			Name:      "validation_errors_total",
			Help:      "Inbound messages that failed schema validation.",
		}),
		SignatureErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "polagent",
			Subsystem: "ipc",
			Name:      "signature_errors_total",
			Help:      "Inbound messages that failed HMAC verification.",
		}),
		ClientsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "polagent",
			Subsystem: "ipc",
			Name:      "clients_rejected_total",
			Help:      "Connection attempts refused because a client was already attached.",
		}),
		Connections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "polagent",
			Subsystem: "ipc",
			Name:      "connections_total",
			Help:      "Accepted client connections.",
		}),
	}
	reg.MustRegister(
		m.MessagesReceived, m.MessagesSent, m.MessagesQueued,
		m.MessagesDropped, m.RateLimited, m.ValidationErrors,
		m.SignatureErrors, m.ClientsRejected, m.Connections,
	)
	return m
}

func (m *Metrics) received(msgType string) {
	if m != nil {
		m.MessagesReceived.WithLabelValues(msgType).Inc()
	}
}

func (m *Metrics) sent(msgType string) {
	if m != nil {
		m.MessagesSent.WithLabelValues(msgType).Inc()
	}
}

func (m *Metrics) queued() {
	if m != nil {
		m.MessagesQueued.Inc()
	}
}

func (m *Metrics) droppedFromQueue() {
	if m != nil {
		m.MessagesDropped.Inc()
	}
}

func (m *Metrics) rateLimited() {
	if m != nil {
		m.RateLimited.Inc()
	}
}

func (m *Metrics) validationError() {
	if m != nil {
		m.ValidationErrors.Inc()
	}
}

func (m *Metrics) signatureError() {
	if m != nil {
		m.SignatureErrors.Inc()
	}
}

func (m *Metrics) clientRejected() {
	if m != nil {
		m.ClientsRejected.Inc()
	}
}

func (m *Metrics) connected() {
	if m != nil {
		m.Connections.Inc()
	}
}
