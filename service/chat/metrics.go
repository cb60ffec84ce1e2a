package chat

import (
	"PPRealtime/protocol"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics 网关指标；nil 接收者上的方法都是 no-op
type Metrics struct {
	connections     prometheus.Gauge
	authResults     *prometheus.CounterVec
	envelopesIn     *prometheus.CounterVec
	delivered       prometheus.Counter
	dropped         prometheus.Counter
	reaped          prometheus.Counter
	presenceEvents  *prometheus.CounterVec
	dedupHits       prometheus.Counter
	protocolErrors  prometheus.Counter
	fanoutQueueFull prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pprt", Subsystem: "gateway", Name: "connections",
			Help: "Authenticated websocket connections held by this node.",
		}),
		authResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pprt", Subsystem: "gateway", Name: "auth_total",
			Help: "Auth handshakes by result.",
		}, []string{"result"}),
		envelopesIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pprt", Subsystem: "gateway", Name: "envelopes_in_total",
			Help: "Inbound envelopes by type.",
		}, []string{"type"}),
		delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pprt", Subsystem: "gateway", Name: "frames_delivered_total",
			Help: "Frames accepted by a socket send buffer.",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pprt", Subsystem: "gateway", Name: "frames_dropped_total",
			Help: "Frames skipped because the socket buffer was full or closed.",
		}),
		reaped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pprt", Subsystem: "gateway", Name: "reaped_total",
			Help: "Connections terminated by the heartbeat monitor.",
		}),
		presenceEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pprt", Subsystem: "gateway", Name: "presence_events_total",
			Help: "Presence transitions broadcast to friends.",
		}, []string{"status"}),
		dedupHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pprt", Subsystem: "gateway", Name: "message_replays_total",
			Help: "Replayed client messages answered from the dedup cache.",
		}),
		protocolErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pprt", Subsystem: "gateway", Name: "protocol_errors_total",
			Help: "Malformed frames dropped.",
		}),
		fanoutQueueFull: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pprt", Subsystem: "gateway", Name: "fanout_queue_full_total",
			Help: "Background jobs dropped because the worker queue was full.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.connections, m.authResults, m.envelopesIn, m.delivered, m.dropped,
			m.reaped, m.presenceEvents, m.dedupHits, m.protocolErrors, m.fanoutQueueFull)
	}
	return m
}

func (m *Metrics) setConnections(n int) {
	if m != nil {
		m.connections.Set(float64(n))
	}
}

func (m *Metrics) authResult(result string) {
	if m != nil {
		m.authResults.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) envelopeIn(t protocol.Type) {
	if m == nil {
		return
	}
	label := string(t)
	if !t.Known() {
		label = "unknown"
	}
	m.envelopesIn.WithLabelValues(label).Inc()
}

func (m *Metrics) framesDelivered(n int) {
	if m != nil && n > 0 {
		m.delivered.Add(float64(n))
	}
}

func (m *Metrics) frameDropped() {
	if m != nil {
		m.dropped.Inc()
	}
}

func (m *Metrics) connReaped() {
	if m != nil {
		m.reaped.Inc()
	}
}

func (m *Metrics) presence(status protocol.PresenceStatus) {
	if m != nil {
		m.presenceEvents.WithLabelValues(string(status)).Inc()
	}
}

func (m *Metrics) DedupHit() {
	if m != nil {
		m.dedupHits.Inc()
	}
}

func (m *Metrics) protocolError() {
	if m != nil {
		m.protocolErrors.Inc()
	}
}

func (m *Metrics) queueFull() {
	if m != nil {
		m.fanoutQueueFull.Inc()
	}
}
