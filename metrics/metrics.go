package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "telemetry_relay"

// Metrics 中继的监控指标；nil 接收者上的方法都是空操作
type Metrics struct {
	FramesDecoded   *prometheus.CounterVec
	FramesRejected  *prometheus.CounterVec
	Reconnects      prometheus.Counter
	EventsDelivered *prometheus.CounterVec
	EventsDropped   prometheus.Counter
	State           prometheus.Gauge
}

// New 创建并注册指标；reg 为 nil 时只创建不注册
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		FramesDecoded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_decoded_total",
			Help:      "Inbound frames decoded, by packet type.",
		}, []string{"type"}),
		FramesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_rejected_total",
			Help:      "Inbound frames that caused a protocol error, by reason.",
		}, []string{"reason"}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Reconnect attempts after a failed or lost session.",
		}),
		EventsDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_delivered_total",
			Help:      "Events handed to the host event sink, by event name.",
		}, []string{"event"}),
		EventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Events dropped because the host queue was full.",
		}),
		State: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "Current connection state (0 disconnected, 1 connecting, 2 handshaking, 3 subscribed, 4 draining).",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.FramesDecoded,
			m.FramesRejected,
			m.Reconnects,
			m.EventsDelivered,
			m.EventsDropped,
			m.State,
		)
	}
	return m
}

func (m *Metrics) FrameDecoded(packetType string) {
	if m == nil {
		return
	}
	m.FramesDecoded.WithLabelValues(packetType).Inc()
}

func (m *Metrics) FrameRejected(reason string) {
	if m == nil {
		return
	}
	m.FramesRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) Reconnect() {
	if m == nil {
		return
	}
	m.Reconnects.Inc()
}

func (m *Metrics) EventDelivered(event string) {
	if m == nil {
		return
	}
	m.EventsDelivered.WithLabelValues(event).Inc()
}

func (m *Metrics) EventDropped() {
	if m == nil {
		return
	}
	m.EventsDropped.Inc()
}

func (m *Metrics) SetState(state int) {
	if m == nil {
		return
	}
	m.State.Set(float64(state))
}
