package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	inboundFramesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crm_realtime_inbound_frames_total",
			Help: "Inbound frames by stream and outcome (accepted, duplicate, malformed).",
		},
		[]string{"stream", "outcome"},
	)
	outboundPublishTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crm_realtime_outbound_publish_total",
			Help: "Publishes to the broker by destination and status.",
		},
		[]string{"destination", "status"},
	)
	connectionState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "crm_realtime_connected",
			Help: "1 while the broker session is connected.",
		},
	)
	connectAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crm_realtime_connect_attempts_total",
			Help: "Broker connect attempts by status.",
		},
		[]string{"status"},
	)
	outboxDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "crm_realtime_outbox_depth",
			Help: "Messages waiting in the offline outbox.",
		},
	)
	typingExpiredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "crm_realtime_typing_expired_total",
			Help: "Typing indicators removed by the expiry sweep.",
		},
	)
	mirrorPublishErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "crm_realtime_mirror_publish_errors_total",
			Help: "Failed AMQP event mirror publishes.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		inboundFramesTotal,
		outboundPublishTotal,
		connectionState,
		connectAttemptsTotal,
		outboxDepth,
		typingExpiredTotal,
		mirrorPublishErrorsTotal,
	)
}

func IncInboundFrame(stream, outcome string) {
	inboundFramesTotal.WithLabelValues(stream, outcome).Inc()
}

func IncPublish(destination, status string) {
	outboundPublishTotal.WithLabelValues(destination, status).Inc()
}

func SetConnected(connected bool) {
	if connected {
		connectionState.Set(1)
		return
	}
	connectionState.Set(0)
}

func IncConnectAttempt(status string) {
	connectAttemptsTotal.WithLabelValues(status).Inc()
}

func SetOutboxDepth(n int) {
	outboxDepth.Set(float64(n))
}

func AddTypingExpired(n int) {
	typingExpiredTotal.Add(float64(n))
}

func IncMirrorPublishError() {
	mirrorPublishErrorsTotal.Inc()
}
