package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Signaling metrics for connections, call attempts and live sessions
var (
	WebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "signaling_websocket_connections",
		Help: "Number of authenticated signaling connections",
	})

	WebSocketRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signaling_websocket_rejected_total",
		Help: "Total number of rejected signaling connections",
	}, []string{"reason"}) // "capacity", "unauthorized", "handshake"

	ConnectionsReplacedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "signaling_connections_replaced_total",
		Help: "Total number of connections superseded by a newer connection of the same user",
	})

	ControlMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signaling_control_messages_total",
		Help: "Total number of signaling messages handled",
	}, []string{"type", "outcome"}) // outcome: "ok", "ack", "error", "rejected"

	CallsStartedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "signaling_calls_started_total",
		Help: "Total number of call attempts that started ringing",
	})

	CallsEndedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signaling_calls_ended_total",
		Help: "Total number of call attempts by terminal reason",
	}, []string{"reason"}) // "accepted", "declined", "cancelled", "timeout", "disconnected"

	CallsRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signaling_calls_rejected_total",
		Help: "Total number of call attempts rejected before ringing",
	}, []string{"reason"})

	CallsRinging = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "signaling_calls_ringing",
		Help: "Number of call attempts currently ringing",
	})

	LiveSessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "signaling_live_sessions_active",
		Help: "Number of live sessions relayed by this instance",
	})

	LiveSessionsClosedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signaling_live_sessions_closed_total",
		Help: "Total number of live sessions closed by final status",
	}, []string{"status"})

	LiveSessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "signaling_live_session_duration_seconds",
		Help:    "Duration of closed live sessions",
		Buckets: []float64{30, 60, 300, 600, 1800, 3600, 7200},
	})

	DisconnectGraceTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signaling_disconnect_grace_total",
		Help: "Disconnect grace windows by outcome",
	}, []string{"outcome"}) // "started", "reconnected", "expired"
)
