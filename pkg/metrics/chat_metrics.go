package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Chat metrics for monitoring message delivery
var (
	ChatMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_messages_total",
		Help: "Total number of chat submissions by path and outcome",
	}, []string{"path", "outcome"}) // path: "socket", "durable"; outcome: "sent", "duplicate", "failed"

	ChatMessagePersistedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_message_persisted_total",
		Help: "Total number of messages persisted to Cassandra",
	}, []string{"status"})

	ChatMessageDeliveredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_message_delivered_total",
		Help: "Total number of receive_message deliveries",
	}, []string{"status"}) // "online", "offline"

	ChatMessageDeliveryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chat_message_delivery_duration_seconds",
		Help:    "Time taken to deliver a message",
		Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"step"}) // "claim", "persist", "notify"

	ChatIdempotencyFallbackTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chat_idempotency_fallback_total",
		Help: "Total number of idempotency claims served from memory while Redis is degraded",
	})
)
