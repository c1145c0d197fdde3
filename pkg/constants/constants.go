// Package constants defines application-wide constants for timeouts, limits, and durations.
package constants

import "time"

// Time-related constants
const (
	// DefaultTimeout is the default timeout for most operations
	DefaultTimeout = 30 * time.Second

	// WebSocketPongWait is how long a connection may stay silent before it is considered dropped
	WebSocketPongWait = 60 * time.Second

	// WebSocketPingInterval must be shorter than WebSocketPongWait
	WebSocketPingInterval = 54 * time.Second

	// WebSocketWriteWait bounds a single frame write
	WebSocketWriteWait = 10 * time.Second

	// WebSocketMaxMessageSize caps inbound frames; SDP offers are the largest payloads
	WebSocketMaxMessageSize = 64 * 1024

	// GracefulShutdownTimeout is the timeout for graceful server shutdown
	GracefulShutdownTimeout = 30 * time.Second
)

// Database connection constants
const (
	MaxConnLifetime   = 1 * time.Hour
	MaxConnIdleTime   = 30 * time.Minute
	HealthCheckPeriod = 1 * time.Minute
)

// Call-related constants
const (
	// RingTimeout is how long an unanswered call rings before it is cancelled
	RingTimeout = 30 * time.Second

	// MinCallInterval is the minimum spacing between two call attempts of one caller
	MinCallInterval = 2 * time.Second

	// DisconnectGrace is how long a dropped participant has to come back before
	// the live session is closed as disconnected
	DisconnectGrace = 30 * time.Second

	// TerminatedCallRetention keeps ids of finished calls around so late control
	// messages are acknowledged instead of reported as unknown
	TerminatedCallRetention = 2 * time.Minute

	// MaxTrackedTerminatedCalls bounds the terminated-call tombstone cache
	MaxTrackedTerminatedCalls = 10000
)

// Durable write constants
const (
	DurableWriteAttempts     = 3
	DurableWriteInitialDelay = 100 * time.Millisecond
	DurableWriteMaxDelay     = 2 * time.Second
)

// Presence constants
const (
	PresenceTTL         = 5 * time.Minute
	PresenceOnlineSet   = "presence:online"
	PresenceEventsTopic = "presence:events"
)

// Chat constants
const (
	// MaxMessageLength is the maximum allowed message length
	MaxMessageLength = 10000

	// MessageIdempotencyTTL is how long a (sender, tempId) pair maps to its canonical id
	MessageIdempotencyTTL = 24 * time.Hour

	// MessageClaimPendingTTL bounds an uncommitted claim left by a crashed writer
	MessageClaimPendingTTL = time.Minute

	// MessageClaimWait is how long a duplicate submission waits for the first
	// one to be stored
	MessageClaimWait = 15 * time.Second

	// MaxTrackedTempIDs bounds the in-process idempotency fallback
	MaxTrackedTempIDs = 50000

	// MaxDisplayNameLength caps names announced over the signaling channel
	MaxDisplayNameLength = 64
)

// Audit constants
const (
	AuditLogKey       = "audit:events"
	AuditLogMaxEvents = 10000
	AuditLogRetention = 90 * 24 * time.Hour
)

// Pagination constants
const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Push constants
const (
	PushTokenExpiry = 30 * 24 * time.Hour
)
