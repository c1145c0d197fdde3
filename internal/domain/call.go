package domain

import "time"

// CallState is a user's position in the call lifecycle. Idle only appears in
// per-user views; an attempt itself starts ringing and ends terminated.
type CallState string

const (
	CallStateIdle       CallState = "idle"
	CallStateRingingOut CallState = "ringing_out"
	CallStateRingingIn  CallState = "ringing_in"
	CallStateConnected  CallState = "connected"
	CallStateTerminated CallState = "terminated"
)

// EndReason records how a call attempt reached Terminated
type EndReason string

const (
	EndReasonAccepted     EndReason = "accepted"
	EndReasonDeclined     EndReason = "declined"
	EndReasonCancelled    EndReason = "cancelled"
	EndReasonTimeout      EndReason = "timeout"
	EndReasonDisconnected EndReason = "disconnected"
)

// CallAttempt is the ephemeral negotiation of who is calling whom
type CallAttempt struct {
	CallID        string    `json:"call_id"`
	CallerID      string    `json:"caller_id"`
	CallerName    string    `json:"caller_name"`
	CallerPicture string    `json:"caller_picture,omitempty"`
	CalleeID      string    `json:"callee_id"`
	CalleeName    string    `json:"callee_name"`
	Topic         string    `json:"topic,omitempty"`
	State         CallState `json:"state"`
	EndReason     EndReason `json:"end_reason,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// Counterpart returns the other party of the attempt
func (c *CallAttempt) Counterpart(userID string) string {
	if userID == c.CallerID {
		return c.CalleeID
	}
	return c.CallerID
}

// IsParticipant reports whether userID is the caller or callee
func (c *CallAttempt) IsParticipant(userID string) bool {
	return userID == c.CallerID || userID == c.CalleeID
}

// UserCallView is one user's projection of their active attempt
type UserCallView struct {
	UserID string    `json:"user_id"`
	State  CallState `json:"state"`
	CallID string    `json:"call_id,omitempty"`
}
