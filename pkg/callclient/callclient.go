// Package callclient is the client half of the signaling protocol: a
// reconnecting WebSocket connector, the local call state machine and the
// dual-path chat outbox.
package callclient

import (
	stderrors "errors"

	"skillswap-backend/internal/domain"
	"skillswap-backend/pkg/protocol"
)

var (
	// ErrNotConnected is returned by Send while the connector has no live socket
	ErrNotConnected = stderrors.New("not connected")
	// ErrBusy is returned when a call is initiated outside the idle state
	ErrBusy = stderrors.New("call already in progress")
	// ErrSameParty is returned when a user calls themselves
	ErrSameParty = stderrors.New("cannot call yourself")
	// ErrRateLimited is returned when calls are initiated too quickly
	ErrRateLimited = stderrors.New("calling too quickly")
	// ErrNoSuchCall is returned for an operation on a call that is not the current one
	ErrNoSuchCall = stderrors.New("no such call")
	// ErrEmptyMessage is returned when a message has no receiver or text
	ErrEmptyMessage = stderrors.New("message needs a receiver and text")
	// ErrNotFailed is returned when resending an entry that has not failed
	ErrNotFailed = stderrors.New("message has not failed")
)

// Transport sends one frame over the live connection
type Transport interface {
	Send(msg *protocol.Message) error
}

// EventKind names what a presenter is told about
type EventKind string

const (
	EventConnection   EventKind = "connection"
	EventCallState    EventKind = "call_state"
	EventCountdown    EventKind = "countdown"
	EventSessionReady EventKind = "session_ready"
	EventMessage      EventKind = "message"
)

// Event is a state change for the UI
type Event struct {
	Kind EventKind

	Connection ConnectionState

	CallID    string
	PeerID    string
	CallState domain.CallState
	Reason    string
	// Remaining counts countdown ticks left; seconds with the default tick
	Remaining int

	RoomID string

	Message *domain.ChatMessage
}

// Presenter renders client state. Notify is called without internal locks
// held, from whichever goroutine produced the change.
type Presenter interface {
	Notify(ev Event)
}

// PresenterFunc adapts a function to Presenter
type PresenterFunc func(ev Event)

// Notify calls f(ev)
func (f PresenterFunc) Notify(ev Event) { f(ev) }

type nopPresenter struct{}

func (nopPresenter) Notify(Event) {}
