// Package protocol defines the JSON envelope exchanged over the signaling
// connection. Server and client share it so both sides agree on field names.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Type names a signaling message
type Type string

const (
	TypeAuthenticate      Type = "authenticate"
	TypeAuthenticated     Type = "authenticated"
	TypeDirectCall        Type = "direct_call"
	TypeAcceptCall        Type = "accept_call"
	TypeDeclineCall       Type = "decline_call"
	TypeCancelCall        Type = "cancel_call"
	TypeSessionReady      Type = "session_ready"
	TypeOffer             Type = "newOffer"
	TypeAnswer            Type = "answer"
	TypeICECandidate      Type = "ice-candidate"
	TypeEndSession        Type = "end_session"
	TypeSessionEnded      Type = "session_ended"
	TypeSendMessage       Type = "send_message"
	TypeReceiveMessage    Type = "receive_message"
	TypeMessageSent       Type = "message_sent"
	TypeMessageFailed     Type = "message_failed"
	TypeUserStatusChanged Type = "user_status_changed"
	TypeAck               Type = "ack"
	TypeError             Type = "error"
)

// Reasons carried by synthesized decline_call / cancel_call messages
const (
	ReasonBusy         = "busy"
	ReasonUnavailable  = "unavailable"
	ReasonTimeout      = "timeout"
	ReasonDisconnected = "disconnected"
	ReasonSameParty    = "same_party"
	ReasonRateLimited  = "rate_limited"
	ReasonDeclined     = "declined"
	ReasonCancelled    = "cancelled"
)

// Peer describes the other party in session_ready. DBID is the persistent
// user id, ID the id the peer authenticated the connection with.
type Peer struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	DBID string `json:"dbId"`
}

// Message is the flat signaling envelope. Only the fields relevant to Type
// are set; Payload is relayed without interpretation.
type Message struct {
	Type Type `json:"type"`

	// Call control
	CallID        string `json:"callId,omitempty"`
	CallerID      string `json:"callerId,omitempty"`
	CallerName    string `json:"callerName,omitempty"`
	CallerPicture string `json:"callerPicture,omitempty"`
	CalleeID      string `json:"calleeId,omitempty"`
	CalleeName    string `json:"calleeName,omitempty"`
	Topic         string `json:"topic,omitempty"`
	Reason        string `json:"reason,omitempty"`

	// Session and negotiation
	RoomID    string          `json:"roomId,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Peer      *Peer           `json:"peer,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Status    string          `json:"status,omitempty"`

	// Chat
	ReceiverID string `json:"receiverId,omitempty"`
	SenderID   string `json:"senderId,omitempty"`
	Text       string `json:"text,omitempty"`
	TempID     string `json:"tempId,omitempty"`
	MessageID  string `json:"messageId,omitempty"`

	// Identity and presence
	UserID   string `json:"userId,omitempty"`
	UserName string `json:"userName,omitempty"`

	// Errors
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`

	Timestamp int64 `json:"timestamp,omitempty"`
}

// Decode parses a frame and checks the fields its type requires. A frame that
// parses but fails validation is returned alongside the error.
func Decode(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("invalid message: %w", err)
	}
	if err := m.Validate(); err != nil {
		return &m, err
	}
	return &m, nil
}

// Encode serializes m, stamping the timestamp when unset
func Encode(m *Message) ([]byte, error) {
	if m.Timestamp == 0 {
		m.Timestamp = time.Now().UnixMilli()
	}
	return json.Marshal(m)
}

// Validate checks that the fields required by m.Type are present
func (m *Message) Validate() error {
	missing := func(field string) error {
		return fmt.Errorf("%s: missing %s", m.Type, field)
	}

	switch m.Type {
	case TypeAuthenticate:
		if m.UserID == "" {
			return missing("userId")
		}
	case TypeDirectCall:
		if m.CallID == "" {
			return missing("callId")
		}
		if m.CalleeID == "" {
			return missing("calleeId")
		}
	case TypeAcceptCall, TypeDeclineCall, TypeCancelCall:
		if m.CallID == "" {
			return missing("callId")
		}
	case TypeOffer, TypeAnswer, TypeICECandidate:
		if m.RoomID == "" {
			return missing("roomId")
		}
		if len(m.Payload) == 0 {
			return missing("payload")
		}
	case TypeEndSession:
		if m.RoomID == "" {
			return missing("roomId")
		}
	case TypeSendMessage:
		if m.ReceiverID == "" {
			return missing("receiverId")
		}
		if m.TempID == "" {
			return missing("tempId")
		}
		if m.Text == "" {
			return missing("text")
		}
	case TypeAuthenticated, TypeSessionReady, TypeSessionEnded, TypeReceiveMessage,
		TypeMessageSent, TypeMessageFailed, TypeUserStatusChanged, TypeAck, TypeError:
	case "":
		return fmt.Errorf("missing message type")
	default:
		return fmt.Errorf("unknown message type %q", m.Type)
	}
	return nil
}

// IsNegotiation reports whether t is relayed opaquely inside a room
func (t Type) IsNegotiation() bool {
	return t == TypeOffer || t == TypeAnswer || t == TypeICECandidate
}

// Ack acknowledges a control message that had no further effect
func Ack(ref *Message) *Message {
	return &Message{Type: TypeAck, CallID: ref.CallID, RoomID: ref.RoomID, TempID: ref.TempID, Status: string(ref.Type)}
}

// Error reports a rejected message back to its sender
func Error(ref *Message, code, message string) *Message {
	m := &Message{Type: TypeError, Code: code, Message: message}
	if ref != nil {
		m.CallID = ref.CallID
		m.RoomID = ref.RoomID
		m.TempID = ref.TempID
		m.Status = string(ref.Type)
	}
	return m
}
