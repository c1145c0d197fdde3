package domain

import "time"

// DeliveryState tracks a chat message from the sender's point of view
type DeliveryState string

const (
	DeliveryPending   DeliveryState = "pending"
	DeliveryConfirmed DeliveryState = "confirmed"
	DeliveryFailed    DeliveryState = "failed"
)

// ChatMessage is a 1:1 chat message. ID is canonical once assigned by the
// durable store; TempID is the sender's provisional id.
type ChatMessage struct {
	ID            string        `json:"id"`
	TempID        string        `json:"temp_id,omitempty"`
	SenderID      string        `json:"sender_id"`
	ReceiverID    string        `json:"receiver_id"`
	Text          string        `json:"text"`
	CreatedAt     time.Time     `json:"created_at"`
	DeliveryState DeliveryState `json:"delivery_state,omitempty"`
}

// ConversationID is the same for both directions of a pair of users
func ConversationID(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + ":" + b
}

// CalculateBucket partitions a conversation by month (YYYYMM) so no
// partition grows without bound
func CalculateBucket(t time.Time) int {
	t = t.UTC()
	return t.Year()*100 + int(t.Month())
}

// PreviousBucket returns the month bucket before b
func PreviousBucket(b int) int {
	year, month := b/100, b%100
	if month == 1 {
		return (year-1)*100 + 12
	}
	return year*100 + month - 1
}

// MessageClaim is the binding of a sender's provisional id to a canonical
// message id. A claim stays uncommitted until the message is stored.
type MessageClaim struct {
	ID        string
	Fresh     bool
	Committed bool
}
