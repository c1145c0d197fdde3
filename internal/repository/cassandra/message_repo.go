package cassandra

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"

	"skillswap-backend/internal/domain"
)

// messageSchema keys messages by conversation and month bucket, newest first
const messageSchema = `
	CREATE TABLE IF NOT EXISTS chat_messages (
		conversation_id text,
		bucket          int,
		message_id      timeuuid,
		sender_id       text,
		receiver_id     text,
		temp_id         text,
		text            text,
		created_at      timestamp,
		PRIMARY KEY ((conversation_id, bucket), message_id)
	) WITH CLUSTERING ORDER BY (message_id DESC)
`

// maxHistoryBuckets bounds how many months History walks back
const maxHistoryBuckets = 12

// MessageRepository handles chat message storage in Cassandra
type MessageRepository struct {
	session *gocql.Session
}

// NewMessageRepository creates a new MessageRepository
func NewMessageRepository(session *gocql.Session) *MessageRepository {
	return &MessageRepository{session: session}
}

// EnsureSchema creates the chat_messages table if missing
func (r *MessageRepository) EnsureSchema(ctx context.Context) error {
	if err := r.session.Query(messageSchema).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("failed to create chat_messages table: %w", err)
	}
	return nil
}

// NewMessageID returns a time-ordered canonical message id
func NewMessageID() string {
	return gocql.TimeUUID().String()
}

// Save inserts a message. The row is keyed by its canonical id so repeating
// the write is harmless.
func (r *MessageRepository) Save(ctx context.Context, message *domain.ChatMessage) error {
	id, err := gocql.ParseUUID(message.ID)
	if err != nil {
		return fmt.Errorf("invalid message id %q: %w", message.ID, err)
	}
	if message.CreatedAt.IsZero() {
		message.CreatedAt = id.Time()
	}

	query := `
		INSERT INTO chat_messages (
			conversation_id, bucket, message_id, sender_id, receiver_id,
			temp_id, text, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	err = r.session.Query(query,
		domain.ConversationID(message.SenderID, message.ReceiverID),
		domain.CalculateBucket(message.CreatedAt),
		id,
		message.SenderID,
		message.ReceiverID,
		message.TempID,
		message.Text,
		message.CreatedAt,
	).WithContext(ctx).Exec()
	if err != nil {
		return fmt.Errorf("failed to save message: %w", err)
	}

	return nil
}

// GetByConversation retrieves up to limit messages of one bucket, newest first
func (r *MessageRepository) GetByConversation(ctx context.Context, conversationID string, bucket, limit int) ([]*domain.ChatMessage, error) {
	query := `
		SELECT message_id, sender_id, receiver_id, temp_id, text, created_at
		FROM chat_messages
		WHERE conversation_id = ? AND bucket = ?
		LIMIT ?
	`

	iter := r.session.Query(query, conversationID, bucket, limit).WithContext(ctx).Iter()

	var messages []*domain.ChatMessage
	var id gocql.UUID
	var sender, receiver, tempID, text string
	var createdAt time.Time
	for iter.Scan(&id, &sender, &receiver, &tempID, &text, &createdAt) {
		messages = append(messages, &domain.ChatMessage{
			ID:            id.String(),
			TempID:        tempID,
			SenderID:      sender,
			ReceiverID:    receiver,
			Text:          text,
			CreatedAt:     createdAt,
			DeliveryState: domain.DeliveryConfirmed,
		})
	}

	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}

	return messages, nil
}

// History retrieves the latest messages between two users across month
// buckets, newest first
func (r *MessageRepository) History(ctx context.Context, userA, userB string, limit int) ([]*domain.ChatMessage, error) {
	conversationID := domain.ConversationID(userA, userB)
	bucket := domain.CalculateBucket(time.Now())

	var all []*domain.ChatMessage
	for i := 0; i < maxHistoryBuckets && len(all) < limit; i++ {
		messages, err := r.GetByConversation(ctx, conversationID, bucket, limit-len(all))
		if err != nil {
			return nil, err
		}
		all = append(all, messages...)
		bucket = domain.PreviousBucket(bucket)
	}

	return all, nil
}
