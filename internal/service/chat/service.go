package chat

import (
	"context"
	stderrors "errors"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"skillswap-backend/internal/domain"
	"skillswap-backend/internal/repository/cassandra"
	"skillswap-backend/pkg/constants"
	"skillswap-backend/pkg/errors"
	"skillswap-backend/pkg/logger"
	"skillswap-backend/pkg/metrics"
	"skillswap-backend/pkg/protocol"
	"skillswap-backend/pkg/resilience"
	"skillswap-backend/pkg/sanitize"
)

// MessageRepository is the durable chat store
type MessageRepository interface {
	Save(ctx context.Context, message *domain.ChatMessage) error
	History(ctx context.Context, userA, userB string, limit int) ([]*domain.ChatMessage, error)
}

// IDClaimer binds a sender's provisional id to one canonical message id.
// A claim is uncommitted until Commit records that the message is stored.
type IDClaimer interface {
	Claim(ctx context.Context, senderID, tempID, candidateID string) (domain.MessageClaim, error)
	Commit(ctx context.Context, senderID, tempID, messageID string) error
	Release(ctx context.Context, senderID, tempID string)
}

// Deliverer pushes a frame to a user's live connection
type Deliverer interface {
	Send(userID string, msg *protocol.Message) error
}

// Path labels where a submission came from
type Path string

const (
	PathSocket  Path = "socket"
	PathDurable Path = "durable"
)

// SendInput contains message data
type SendInput struct {
	SenderID   string
	ReceiverID string
	Text       string
	TempID     string
	Path       Path
}

// SendOutput contains the stored message
type SendOutput struct {
	Message *domain.ChatMessage
	// Duplicate is set when the (sender, tempId) pair was already submitted
	Duplicate bool
}

// Service handles chat business logic
type Service struct {
	messageRepo MessageRepository
	ids         IDClaimer
	deliverer   Deliverer
	retrier     *resilience.Retrier
	inflight    singleflight.Group
	claimWait   time.Duration
	newID       func() string
	now         func() time.Time
}

// errClaimPending is returned when another submission of the same message
// did not finish storing it in time
var errClaimPending = stderrors.New("message is still being stored by another submission")

type sendResult struct {
	message   *domain.ChatMessage
	duplicate bool
}

// NewService creates a new chat service
func NewService(messageRepo MessageRepository, ids IDClaimer, deliverer Deliverer, retry resilience.Config) *Service {
	if retry.Name == "" {
		retry.Name = "cassandra_messages"
	}
	return &Service{
		messageRepo: messageRepo,
		ids:         ids,
		deliverer:   deliverer,
		retrier:     resilience.NewRetrier(retry),
		claimWait:   constants.MessageClaimWait,
		newID:       cassandra.NewMessageID,
		now:         time.Now,
	}
}

// Send stores a message once per (sender, tempId) and delivers it to an
// online receiver. Repeated submissions return the canonical id assigned
// the first time and are not delivered again. A repeat only succeeds once
// the first submission is stored; if that fails, the repeat fails with it.
func (s *Service) Send(ctx context.Context, input *SendInput) (*SendOutput, error) {
	if input.Path == "" {
		input.Path = PathDurable
	}
	input.Text = sanitize.MessageText(input.Text)
	if err := validate(input); err != nil {
		metrics.ChatMessagesTotal.WithLabelValues(string(input.Path), "failed").Inc()
		return nil, err
	}

	// Submissions of one message on this instance share a single store attempt
	leader := false
	v, err, _ := s.inflight.Do(input.SenderID+"\x00"+input.TempID, func() (any, error) {
		leader = true
		return s.store(ctx, input)
	})
	if err != nil {
		metrics.ChatMessagesTotal.WithLabelValues(string(input.Path), "failed").Inc()
		return nil, err
	}

	result := v.(*sendResult)
	duplicate := result.duplicate || !leader
	if duplicate {
		metrics.ChatMessagesTotal.WithLabelValues(string(input.Path), "duplicate").Inc()
		logger.Debug("Duplicate chat submission",
			zap.String("sender_id", input.SenderID),
			zap.String("temp_id", input.TempID),
			zap.String("message_id", result.message.ID),
			zap.String("path", string(input.Path)))
	} else {
		metrics.ChatMessagesTotal.WithLabelValues(string(input.Path), "sent").Inc()
	}
	return &SendOutput{Message: result.message, Duplicate: duplicate}, nil
}

// store claims the canonical id and persists the message, or waits for a
// submission that already holds the claim to commit or release it
func (s *Service) store(ctx context.Context, input *SendInput) (*sendResult, error) {
	start := s.now()
	candidateID := s.newID()
	deadline := start.Add(s.claimWait)

	for attempt := 1; ; attempt++ {
		claim, err := s.ids.Claim(ctx, input.SenderID, input.TempID, candidateID)
		if err != nil {
			logger.Error("Failed to claim message id",
				zap.String("sender_id", input.SenderID),
				zap.String("temp_id", input.TempID),
				zap.Error(err))
			return nil, errors.InternalError("failed to assign message id")
		}

		message := &domain.ChatMessage{
			ID:            claim.ID,
			TempID:        input.TempID,
			SenderID:      input.SenderID,
			ReceiverID:    input.ReceiverID,
			Text:          input.Text,
			CreatedAt:     start.UTC(),
			DeliveryState: domain.DeliveryConfirmed,
		}

		switch {
		case claim.Fresh:
			if err := s.persist(ctx, message, start); err != nil {
				return nil, err
			}
			return &sendResult{message: message}, nil
		case claim.Committed:
			return &sendResult{message: message, duplicate: true}, nil
		}

		if !s.now().Before(deadline) {
			return nil, errors.DurableWriteError(errClaimPending)
		}
		if err := sleepContext(ctx, resilience.Backoff(attempt, 20*time.Millisecond, 500*time.Millisecond)); err != nil {
			return nil, errors.DurableWriteError(err)
		}
	}
}

func (s *Service) persist(ctx context.Context, message *domain.ChatMessage, start time.Time) error {
	err := s.retrier.Do(ctx, "save_message", func(ctx context.Context) error {
		return s.messageRepo.Save(ctx, message)
	})
	metrics.ChatMessageDeliveryDuration.WithLabelValues("persist").Observe(s.now().Sub(start).Seconds())
	if err != nil {
		s.ids.Release(ctx, message.SenderID, message.TempID)
		metrics.ChatMessagePersistedTotal.WithLabelValues("failure").Inc()
		logger.Error("Failed to persist chat message",
			zap.String("sender_id", message.SenderID),
			zap.String("receiver_id", message.ReceiverID),
			zap.String("temp_id", message.TempID),
			zap.Error(err))
		return errors.DurableWriteError(err)
	}
	metrics.ChatMessagePersistedTotal.WithLabelValues("success").Inc()

	if err := s.ids.Commit(ctx, message.SenderID, message.TempID, message.ID); err != nil {
		// Stored; duplicates on other instances wait until the pending claim expires
		logger.Warn("Failed to commit message id claim",
			zap.String("sender_id", message.SenderID),
			zap.String("message_id", message.ID),
			zap.Error(err))
	}

	s.deliver(message)
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// History returns the latest messages between two users, newest first
func (s *Service) History(ctx context.Context, userID, peerID string, limit int) ([]*domain.ChatMessage, error) {
	if peerID == "" {
		return nil, errors.MissingFieldError("peerId")
	}
	if limit <= 0 || limit > constants.MaxPageSize {
		limit = constants.DefaultPageSize
	}

	messages, err := s.messageRepo.History(ctx, userID, peerID, limit)
	if err != nil {
		logger.Error("Failed to load chat history",
			zap.String("user_id", userID),
			zap.String("peer_id", peerID),
			zap.Error(err))
		return nil, errors.InternalError("failed to load messages")
	}
	if messages == nil {
		messages = []*domain.ChatMessage{}
	}
	return messages, nil
}

func (s *Service) deliver(message *domain.ChatMessage) {
	start := s.now()
	err := s.deliverer.Send(message.ReceiverID, &protocol.Message{
		Type:       protocol.TypeReceiveMessage,
		MessageID:  message.ID,
		SenderID:   message.SenderID,
		ReceiverID: message.ReceiverID,
		Text:       message.Text,
		Timestamp:  message.CreatedAt.UnixMilli(),
	})
	metrics.ChatMessageDeliveryDuration.WithLabelValues("deliver").Observe(s.now().Sub(start).Seconds())

	if err != nil {
		// Receiver reads it from history when they come back
		metrics.ChatMessageDeliveredTotal.WithLabelValues("offline").Inc()
		logger.Debug("Chat receiver not connected",
			zap.String("receiver_id", message.ReceiverID),
			zap.String("message_id", message.ID))
		return
	}
	metrics.ChatMessageDeliveredTotal.WithLabelValues("online").Inc()
}

func validate(input *SendInput) error {
	if input.SenderID == "" {
		return errors.UnauthorizedError("sender not authenticated")
	}
	if input.ReceiverID == "" {
		return errors.MissingFieldError("receiverId")
	}
	if input.TempID == "" {
		return errors.MissingFieldError("tempId")
	}
	if input.SenderID == input.ReceiverID {
		return errors.ValidationError("cannot message yourself")
	}
	if strings.TrimSpace(input.Text) == "" {
		return errors.MissingFieldError("text")
	}
	if utf8.RuneCountInString(input.Text) > constants.MaxMessageLength {
		return errors.ValidationError("message too long")
	}
	return nil
}
