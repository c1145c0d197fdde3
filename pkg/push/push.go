package push

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"skillswap-backend/pkg/logger"
)

// Provider defines interface for sending push notifications
type Provider interface {
	Send(ctx context.Context, notification *Notification, tokens []string) (*SendResult, error)
}

// SendResult contains the result of a push notification send operation
type SendResult struct {
	SuccessCount  int
	FailureCount  int
	InvalidTokens []string
	Errors        []error
}

// Notification represents a push notification
type Notification struct {
	Title    string            `json:"title"`
	Body     string            `json:"body"`
	Data     map[string]string `json:"data,omitempty"`
	Priority string            `json:"priority,omitempty"` // high, normal
	Sound    string            `json:"sound,omitempty"`
	Category string            `json:"category,omitempty"`
}

// TokenType represents the type of push notification token
type TokenType string

const (
	TokenTypeFCM  TokenType = "fcm"  // Firebase Cloud Messaging
	TokenTypeAPNs TokenType = "apns" // Apple Push Notification Service
	TokenTypeWeb  TokenType = "web"  // Web Push via FCM
)

// Valid reports whether t is a known token type
func (t TokenType) Valid() bool {
	switch t {
	case TokenTypeFCM, TokenTypeAPNs, TokenTypeWeb:
		return true
	}
	return false
}

// Token represents a push notification token for a user
type Token struct {
	UserID    string    `json:"user_id"`
	Token     string    `json:"token"`
	Type      TokenType `json:"type"`
	Platform  string    `json:"platform,omitempty"` // ios, android, web
	UpdatedAt time.Time `json:"updated_at"`
}

// TokenRepository defines interface for storing and retrieving push tokens
type TokenRepository interface {
	Store(ctx context.Context, token *Token) error
	GetByUserID(ctx context.Context, userID string) ([]*Token, error)
	Delete(ctx context.Context, userID, token string) error
}

// MissedCall describes a call the callee never answered
type MissedCall struct {
	CallID     string
	CallerID   string
	CallerName string
	CalleeID   string
	Reason     string // unavailable, timeout
	At         time.Time
}

// Service handles push notification operations
type Service struct {
	providers map[TokenType]Provider
	repo      TokenRepository
}

// NewService creates a new push notification service. Tokens whose type has
// no provider are skipped.
func NewService(providers map[TokenType]Provider, repo TokenRepository) *Service {
	return &Service{
		providers: providers,
		repo:      repo,
	}
}

// RegisterToken registers or refreshes a push token for a user
func (s *Service) RegisterToken(ctx context.Context, token *Token) error {
	if token.UserID == "" || token.Token == "" {
		return fmt.Errorf("user id and token are required")
	}
	if !token.Type.Valid() {
		return fmt.Errorf("unknown token type %q", token.Type)
	}
	token.UpdatedAt = time.Now().UTC()
	return s.repo.Store(ctx, token)
}

// UnregisterToken removes a push token
func (s *Service) UnregisterToken(ctx context.Context, userID, token string) error {
	return s.repo.Delete(ctx, userID, token)
}

// Tokens lists the registered tokens of a user
func (s *Service) Tokens(ctx context.Context, userID string) ([]*Token, error) {
	return s.repo.GetByUserID(ctx, userID)
}

// SendMissedCallNotification tells the callee about a call that was not answered
func (s *Service) SendMissedCallNotification(ctx context.Context, call MissedCall) error {
	notification := &Notification{
		Title:    "Missed Call",
		Body:     fmt.Sprintf("You missed a call from %s", call.CallerName),
		Priority: "high",
		Sound:    "default",
		Category: "MISSED_CALL",
		Data: map[string]string{
			"type":        "missed_call",
			"call_id":     call.CallID,
			"caller_id":   call.CallerID,
			"caller_name": call.CallerName,
			"reason":      call.Reason,
			"timestamp":   strconv.FormatInt(call.At.UnixMilli(), 10),
		},
	}
	return s.sendToUser(ctx, call.CalleeID, notification)
}

func (s *Service) sendToUser(ctx context.Context, userID string, notification *Notification) error {
	tokens, err := s.repo.GetByUserID(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to get push tokens: %w", err)
	}

	byType := make(map[TokenType][]string)
	for _, t := range tokens {
		byType[t.Type] = append(byType[t.Type], t.Token)
	}
	if len(byType) == 0 {
		logger.Debug("No push tokens for user", zap.String("user_id", userID))
		return nil
	}

	var firstErr error
	for tokenType, values := range byType {
		provider, ok := s.providers[tokenType]
		if !ok {
			logger.Debug("No push provider for token type",
				zap.String("token_type", string(tokenType)),
				zap.String("user_id", userID))
			continue
		}

		result, err := provider.Send(ctx, notification, values)
		if err != nil {
			logger.Error("Failed to send push notification",
				zap.String("user_id", userID),
				zap.String("token_type", string(tokenType)),
				zap.Error(err))
			if firstErr == nil {
				firstErr = fmt.Errorf("failed to send %s notification: %w", tokenType, err)
			}
			continue
		}

		logger.Info("Push notification sent",
			zap.String("user_id", userID),
			zap.String("token_type", string(tokenType)),
			zap.Int("success_count", result.SuccessCount),
			zap.Int("failure_count", result.FailureCount))

		for _, invalid := range result.InvalidTokens {
			if err := s.repo.Delete(ctx, userID, invalid); err != nil {
				logger.Warn("Failed to remove invalid push token",
					zap.String("user_id", userID),
					zap.Error(err))
			}
		}
	}

	return firstErr
}

// MockProvider records notifications instead of sending them
type MockProvider struct {
	mu   sync.Mutex
	sent []*Notification
}

// Send implements Provider interface
func (m *MockProvider) Send(ctx context.Context, notification *Notification, tokens []string) (*SendResult, error) {
	m.mu.Lock()
	m.sent = append(m.sent, notification)
	m.mu.Unlock()

	logger.Debug("MockProvider: Sending notification",
		zap.String("title", notification.Title),
		zap.Int("token_count", len(tokens)))

	return &SendResult{SuccessCount: len(tokens)}, nil
}

// Sent returns the notifications recorded so far
func (m *MockProvider) Sent() []*Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Notification, len(m.sent))
	copy(out, m.sent)
	return out
}

// maskPushToken returns a safe masked version of a push token for logging
func maskPushToken(token string) string {
	if len(token) <= 16 {
		return "********"
	}
	return token[:8] + "..." + token[len(token)-8:]
}
