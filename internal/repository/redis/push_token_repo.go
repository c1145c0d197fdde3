package redis

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"skillswap-backend/internal/database"
	"skillswap-backend/pkg/constants"
	"skillswap-backend/pkg/logger"
	"skillswap-backend/pkg/push"
)

// PushTokenRepository handles push notification token storage in Redis
type PushTokenRepository struct {
	client *database.RedisClient
}

// NewPushTokenRepository creates a new push token repository
func NewPushTokenRepository(client *database.RedisClient) *PushTokenRepository {
	return &PushTokenRepository{client: client}
}

func tokenKey(token string) string {
	return fmt.Sprintf("push:token:%s", token)
}

func userTokensKey(userID string) string {
	return fmt.Sprintf("push:user:%s:tokens", userID)
}

// Store stores a push notification token
func (r *PushTokenRepository) Store(ctx context.Context, token *push.Token) error {
	token.UpdatedAt = time.Now().UTC()

	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}

	if err := r.client.SafeSet(ctx, tokenKey(token.Token), data, constants.PushTokenExpiry).Err(); err != nil {
		return fmt.Errorf("failed to store token: %w", err)
	}

	key := userTokensKey(token.UserID)
	if err := r.client.SafeSAdd(ctx, key, token.Token).Err(); err != nil {
		return fmt.Errorf("failed to add token to user set: %w", err)
	}

	if err := r.client.SafeExpire(ctx, key, constants.PushTokenExpiry).Err(); err != nil {
		logger.Warn("Failed to set expiration on user tokens set",
			zap.String("user_id", token.UserID),
			zap.Error(err))
	}

	logger.Debug("Push token stored",
		zap.String("user_id", token.UserID),
		zap.String("token_type", string(token.Type)))

	return nil
}

// GetByToken retrieves a token by its value; nil when unknown
func (r *PushTokenRepository) GetByToken(ctx context.Context, value string) (*push.Token, error) {
	data, err := r.client.SafeGet(ctx, tokenKey(value)).Bytes()
	if err != nil {
		if stderrors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get token: %w", err)
	}

	var token push.Token
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, fmt.Errorf("failed to unmarshal token: %w", err)
	}

	return &token, nil
}

// GetByUserID retrieves all tokens for a user, pruning set members whose
// token record has expired
func (r *PushTokenRepository) GetByUserID(ctx context.Context, userID string) ([]*push.Token, error) {
	values, err := r.client.SafeSMembers(ctx, userTokensKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get user tokens: %w", err)
	}

	var result []*push.Token
	for _, value := range values {
		token, err := r.GetByToken(ctx, value)
		if err != nil {
			logger.Warn("Failed to get token",
				zap.String("user_id", userID),
				zap.Error(err))
			continue
		}
		if token == nil || token.UserID != userID {
			r.client.SafeSRem(ctx, userTokensKey(userID), value)
			continue
		}
		result = append(result, token)
	}

	return result, nil
}

// Delete removes one of a user's tokens
func (r *PushTokenRepository) Delete(ctx context.Context, userID, value string) error {
	if err := r.client.SafeSRem(ctx, userTokensKey(userID), value).Err(); err != nil {
		return fmt.Errorf("failed to remove token from user set: %w", err)
	}

	existing, err := r.GetByToken(ctx, value)
	if err != nil {
		return err
	}
	// A token re-registered by another user stays with them
	if existing != nil && existing.UserID == userID {
		if err := r.client.SafeDel(ctx, tokenKey(value)).Err(); err != nil {
			return fmt.Errorf("failed to delete token: %w", err)
		}
	}

	logger.Debug("Push token deleted", zap.String("user_id", userID))
	return nil
}
