package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"skillswap-backend/internal/database"
	"skillswap-backend/internal/domain"
	"skillswap-backend/pkg/constants"
	"skillswap-backend/pkg/logger"
)

// PresenceRepository mirrors connection presence into Redis so other
// instances and the admin surface can see who is online
type PresenceRepository struct {
	client *database.RedisClient
}

// NewPresenceRepository creates a new PresenceRepository
func NewPresenceRepository(client *database.RedisClient) *PresenceRepository {
	return &PresenceRepository{client: client}
}

func presenceKey(userID string) string {
	return fmt.Sprintf("presence:%s", userID)
}

// SetUserOnline marks user as online
func (r *PresenceRepository) SetUserOnline(ctx context.Context, userID string) error {
	// Expires unless refreshed by Touch
	if err := r.client.SafeSet(ctx, presenceKey(userID), string(domain.PresenceOnline), constants.PresenceTTL).Err(); err != nil {
		return fmt.Errorf("failed to set user online: %w", err)
	}
	if err := r.client.SafeSAdd(ctx, constants.PresenceOnlineSet, userID).Err(); err != nil {
		return fmt.Errorf("failed to add to online set: %w", err)
	}
	return nil
}

// SetUserOffline marks user as offline
func (r *PresenceRepository) SetUserOffline(ctx context.Context, userID string) error {
	if err := r.client.SafeDel(ctx, presenceKey(userID)).Err(); err != nil {
		return fmt.Errorf("failed to delete presence: %w", err)
	}
	if err := r.client.SafeSRem(ctx, constants.PresenceOnlineSet, userID).Err(); err != nil {
		return fmt.Errorf("failed to remove from online set: %w", err)
	}
	return nil
}

// IsUserOnline checks the online set
func (r *PresenceRepository) IsUserOnline(ctx context.Context, userID string) (bool, error) {
	online, err := r.client.SafeSIsMember(ctx, constants.PresenceOnlineSet, userID).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check presence: %w", err)
	}
	return online, nil
}

// RefreshPresence extends the presence TTL (heartbeat)
func (r *PresenceRepository) RefreshPresence(ctx context.Context, userID string) error {
	if err := r.client.SafeExpire(ctx, presenceKey(userID), constants.PresenceTTL).Err(); err != nil {
		return fmt.Errorf("failed to refresh presence: %w", err)
	}
	return nil
}

// StatusChanged records the change and publishes it on the presence topic.
// Failures are logged; presence in Redis is advisory.
func (r *PresenceRepository) StatusChanged(ctx context.Context, change domain.StatusChange) {
	var err error
	if change.Status == domain.PresenceOnline {
		err = r.SetUserOnline(ctx, change.UserID)
	} else {
		err = r.SetUserOffline(ctx, change.UserID)
	}
	if err != nil {
		logger.Warn("Failed to mirror presence to Redis",
			zap.String("user_id", change.UserID),
			zap.String("status", string(change.Status)),
			zap.Error(err))
		return
	}

	payload, err := json.Marshal(change)
	if err != nil {
		logger.Error("Failed to marshal status change", zap.Error(err))
		return
	}
	if err := r.client.SafePublish(ctx, constants.PresenceEventsTopic, payload).Err(); err != nil {
		logger.Warn("Failed to publish status change",
			zap.String("user_id", change.UserID),
			zap.Error(err))
	}
}

// IsDegraded returns true if Redis is in degraded mode
func (r *PresenceRepository) IsDegraded() bool {
	return r.client.IsDegraded()
}
