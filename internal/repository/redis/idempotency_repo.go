package redis

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"skillswap-backend/internal/database"
	"skillswap-backend/internal/domain"
	"skillswap-backend/pkg/cache"
	"skillswap-backend/pkg/constants"
	"skillswap-backend/pkg/logger"
	"skillswap-backend/pkg/metrics"
)

// MessageIDRepository maps a client's (sender, tempId) pair to the canonical
// message id assigned by the first submission. A claim is stored as pending
// with a short TTL and rewritten as committed once the message is persisted.
// Redis is authoritative; while it is degraded claims are served from a
// bounded in-process cache.
type MessageIDRepository struct {
	client     *database.RedisClient
	fallback   *cache.MemoryCache
	ttl        time.Duration
	pendingTTL time.Duration
}

// NewMessageIDRepository creates a new MessageIDRepository
func NewMessageIDRepository(client *database.RedisClient) *MessageIDRepository {
	return &MessageIDRepository{
		client:     client,
		fallback:   cache.NewMemoryCache(constants.MessageIdempotencyTTL, constants.MaxTrackedTempIDs),
		ttl:        constants.MessageIdempotencyTTL,
		pendingTTL: constants.MessageClaimPendingTTL,
	}
}

const pendingPrefix = "pending:"

func messageIDKey(senderID, tempID string) string {
	return fmt.Sprintf("chat:idem:%s:%s", senderID, tempID)
}

func parseClaim(value string) domain.MessageClaim {
	if id, pending := strings.CutPrefix(value, pendingPrefix); pending {
		return domain.MessageClaim{ID: id}
	}
	return domain.MessageClaim{ID: value, Committed: true}
}

// Claim binds candidateID to (senderID, tempID) unless an id is already
// bound. The returned claim is Fresh when this call bound it.
func (r *MessageIDRepository) Claim(ctx context.Context, senderID, tempID, candidateID string) (domain.MessageClaim, error) {
	key := messageIDKey(senderID, tempID)
	pending := pendingPrefix + candidateID

	stored, err := r.client.SafeSetNX(ctx, key, pending, r.pendingTTL).Result()
	if err != nil {
		return r.claimLocal(key, candidateID, err)
	}
	if stored {
		r.fallback.Set(key, pending, r.pendingTTL)
		return domain.MessageClaim{ID: candidateID, Fresh: true}, nil
	}

	existing, err := r.client.SafeGet(ctx, key).Result()
	if err != nil {
		if stderrors.Is(err, redis.Nil) {
			// expired between SETNX and GET
			return r.Claim(ctx, senderID, tempID, candidateID)
		}
		return r.claimLocal(key, candidateID, err)
	}
	return parseClaim(existing), nil
}

// Commit marks the claim as stored so duplicates may be answered with its id
func (r *MessageIDRepository) Commit(ctx context.Context, senderID, tempID, messageID string) error {
	key := messageIDKey(senderID, tempID)
	r.fallback.Set(key, messageID, r.ttl)
	if err := r.client.SafeSet(ctx, key, messageID, r.ttl).Err(); err != nil {
		if stderrors.Is(err, database.ErrDegraded) {
			return nil
		}
		return fmt.Errorf("failed to commit message id claim: %w", err)
	}
	return nil
}

// Release forgets a claim so the client can retry after a failed persist
func (r *MessageIDRepository) Release(ctx context.Context, senderID, tempID string) {
	key := messageIDKey(senderID, tempID)
	r.fallback.Delete(key)
	if err := r.client.SafeDel(ctx, key).Err(); err != nil && !stderrors.Is(err, database.ErrDegraded) {
		logger.Warn("Failed to release message id claim", zap.String("key", key), zap.Error(err))
	}
}

func (r *MessageIDRepository) claimLocal(key, candidateID string, cause error) (domain.MessageClaim, error) {
	metrics.ChatIdempotencyFallbackTotal.Inc()
	if !stderrors.Is(cause, database.ErrDegraded) {
		logger.Warn("Redis idempotency claim failed, using in-process fallback",
			zap.String("key", key),
			zap.Error(cause))
	}
	held, stored := r.fallback.SetIfAbsent(key, pendingPrefix+candidateID, r.pendingTTL)
	if stored {
		return domain.MessageClaim{ID: candidateID, Fresh: true}, nil
	}
	value, ok := held.(string)
	if !ok {
		return domain.MessageClaim{}, fmt.Errorf("unexpected idempotency entry for %s", key)
	}
	return parseClaim(value), nil
}
