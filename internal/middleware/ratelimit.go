package middleware

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"skillswap-backend/internal/database"
	"skillswap-backend/pkg/errors"
	"skillswap-backend/pkg/logger"
	"skillswap-backend/pkg/response"
)

// RateLimiter implements a fixed-window Redis rate limit per user (or IP
// before authentication). It fails open while Redis is unavailable.
type RateLimiter struct {
	client   *database.RedisClient
	requests int
	window   time.Duration
	prefix   string
}

// NewRateLimiter allows requests per window for each caller
func NewRateLimiter(client *database.RedisClient, prefix string, requests int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		client:   client,
		requests: requests,
		window:   window,
		prefix:   prefix,
	}
}

// Middleware returns a Gin middleware for rate limiting
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		identifier := "ip:" + c.ClientIP()
		if userID := c.GetString(ContextUserID); userID != "" {
			identifier = "user:" + userID
		}

		count, resetAt, err := rl.hit(c.Request.Context(), identifier)
		if err != nil {
			logger.Debug("Rate limit check skipped", zap.Error(err))
			c.Next()
			return
		}

		remaining := rl.requests - int(count)
		if remaining < 0 {
			remaining = 0
		}
		c.Header("X-RateLimit-Limit", strconv.Itoa(rl.requests))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(resetAt, 10))

		if int(count) > rl.requests {
			response.FromError(c, errors.RateLimitExceededError())
			c.Abort()
			return
		}

		c.Next()
	}
}

// hit counts one request in the current window
func (rl *RateLimiter) hit(ctx context.Context, identifier string) (int64, int64, error) {
	if rl.client == nil || rl.client.IsDegraded() {
		return 0, 0, database.ErrDegraded
	}

	windowStart := time.Now().Truncate(rl.window)
	key := fmt.Sprintf("ratelimit:%s:%s:%d", rl.prefix, identifier, windowStart.Unix())

	pipe := rl.client.Client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, rl.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, fmt.Errorf("failed to increment rate limit: %w", err)
	}

	return incr.Val(), windowStart.Add(rl.window).Unix(), nil
}
