package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"math"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/creditline/internal/observability/logger"
	"github.com/smallbiznis/creditline/internal/ratelimit"
	"go.uber.org/zap"
)

// maxKeyScanBody caps how much of a throttled request body is read to find its idempotency key.
const maxKeyScanBody = 64 << 10

type chargeLimiter interface {
	Enabled() bool
	AllowUser(ctx context.Context, userID string) (ratelimit.Result, error)
}

// ChargeRateLimit throttles charges per user. Limiter failures fail open, and
// a throttled request whose idempotency key is already in the ledger passes
// through to its replay.
func (s *Server) ChargeRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.limiter == nil || !s.limiter.Enabled() {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		userID := userIDParam(c)
		res, err := s.limiter.AllowUser(ctx, userID)
		if err != nil {
			logger.FromContext(ctx).Warn("charge rate limit check failed", zap.Error(err))
			c.Next()
			return
		}
		if !res.Allowed {
			if s.isChargeReplay(c, userID) {
				c.Next()
				return
			}
			logger.FromContext(ctx).Info("charge rate limited", zap.Duration("retry_after", res.RetryAfter))
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(res.RetryAfter.Seconds()))))
			AbortWithError(c, ErrRateLimited)
			return
		}

		c.Next()
	}
}

func (s *Server) isChargeReplay(c *gin.Context, userID string) bool {
	if s.ledgerSvc == nil {
		return false
	}
	key := idempotencyKey(c, peekBodyKey(c))
	if key == "" {
		return false
	}
	entry, err := s.ledgerSvc.FindEntryByKey(c.Request.Context(), userID, key)
	if err != nil {
		logger.FromContext(c.Request.Context()).Warn("charge replay lookup failed", zap.Error(err))
		return false
	}
	return entry != nil
}

// peekBodyKey reads idempotency_key from the JSON body and restores the body for the handler.
func peekBodyKey(c *gin.Context) string {
	if c.Request.Body == nil || c.GetHeader("Idempotency-Key") != "" {
		return ""
	}
	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxKeyScanBody))
	if err != nil {
		return ""
	}
	c.Request.Body = io.NopCloser(io.MultiReader(bytes.NewReader(raw), c.Request.Body))

	var body struct {
		IdempotencyKey string `json:"idempotency_key"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return ""
	}
	return body.IdempotencyKey
}
