package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/creditline/internal/config"
)

const keyChargeUser = "creditline:charge:user:%s"

// ChargeLimiter throttles charge requests per user. A nil limiter allows everything.
type ChargeLimiter struct {
	bucket *TokenBucket
	rate   float64
	burst  int
	client *redis.Client
}

func NewChargeLimiter(cfg config.Config) (*ChargeLimiter, error) {
	limitCfg := cfg.RateLimit
	if !limitCfg.Enabled {
		return nil, nil
	}

	addr := strings.TrimSpace(limitCfg.RedisAddr)
	if addr == "" {
		return nil, errors.New("rate limit redis addr is required")
	}
	if limitCfg.ChargeRate <= 0 || limitCfg.ChargeBurst <= 0 {
		return nil, ErrInvalidLimit
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: strings.TrimSpace(limitCfg.RedisPassword),
		DB:       limitCfg.RedisDB,
	})

	return &ChargeLimiter{
		bucket: NewTokenBucket(client),
		rate:   limitCfg.ChargeRate,
		burst:  limitCfg.ChargeBurst,
		client: client,
	}, nil
}

func (l *ChargeLimiter) Enabled() bool {
	return l != nil && l.bucket != nil
}

func (l *ChargeLimiter) AllowUser(ctx context.Context, userID string) (Result, error) {
	if !l.Enabled() {
		return Result{Allowed: true}, nil
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Result{}, ErrEmptyKey
	}
	return l.bucket.Allow(ctx, fmt.Sprintf(keyChargeUser, userID), l.rate, l.burst)
}

func (l *ChargeLimiter) Close() error {
	if l == nil || l.client == nil {
		return nil
	}
	return l.client.Close()
}
