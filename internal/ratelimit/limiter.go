// Package ratelimit holds the Redis-backed token buckets that throttle
// checkout and webhook ingest, and the lock that keeps scheduler replicas
// from sweeping at the same time.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/fortunepay/internal/config"
)

const (
	keyOrderAccount    = "fortunepay:ratelimit:order:%d"
	keyWebhookProvider = "fortunepay:ratelimit:webhook:%s"
)

// Limiter is nil-safe: a nil or disabled limiter allows everything.
type Limiter struct {
	bucket  *TokenBucket
	order   Rule
	webhook Rule
}

func NewLimiter(cfg config.Config, client *redis.Client) (*Limiter, error) {
	limitCfg := cfg.RateLimit
	if !limitCfg.Enabled {
		return nil, nil
	}
	if client == nil {
		return nil, errors.New("rate limit requires REDIS_ADDR")
	}
	order := Rule{Rate: limitCfg.OrderRate, Burst: limitCfg.OrderBurst}
	if !order.valid() {
		return nil, fmt.Errorf("order rate limit: %w", ErrInvalidRate)
	}
	webhook := Rule{Rate: limitCfg.WebhookRate, Burst: limitCfg.WebhookBurst}
	if !webhook.valid() {
		return nil, fmt.Errorf("webhook rate limit: %w", ErrInvalidRate)
	}
	return &Limiter{bucket: NewTokenBucket(client), order: order, webhook: webhook}, nil
}

func (l *Limiter) Enabled() bool {
	return l != nil && l.bucket != nil
}

func (l *Limiter) AllowOrder(ctx context.Context, accountID int64) (Result, error) {
	if !l.Enabled() {
		return Result{Allowed: true}, nil
	}
	return l.bucket.Allow(ctx, fmt.Sprintf(keyOrderAccount, accountID), l.order)
}

func (l *Limiter) AllowWebhook(ctx context.Context, provider string) (Result, error) {
	if !l.Enabled() {
		return Result{Allowed: true}, nil
	}
	key := fmt.Sprintf(keyWebhookProvider, strings.ToLower(strings.TrimSpace(provider)))
	return l.bucket.Allow(ctx, key, l.webhook)
}
