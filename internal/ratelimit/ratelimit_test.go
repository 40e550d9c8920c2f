package ratelimit

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/fortunepay/internal/config"
	"github.com/stretchr/testify/require"
)

func TestNewLimiterDisabledAllowsEverything(t *testing.T) {
	l, err := NewLimiter(config.Config{}, nil)
	require.NoError(t, err)
	require.Nil(t, l)
	require.False(t, l.Enabled())

	res, err := l.AllowOrder(context.Background(), 42)
	require.NoError(t, err)
	require.True(t, res.Allowed)

	res, err = l.AllowWebhook(context.Background(), "kakaopay")
	require.NoError(t, err)
	require.True(t, res.Allowed)
}

func TestNewLimiterValidation(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	t.Cleanup(func() { _ = client.Close() })

	cfg := config.Config{RateLimit: config.RateLimitConfig{Enabled: true, OrderRate: 1, OrderBurst: 1, WebhookRate: 1, WebhookBurst: 1}}

	_, err := NewLimiter(cfg, nil)
	require.Error(t, err)

	bad := cfg
	bad.RateLimit.OrderBurst = 0
	_, err = NewLimiter(bad, client)
	require.Error(t, err)

	bad = cfg
	bad.RateLimit.WebhookRate = 0
	_, err = NewLimiter(bad, client)
	require.Error(t, err)

	l, err := NewLimiter(cfg, client)
	require.NoError(t, err)
	require.True(t, l.Enabled())
}

func TestTokenBucketRejectsBadInput(t *testing.T) {
	var nilBucket *TokenBucket
	_, err := nilBucket.Allow(context.Background(), "k", Rule{Rate: 1, Burst: 1})
	require.ErrorIs(t, err, ErrNotConfigured)

	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	t.Cleanup(func() { _ = client.Close() })
	bucket := NewTokenBucket(client)

	_, err = bucket.Allow(context.Background(), "", Rule{Rate: 1, Burst: 1})
	require.ErrorIs(t, err, ErrEmptyKey)
	_, err = bucket.Allow(context.Background(), "k", Rule{Burst: 1})
	require.ErrorIs(t, err, ErrInvalidRate)
}

func TestBucketTTL(t *testing.T) {
	require.Equal(t, 10*time.Second, Rule{Rate: 1, Burst: 5}.ttl())
	require.Equal(t, time.Second, Rule{Rate: 100, Burst: 1}.ttl())
	require.Equal(t, time.Second, Rule{Burst: 1}.ttl())
}

func TestScriptValueParsing(t *testing.T) {
	require.Equal(t, int64(1), scriptInt(int64(1)))
	require.Equal(t, int64(7), scriptInt("7"))
	require.InDelta(t, 2.5, scriptFloat("2.5"), 0.0001)
	require.InDelta(t, 3.0, scriptFloat(int64(3)), 0.0001)
	require.Zero(t, scriptFloat(nil))
}

// Runs against a live redis only when REDIS_ADDR is set.
func TestTokenBucketAndLockerLive(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	ctx := context.Background()
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })

	bucket := NewTokenBucket(client)
	key := "test:bucket:" + uuid.NewString()
	for i := 0; i < 2; i++ {
		res, err := bucket.Allow(ctx, key, Rule{Rate: 0.01, Burst: 2})
		require.NoError(t, err)
		require.True(t, res.Allowed)
	}
	res, err := bucket.Allow(ctx, key, Rule{Rate: 0.01, Burst: 2})
	require.NoError(t, err)
	require.False(t, res.Allowed)
	require.Positive(t, res.RetryAfter)

	locker := NewLocker(client)
	lockKey := "test:lock:" + uuid.NewString()
	lease, err := locker.Acquire(ctx, lockKey, 5*time.Second)
	require.NoError(t, err)

	_, err = locker.Acquire(ctx, lockKey, 5*time.Second)
	require.ErrorIs(t, err, ErrLockHeld)

	stranger := &Lease{client: client, key: lockKey, token: "someone-else"}
	require.NoError(t, stranger.Release(ctx))
	require.ErrorIs(t, stranger.Extend(ctx, time.Second), ErrLockLost)
	_, err = locker.Acquire(ctx, lockKey, 5*time.Second)
	require.ErrorIs(t, err, ErrLockHeld)

	require.NoError(t, lease.Extend(ctx, 10*time.Second))
	require.NoError(t, lease.Release(ctx))
	again, err := locker.Acquire(ctx, lockKey, 5*time.Second)
	require.NoError(t, err)
	require.NoError(t, again.Release(ctx))
}

func TestLockerWithoutClient(t *testing.T) {
	var locker *Locker
	_, err := locker.Acquire(context.Background(), "k", time.Second)
	require.ErrorIs(t, err, ErrNotConfigured)
	require.Nil(t, NewLocker(nil))

	var lease *Lease
	require.NoError(t, lease.Release(context.Background()))
}
