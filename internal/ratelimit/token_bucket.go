package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// takeScript refills KEYS[1] from the Redis clock and takes ARGV[3] tokens
// when available. It returns {wait_ms, remaining}; wait_ms is 0 on success.
// Remaining is a string because Redis truncates Lua numbers to integers.
var takeScript = redis.NewScript(`
local rate  = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local cost  = tonumber(ARGV[3])

local clock = redis.call("TIME")
local now = clock[1] * 1000 + math.floor(clock[2] / 1000)

local state = redis.call("HMGET", KEYS[1], "tokens", "ts")
local tokens = tonumber(state[1]) or burst
local last = tonumber(state[2]) or now
tokens = math.min(burst, tokens + math.max(0, now - last) * rate / 1000)

local wait = 0
if tokens >= cost then
  tokens = tokens - cost
else
  wait = math.ceil((cost - tokens) * 1000 / rate)
end

redis.call("HSET", KEYS[1], "tokens", tostring(tokens), "ts", now)
redis.call("PEXPIRE", KEYS[1], ARGV[4])
return {wait, tostring(tokens)}
`)

var (
	ErrNotConfigured = errors.New("ratelimit: not configured")
	ErrEmptyKey      = errors.New("ratelimit: empty key")
	ErrInvalidRate   = errors.New("ratelimit: rate and burst must be positive")
)

// Rule is a refill rate in tokens per second and a bucket size.
type Rule struct {
	Rate  float64
	Burst int
}

func (r Rule) valid() bool {
	return r.Rate > 0 && r.Burst > 0
}

// ttl keeps an idle bucket for two full refills, at least a second.
func (r Rule) ttl() time.Duration {
	if !r.valid() {
		return time.Second
	}
	seconds := math.Max(1, math.Ceil(2*float64(r.Burst)/r.Rate))
	return time.Duration(seconds) * time.Second
}

type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// TokenBucket keeps bucket state in Redis so every API replica draws from
// the same bucket.
type TokenBucket struct {
	client *redis.Client
}

func NewTokenBucket(client *redis.Client) *TokenBucket {
	if client == nil {
		return nil
	}
	return &TokenBucket{client: client}
}

// Allow takes one token from the bucket at key.
func (t *TokenBucket) Allow(ctx context.Context, key string, rule Rule) (Result, error) {
	if t == nil || t.client == nil {
		return Result{}, ErrNotConfigured
	}
	if key == "" {
		return Result{}, ErrEmptyKey
	}
	if !rule.valid() {
		return Result{}, ErrInvalidRate
	}

	reply, err := takeScript.Run(ctx, t.client, []string{key}, rule.Rate, rule.Burst, 1, rule.ttl().Milliseconds()).Slice()
	if err != nil {
		return Result{}, err
	}
	if len(reply) != 2 {
		return Result{}, fmt.Errorf("ratelimit: unexpected script reply %v", reply)
	}
	waitMS := scriptInt(reply[0])
	return Result{
		Allowed:    waitMS == 0,
		Limit:      rule.Burst,
		Remaining:  int(scriptFloat(reply[1])),
		RetryAfter: time.Duration(waitMS) * time.Millisecond,
	}, nil
}

func scriptInt(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case string:
		parsed, _ := strconv.ParseInt(n, 10, 64)
		return parsed
	}
	return 0
}

func scriptFloat(v any) float64 {
	switch n := v.(type) {
	case string:
		parsed, _ := strconv.ParseFloat(n, 64)
		return parsed
	case int64:
		return float64(n)
	}
	return 0
}
