package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/fortunepay/internal/clock"
	"github.com/smallbiznis/fortunepay/internal/idempotency/domain"
)

const (
	keyClaim  = "fortunepay:idem:claim:"
	keyResult = "fortunepay:idem:result:"
)

const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

// completeScript stores the result only while the caller still owns the claim.
const completeScript = `
if redis.call("GET", KEYS[1]) ~= ARGV[1] then
  return 0
end
redis.call("SET", KEYS[2], ARGV[2], "PX", ARGV[3])
redis.call("DEL", KEYS[1])
return 1
`

type storedRecord struct {
	Operation string    `json:"operation"`
	Response  []byte    `json:"response"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

type Store struct {
	client   *redis.Client
	release  *redis.Script
	complete *redis.Script
	clock    clock.Clock
}

func New(client *redis.Client, clk clock.Clock) (*Store, error) {
	if client == nil {
		return nil, errors.New("idempotency redis client not configured")
	}
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Store{
		client:   client,
		release:  redis.NewScript(releaseScript),
		complete: redis.NewScript(completeScript),
		clock:    clk,
	}, nil
}

func (s *Store) Get(ctx context.Context, key string) (*domain.Record, error) {
	raw, err := s.client.Get(ctx, keyResult+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var stored storedRecord
	if err := json.Unmarshal(raw, &stored); err != nil {
		return nil, err
	}
	if !stored.ExpiresAt.After(s.clock.Now()) {
		return nil, nil
	}
	return &domain.Record{
		Key:       key,
		Operation: stored.Operation,
		Response:  stored.Response,
		CreatedAt: stored.CreatedAt,
		ExpiresAt: stored.ExpiresAt,
	}, nil
}

func (s *Store) Claim(ctx context.Context, key, _ string, ttl time.Duration) (string, bool, error) {
	if key == "" {
		return "", false, domain.ErrInvalidKey
	}
	if ttl <= 0 {
		return "", false, errors.New("idempotency claim ttl must be positive")
	}
	exists, err := s.client.Exists(ctx, keyResult+key).Result()
	if err != nil {
		return "", false, err
	}
	if exists > 0 {
		return "", false, nil
	}

	token := uuid.NewString()
	ok, err := s.client.SetNX(ctx, keyClaim+key, token, ttl).Result()
	if err != nil {
		return "", false, err
	}
	return token, ok, nil
}

func (s *Store) Complete(ctx context.Context, key, token string, record domain.Record) error {
	ttl := record.ExpiresAt.Sub(s.clock.Now())
	if ttl <= 0 {
		return s.Release(ctx, key, token)
	}
	payload, err := json.Marshal(storedRecord{
		Operation: record.Operation,
		Response:  record.Response,
		CreatedAt: record.CreatedAt,
		ExpiresAt: record.ExpiresAt,
	})
	if err != nil {
		return err
	}
	stored, err := s.complete.Run(ctx, s.client,
		[]string{keyClaim + key, keyResult + key},
		token, payload, ttl.Milliseconds(),
	).Int()
	if err != nil {
		return err
	}
	if stored == 0 {
		return domain.ErrClaimLost
	}
	return nil
}

func (s *Store) Release(ctx context.Context, key, token string) error {
	if key == "" || token == "" {
		return nil
	}
	return s.release.Run(ctx, s.client, []string{keyClaim + key}, token).Err()
}

// Purge is a no-op: redis expires keys on its own.
func (s *Store) Purge(context.Context, time.Time) (int64, error) {
	return 0, nil
}
