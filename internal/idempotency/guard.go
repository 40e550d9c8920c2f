package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/smallbiznis/fortunepay/internal/clock"
	"github.com/smallbiznis/fortunepay/internal/config"
	"github.com/smallbiznis/fortunepay/internal/idempotency/domain"
	"github.com/smallbiznis/fortunepay/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/fortunepay/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	defaultClaimTTL     = 30 * time.Second
	defaultPollInterval = 50 * time.Millisecond
	keyLength           = 32
)

// DeriveKey hashes the account, operation, sorted params and the time bucket
// containing at. A non-positive bucket disables bucketing.
func DeriveKey(accountID int64, operation string, params map[string]string, bucketSeconds int64, at time.Time) string {
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	fmt.Fprintf(&b, "%d|%s|", accountID, strings.TrimSpace(operation))
	for _, name := range names {
		fmt.Fprintf(&b, "%s=%s&", name, params[name])
	}
	var bucket int64
	if bucketSeconds > 0 {
		bucket = at.Unix() / bucketSeconds
	}
	fmt.Fprintf(&b, "|%d", bucket)

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])[:keyLength]
}

type Params struct {
	fx.In

	Cfg        config.Config
	Store      domain.Store
	Log        *zap.Logger
	Clock      clock.Clock
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

// Guard coalesces duplicate requests: in process through singleflight and
// across processes through the store claim.
type Guard struct {
	store        domain.Store
	group        singleflight.Group
	log          *zap.Logger
	clock        clock.Clock
	obsMetrics   *obsmetrics.Metrics
	ttl          time.Duration
	bucket       time.Duration
	claimTTL     time.Duration
	pollInterval time.Duration
}

func NewGuard(p Params) *Guard {
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	ttl := p.Cfg.Idempotency.TTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Guard{
		store:        p.Store,
		log:          p.Log.Named("idempotency"),
		clock:        clk,
		obsMetrics:   p.ObsMetrics,
		ttl:          ttl,
		bucket:       p.Cfg.Idempotency.Bucket,
		claimTTL:     defaultClaimTTL,
		pollInterval: defaultPollInterval,
	}
}

// Key derives a key in the guard's current time bucket.
func (g *Guard) Key(accountID int64, operation string, params map[string]string) string {
	if g == nil {
		return DeriveKey(accountID, operation, params, 0, time.Time{})
	}
	return DeriveKey(accountID, operation, params, int64(g.bucket/time.Second), g.clock.Now())
}

type outcome struct {
	response []byte
	hit      bool
}

// CheckOrStore returns the cached response for key while it is inside the
// validity window, otherwise runs compute once and caches what it returns.
// Errors from compute are not cached.
func (g *Guard) CheckOrStore(
	ctx context.Context,
	key, operation string,
	compute func(ctx context.Context) ([]byte, error),
) ([]byte, bool, error) {
	if g == nil || g.store == nil {
		resp, err := compute(ctx)
		return resp, false, err
	}
	if strings.TrimSpace(key) == "" {
		return nil, false, domain.ErrInvalidKey
	}

	v, err, _ := g.group.Do(key, func() (any, error) {
		return g.resolve(ctx, key, operation, compute)
	})
	if err != nil {
		return nil, false, err
	}
	out := v.(outcome)
	g.obsMetrics.RecordIdempotencyLookup(ctx, operation, out.hit)
	return out.response, out.hit, nil
}

func (g *Guard) resolve(
	ctx context.Context,
	key, operation string,
	compute func(ctx context.Context) ([]byte, error),
) (outcome, error) {
	deadline := time.Now().Add(g.claimTTL)
	for {
		record, err := g.store.Get(ctx, key)
		if err != nil {
			return outcome{}, err
		}
		if record != nil {
			return outcome{response: record.Response, hit: true}, nil
		}

		token, claimed, err := g.store.Claim(ctx, key, operation, g.claimTTL)
		if err != nil {
			return outcome{}, err
		}
		if claimed {
			return g.compute(ctx, key, operation, token, compute)
		}

		if time.Now().After(deadline) {
			return outcome{}, domain.ErrInProgress
		}
		select {
		case <-ctx.Done():
			return outcome{}, ctx.Err()
		case <-time.After(g.pollInterval):
		}
	}
}

func (g *Guard) compute(
	ctx context.Context,
	key, operation, token string,
	compute func(ctx context.Context) ([]byte, error),
) (outcome, error) {
	log := logger.WithContext(ctx, g.log)

	response, err := compute(ctx)
	if err != nil {
		if releaseErr := g.store.Release(context.WithoutCancel(ctx), key, token); releaseErr != nil {
			log.Warn("failed to release idempotency claim", zap.String("operation", operation), zap.Error(releaseErr))
		}
		return outcome{}, err
	}

	now := g.clock.Now()
	err = g.store.Complete(context.WithoutCancel(ctx), key, token, domain.Record{
		Key:       key,
		Operation: operation,
		Response:  response,
		CreatedAt: now,
		ExpiresAt: now.Add(g.ttl),
	})
	if err != nil {
		// The effect already happened; losing the cache entry only weakens dedupe.
		log.Warn("failed to store idempotency result", zap.String("operation", operation), zap.Error(err))
	}
	return outcome{response: response}, nil
}

// Run is CheckOrStore for JSON-serialisable results.
func Run[T any](ctx context.Context, g *Guard, key, operation string, compute func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	raw, hit, err := g.CheckOrStore(ctx, key, operation, func(ctx context.Context) ([]byte, error) {
		value, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(value)
	})
	if err != nil {
		return zero, err
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		if hit {
			return zero, fmt.Errorf("decode cached %s result: %w", operation, err)
		}
		return zero, err
	}
	return out, nil
}

// Purge drops records that expired before now.
func (g *Guard) Purge(ctx context.Context) (int64, error) {
	if g == nil || g.store == nil {
		return 0, errors.New("idempotency guard not configured")
	}
	return g.store.Purge(ctx, g.clock.Now())
}
