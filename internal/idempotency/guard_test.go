package idempotency_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/smallbiznis/fortunepay/internal/clock"
	"github.com/smallbiznis/fortunepay/internal/config"
	"github.com/smallbiznis/fortunepay/internal/idempotency"
	"github.com/smallbiznis/fortunepay/internal/idempotency/domain"
	"github.com/smallbiznis/fortunepay/internal/idempotency/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testNow = time.Date(2026, 5, 1, 12, 0, 30, 0, time.UTC)

func newGuard(store domain.Store, clk clock.Clock) *idempotency.Guard {
	return idempotency.NewGuard(idempotency.Params{
		Cfg: config.Config{Idempotency: config.IdempotencyConfig{
			TTL:    5 * time.Minute,
			Bucket: time.Minute,
		}},
		Store: store,
		Log:   zap.NewNop(),
		Clock: clk,
	})
}

func TestDeriveKeyIsDeterministic(t *testing.T) {
	a := idempotency.DeriveKey(1, "order.create", map[string]string{"product": "p1", "saju": "k"}, 60, testNow)
	b := idempotency.DeriveKey(1, "order.create", map[string]string{"saju": "k", "product": "p1"}, 60, testNow.Add(10*time.Second))
	assert.Equal(t, a, b)
	assert.Len(t, a, 32)

	assert.NotEqual(t, a, idempotency.DeriveKey(2, "order.create", map[string]string{"product": "p1", "saju": "k"}, 60, testNow))
	assert.NotEqual(t, a, idempotency.DeriveKey(1, "order.approve", map[string]string{"product": "p1", "saju": "k"}, 60, testNow))
	assert.NotEqual(t, a, idempotency.DeriveKey(1, "order.create", map[string]string{"product": "p2", "saju": "k"}, 60, testNow))
	assert.NotEqual(t, a, idempotency.DeriveKey(1, "order.create", map[string]string{"product": "p1", "saju": "k"}, 60, testNow.Add(time.Minute)))

	unbucketed := idempotency.DeriveKey(1, "order.create", nil, 0, testNow)
	assert.Equal(t, unbucketed, idempotency.DeriveKey(1, "order.create", nil, 0, testNow.Add(24*time.Hour)))
}

func TestCheckOrStoreReturnsCachedResult(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFakeClock(testNow)
	guard := newGuard(memory.New(clk), clk)

	calls := 0
	compute := func(context.Context) ([]byte, error) {
		calls++
		return []byte(`{"order_id":"42"}`), nil
	}

	first, hit, err := guard.CheckOrStore(ctx, "k1", "order.create", compute)
	require.NoError(t, err)
	assert.False(t, hit)

	second, hit, err := guard.CheckOrStore(ctx, "k1", "order.create", compute)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, calls)

	clk.Advance(6 * time.Minute)
	_, hit, err = guard.CheckOrStore(ctx, "k1", "order.create", compute)
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, 2, calls)
}

func TestCheckOrStoreDoesNotCacheErrors(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFakeClock(testNow)
	guard := newGuard(memory.New(clk), clk)

	boom := errors.New("gateway down")
	_, _, err := guard.CheckOrStore(ctx, "k2", "order.create", func(context.Context) ([]byte, error) {
		return nil, boom
	})
	require.ErrorIs(t, err, boom)

	resp, hit, err := guard.CheckOrStore(ctx, "k2", "order.create", func(context.Context) ([]byte, error) {
		return []byte(`"ok"`), nil
	})
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, []byte(`"ok"`), resp)
}

func TestConcurrentCallersComputeOnce(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFakeClock(testNow)
	guard := newGuard(memory.New(clk), clk)

	var calls atomic.Int32
	release := make(chan struct{})
	compute := func(context.Context) ([]byte, error) {
		calls.Add(1)
		<-release
		return []byte(`"done"`), nil
	}

	var wg sync.WaitGroup
	results := make([][]byte, 10)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, _, err := guard.CheckOrStore(ctx, "k3", "points.purchase", compute)
			if err != nil {
				t.Errorf("check or store: %v", err)
				return
			}
			results[i] = resp
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.EqualValues(t, 1, calls.Load())
	for _, resp := range results {
		assert.Equal(t, []byte(`"done"`), resp)
	}
}

func TestForeignClaimIsAwaited(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFakeClock(testNow)
	store := memory.New(clk)
	guard := newGuard(store, clk)

	// another process holds the claim and finishes shortly after.
	token, claimed, err := store.Claim(ctx, "k4", "order.approve", time.Minute)
	require.NoError(t, err)
	require.True(t, claimed)
	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = store.Complete(ctx, "k4", token, domain.Record{
			Response:  []byte(`"theirs"`),
			CreatedAt: clk.Now(),
			ExpiresAt: clk.Now().Add(time.Minute),
		})
	}()

	resp, hit, err := guard.CheckOrStore(ctx, "k4", "order.approve", func(context.Context) ([]byte, error) {
		t.Error("compute must not run while another holder owns the claim")
		return nil, nil
	})
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, []byte(`"theirs"`), resp)
}

type purchase struct {
	OrderID string `json:"order_id"`
	Points  int64  `json:"points"`
}

func TestRunDecodesTypedResults(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFakeClock(testNow)
	guard := newGuard(memory.New(clk), clk)

	calls := 0
	compute := func(context.Context) (purchase, error) {
		calls++
		return purchase{OrderID: "7", Points: 110}, nil
	}
	first, err := idempotency.Run(ctx, guard, "k5", "points.purchase", compute)
	require.NoError(t, err)
	second, err := idempotency.Run(ctx, guard, "k5", "points.purchase", compute)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, calls)
}

func TestNilGuardRunsCompute(t *testing.T) {
	var guard *idempotency.Guard
	resp, hit, err := guard.CheckOrStore(context.Background(), "k", "op", func(context.Context) ([]byte, error) {
		return []byte("x"), nil
	})
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, []byte("x"), resp)
}
