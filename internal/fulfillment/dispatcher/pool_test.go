package dispatcher_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/fortunepay/internal/fulfillment/dispatcher"
	"github.com/smallbiznis/fortunepay/internal/fulfillment/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestPoolRunsEveryJob(t *testing.T) {
	pool := dispatcher.NewPool(3, 16, zap.NewNop())

	var (
		mu   sync.Mutex
		seen = map[snowflake.ID]bool{}
	)
	require.NoError(t, pool.Start(context.Background(), func(_ context.Context, job domain.Job) error {
		mu.Lock()
		defer mu.Unlock()
		seen[job.OrderID] = true
		if job.OrderID == 3 {
			return errors.New("builder failed")
		}
		return nil
	}))

	for i := 1; i <= 10; i++ {
		require.NoError(t, pool.Dispatch(context.Background(), domain.Job{JobID: "job", OrderID: snowflake.ID(i)}))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, pool.Stop(ctx))

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, seen, 10, "stop drains queued jobs and handler errors do not stop workers")
}

func TestPoolRejectsWhenFull(t *testing.T) {
	pool := dispatcher.NewPool(1, 1, zap.NewNop())

	require.NoError(t, pool.Dispatch(context.Background(), domain.Job{OrderID: 1}))
	err := pool.Dispatch(context.Background(), domain.Job{OrderID: 2})
	assert.ErrorIs(t, err, domain.ErrQueueFull)
}

func TestPoolRejectsAfterStop(t *testing.T) {
	pool := dispatcher.NewPool(1, 1, zap.NewNop())
	require.NoError(t, pool.Stop(context.Background()))
	require.NoError(t, pool.Stop(context.Background()))

	assert.ErrorIs(t, pool.Dispatch(context.Background(), domain.Job{OrderID: 1}), domain.ErrDispatcherClosed)
	assert.ErrorIs(t, pool.Start(context.Background(), func(context.Context, domain.Job) error { return nil }), domain.ErrDispatcherClosed)
	assert.Equal(t, "pool", pool.Name())
}
