package scheduler

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/smallbiznis/fortunepay/internal/clock"
	obsmetrics "github.com/smallbiznis/fortunepay/internal/observability/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// withSchedulerRegistry points the scheduler metrics at a fresh registry.
func withSchedulerRegistry(t *testing.T) *prometheus.Registry {
	t.Helper()
	registry := prometheus.NewRegistry()
	prevReg, prevGather := prometheus.DefaultRegisterer, prometheus.DefaultGatherer
	prometheus.DefaultRegisterer, prometheus.DefaultGatherer = registry, registry
	obsmetrics.ResetSchedulerMetricsForTest()
	obsmetrics.SchedulerWithConfig(obsmetrics.Config{ServiceName: "fortunepay", Environment: "test"})
	t.Cleanup(func() {
		prometheus.DefaultRegisterer, prometheus.DefaultGatherer = prevReg, prevGather
		obsmetrics.ResetSchedulerMetricsForTest()
	})
	return registry
}

func bareScheduler(t *testing.T, log *zap.Logger) *Scheduler {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	return &Scheduler{
		log:   log,
		genID: node,
		clock: clock.NewFakeClock(time.Time{}),
		cfg:   Config{}.withDefaults(),
	}
}

func TestRunJobSoftTimeout(t *testing.T) {
	registry := withSchedulerRegistry(t)
	core, logs := observer.New(zap.InfoLevel)
	s := bareScheduler(t, zap.New(core))

	slow := job{name: "slow_sweep", resource: "orders_pending", sweep: func(ctx context.Context, _ *jobRun) error {
		<-ctx.Done()
		return ctx.Err()
	}}
	require.NoError(t, s.runJob(context.Background(), slow, 5*time.Millisecond))

	const timeouts = `
# HELP fortunepay_scheduler_job_timeouts_total Sweep jobs stopped by their soft deadline.
# TYPE fortunepay_scheduler_job_timeouts_total counter
fortunepay_scheduler_job_timeouts_total{env="test",job="slow_sweep",service="fortunepay"} 1
`
	require.NoError(t, testutil.GatherAndCompare(registry, strings.NewReader(timeouts), "fortunepay_scheduler_job_timeouts_total"))
	assert.Equal(t, 1, logs.FilterMessage("job timed out").Len())

	finish := logs.FilterMessage("scheduler.job.finish").All()
	require.Len(t, finish, 1)
	assert.Equal(t, int64(1), finish[0].ContextMap()["error_count"])
	assert.Equal(t, "slow_sweep", finish[0].ContextMap()["job"])
	assert.NotEmpty(t, finish[0].ContextMap()["request_id"])
}

func TestRunJobWrapsFailures(t *testing.T) {
	withSchedulerRegistry(t)
	s := bareScheduler(t, zap.NewNop())

	broken := job{name: "broken", sweep: func(context.Context, *jobRun) error { return errors.New("boom") }}
	err := s.runJob(context.Background(), broken, time.Second)
	assert.EqualError(t, err, "broken: boom")
}

func TestJobRunCountsProcessedRows(t *testing.T) {
	registry := withSchedulerRegistry(t)
	s := bareScheduler(t, zap.NewNop())

	counting := job{name: "counting", resource: obsmetrics.ResourceExpiredLots, sweep: func(_ context.Context, run *jobRun) error {
		run.add(2)
		run.add(0)
		return run.claim(func() error { run.add(1); return nil })
	}}
	require.NoError(t, s.execute(context.Background(), counting))

	const processed = `
# HELP fortunepay_scheduler_batch_processed_total Rows handled by sweep jobs.
# TYPE fortunepay_scheduler_batch_processed_total counter
fortunepay_scheduler_batch_processed_total{env="test",job="counting",resource="point_lots_expired",service="fortunepay"} 3
`
	require.NoError(t, testutil.GatherAndCompare(registry, strings.NewReader(processed), "fortunepay_scheduler_batch_processed_total"))
}

func TestRunOnceWithoutLockerRunsJobs(t *testing.T) {
	s := bareScheduler(t, zap.NewNop())
	s.cfg.LockTTL = time.Minute
	assert.False(t, s.lockingEnabled())
	lease, err := s.acquireRun(context.Background())
	require.NoError(t, err)
	assert.Nil(t, lease)
}
