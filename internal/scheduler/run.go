package scheduler

import (
	"context"
	"time"

	obscontext "github.com/smallbiznis/fortunepay/internal/observability/context"
	obslogger "github.com/smallbiznis/fortunepay/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/fortunepay/internal/observability/metrics"
	"go.uber.org/zap"
)

// job is one sweep. Sweeps report progress through the run they are given.
type job struct {
	name     string
	resource string
	sweep    func(ctx context.Context, run *jobRun) error
}

// jobRun tracks a single execution of a job. Its id doubles as the request
// id on every log line and span the sweep produces.
type jobRun struct {
	job       job
	id        string
	batchSize int
	started   time.Time
	processed int
	failures  int
	log       *zap.Logger
	metrics   *obsmetrics.SchedulerMetrics
}

func (s *Scheduler) begin(ctx context.Context, j job) (context.Context, *jobRun) {
	run := &jobRun{
		job:       j,
		id:        s.genID.Generate().String(),
		batchSize: s.cfg.BatchSize,
		started:   time.Now(),
		metrics:   obsmetrics.Scheduler(),
	}
	ctx = obscontext.WithActor(ctx, "system", "scheduler")
	ctx = obscontext.WithRequestID(ctx, run.id)
	run.log = obslogger.WithContext(ctx, s.log).With(zap.String("job", j.name))

	run.metrics.JobStarted(j.name)
	run.log.Info("scheduler.job.start", zap.Int("batch_size", run.batchSize))
	return ctx, run
}

// add counts rows a sweep finished with.
func (r *jobRun) add(n int) {
	if n <= 0 {
		return
	}
	r.processed += n
	r.metrics.Processed(r.job.name, r.job.resource, n)
}

// claim times a locking read on the job's resource.
func (r *jobRun) claim(fn func() error) error {
	start := time.Now()
	err := fn()
	r.metrics.LockWait(r.job.resource, time.Since(start))
	return err
}

// fail logs err against the run without stopping it.
func (r *jobRun) fail(msg string, err error, fields ...zap.Field) {
	r.failures++
	r.log.Error(msg, append([]zap.Field{
		zap.String("error_type", obsmetrics.ClassifyJobError(err)),
		zap.Bool("retryable", obsmetrics.Retryable(err)),
		zap.Error(err),
	}, fields...)...)
}

func (r *jobRun) end(err error) {
	took := time.Since(r.started)
	r.metrics.JobFinished(r.job.name, took, err)
	if err != nil && r.failures == 0 {
		r.failures = 1
	}
	fields := []zap.Field{
		zap.Int64("duration_ms", took.Milliseconds()),
		zap.Int("processed_count", r.processed),
		zap.Int("error_count", r.failures),
	}
	if r.failures > 0 {
		r.log.Warn("scheduler.job.finish", fields...)
		return
	}
	r.log.Info("scheduler.job.finish", fields...)
}
