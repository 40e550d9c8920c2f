package scheduler

import (
	"context"
	"errors"

	obsmetrics "github.com/smallbiznis/fortunepay/internal/observability/metrics"
	pointsdomain "github.com/smallbiznis/fortunepay/internal/points/domain"
	"go.uber.org/zap"
)

func (s *Scheduler) jobs() []job {
	return []job{
		{JobOrderTimeout, obsmetrics.ResourcePendingOrders, s.sweepPendingOrders},
		{JobPointsExpiry, obsmetrics.ResourceExpiredLots, s.sweepExpiredLots},
		{JobIdempotencyPurge, obsmetrics.ResourceIdempotencyRecords, s.sweepIdempotency},
		{JobReportRecovery, obsmetrics.ResourceStuckReports, s.sweepStuckReports},
	}
}

// OrderTimeoutJob cancels pending orders older than the pending window.
func (s *Scheduler) OrderTimeoutJob(ctx context.Context) error {
	return s.execute(ctx, s.job(JobOrderTimeout))
}

// PointsExpiryJob writes expire entries for earn lots past their expiry.
func (s *Scheduler) PointsExpiryJob(ctx context.Context) error {
	return s.execute(ctx, s.job(JobPointsExpiry))
}

// IdempotencyPurgeJob drops cached results past their validity window.
func (s *Scheduler) IdempotencyPurgeJob(ctx context.Context) error {
	return s.execute(ctx, s.job(JobIdempotencyPurge))
}

// ReportRecoveryJob fails reports stuck in generating so they can be retried.
func (s *Scheduler) ReportRecoveryJob(ctx context.Context) error {
	return s.execute(ctx, s.job(JobReportRecovery))
}

func (s *Scheduler) job(name string) job {
	for _, j := range s.jobs() {
		if j.name == name {
			return j
		}
	}
	panic("scheduler: unknown job " + name)
}

func (s *Scheduler) execute(ctx context.Context, j job) error {
	ctx, run := s.begin(ctx, j)
	err := j.sweep(ctx, run)
	run.end(err)
	return err
}

// sweepPendingOrders drains full batches until a short one shows the
// backlog is gone.
func (s *Scheduler) sweepPendingOrders(ctx context.Context, run *jobRun) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		var cancelled int
		err := run.claim(func() error {
			res, err := s.orders.TimeoutSweep(ctx, s.cfg.BatchSize)
			cancelled = res.Cancelled
			return err
		})
		if err != nil {
			return err
		}
		run.add(cancelled)
		if cancelled == 0 {
			run.metrics.Deferred(JobOrderTimeout, obsmetrics.DeferredEmptyBatch)
		}
		if cancelled < s.cfg.BatchSize {
			return nil
		}
	}
}

// sweepExpiredLots handles one batch per run so a lot that keeps failing
// cannot spin the loop. Lot failures are logged and joined.
func (s *Scheduler) sweepExpiredLots(ctx context.Context, run *jobRun) error {
	lots, err := s.ledgerRepo.ListExpiredLots(ctx, s.db, s.clock.Now(), s.cfg.BatchSize)
	if err != nil {
		return err
	}

	var joined error
	for _, lot := range lots {
		if err := ctx.Err(); err != nil {
			return errors.Join(joined, err)
		}
		lotFields := []zap.Field{
			zap.Int64("account_id", lot.AccountID),
			zap.String("lot_id", lot.ID.String()),
		}
		var expired int64
		err := run.claim(func() error {
			txn, err := s.points.ExpireLot(ctx, lot.AccountID, lot.ID)
			if err == nil {
				expired = -txn.Amount
			}
			return err
		})
		switch {
		case errors.Is(err, pointsdomain.ErrLotAlreadyExpired):
			continue
		case err != nil:
			joined = errors.Join(joined, err)
			run.fail("scheduler.points_expiry.lot_failed", err, lotFields...)
			continue
		}
		run.add(1)
		run.log.Debug("scheduler.points_expiry.expired", append(lotFields, zap.Int64("amount", expired))...)
	}
	return joined
}

func (s *Scheduler) sweepIdempotency(ctx context.Context, run *jobRun) error {
	if s.guard == nil {
		return nil
	}
	purged, err := s.guard.Purge(ctx)
	if err != nil {
		return err
	}
	run.add(int(purged))
	return nil
}

func (s *Scheduler) sweepStuckReports(ctx context.Context, run *jobRun) error {
	var recovered int
	err := run.claim(func() (err error) {
		recovered, err = s.fulfillment.RecoverStuck(ctx, s.cfg.BatchSize)
		return err
	})
	if err != nil {
		return err
	}
	run.add(recovered)
	return nil
}
