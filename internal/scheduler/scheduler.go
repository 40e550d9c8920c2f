package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/fortunepay/internal/clock"
	fulfillmentdomain "github.com/smallbiznis/fortunepay/internal/fulfillment/domain"
	"github.com/smallbiznis/fortunepay/internal/idempotency"
	ledgerdomain "github.com/smallbiznis/fortunepay/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/fortunepay/internal/observability/metrics"
	orderdomain "github.com/smallbiznis/fortunepay/internal/order/domain"
	pointsdomain "github.com/smallbiznis/fortunepay/internal/points/domain"
	"github.com/smallbiznis/fortunepay/internal/ratelimit"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	JobOrderTimeout     = "order_timeout"
	JobPointsExpiry     = "points_expiry"
	JobIdempotencyPurge = "idempotency_purge"
	JobReportRecovery   = "report_recovery"
)

const runLockKey = "fortunepay:scheduler:run"

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	GenID       *snowflake.Node
	Clock       clock.Clock
	Orders      orderdomain.Service
	Points      pointsdomain.Service
	LedgerRepo  ledgerdomain.Repository
	Fulfillment fulfillmentdomain.Service
	Guard       *idempotency.Guard `optional:"true"`
	Locker      *ratelimit.Locker  `optional:"true"`
	Config      Config             `optional:"true"`
}

type Scheduler struct {
	db          *gorm.DB
	log         *zap.Logger
	cfg         Config
	genID       *snowflake.Node
	clock       clock.Clock
	orders      orderdomain.Service
	points      pointsdomain.Service
	ledgerRepo  ledgerdomain.Repository
	fulfillment fulfillmentdomain.Service
	guard       *idempotency.Guard
	locker      *ratelimit.Locker
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.GenID == nil || p.Clock == nil ||
		p.Orders == nil || p.Points == nil || p.LedgerRepo == nil || p.Fulfillment == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		db:          p.DB,
		log:         p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:         p.Config.withDefaults(),
		genID:       p.GenID,
		clock:       p.Clock,
		orders:      p.Orders,
		points:      p.Points,
		ledgerRepo:  p.LedgerRepo,
		fulfillment: p.Fulfillment,
		guard:       p.Guard,
		locker:      p.Locker,
	}, nil
}

// runJob executes j under a soft deadline. A deadline is not an error: the
// next tick resumes where this one stopped.
func (s *Scheduler) runJob(parent context.Context, j job, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	err := s.execute(ctx, j)
	switch {
	case err == nil:
		return nil
	case obsmetrics.ClassifyJobError(err) == obsmetrics.ReasonDeadline:
		s.log.Warn("job timed out",
			zap.String("job", j.name),
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}
	return fmt.Errorf("%s: %w", j.name, err)
}

// RunOnce runs every enabled job a single time. Job failures are joined so
// one failing sweep does not starve the others. With a locker configured,
// replicas that lose the lease skip the run.
func (s *Scheduler) RunOnce(parent context.Context) error {
	lease, err := s.acquireRun(parent)
	if err != nil || (lease == nil && s.lockingEnabled()) {
		return err
	}
	if lease != nil {
		defer func() {
			if err := lease.Release(context.WithoutCancel(parent)); err != nil {
				s.log.Warn("release scheduler lease", zap.Error(err))
			}
		}()
	}

	var joined error
	for _, j := range s.jobs() {
		if !s.isJobEnabled(j.name) {
			continue
		}
		if lease != nil {
			if err := lease.Extend(parent, s.cfg.LockTTL); err != nil {
				return errors.Join(joined, fmt.Errorf("extend scheduler lease: %w", err))
			}
		}
		joined = errors.Join(joined, s.runJob(parent, j, s.cfg.JobTimeout))
	}
	return joined
}

func (s *Scheduler) lockingEnabled() bool {
	return s.locker != nil && s.cfg.LockTTL > 0
}

// acquireRun returns a nil lease without error when locking is off or when
// another replica holds the run.
func (s *Scheduler) acquireRun(ctx context.Context) (*ratelimit.Lease, error) {
	if !s.lockingEnabled() {
		return nil, nil
	}
	lease, err := s.locker.Acquire(ctx, runLockKey, s.cfg.LockTTL)
	switch {
	case errors.Is(err, ratelimit.ErrLockHeld):
		s.log.Debug("scheduler run skipped, lease held by another replica")
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("acquire scheduler lease: %w", err)
	}
	return lease, nil
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	planned := time.Now()

	for {
		obsmetrics.Scheduler().RunLoopLag(time.Since(planned))
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		planned = planned.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	// An empty list enables every job (monolith mode).
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(strings.TrimSpace(enabled), jobName) {
			return true
		}
	}
	return false
}
