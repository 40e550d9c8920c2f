package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/bwmarrin/snowflake"
	"github.com/oklog/ulid/v2"
	"github.com/smallbiznis/fortunepay/internal/clock"
	"github.com/smallbiznis/fortunepay/internal/config"
	"github.com/smallbiznis/fortunepay/internal/fulfillment/domain"
	"github.com/smallbiznis/fortunepay/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/fortunepay/internal/observability/metrics"
	orderdomain "github.com/smallbiznis/fortunepay/internal/order/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultStuckAfter    = 30 * time.Minute
	defaultRecoverLimit  = 50
	reasonTimedOut       = "generation timed out"
	maxReportErrorLength = 500
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Clock      clock.Clock
	Cfg        config.Config
	Repo       orderdomain.Repository
	Dispatcher domain.Dispatcher
	Builder    domain.Builder      `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	clock      clock.Clock
	repo       orderdomain.Repository
	dispatcher domain.Dispatcher
	builder    domain.Builder
	obsMetrics *obsmetrics.Metrics
	stuckAfter time.Duration
}

func NewService(p Params) domain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	stuckAfter := p.Cfg.Report.StuckAfter
	if stuckAfter <= 0 {
		stuckAfter = defaultStuckAfter
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("fulfillment.service"),
		clock:      clk,
		repo:       p.Repo,
		dispatcher: p.Dispatcher,
		builder:    p.Builder,
		obsMetrics: p.ObsMetrics,
		stuckAfter: stuckAfter,
	}
}

// StartGeneration moves a paid report order to generating and dispatches its
// build once the state change is committed.
func (s *Service) StartGeneration(ctx context.Context, orderID snowflake.ID) (*orderdomain.Order, error) {
	order, err := s.begin(ctx, orderID, orderdomain.ReportPending)
	if err != nil {
		return nil, err
	}
	return s.dispatch(ctx, order)
}

// Retry restarts a failed report under a new job id.
func (s *Service) Retry(ctx context.Context, orderID snowflake.ID) (*orderdomain.Order, error) {
	order, err := s.begin(ctx, orderID, orderdomain.ReportFailed)
	if err != nil {
		return nil, err
	}
	return s.dispatch(ctx, order)
}

func (s *Service) begin(ctx context.Context, orderID snowflake.ID, from orderdomain.ReportStatus) (*orderdomain.Order, error) {
	var result *orderdomain.Order
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		order, err := s.lockReportOrder(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if order.ReportStatus != from {
			return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, order.ReportStatus, orderdomain.ReportGenerating)
		}

		now := s.clock.Now()
		order.ReportStatus = orderdomain.ReportGenerating
		order.ReportJobID = ulid.Make().String()
		order.ReportError = ""
		order.ReportStartedAt = &now
		order.UpdatedAt = now
		if err := s.repo.Save(ctx, tx, order); err != nil {
			return err
		}
		result = order
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.obsMetrics.RecordReportJob(ctx, string(orderdomain.ReportGenerating))
	return result, nil
}

func (s *Service) dispatch(ctx context.Context, order *orderdomain.Order) (*orderdomain.Order, error) {
	log := logger.WithContext(ctx, s.log).With(
		zap.String("order_id", order.ID.String()),
		zap.String("job_id", order.ReportJobID),
	)

	err := s.dispatcher.Dispatch(ctx, jobFor(order))
	if err == nil {
		log.Info("report job dispatched", zap.String("dispatcher", s.dispatcher.Name()))
		return order, nil
	}

	log.Error("failed to dispatch report job", zap.Error(err))
	failed, markErr := s.finish(context.WithoutCancel(ctx), order.ID, order.ReportJobID, func(o *orderdomain.Order) {
		o.ReportStatus = orderdomain.ReportFailed
		o.ReportError = truncate("dispatch failed: " + err.Error())
	})
	if markErr != nil {
		return nil, errors.Join(err, markErr)
	}
	return failed, fmt.Errorf("dispatch report job: %w", err)
}

// MarkCompleted records the artifacts of a finished build.
func (s *Service) MarkCompleted(ctx context.Context, orderID snowflake.ID, htmlPath, pdfPath string) (*orderdomain.Order, error) {
	return s.finish(ctx, orderID, "", func(o *orderdomain.Order) {
		o.ReportStatus = orderdomain.ReportCompleted
		o.HTMLPath = strings.TrimSpace(htmlPath)
		o.PDFPath = strings.TrimSpace(pdfPath)
		o.ReportError = ""
	})
}

// MarkFailed records a build failure. The payment status is left alone.
func (s *Service) MarkFailed(ctx context.Context, orderID snowflake.ID, reason string) (*orderdomain.Order, error) {
	return s.finish(ctx, orderID, "", func(o *orderdomain.Order) {
		o.ReportStatus = orderdomain.ReportFailed
		o.ReportError = truncate(reason)
	})
}

// finish applies a terminal transition out of generating. A non-empty jobID
// must match the current job so late results of a superseded run are dropped.
func (s *Service) finish(ctx context.Context, orderID snowflake.ID, jobID string, apply func(*orderdomain.Order)) (*orderdomain.Order, error) {
	var result *orderdomain.Order
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		order, err := s.lockReportOrder(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if order.ReportStatus != orderdomain.ReportGenerating {
			return fmt.Errorf("%w: %s is not generating", domain.ErrInvalidTransition, order.ReportStatus)
		}
		if jobID != "" && order.ReportJobID != jobID {
			return fmt.Errorf("%w: job %s was superseded", domain.ErrInvalidTransition, jobID)
		}
		apply(order)
		order.UpdatedAt = s.clock.Now()
		if err := s.repo.Save(ctx, tx, order); err != nil {
			return err
		}
		result = order
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.obsMetrics.RecordReportJob(ctx, string(result.ReportStatus))
	return result, nil
}

// RecoverStuck fails reports whose build never reported back.
func (s *Service) RecoverStuck(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = defaultRecoverLimit
	}
	now := s.clock.Now()

	var recovered int
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		stuck, err := s.repo.LockStuckReports(ctx, tx, now.Add(-s.stuckAfter), limit)
		if err != nil {
			return err
		}
		for i := range stuck {
			stuck[i].ReportStatus = orderdomain.ReportFailed
			stuck[i].ReportError = reasonTimedOut
			stuck[i].UpdatedAt = now
			if err := s.repo.Save(ctx, tx, &stuck[i]); err != nil {
				return err
			}
		}
		recovered = len(stuck)
		return nil
	})
	if err != nil {
		return 0, err
	}
	for i := 0; i < recovered; i++ {
		s.obsMetrics.RecordReportJob(ctx, string(orderdomain.ReportFailed))
	}
	if recovered > 0 {
		logger.WithContext(ctx, s.log).Warn("failed stuck report jobs", zap.Int("count", recovered))
	}
	return recovered, nil
}

// Handle builds one dispatched job. Jobs that no longer match the order's
// current run are acknowledged without building.
func (s *Service) Handle(ctx context.Context, job domain.Job) error {
	log := logger.WithContext(ctx, s.log).With(
		zap.String("order_id", job.OrderID.String()),
		zap.String("job_id", job.JobID),
	)
	if s.builder == nil {
		return errors.New("report builder not configured")
	}

	order, err := s.repo.FindByID(ctx, s.db.WithContext(ctx), job.OrderID)
	if err != nil {
		return err
	}
	if order == nil || order.Status != orderdomain.StatusPaid ||
		order.ReportStatus != orderdomain.ReportGenerating || order.ReportJobID != job.JobID {
		log.Info("skipping stale report job")
		return nil
	}

	artifacts, buildErr := s.builder.Build(ctx, job)
	if buildErr != nil {
		log.Error("report build failed", zap.Error(buildErr))
		if _, err := s.finish(ctx, job.OrderID, job.JobID, func(o *orderdomain.Order) {
			o.ReportStatus = orderdomain.ReportFailed
			o.ReportError = truncate(buildErr.Error())
		}); err != nil {
			return errors.Join(buildErr, err)
		}
		return buildErr
	}

	_, err = s.finish(ctx, job.OrderID, job.JobID, func(o *orderdomain.Order) {
		o.ReportStatus = orderdomain.ReportCompleted
		o.HTMLPath = artifacts.HTMLPath
		o.PDFPath = artifacts.PDFPath
		o.ReportError = ""
	})
	if errors.Is(err, domain.ErrInvalidTransition) {
		log.Warn("report finished after its run was superseded", zap.Error(err))
		return nil
	}
	if err != nil {
		return err
	}
	log.Info("report completed", zap.String("html_path", artifacts.HTMLPath), zap.String("pdf_path", artifacts.PDFPath))
	return nil
}

func (s *Service) lockReportOrder(ctx context.Context, tx *gorm.DB, orderID snowflake.ID) (*orderdomain.Order, error) {
	order, err := s.repo.LockByID(ctx, tx, orderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, domain.ErrOrderNotFound
	}
	if order.Kind != orderdomain.KindReport {
		return nil, domain.ErrNotReportOrder
	}
	if order.Status != orderdomain.StatusPaid {
		return nil, domain.ErrOrderNotPaid
	}
	return order, nil
}

func jobFor(order *orderdomain.Order) domain.Job {
	return domain.Job{
		JobID:     order.ReportJobID,
		OrderID:   order.ID,
		AccountID: order.AccountID,
		SajuKey:   order.SajuKey,
		Email:     order.Email,
		ItemName:  order.ItemName,
		Amount:    order.Amount,
	}
}

// truncate caps reason at maxReportErrorLength bytes without splitting a rune.
func truncate(reason string) string {
	reason = strings.TrimSpace(reason)
	if len(reason) <= maxReportErrorLength {
		return reason
	}
	cut := maxReportErrorLength
	for cut > 0 && !utf8.RuneStart(reason[cut]) {
		cut--
	}
	return reason[:cut]
}
