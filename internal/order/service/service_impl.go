package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	catalogdomain "github.com/smallbiznis/fortunepay/internal/catalog/domain"
	"github.com/smallbiznis/fortunepay/internal/clock"
	"github.com/smallbiznis/fortunepay/internal/config"
	fulfillmentdomain "github.com/smallbiznis/fortunepay/internal/fulfillment/domain"
	"github.com/smallbiznis/fortunepay/internal/idempotency"
	ledgerdomain "github.com/smallbiznis/fortunepay/internal/ledger/domain"
	"github.com/smallbiznis/fortunepay/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/fortunepay/internal/observability/metrics"
	orderdomain "github.com/smallbiznis/fortunepay/internal/order/domain"
	paymentdomain "github.com/smallbiznis/fortunepay/internal/payment/domain"
	pointsdomain "github.com/smallbiznis/fortunepay/internal/points/domain"
	"github.com/smallbiznis/fortunepay/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	opApprove        = "order.approve"
	opPointsPurchase = "order.points_purchase"

	defaultPendingTTL = 30 * time.Minute
	defaultSweepLimit = 100
)

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	GenID       *snowflake.Node
	Clock       clock.Clock
	Cfg         config.Config
	Repo        orderdomain.Repository
	Catalog     catalogdomain.Service
	Points      pointsdomain.Service
	Gateway     paymentdomain.Gateway
	Fulfillment fulfillmentdomain.Service
	Guard       *idempotency.Guard  `optional:"true"`
	ObsMetrics  *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	genID       *snowflake.Node
	clock       clock.Clock
	repo        orderdomain.Repository
	catalog     catalogdomain.Service
	points      pointsdomain.Service
	gateway     paymentdomain.Gateway
	fulfillment fulfillmentdomain.Service
	guard       *idempotency.Guard
	obsMetrics  *obsmetrics.Metrics

	siteURL            string
	pendingTTL         time.Duration
	minAmount          int64
	maxAmount          int64
	defaultExpiresDays int
}

func NewService(p Params) orderdomain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	ttl := p.Cfg.Order.PendingTTL
	if ttl <= 0 {
		ttl = defaultPendingTTL
	}
	return &Service{
		db:                 p.DB,
		log:                p.Log.Named("order.service"),
		genID:              p.GenID,
		clock:              clk,
		repo:               p.Repo,
		catalog:            p.Catalog,
		points:             p.Points,
		gateway:            p.Gateway,
		fulfillment:        p.Fulfillment,
		guard:              p.Guard,
		obsMetrics:         p.ObsMetrics,
		siteURL:            strings.TrimRight(p.Cfg.SiteURL, "/"),
		pendingTTL:         ttl,
		minAmount:          p.Cfg.Payment.MinAmount,
		maxAmount:          p.Cfg.Payment.MaxAmount,
		defaultExpiresDays: p.Cfg.Points.DefaultExpiresDays,
	}
}

type transition struct {
	from orderdomain.Status
	to   orderdomain.Status
}

// CreateOrder opens a KakaoPay checkout for one report. Earlier pending
// orders for the same account and saju key are superseded: those past the
// pending TTL are deleted, younger ones are cancelled, so only the newest
// checkout can be approved.
func (s *Service) CreateOrder(ctx context.Context, req orderdomain.CreateOrderRequest) (*orderdomain.CheckoutResult, error) {
	if req.AccountID <= 0 {
		return nil, orderdomain.ErrInvalidAccount
	}
	sajuKey := strings.TrimSpace(req.SajuKey)
	if sajuKey == "" {
		return nil, orderdomain.ErrInvalidSajuKey
	}

	product, err := s.catalog.ResolveProduct(ctx, req.ProductRef)
	if err != nil {
		return nil, err
	}
	if err := s.validateAmount(product.Price); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	order := s.newOrder(req.AccountID, orderdomain.KindReport, now)
	order.ProductID = &product.ID
	order.ProductRef = strings.TrimSpace(req.ProductRef)
	order.ItemName = product.Name
	order.Amount = product.Price
	order.SajuKey = sajuKey
	order.Email = strings.TrimSpace(req.Email)

	var superseded []transition
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		paid, err := s.repo.FindPaidBySajuKey(ctx, tx, req.AccountID, sajuKey)
		if err != nil {
			return err
		}
		if paid != nil {
			return orderdomain.ErrDuplicatePurchase
		}

		superseded, err = s.supersedePending(ctx, tx, req.AccountID, sajuKey, now)
		if err != nil {
			return err
		}
		return s.repo.Insert(ctx, tx, order)
	})
	if err != nil {
		return nil, err
	}
	s.recordTransitions(ctx, superseded...)

	return s.checkout(ctx, order)
}

// supersedePending clears the pending report orders for accountID and
// sajuKey: expired ones are deleted, the rest cancelled.
func (s *Service) supersedePending(ctx context.Context, tx *gorm.DB, accountID int64, sajuKey string, now time.Time) ([]transition, error) {
	pending, err := s.repo.ListPendingBySajuKey(ctx, tx, accountID, sajuKey)
	if err != nil {
		return nil, err
	}
	var moved []transition
	for i := range pending {
		prev := &pending[i]
		if prev.Expired(now, s.pendingTTL) {
			if err := s.repo.Delete(ctx, tx, prev.ID); err != nil {
				return nil, err
			}
			continue
		}
		markCancelled(prev, now)
		if err := s.repo.Save(ctx, tx, prev); err != nil {
			return nil, err
		}
		moved = append(moved, transition{orderdomain.StatusPending, orderdomain.StatusCancelled})
	}
	return moved, nil
}

func (s *Service) CreatePackageOrder(ctx context.Context, req orderdomain.CreatePackageOrderRequest) (*orderdomain.CheckoutResult, error) {
	if req.AccountID <= 0 {
		return nil, orderdomain.ErrInvalidAccount
	}
	pkg, err := s.catalog.GetPackage(ctx, req.PackageCode)
	if err != nil {
		return nil, err
	}
	if err := s.validateAmount(pkg.Price); err != nil {
		return nil, err
	}

	order := s.newOrder(req.AccountID, orderdomain.KindPointsPackage, s.clock.Now())
	order.PackageID = &pkg.ID
	order.ProductRef = pkg.Code
	order.ItemName = pkg.Name
	order.Amount = pkg.Price
	order.PointsAmount = pkg.TotalPoints()
	order.Email = strings.TrimSpace(req.Email)

	if err := s.repo.Insert(ctx, s.db, order); err != nil {
		return nil, err
	}
	return s.checkout(ctx, order)
}

// checkout asks the gateway for a payment page. A pending order without a
// tid never survives a failed ready call.
func (s *Service) checkout(ctx context.Context, order *orderdomain.Order) (*orderdomain.CheckoutResult, error) {
	log := logger.WithContext(ctx, s.log).With(zap.String("order_id", order.ID.String()))

	var ready *paymentdomain.ReadyResult
	err := s.callGateway(ctx, "ready", func(ctx context.Context) error {
		var err error
		ready, err = s.gateway.Ready(ctx, paymentdomain.ReadyRequest{
			OrderID:     order.ID,
			ItemName:    order.ItemName,
			Amount:      order.Amount,
			Payer:       paymentdomain.Payer{AccountID: order.AccountID, Email: order.Email},
			ApprovalURL: s.callbackURL("/order/approve", order.ID),
			CancelURL:   s.callbackURL("/order/cancel", order.ID),
			FailURL:     s.callbackURL("/order/fail", order.ID),
		})
		return err
	})
	if err != nil {
		if delErr := s.repo.Delete(context.WithoutCancel(ctx), s.db, order.ID); delErr != nil {
			log.Error("failed to delete order after ready failure", zap.Error(delErr))
		}
		return nil, err
	}

	assigned, err := s.repo.AssignTID(ctx, s.db, order.ID, ready.TID, s.clock.Now())
	if err != nil {
		return nil, err
	}
	if !assigned {
		return nil, fmt.Errorf("order %s already has a tid", order.ID)
	}
	log.Info("checkout ready", zap.String("tid", ready.TID), zap.Int64("amount", order.Amount))

	return &orderdomain.CheckoutResult{
		OrderID:        order.ID,
		TID:            ready.TID,
		Amount:         order.Amount,
		RedirectPC:     ready.RedirectPC,
		RedirectMobile: ready.RedirectMobile,
		RedirectApp:    ready.RedirectApp,
		ExpiresAt:      order.CreatedAt.Add(s.pendingTTL),
	}, nil
}

func (s *Service) PurchaseWithPoints(ctx context.Context, req orderdomain.PurchaseWithPointsRequest) (*orderdomain.Order, error) {
	if req.AccountID <= 0 {
		return nil, orderdomain.ErrInvalidAccount
	}
	sajuKey := strings.TrimSpace(req.SajuKey)
	if sajuKey == "" {
		return nil, orderdomain.ErrInvalidSajuKey
	}
	product, err := s.catalog.ResolveProduct(ctx, req.ProductRef)
	if err != nil {
		return nil, err
	}
	if product.FortuneCost <= 0 {
		return nil, orderdomain.ErrInvalidAmount
	}

	key := s.guard.Key(req.AccountID, opPointsPurchase, map[string]string{
		"product_id": product.ID.String(),
		"saju_key":   sajuKey,
	})
	return idempotency.Run(ctx, s.guard, key, opPointsPurchase, func(ctx context.Context) (*orderdomain.Order, error) {
		now := s.clock.Now()
		order := s.newOrder(req.AccountID, orderdomain.KindReport, now)
		order.ProductID = &product.ID
		order.ProductRef = strings.TrimSpace(req.ProductRef)
		order.ItemName = product.Name
		order.PointsAmount = product.FortuneCost
		order.SajuKey = sajuKey
		order.Email = strings.TrimSpace(req.Email)
		order.Status = orderdomain.StatusPaid
		order.PaymentMethod = paymentdomain.MethodPoints
		order.ApprovedAt = &now

		var superseded []transition
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			paid, err := s.repo.FindPaidBySajuKey(ctx, tx, req.AccountID, sajuKey)
			if err != nil {
				return err
			}
			if paid != nil {
				return orderdomain.ErrDuplicatePurchase
			}
			// an open card checkout for the same key must not be approvable afterwards
			superseded, err = s.supersedePending(ctx, tx, req.AccountID, sajuKey, now)
			if err != nil {
				return err
			}
			if _, err := s.points.WithTx(tx).Spend(ctx, pointsdomain.SpendRequest{
				AccountID:   req.AccountID,
				Amount:      product.FortuneCost,
				Source:      ledgerdomain.SourceProductPurchase,
				ReferenceID: "product_" + product.ID.String(),
				Description: product.Name,
			}); err != nil {
				return err
			}
			return s.repo.Insert(ctx, tx, order)
		})
		if db.IsDuplicateKeyErr(err) {
			err = orderdomain.ErrDuplicatePurchase
		}
		if err != nil {
			return nil, err
		}
		s.recordTransitions(ctx, append(superseded, transition{orderdomain.StatusPending, orderdomain.StatusPaid})...)
		return s.startGeneration(ctx, order), nil
	})
}

func (s *Service) ApproveCallback(ctx context.Context, orderID snowflake.ID, pgToken string) (*orderdomain.Order, error) {
	order, err := s.repo.FindByID(ctx, s.db, orderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, orderdomain.ErrOrderNotFound
	}
	if order.Status == orderdomain.StatusPaid {
		return order, nil
	}
	if order.Status != orderdomain.StatusPending {
		return nil, orderdomain.ErrOrderNotFound
	}
	pgToken = strings.TrimSpace(pgToken)
	if pgToken == "" {
		return nil, orderdomain.ErrInvalidPGToken
	}

	var pkg *catalogdomain.Package
	if order.Kind == orderdomain.KindPointsPackage && order.PackageID != nil {
		pkg, err = s.catalog.GetPackageByID(ctx, *order.PackageID)
		if err != nil && !errors.Is(err, catalogdomain.ErrPackageNotFound) {
			return nil, err
		}
	}

	key := s.guard.Key(order.AccountID, opApprove, map[string]string{"order_id": order.ID.String()})
	return idempotency.Run(ctx, s.guard, key, opApprove, func(ctx context.Context) (*orderdomain.Order, error) {
		return s.approve(ctx, orderID, pgToken, pkg)
	})
}

// approve never holds the order row lock across the provider call. The order
// is checked under lock, approved at the provider, then settled under lock
// again. Repeated callbacks are coalesced by the guard; one that slips past
// it finds the order already paid when it settles.
func (s *Service) approve(ctx context.Context, orderID snowflake.ID, pgToken string, pkg *catalogdomain.Package) (*orderdomain.Order, error) {
	log := logger.WithContext(ctx, s.log).With(zap.String("order_id", orderID.String()))

	order, err := s.prepareApproval(ctx, orderID)
	if err != nil {
		log.Warn("payment approval rejected", zap.Error(err))
		return nil, err
	}
	if order.Status == orderdomain.StatusPaid {
		return s.afterApproval(ctx, order), nil
	}

	var approved *paymentdomain.ApproveResult
	gwErr := s.callGateway(ctx, "approve", func(ctx context.Context) error {
		var err error
		approved, err = s.gateway.Approve(ctx, paymentdomain.ApproveRequest{
			TID:     *order.TID,
			PGToken: pgToken,
			OrderID: order.ID,
			Payer:   paymentdomain.Payer{AccountID: order.AccountID, Email: order.Email},
		})
		return err
	})
	if gwErr == nil {
		if gwErr = verifyApproval(order, approved); gwErr != nil {
			s.voidApproval(ctx, order, approved)
			approved = nil
		}
	}

	result, err := s.settleApproval(ctx, order, approved, gwErr, pkg)
	if err != nil {
		log.Warn("payment approval rejected", zap.Error(err))
		return nil, err
	}
	log.Info("payment approved", zap.String("kind", string(result.Kind)), zap.Int64("amount", result.Amount))
	return s.afterApproval(ctx, result), nil
}

// afterApproval starts the report of a paid report order that has none yet.
func (s *Service) afterApproval(ctx context.Context, order *orderdomain.Order) *orderdomain.Order {
	if order.Kind == orderdomain.KindReport && order.ReportStatus == orderdomain.ReportPending {
		return s.startGeneration(ctx, order)
	}
	return order
}

// prepareApproval returns the order when it may go to the provider, or paid
// when a previous callback already settled it. Expired orders and report keys
// paid meanwhile are cancelled here.
func (s *Service) prepareApproval(ctx context.Context, orderID snowflake.ID) (*orderdomain.Order, error) {
	var (
		result  *orderdomain.Order
		failure error
		moved   []transition
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		order, err := s.repo.LockByID(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if order == nil {
			return orderdomain.ErrOrderNotFound
		}
		switch order.Status {
		case orderdomain.StatusPaid:
			result = order
			return nil
		case orderdomain.StatusPending:
		default:
			return orderdomain.ErrOrderNotFound
		}
		if order.TID == nil {
			return orderdomain.ErrOrderNotFound
		}

		now := s.clock.Now()
		if order.Expired(now, s.pendingTTL) {
			failure = orderdomain.ErrOrderExpired
		} else {
			duplicate, err := s.paidElsewhere(ctx, tx, order)
			if err != nil {
				return err
			}
			if duplicate {
				failure = orderdomain.ErrDuplicatePurchase
			}
		}
		if failure != nil {
			markCancelled(order, now)
			moved = append(moved, transition{orderdomain.StatusPending, orderdomain.StatusCancelled})
			return s.repo.Save(ctx, tx, order)
		}
		result = order
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.recordTransitions(ctx, moved...)
	if failure != nil {
		return nil, failure
	}
	return result, nil
}

// settleApproval records the provider outcome on the order. Money captured
// for an order that can no longer become paid is voided.
func (s *Service) settleApproval(
	ctx context.Context,
	prepared *orderdomain.Order,
	approved *paymentdomain.ApproveResult,
	gwErr error,
	pkg *catalogdomain.Package,
) (*orderdomain.Order, error) {
	var (
		result  *orderdomain.Order
		failure error
		void    bool
		moved   []transition
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		order, err := s.repo.LockByID(ctx, tx, prepared.ID)
		if err != nil {
			return err
		}
		if order == nil {
			return orderdomain.ErrOrderNotFound
		}
		switch order.Status {
		case orderdomain.StatusPaid:
			// settled by a concurrent callback for the same tid
			result = order
			return nil
		case orderdomain.StatusPending:
		default:
			// cancelled by the sweep or the buyer while at the provider
			void = approved != nil
			failure = gwErr
			if failure == nil {
				failure = orderdomain.ErrOrderExpired
			}
			return nil
		}

		now := s.clock.Now()
		if gwErr == nil {
			duplicate, err := s.paidElsewhere(ctx, tx, order)
			if err != nil {
				return err
			}
			if duplicate {
				failure = orderdomain.ErrDuplicatePurchase
				void = true
			}
		} else {
			failure = gwErr
		}
		if failure != nil {
			markCancelled(order, now)
			moved = append(moved, transition{orderdomain.StatusPending, orderdomain.StatusCancelled})
			return s.repo.Save(ctx, tx, order)
		}

		approvedAt := approved.ApprovedAt
		if approvedAt.IsZero() {
			approvedAt = now
		}
		order.Status = orderdomain.StatusPaid
		order.PaymentMethod = approved.Method
		order.ApprovalPayload = approvalPayload(approved.Raw)
		order.ApprovedAt = &approvedAt
		order.UpdatedAt = now
		if err := s.repo.Save(ctx, tx, order); err != nil {
			return err
		}
		moved = append(moved, transition{orderdomain.StatusPending, orderdomain.StatusPaid})

		if order.Kind == orderdomain.KindPointsPackage && order.PointsAmount > 0 {
			if _, err := s.points.WithTx(tx).Earn(ctx, pointsdomain.EarnRequest{
				AccountID:     order.AccountID,
				Amount:        order.PointsAmount,
				Source:        ledgerdomain.SourcePackagePurchase,
				ReferenceID:   order.ReferenceID(),
				Description:   order.ItemName,
				ExpiresInDays: s.packageExpiryDays(pkg),
			}); err != nil {
				return err
			}
		}
		result = order
		return nil
	})
	if err != nil {
		if approved == nil {
			return nil, err
		}
		// the provider holds money for an order that stays unpaid
		s.voidApproval(ctx, prepared, approved)
		if _, cancelErr := s.Cancel(context.WithoutCancel(ctx), prepared.ID); cancelErr != nil {
			logger.WithContext(ctx, s.log).Error("failed to cancel order after settle failure",
				zap.String("order_id", prepared.ID.String()),
				zap.String("tid", *prepared.TID),
				zap.Error(cancelErr),
			)
		}
		if db.IsDuplicateKeyErr(err) {
			return nil, orderdomain.ErrDuplicatePurchase
		}
		return nil, err
	}
	if void {
		s.voidApproval(ctx, prepared, approved)
	}
	s.recordTransitions(ctx, moved...)
	if failure != nil {
		return nil, failure
	}
	return result, nil
}

// paidElsewhere reports whether the report key of order was already paid
// through another order.
func (s *Service) paidElsewhere(ctx context.Context, tx *gorm.DB, order *orderdomain.Order) (bool, error) {
	if order.Kind != orderdomain.KindReport {
		return false, nil
	}
	paid, err := s.repo.FindPaidBySajuKey(ctx, tx, order.AccountID, order.SajuKey)
	if err != nil {
		return false, err
	}
	return paid != nil && paid.ID != order.ID, nil
}

func verifyApproval(order *orderdomain.Order, approved *paymentdomain.ApproveResult) error {
	if approved == nil {
		return &paymentdomain.GatewayError{Op: "approve", Message: "empty approval"}
	}
	if approved.Amount != order.Amount {
		return fmt.Errorf("%w: approved %d, expected %d", orderdomain.ErrAmountMismatch, approved.Amount, order.Amount)
	}
	if !paymentdomain.AcceptedMethod(approved.Method) {
		return fmt.Errorf("%w: %s", orderdomain.ErrMethodNotAllowed, approved.Method)
	}
	return nil
}

// voidApproval cancels money the provider captured for an approval we
// refused. Failures are logged for manual follow-up.
func (s *Service) voidApproval(ctx context.Context, order *orderdomain.Order, approved *paymentdomain.ApproveResult) {
	if approved == nil || approved.Amount <= 0 || order.TID == nil {
		return
	}
	err := s.callGateway(ctx, "cancel", func(ctx context.Context) error {
		_, err := s.gateway.Cancel(ctx, *order.TID, approved.Amount)
		return err
	})
	if err != nil {
		logger.WithContext(ctx, s.log).Error("failed to void rejected approval",
			zap.String("order_id", order.ID.String()),
			zap.String("tid", *order.TID),
			zap.Int64("amount", approved.Amount),
			zap.Error(err),
		)
	}
}

func (s *Service) Cancel(ctx context.Context, orderID snowflake.ID) (*orderdomain.Order, error) {
	var (
		result *orderdomain.Order
		moved  bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		order, err := s.repo.LockByID(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if order == nil {
			return orderdomain.ErrOrderNotFound
		}
		switch order.Status {
		case orderdomain.StatusCancelled:
			result = order
			return nil
		case orderdomain.StatusPending:
		default:
			return orderdomain.ErrOrderNotFound
		}
		markCancelled(order, s.clock.Now())
		if err := s.repo.Save(ctx, tx, order); err != nil {
			return err
		}
		result = order
		moved = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if moved {
		s.recordTransitions(ctx, transition{orderdomain.StatusPending, orderdomain.StatusCancelled})
	}
	return result, nil
}

// TimeoutSweep cancels pending orders older than the pending window. Rows
// locked by a concurrent sweeper are skipped.
func (s *Service) TimeoutSweep(ctx context.Context, limit int) (orderdomain.SweepResult, error) {
	if limit <= 0 {
		limit = defaultSweepLimit
	}
	now := s.clock.Now()

	var result orderdomain.SweepResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		stale, err := s.repo.LockStalePending(ctx, tx, now.Add(-s.pendingTTL), limit)
		if err != nil {
			return err
		}
		for i := range stale {
			markCancelled(&stale[i], now)
			if err := s.repo.Save(ctx, tx, &stale[i]); err != nil {
				return err
			}
		}
		result.Cancelled = len(stale)
		return nil
	})
	if err != nil {
		return orderdomain.SweepResult{}, err
	}
	for i := 0; i < result.Cancelled; i++ {
		s.recordTransitions(ctx, transition{orderdomain.StatusPending, orderdomain.StatusCancelled})
	}
	if result.Cancelled > 0 {
		logger.WithContext(ctx, s.log).Info("cancelled stale pending orders", zap.Int("count", result.Cancelled))
	}
	return result, nil
}

// Refund reverses a paid order. Package points are clawed back first and the
// whole unit rolls back when the gateway refuses, restoring them.
func (s *Service) Refund(ctx context.Context, orderID snowflake.ID) (*orderdomain.Order, error) {
	var (
		result *orderdomain.Order
		moved  bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		order, err := s.repo.LockByID(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if order == nil {
			return orderdomain.ErrOrderNotFound
		}
		switch order.Status {
		case orderdomain.StatusRefunded:
			result = order
			return nil
		case orderdomain.StatusPaid:
		default:
			return orderdomain.ErrOrderNotRefundable
		}

		points := s.points.WithTx(tx)
		refundRef := "refund_" + order.ReferenceID()
		if order.PaymentMethod == paymentdomain.MethodPoints {
			if _, err := points.Refund(ctx, pointsdomain.RefundRequest{
				AccountID:   order.AccountID,
				Amount:      order.PointsAmount,
				Source:      ledgerdomain.SourceOrderRefund,
				ReferenceID: refundRef,
				Description: order.ItemName,
			}); err != nil {
				return err
			}
		} else {
			if order.Kind == orderdomain.KindPointsPackage && order.PointsAmount > 0 {
				if _, err := points.Refund(ctx, pointsdomain.RefundRequest{
					AccountID:   order.AccountID,
					Amount:      -order.PointsAmount,
					Source:      ledgerdomain.SourceOrderRefund,
					ReferenceID: refundRef,
					Description: order.ItemName,
				}); err != nil {
					return err
				}
			}
			if order.TID == nil {
				return orderdomain.ErrNoPayment
			}
			if err := s.callGateway(ctx, "cancel", func(ctx context.Context) error {
				_, err := s.gateway.Cancel(ctx, *order.TID, order.Amount)
				return err
			}); err != nil {
				return err
			}
		}

		now := s.clock.Now()
		order.Status = orderdomain.StatusRefunded
		order.RefundedAt = &now
		order.UpdatedAt = now
		if err := s.repo.Save(ctx, tx, order); err != nil {
			return err
		}
		result = order
		moved = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if moved {
		s.recordTransitions(ctx, transition{orderdomain.StatusPaid, orderdomain.StatusRefunded})
		logger.WithContext(ctx, s.log).Info("order refunded", zap.String("order_id", orderID.String()))
	}
	return result, nil
}

func (s *Service) OrderIDByTID(ctx context.Context, tid string) (*snowflake.ID, error) {
	order, err := s.repo.FindByTID(ctx, s.db, strings.TrimSpace(tid))
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, nil
	}
	return &order.ID, nil
}

// RefundFromProvider applies a cancellation the provider already settled.
// Package points are clawed back as far as the balance allows.
func (s *Service) RefundFromProvider(ctx context.Context, tid string) error {
	log := logger.WithContext(ctx, s.log).With(zap.String("tid", tid))

	var moved []transition
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		order, err := s.repo.LockByTID(ctx, tx, strings.TrimSpace(tid))
		if err != nil {
			return err
		}
		if order == nil {
			return nil
		}

		now := s.clock.Now()
		switch order.Status {
		case orderdomain.StatusPending:
			markCancelled(order, now)
			moved = append(moved, transition{orderdomain.StatusPending, orderdomain.StatusCancelled})
		case orderdomain.StatusPaid:
			if order.Kind == orderdomain.KindPointsPackage && order.PointsAmount > 0 {
				if err := s.clawBack(ctx, tx, order, log); err != nil {
					return err
				}
			}
			order.Status = orderdomain.StatusRefunded
			order.RefundedAt = &now
			order.UpdatedAt = now
			moved = append(moved, transition{orderdomain.StatusPaid, orderdomain.StatusRefunded})
		default:
			return nil
		}
		return s.repo.Save(ctx, tx, order)
	})
	if err != nil {
		return err
	}
	s.recordTransitions(ctx, moved...)
	return nil
}

func (s *Service) clawBack(ctx context.Context, tx *gorm.DB, order *orderdomain.Order, log *zap.Logger) error {
	points := s.points.WithTx(tx)
	balance, err := points.Balance(ctx, order.AccountID)
	if err != nil {
		return err
	}
	amount := order.PointsAmount
	if balance.Balance < amount {
		log.Warn("points already spent, partial claw back",
			zap.String("order_id", order.ID.String()),
			zap.Int64("credited", order.PointsAmount),
			zap.Int64("available", balance.Balance),
		)
		amount = balance.Balance
	}
	if amount <= 0 {
		return nil
	}
	_, err = points.Refund(ctx, pointsdomain.RefundRequest{
		AccountID:   order.AccountID,
		Amount:      -amount,
		Source:      ledgerdomain.SourceOrderRefund,
		ReferenceID: "refund_" + order.ReferenceID(),
		Description: order.ItemName,
	})
	return err
}

func (s *Service) Get(ctx context.Context, orderID snowflake.ID) (*orderdomain.Order, error) {
	order, err := s.repo.FindByID(ctx, s.db, orderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, orderdomain.ErrOrderNotFound
	}
	return order, nil
}

func (s *Service) PaymentStatus(ctx context.Context, orderID snowflake.ID) (*paymentdomain.StatusResult, error) {
	order, err := s.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.TID == nil {
		return nil, orderdomain.ErrNoPayment
	}
	var status *paymentdomain.StatusResult
	err = s.callGateway(ctx, "order", func(ctx context.Context) error {
		var err error
		status, err = s.gateway.Status(ctx, *order.TID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return status, nil
}

// startGeneration hands a paid report order to fulfillment. Failures are
// logged and never undo the payment.
func (s *Service) startGeneration(ctx context.Context, order *orderdomain.Order) *orderdomain.Order {
	if s.fulfillment == nil {
		return order
	}
	started, err := s.fulfillment.StartGeneration(ctx, order.ID)
	if err != nil {
		logger.WithContext(ctx, s.log).Error("failed to start report generation",
			zap.String("order_id", order.ID.String()),
			zap.Error(err),
		)
		return order
	}
	if started == nil {
		return order
	}
	return started
}

func (s *Service) callGateway(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	start := time.Now()
	err := fn(ctx)

	outcome := obsmetrics.OutcomeSuccess
	if err != nil {
		outcome = obsmetrics.OutcomeError
		logger.WithContext(ctx, s.log).Warn("payment gateway call failed",
			zap.String("provider", s.gateway.Provider()),
			zap.String("operation", op),
			zap.Error(err),
		)
	}
	s.obsMetrics.RecordGatewayCall(ctx, s.gateway.Provider(), op, outcome, time.Since(start))
	return err
}

func (s *Service) recordTransitions(ctx context.Context, moved ...transition) {
	for _, t := range moved {
		s.obsMetrics.RecordOrderTransition(ctx, string(t.from), string(t.to))
	}
}

func (s *Service) validateAmount(amount int64) error {
	if amount <= 0 {
		return orderdomain.ErrInvalidAmount
	}
	if s.minAmount > 0 && amount < s.minAmount {
		return orderdomain.ErrInvalidAmount
	}
	if s.maxAmount > 0 && amount > s.maxAmount {
		return orderdomain.ErrInvalidAmount
	}
	return nil
}

func (s *Service) packageExpiryDays(pkg *catalogdomain.Package) int {
	if pkg != nil && pkg.ExpiresDays > 0 {
		return pkg.ExpiresDays
	}
	return s.defaultExpiresDays
}

func (s *Service) newOrder(accountID int64, kind orderdomain.Kind, now time.Time) *orderdomain.Order {
	return &orderdomain.Order{
		ID:              s.genID.Generate(),
		AccountID:       accountID,
		Kind:            kind,
		Status:          orderdomain.StatusPending,
		ReportStatus:    orderdomain.ReportPending,
		ApprovalPayload: datatypes.JSON("{}"),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func (s *Service) callbackURL(path string, orderID snowflake.ID) string {
	return s.siteURL + path + "?" + url.Values{"order_id": {orderID.String()}}.Encode()
}

func markCancelled(order *orderdomain.Order, now time.Time) {
	order.Status = orderdomain.StatusCancelled
	order.CancelledAt = &now
	order.UpdatedAt = now
}

func approvalPayload(raw []byte) datatypes.JSON {
	if len(raw) == 0 || !json.Valid(raw) {
		return datatypes.JSON("{}")
	}
	return datatypes.JSON(raw)
}
