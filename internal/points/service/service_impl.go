package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/fortunepay/internal/clock"
	ledgerdomain "github.com/smallbiznis/fortunepay/internal/ledger/domain"
	"github.com/smallbiznis/fortunepay/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/fortunepay/internal/observability/metrics"
	pointsdomain "github.com/smallbiznis/fortunepay/internal/points/domain"
	"github.com/smallbiznis/fortunepay/pkg/db"
	"github.com/smallbiznis/fortunepay/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultExpiringWindowDays = 30
	topSourcesLimit           = 5
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Repo       ledgerdomain.Repository
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	inTx       bool
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	repo       ledgerdomain.Repository
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) pointsdomain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("points.service"),
		genID:      p.GenID,
		clock:      clk,
		repo:       p.Repo,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) WithTx(tx *gorm.DB) pointsdomain.Service {
	clone := *s
	clone.db = tx
	clone.inTx = true
	return &clone
}

func (s *Service) Earn(ctx context.Context, req pointsdomain.EarnRequest) (*ledgerdomain.Transaction, error) {
	source, err := validateMutation(req.AccountID, req.Amount, req.Source)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	var expiresAt *time.Time
	if req.ExpiresInDays > 0 {
		at := now.AddDate(0, 0, req.ExpiresInDays)
		expiresAt = &at
	}

	txn, err := s.apply(ctx, req.AccountID, now, func(bal *ledgerdomain.Balance) (*ledgerdomain.Transaction, error) {
		bal.Balance += req.Amount
		bal.LifetimeEarned += req.Amount
		return &ledgerdomain.Transaction{
			Kind:        ledgerdomain.KindEarn,
			Amount:      req.Amount,
			Source:      source,
			ReferenceID: strings.TrimSpace(req.ReferenceID),
			Description: strings.TrimSpace(req.Description),
			ExpiresAt:   expiresAt,
		}, nil
	})
	s.record(ctx, ledgerdomain.KindEarn, source, req.Amount, err)
	return txn, err
}

func (s *Service) Spend(ctx context.Context, req pointsdomain.SpendRequest) (*ledgerdomain.Transaction, error) {
	source, err := validateMutation(req.AccountID, req.Amount, req.Source)
	if err != nil {
		return nil, err
	}

	txn, err := s.apply(ctx, req.AccountID, s.clock.Now(), func(bal *ledgerdomain.Balance) (*ledgerdomain.Transaction, error) {
		if bal.Balance < req.Amount {
			return nil, pointsdomain.ErrInsufficientBalance
		}
		bal.Balance -= req.Amount
		bal.LifetimeSpent += req.Amount
		return &ledgerdomain.Transaction{
			Kind:        ledgerdomain.KindSpend,
			Amount:      -req.Amount,
			Source:      source,
			ReferenceID: strings.TrimSpace(req.ReferenceID),
			Description: strings.TrimSpace(req.Description),
		}, nil
	})
	s.record(ctx, ledgerdomain.KindSpend, source, req.Amount, err)
	return txn, err
}

// Refund appends a refund row. A positive amount re-credits the account and
// counts as earned; a negative amount claws points back and counts as spent.
func (s *Service) Refund(ctx context.Context, req pointsdomain.RefundRequest) (*ledgerdomain.Transaction, error) {
	magnitude := req.Amount
	if magnitude < 0 {
		magnitude = -magnitude
	}
	source, err := validateMutation(req.AccountID, magnitude, req.Source)
	if err != nil {
		return nil, err
	}

	txn, err := s.apply(ctx, req.AccountID, s.clock.Now(), func(bal *ledgerdomain.Balance) (*ledgerdomain.Transaction, error) {
		if req.Amount > 0 {
			bal.Balance += req.Amount
			bal.LifetimeEarned += req.Amount
		} else {
			if bal.Balance < magnitude {
				return nil, pointsdomain.ErrInsufficientBalance
			}
			bal.Balance -= magnitude
			bal.LifetimeSpent += magnitude
		}
		return &ledgerdomain.Transaction{
			Kind:        ledgerdomain.KindRefund,
			Amount:      req.Amount,
			Source:      source,
			ReferenceID: strings.TrimSpace(req.ReferenceID),
			Description: strings.TrimSpace(req.Description),
		}, nil
	})
	s.record(ctx, ledgerdomain.KindRefund, source, req.Amount, err)
	return txn, err
}

// ExpireLot retires what is left of an earn lot whose expiry has passed.
// The expired amount is capped by the current balance.
func (s *Service) ExpireLot(ctx context.Context, accountID int64, lotID snowflake.ID) (*ledgerdomain.Transaction, error) {
	if accountID <= 0 {
		return nil, pointsdomain.ErrInvalidAccount
	}
	if lotID == 0 {
		return nil, pointsdomain.ErrLotNotFound
	}

	now := s.clock.Now()
	var txn *ledgerdomain.Transaction
	err := s.transaction(ctx, func(tx *gorm.DB) error {
		lot, err := s.repo.FindTransaction(ctx, tx, lotID)
		if err != nil {
			return err
		}
		if lot == nil || lot.AccountID != accountID || lot.Kind != ledgerdomain.KindEarn {
			return pointsdomain.ErrLotNotFound
		}
		if lot.ExpiresAt == nil || lot.ExpiresAt.After(now) {
			return pointsdomain.ErrLotNotExpired
		}

		bal, err := s.lockOrCreate(ctx, tx, accountID, now)
		if err != nil {
			return err
		}
		expired, err := s.repo.HasExpiry(ctx, tx, lotID)
		if err != nil {
			return err
		}
		if expired {
			return pointsdomain.ErrLotAlreadyExpired
		}

		amount := min(lot.Amount, bal.Balance)
		bal.Balance -= amount
		bal.LifetimeSpent += amount
		lotRef := lotID
		txn = &ledgerdomain.Transaction{
			Kind:        ledgerdomain.KindExpire,
			Amount:      -amount,
			Source:      ledgerdomain.SourceExpiry,
			ReferenceID: fmt.Sprintf("expire_%s", lotID.String()),
			Description: "points expired",
			LotID:       &lotRef,
		}
		return s.write(ctx, tx, bal, txn, now)
	})
	if db.IsDuplicateKeyErr(err) {
		// another sweeper wrote the expire entry first
		err = pointsdomain.ErrLotAlreadyExpired
	}
	var amount int64
	if txn != nil {
		amount = txn.Amount
	}
	s.record(ctx, ledgerdomain.KindExpire, ledgerdomain.SourceExpiry, amount, err)
	if err != nil {
		return nil, err
	}
	return txn, nil
}

func (s *Service) Balance(ctx context.Context, accountID int64) (pointsdomain.BalanceView, error) {
	if accountID <= 0 {
		return pointsdomain.BalanceView{}, pointsdomain.ErrInvalidAccount
	}
	bal, err := s.repo.FindBalance(ctx, s.db, accountID)
	if err != nil {
		return pointsdomain.BalanceView{}, err
	}
	view := pointsdomain.BalanceView{AccountID: accountID}
	if bal == nil {
		return view, nil
	}
	updatedAt := bal.UpdatedAt.UTC()
	view.Balance = bal.Balance
	view.LifetimeEarned = bal.LifetimeEarned
	view.LifetimeSpent = bal.LifetimeSpent
	view.UpdatedAt = &updatedAt
	return view, nil
}

func (s *Service) ListTransactions(ctx context.Context, req pointsdomain.ListTransactionsRequest) (pointsdomain.ListTransactionsResponse, error) {
	if req.AccountID <= 0 {
		return pointsdomain.ListTransactionsResponse{}, pointsdomain.ErrInvalidAccount
	}
	kind := ledgerdomain.TransactionKind(strings.ToLower(strings.TrimSpace(string(req.Kind))))
	if kind != "" && !kind.Valid() {
		return pointsdomain.ListTransactionsResponse{}, ledgerdomain.ErrInvalidKind
	}

	page := req.Pagination.Normalize()
	filter := ledgerdomain.TransactionFilter{
		AccountID: req.AccountID,
		Kind:      kind,
		Offset:    page.Offset(),
		Limit:     page.Limit(),
	}

	total, err := s.repo.CountTransactions(ctx, s.db, filter)
	if err != nil {
		return pointsdomain.ListTransactionsResponse{}, err
	}
	items, err := s.repo.ListTransactions(ctx, s.db, filter)
	if err != nil {
		return pointsdomain.ListTransactionsResponse{}, err
	}
	if items == nil {
		items = []ledgerdomain.Transaction{}
	}

	return pointsdomain.ListTransactionsResponse{
		Transactions: items,
		PageInfo:     pagination.BuildPageInfo(page, total),
	}, nil
}

func (s *Service) ExpiringSoon(ctx context.Context, accountID int64, withinDays int) ([]ledgerdomain.Transaction, error) {
	if accountID <= 0 {
		return nil, pointsdomain.ErrInvalidAccount
	}
	if withinDays <= 0 {
		withinDays = defaultExpiringWindowDays
	}
	now := s.clock.Now()
	items, err := s.repo.ListExpiring(ctx, s.db, accountID, now, now.AddDate(0, 0, withinDays))
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []ledgerdomain.Transaction{}
	}
	return items, nil
}

// Statistics summarises the current calendar month and the top earn sources.
func (s *Service) Statistics(ctx context.Context, accountID int64) (pointsdomain.Statistics, error) {
	if accountID <= 0 {
		return pointsdomain.Statistics{}, pointsdomain.ErrInvalidAccount
	}

	now := s.clock.Now()
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	monthEnd := monthStart.AddDate(0, 1, 0)

	earned, err := s.repo.SumByKind(ctx, s.db, accountID, ledgerdomain.KindEarn, monthStart, monthEnd)
	if err != nil {
		return pointsdomain.Statistics{}, err
	}
	spent, err := s.repo.SumByKind(ctx, s.db, accountID, ledgerdomain.KindSpend, monthStart, monthEnd)
	if err != nil {
		return pointsdomain.Statistics{}, err
	}
	sources, err := s.repo.TopSources(ctx, s.db, accountID, ledgerdomain.KindEarn, topSourcesLimit)
	if err != nil {
		return pointsdomain.Statistics{}, err
	}
	if sources == nil {
		sources = []ledgerdomain.SourceTotal{}
	}

	var total, count int64
	for _, src := range sources {
		total += src.Total
		count += src.Count
	}
	average := decimal.Zero
	if count > 0 {
		average = decimal.NewFromInt(total).Div(decimal.NewFromInt(count))
	}

	return pointsdomain.Statistics{
		AccountID:       accountID,
		MonthEarned:     earned,
		MonthSpent:      -spent,
		AverageEarn:     average.StringFixed(2),
		TopEarnSources:  sources,
		PeriodStartedAt: monthStart,
	}, nil
}

// apply runs one locked read-modify-write on the account balance.
func (s *Service) apply(
	ctx context.Context,
	accountID int64,
	now time.Time,
	mutate func(bal *ledgerdomain.Balance) (*ledgerdomain.Transaction, error),
) (*ledgerdomain.Transaction, error) {
	var txn *ledgerdomain.Transaction
	err := s.transaction(ctx, func(tx *gorm.DB) error {
		bal, err := s.lockOrCreate(ctx, tx, accountID, now)
		if err != nil {
			return err
		}
		next, err := mutate(bal)
		if err != nil {
			return err
		}
		if err := s.write(ctx, tx, bal, next, now); err != nil {
			return err
		}
		txn = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return txn, nil
}

func (s *Service) write(ctx context.Context, tx *gorm.DB, bal *ledgerdomain.Balance, txn *ledgerdomain.Transaction, now time.Time) error {
	if !bal.Consistent() {
		return ledgerdomain.ErrInconsistentTotals
	}
	bal.UpdatedAt = now
	if err := s.repo.UpdateBalance(ctx, tx, bal); err != nil {
		return err
	}

	txn.ID = s.genID.Generate()
	txn.AccountID = bal.AccountID
	txn.BalanceAfter = bal.Balance
	txn.CreatedAt = now
	return s.repo.Append(ctx, tx, txn)
}

func (s *Service) lockOrCreate(ctx context.Context, tx *gorm.DB, accountID int64, now time.Time) (*ledgerdomain.Balance, error) {
	bal, err := s.repo.LockAccountBalance(ctx, tx, accountID)
	if err != nil {
		return nil, err
	}
	if bal != nil {
		return bal, nil
	}

	if err := s.repo.CreateBalance(ctx, tx, &ledgerdomain.Balance{
		AccountID: accountID,
		CreatedAt: now,
		UpdatedAt: now,
	}); err != nil {
		return nil, err
	}
	bal, err = s.repo.LockAccountBalance(ctx, tx, accountID)
	if err != nil {
		return nil, err
	}
	if bal == nil {
		return nil, fmt.Errorf("balance row for account %d missing after create", accountID)
	}
	return bal, nil
}

func (s *Service) transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	if s.inTx {
		return fn(s.db.WithContext(ctx))
	}
	return s.db.WithContext(ctx).Transaction(fn)
}

func (s *Service) record(ctx context.Context, kind ledgerdomain.TransactionKind, source ledgerdomain.Source, amount int64, err error) {
	outcome := obsmetrics.OutcomeSuccess
	switch {
	case err == nil:
	case isRejection(err):
		outcome = obsmetrics.OutcomeRejected
	default:
		outcome = obsmetrics.OutcomeError
		logger.WithContext(ctx, s.log).Error("points mutation failed",
			zap.String("kind", string(kind)),
			zap.String("source", string(source)),
			zap.Int64("amount", amount),
			zap.Error(err),
		)
	}
	s.obsMetrics.RecordPointsOperation(ctx, string(kind), string(source), outcome, amount)
}

func validateMutation(accountID, amount int64, source ledgerdomain.Source) (ledgerdomain.Source, error) {
	if accountID <= 0 {
		return "", pointsdomain.ErrInvalidAccount
	}
	if amount <= 0 {
		return "", pointsdomain.ErrInvalidAmount
	}
	normalized := ledgerdomain.Source(strings.ToLower(strings.TrimSpace(string(source))))
	if normalized == "" {
		return "", pointsdomain.ErrInvalidSource
	}
	return normalized, nil
}

func isRejection(err error) bool {
	return errors.Is(err, pointsdomain.ErrInsufficientBalance) ||
		errors.Is(err, pointsdomain.ErrLotNotFound) ||
		errors.Is(err, pointsdomain.ErrLotNotExpired) ||
		errors.Is(err, pointsdomain.ErrLotAlreadyExpired)
}
