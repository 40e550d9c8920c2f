package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	ledgerdomain "github.com/smallbiznis/fortunepay/internal/ledger/domain"
	"github.com/smallbiznis/fortunepay/pkg/db/pagination"
	"gorm.io/gorm"
)

// Service is the only writer of point balances and ledger rows.
type Service interface {
	// WithTx binds the service to an open unit of work owned by the caller.
	WithTx(tx *gorm.DB) Service

	Earn(ctx context.Context, req EarnRequest) (*ledgerdomain.Transaction, error)
	Spend(ctx context.Context, req SpendRequest) (*ledgerdomain.Transaction, error)
	Refund(ctx context.Context, req RefundRequest) (*ledgerdomain.Transaction, error)
	ExpireLot(ctx context.Context, accountID int64, lotID snowflake.ID) (*ledgerdomain.Transaction, error)

	Balance(ctx context.Context, accountID int64) (BalanceView, error)
	ListTransactions(ctx context.Context, req ListTransactionsRequest) (ListTransactionsResponse, error)
	ExpiringSoon(ctx context.Context, accountID int64, withinDays int) ([]ledgerdomain.Transaction, error)
	Statistics(ctx context.Context, accountID int64) (Statistics, error)
}

type EarnRequest struct {
	AccountID     int64
	Amount        int64
	Source        ledgerdomain.Source
	ReferenceID   string
	Description   string
	ExpiresInDays int
}

type SpendRequest struct {
	AccountID   int64
	Amount      int64
	Source      ledgerdomain.Source
	ReferenceID string
	Description string
}

// RefundRequest carries a signed amount: positive re-credits, negative claws back.
type RefundRequest struct {
	AccountID   int64
	Amount      int64
	Source      ledgerdomain.Source
	ReferenceID string
	Description string
}

type BalanceView struct {
	AccountID      int64      `json:"account_id"`
	Balance        int64      `json:"balance"`
	LifetimeEarned int64      `json:"lifetime_earned"`
	LifetimeSpent  int64      `json:"lifetime_spent"`
	UpdatedAt      *time.Time `json:"updated_at,omitempty"`
}

type ListTransactionsRequest struct {
	AccountID int64
	Kind      ledgerdomain.TransactionKind
	pagination.Pagination
}

type ListTransactionsResponse struct {
	Transactions []ledgerdomain.Transaction
	PageInfo     pagination.PageInfo
}

type Statistics struct {
	AccountID       int64                      `json:"account_id"`
	MonthEarned     int64                      `json:"month_earned"`
	MonthSpent      int64                      `json:"month_spent"`
	AverageEarn     string                     `json:"average_earn"`
	TopEarnSources  []ledgerdomain.SourceTotal `json:"top_earn_sources"`
	PeriodStartedAt time.Time                  `json:"period_started_at"`
}
