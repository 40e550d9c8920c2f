package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// TransactionFilter narrows ListTransactions.
type TransactionFilter struct {
	AccountID int64
	Kind      TransactionKind
	Offset    int
	Limit     int
}

// Repository is the Ledger Store. Every method runs on the handle it is
// given so callers control the unit of work.
type Repository interface {
	// LockAccountBalance takes an exclusive row lock held until tx ends.
	// It returns nil when the account has no balance row yet.
	LockAccountBalance(ctx context.Context, tx *gorm.DB, accountID int64) (*Balance, error)
	CreateBalance(ctx context.Context, tx *gorm.DB, balance *Balance) error
	UpdateBalance(ctx context.Context, tx *gorm.DB, balance *Balance) error
	Append(ctx context.Context, tx *gorm.DB, txn *Transaction) error

	FindBalance(ctx context.Context, db *gorm.DB, accountID int64) (*Balance, error)
	FindTransaction(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Transaction, error)
	ListTransactions(ctx context.Context, db *gorm.DB, filter TransactionFilter) ([]Transaction, error)
	CountTransactions(ctx context.Context, db *gorm.DB, filter TransactionFilter) (int64, error)
	ListExpiring(ctx context.Context, db *gorm.DB, accountID int64, from, to time.Time) ([]Transaction, error)
	ListExpiredLots(ctx context.Context, db *gorm.DB, before time.Time, limit int) ([]Transaction, error)
	HasExpiry(ctx context.Context, db *gorm.DB, lotID snowflake.ID) (bool, error)
	SumByKind(ctx context.Context, db *gorm.DB, accountID int64, kind TransactionKind, from, to time.Time) (int64, error)
	TopSources(ctx context.Context, db *gorm.DB, accountID int64, kind TransactionKind, limit int) ([]SourceTotal, error)
}
