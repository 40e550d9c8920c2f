package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// TransactionKind classifies immutable ledger rows.
type TransactionKind string

const (
	KindEarn   TransactionKind = "earn"
	KindSpend  TransactionKind = "spend"
	KindRefund TransactionKind = "refund"
	KindExpire TransactionKind = "expire"
)

func (k TransactionKind) Valid() bool {
	switch k {
	case KindEarn, KindSpend, KindRefund, KindExpire:
		return true
	default:
		return false
	}
}

// Source tags where a ledger movement came from.
type Source string

const (
	SourcePackagePurchase Source = "package_purchase"
	SourceReferral        Source = "referral"
	SourceProductPurchase Source = "product_purchase"
	SourceOrderRefund     Source = "order_refund"
	SourceExpiry          Source = "expiry"
	SourceAdmin           Source = "admin"
)

// Balance is the per-account running total. balance == lifetime_earned - lifetime_spent.
type Balance struct {
	AccountID      int64     `gorm:"primaryKey;autoIncrement:false"`
	Balance        int64     `gorm:"not null;default:0"`
	LifetimeEarned int64     `gorm:"not null;default:0"`
	LifetimeSpent  int64     `gorm:"not null;default:0"`
	CreatedAt      time.Time `gorm:"not null"`
	UpdatedAt      time.Time `gorm:"not null"`
}

// TableName sets the database table name.
func (Balance) TableName() string { return "point_balances" }

// Consistent reports whether the running totals agree with each other.
func (b Balance) Consistent() bool {
	return b.Balance >= 0 && b.Balance == b.LifetimeEarned-b.LifetimeSpent
}

// Transaction is one append-only ledger row. BalanceAfter is the account
// balance immediately after this row was applied.
type Transaction struct {
	ID           snowflake.ID    `gorm:"primaryKey"`
	AccountID    int64           `gorm:"not null;index:ix_point_transactions_account_created,priority:1"`
	Kind         TransactionKind `gorm:"type:text;not null"`
	Amount       int64           `gorm:"not null"`
	BalanceAfter int64           `gorm:"not null"`
	Source       Source          `gorm:"type:text;not null"`
	ReferenceID  string          `gorm:"type:text;not null;default:''"`
	Description  string          `gorm:"type:text;not null;default:''"`
	ExpiresAt    *time.Time
	// LotID points an expire row at the earn row it retires.
	LotID     *snowflake.ID `gorm:"uniqueIndex:ux_point_transactions_lot"`
	CreatedAt time.Time     `gorm:"not null;index:ix_point_transactions_account_created,priority:2"`
}

// TableName sets the database table name.
func (Transaction) TableName() string { return "point_transactions" }

// SourceTotal is one row of per-source aggregation.
type SourceTotal struct {
	Source Source
	Total  int64
	Count  int64
}
