package repository

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/fortunepay/internal/ledger/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) LockAccountBalance(ctx context.Context, tx *gorm.DB, accountID int64) (*domain.Balance, error) {
	var item domain.Balance
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("account_id = ?", accountID).
		Limit(1).
		Find(&item).Error
	if err != nil {
		return nil, err
	}
	if item.AccountID == 0 {
		return nil, nil
	}
	return &item, nil
}

// CreateBalance inserts a zero row, tolerating a concurrent creator.
func (r *repo) CreateBalance(ctx context.Context, tx *gorm.DB, balance *domain.Balance) error {
	return tx.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "account_id"}}, DoNothing: true}).
		Create(balance).Error
}

func (r *repo) UpdateBalance(ctx context.Context, tx *gorm.DB, balance *domain.Balance) error {
	return tx.WithContext(ctx).Exec(
		`UPDATE point_balances
		 SET balance = ?, lifetime_earned = ?, lifetime_spent = ?, updated_at = ?
		 WHERE account_id = ?`,
		balance.Balance,
		balance.LifetimeEarned,
		balance.LifetimeSpent,
		balance.UpdatedAt,
		balance.AccountID,
	).Error
}

func (r *repo) Append(ctx context.Context, tx *gorm.DB, txn *domain.Transaction) error {
	return tx.WithContext(ctx).Create(txn).Error
}

func (r *repo) FindBalance(ctx context.Context, db *gorm.DB, accountID int64) (*domain.Balance, error) {
	var item domain.Balance
	err := db.WithContext(ctx).Raw(
		`SELECT account_id, balance, lifetime_earned, lifetime_spent, created_at, updated_at
		 FROM point_balances
		 WHERE account_id = ?
		 LIMIT 1`,
		accountID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.AccountID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) FindTransaction(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Transaction, error) {
	var item domain.Transaction
	err := db.WithContext(ctx).Raw(
		`SELECT `+transactionColumns+`
		 FROM point_transactions
		 WHERE id = ?
		 LIMIT 1`,
		id,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) ListTransactions(ctx context.Context, db *gorm.DB, filter domain.TransactionFilter) ([]domain.Transaction, error) {
	where, args := transactionWhere(filter)
	args = append(args, filter.Limit, filter.Offset)

	var items []domain.Transaction
	err := db.WithContext(ctx).Raw(
		`SELECT `+transactionColumns+`
		 FROM point_transactions
		 WHERE `+where+`
		 ORDER BY created_at DESC, id DESC
		 LIMIT ? OFFSET ?`,
		args...,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) CountTransactions(ctx context.Context, db *gorm.DB, filter domain.TransactionFilter) (int64, error) {
	where, args := transactionWhere(filter)

	var count int64
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(1) FROM point_transactions WHERE `+where,
		args...,
	).Scan(&count).Error
	return count, err
}

func (r *repo) ListExpiring(ctx context.Context, db *gorm.DB, accountID int64, from, to time.Time) ([]domain.Transaction, error) {
	var items []domain.Transaction
	err := db.WithContext(ctx).Raw(
		`SELECT `+transactionColumns+`
		 FROM point_transactions
		 WHERE account_id = ? AND kind = ?
		   AND expires_at IS NOT NULL AND expires_at > ? AND expires_at <= ?
		 ORDER BY expires_at ASC, id ASC`,
		accountID,
		domain.KindEarn,
		from,
		to,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

// ListExpiredLots returns earn rows past expiry that have no expire row yet.
func (r *repo) ListExpiredLots(ctx context.Context, db *gorm.DB, before time.Time, limit int) ([]domain.Transaction, error) {
	var items []domain.Transaction
	err := db.WithContext(ctx).Raw(
		`SELECT `+prefixed("t", transactionColumns)+`
		 FROM point_transactions t
		 WHERE t.kind = ? AND t.expires_at IS NOT NULL AND t.expires_at <= ?
		   AND NOT EXISTS (
		     SELECT 1 FROM point_transactions e WHERE e.lot_id = t.id
		   )
		 ORDER BY t.expires_at ASC, t.id ASC
		 LIMIT ?`,
		domain.KindEarn,
		before,
		limit,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) HasExpiry(ctx context.Context, db *gorm.DB, lotID snowflake.ID) (bool, error) {
	var count int64
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(1) FROM point_transactions WHERE lot_id = ?`,
		lotID,
	).Scan(&count).Error
	return count > 0, err
}

func (r *repo) SumByKind(ctx context.Context, db *gorm.DB, accountID int64, kind domain.TransactionKind, from, to time.Time) (int64, error) {
	var total int64
	err := db.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(amount), 0)
		 FROM point_transactions
		 WHERE account_id = ? AND kind = ? AND created_at >= ? AND created_at < ?`,
		accountID,
		kind,
		from,
		to,
	).Scan(&total).Error
	return total, err
}

func (r *repo) TopSources(ctx context.Context, db *gorm.DB, accountID int64, kind domain.TransactionKind, limit int) ([]domain.SourceTotal, error) {
	var items []domain.SourceTotal
	err := db.WithContext(ctx).Raw(
		`SELECT source, SUM(amount) AS total, COUNT(1) AS count
		 FROM point_transactions
		 WHERE account_id = ? AND kind = ?
		 GROUP BY source
		 ORDER BY total DESC, source ASC
		 LIMIT ?`,
		accountID,
		kind,
		limit,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

const transactionColumns = `id, account_id, kind, amount, balance_after, source, reference_id,
	description, expires_at, lot_id, created_at`

func transactionWhere(filter domain.TransactionFilter) (string, []any) {
	where := "account_id = ?"
	args := []any{filter.AccountID}
	if filter.Kind != "" {
		where += " AND kind = ?"
		args = append(args, filter.Kind)
	}
	return where, args
}

func prefixed(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, part := range parts {
		parts[i] = alias + "." + strings.TrimSpace(part)
	}
	return strings.Join(parts, ", ")
}
