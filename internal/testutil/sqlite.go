// Package testutil opens throwaway SQLite databases carrying the fortunepay schema.
package testutil

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var dbSeq atomic.Int64

// Schema mirrors the postgres migrations with SQLite column types.
var Schema = []string{
	`CREATE TABLE point_balances (
		account_id BIGINT PRIMARY KEY,
		balance BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
		lifetime_earned BIGINT NOT NULL DEFAULT 0,
		lifetime_spent BIGINT NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		CHECK (balance = lifetime_earned - lifetime_spent)
	)`,
	`CREATE TABLE point_transactions (
		id BIGINT PRIMARY KEY,
		account_id BIGINT NOT NULL,
		kind TEXT NOT NULL,
		amount BIGINT NOT NULL,
		balance_after BIGINT NOT NULL,
		source TEXT NOT NULL,
		reference_id TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		expires_at DATETIME,
		lot_id BIGINT,
		created_at DATETIME NOT NULL
	)`,
	`CREATE INDEX ix_point_transactions_account_created ON point_transactions(account_id, created_at)`,
	`CREATE UNIQUE INDEX ux_point_transactions_lot ON point_transactions(lot_id)`,
	`CREATE TABLE products (
		id BIGINT PRIMARY KEY,
		code TEXT NOT NULL,
		name TEXT NOT NULL,
		price BIGINT NOT NULL,
		fortune_cost BIGINT NOT NULL DEFAULT 0,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE UNIQUE INDEX ux_products_code ON products(code)`,
	`CREATE TABLE fortune_packages (
		id BIGINT PRIMARY KEY,
		code TEXT NOT NULL,
		name TEXT NOT NULL,
		fortune_points BIGINT NOT NULL,
		bonus_points BIGINT NOT NULL DEFAULT 0,
		price BIGINT NOT NULL,
		expires_days INTEGER NOT NULL DEFAULT 0,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		sort_order INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE UNIQUE INDEX ux_fortune_packages_code ON fortune_packages(code)`,
	`CREATE TABLE orders (
		id BIGINT PRIMARY KEY,
		account_id BIGINT NOT NULL,
		kind TEXT NOT NULL,
		product_id BIGINT,
		package_id BIGINT,
		product_ref TEXT NOT NULL DEFAULT '',
		item_name TEXT NOT NULL DEFAULT '',
		amount BIGINT NOT NULL,
		points_amount BIGINT NOT NULL DEFAULT 0,
		saju_key TEXT NOT NULL DEFAULT '',
		email TEXT NOT NULL DEFAULT '',
		tid TEXT,
		payment_method TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		report_status TEXT NOT NULL,
		report_job_id TEXT NOT NULL DEFAULT '',
		report_error TEXT NOT NULL DEFAULT '',
		html_path TEXT NOT NULL DEFAULT '',
		pdf_path TEXT NOT NULL DEFAULT '',
		approval_payload TEXT,
		approved_at DATETIME,
		cancelled_at DATETIME,
		refunded_at DATETIME,
		report_started_at DATETIME,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE UNIQUE INDEX ux_orders_tid ON orders(tid)`,
	`CREATE INDEX ix_orders_account_saju ON orders(account_id, saju_key, status)`,
	`CREATE INDEX ix_orders_status_created ON orders(status, created_at)`,
	`CREATE UNIQUE INDEX ux_orders_paid_report ON orders(account_id, saju_key) WHERE kind = 'report' AND status = 'paid'`,
	`CREATE TABLE idempotency_records (
		idempotency_key TEXT PRIMARY KEY,
		operation TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		claim_token TEXT NOT NULL DEFAULT '',
		response TEXT,
		created_at DATETIME NOT NULL,
		expires_at DATETIME NOT NULL
	)`,
	`CREATE TABLE payment_events (
		id BIGINT PRIMARY KEY,
		provider TEXT NOT NULL,
		provider_event_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		order_id BIGINT,
		payload TEXT NOT NULL,
		received_at DATETIME NOT NULL,
		processed_at DATETIME
	)`,
	`CREATE UNIQUE INDEX ux_payment_events_provider_event_id ON payment_events(provider, provider_event_id)`,
}

// OpenDB returns a fresh in-memory database with the schema applied. The pool
// is pinned to one connection so concurrent transactions serialize the way
// row locks would on postgres.
func OpenDB(t testing.TB) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:memdb_%d_%d?mode=memory&cache=shared", time.Now().UnixNano(), dbSeq.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Discard,
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	for _, stmt := range Schema {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("apply schema: %v", err)
		}
	}
	return db
}

// AssertCount fails the test when query does not return want.
func AssertCount(t testing.TB, db *gorm.DB, query string, want int64, args ...any) {
	t.Helper()

	var got int64
	if err := db.Raw(query, args...).Scan(&got).Error; err != nil {
		t.Fatalf("count query: %v", err)
	}
	if got != want {
		t.Fatalf("expected %d rows for %q, got %d", want, query, got)
	}
}

// Backdate shifts created_at on one row so age-based rules can be exercised.
func Backdate(t testing.TB, db *gorm.DB, table string, id any, age time.Duration, now time.Time) {
	t.Helper()

	if err := db.Exec(
		"UPDATE "+table+" SET created_at = ? WHERE id = ?",
		now.Add(-age).UTC(),
		id,
	).Error; err != nil {
		t.Fatalf("backdate %s: %v", table, err)
	}
}
