package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/fortunepay/internal/order/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, order *domain.Order) error {
	return db.WithContext(ctx).Create(order).Error
}

// Save writes every mutable column. tid is assigned separately.
func (r *repo) Save(ctx context.Context, db *gorm.DB, order *domain.Order) error {
	return db.WithContext(ctx).Exec(
		`UPDATE orders
		 SET status = ?, report_status = ?, report_job_id = ?, report_error = ?,
			html_path = ?, pdf_path = ?, payment_method = ?, approval_payload = ?,
			approved_at = ?, cancelled_at = ?, refunded_at = ?, report_started_at = ?,
			updated_at = ?
		 WHERE id = ?`,
		order.Status,
		order.ReportStatus,
		order.ReportJobID,
		order.ReportError,
		order.HTMLPath,
		order.PDFPath,
		order.PaymentMethod,
		order.ApprovalPayload,
		order.ApprovedAt,
		order.CancelledAt,
		order.RefundedAt,
		order.ReportStartedAt,
		order.UpdatedAt,
		order.ID,
	).Error
}

func (r *repo) Delete(ctx context.Context, db *gorm.DB, id snowflake.ID) error {
	return db.WithContext(ctx).Exec(
		`DELETE FROM orders WHERE id = ? AND status = ?`,
		id,
		domain.StatusPending,
	).Error
}

// AssignTID sets the provider transaction id once.
func (r *repo) AssignTID(ctx context.Context, db *gorm.DB, id snowflake.ID, tid string, at time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE orders SET tid = ?, updated_at = ? WHERE id = ? AND tid IS NULL`,
		tid,
		at,
		id,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Order, error) {
	return r.findOne(ctx, db, "id = ?", id)
}

func (r *repo) FindByTID(ctx context.Context, db *gorm.DB, tid string) (*domain.Order, error) {
	return r.findOne(ctx, db, "tid = ?", tid)
}

func (r *repo) LockByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Order, error) {
	return r.lockOne(ctx, db, "id = ?", id)
}

func (r *repo) LockByTID(ctx context.Context, db *gorm.DB, tid string) (*domain.Order, error) {
	return r.lockOne(ctx, db, "tid = ?", tid)
}

func (r *repo) FindPaidBySajuKey(ctx context.Context, db *gorm.DB, accountID int64, sajuKey string) (*domain.Order, error) {
	var item domain.Order
	err := db.WithContext(ctx).
		Where("account_id = ? AND saju_key = ? AND kind = ? AND status = ?", accountID, sajuKey, domain.KindReport, domain.StatusPaid).
		Limit(1).
		Find(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) ListPendingBySajuKey(ctx context.Context, db *gorm.DB, accountID int64, sajuKey string) ([]domain.Order, error) {
	var items []domain.Order
	err := db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("account_id = ? AND saju_key = ? AND kind = ? AND status = ?", accountID, sajuKey, domain.KindReport, domain.StatusPending).
		Order("created_at ASC, id ASC").
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) LockStalePending(ctx context.Context, db *gorm.DB, before time.Time, limit int) ([]domain.Order, error) {
	var items []domain.Order
	err := db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
		Where("status = ? AND created_at < ?", domain.StatusPending, before).
		Order("created_at ASC, id ASC").
		Limit(limit).
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) LockStuckReports(ctx context.Context, db *gorm.DB, before time.Time, limit int) ([]domain.Order, error) {
	var items []domain.Order
	err := db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
		Where("report_status = ? AND report_started_at <= ?", domain.ReportGenerating, before).
		Order("report_started_at ASC, id ASC").
		Limit(limit).
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) findOne(ctx context.Context, db *gorm.DB, query string, args ...any) (*domain.Order, error) {
	var item domain.Order
	err := db.WithContext(ctx).Where(query, args...).Limit(1).Find(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) lockOne(ctx context.Context, db *gorm.DB, query string, args ...any) (*domain.Order, error) {
	var item domain.Order
	err := db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where(query, args...).
		Limit(1).
		Find(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}
