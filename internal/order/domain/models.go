package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type Kind string

const (
	KindReport        Kind = "report"
	KindPointsPackage Kind = "points_package"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusPaid      Status = "paid"
	StatusCancelled Status = "cancelled"
	StatusRefunded  Status = "refunded"
)

type ReportStatus string

const (
	ReportPending    ReportStatus = "pending"
	ReportGenerating ReportStatus = "generating"
	ReportCompleted  ReportStatus = "completed"
	ReportFailed     ReportStatus = "failed"
)

// Order is one checkout. Status moves pending -> paid -> refunded or
// pending -> cancelled; ReportStatus leaves pending only once paid.
type Order struct {
	ID              snowflake.ID   `json:"id" gorm:"primaryKey"`
	AccountID       int64          `json:"account_id" gorm:"not null;index:ix_orders_account_saju,priority:1;uniqueIndex:ux_orders_paid_report,priority:1,where:kind = 'report' AND status = 'paid'"`
	Kind            Kind           `json:"kind" gorm:"type:text;not null"`
	ProductID       *snowflake.ID  `json:"product_id,omitempty"`
	PackageID       *snowflake.ID  `json:"package_id,omitempty"`
	ProductRef      string         `json:"product_ref" gorm:"type:text;not null;default:''"`
	ItemName        string         `json:"item_name" gorm:"type:text;not null;default:''"`
	Amount          int64          `json:"amount" gorm:"not null"`
	PointsAmount    int64          `json:"points_amount" gorm:"not null;default:0"`
	SajuKey         string         `json:"saju_key" gorm:"type:text;not null;default:'';index:ix_orders_account_saju,priority:2;uniqueIndex:ux_orders_paid_report,priority:2"`
	Email           string         `json:"email,omitempty" gorm:"type:text;not null;default:''"`
	TID             *string        `json:"tid,omitempty" gorm:"column:tid;type:text;uniqueIndex:ux_orders_tid"`
	PaymentMethod   string         `json:"payment_method,omitempty" gorm:"type:text;not null;default:''"`
	Status          Status         `json:"status" gorm:"type:text;not null;index:ix_orders_account_saju,priority:3;index:ix_orders_status_created,priority:1"`
	ReportStatus    ReportStatus   `json:"report_status" gorm:"type:text;not null"`
	ReportJobID     string         `json:"report_job_id,omitempty" gorm:"type:text;not null;default:''"`
	ReportError     string         `json:"report_error,omitempty" gorm:"type:text;not null;default:''"`
	HTMLPath        string         `json:"html_path,omitempty" gorm:"type:text;not null;default:''"`
	PDFPath         string         `json:"pdf_path,omitempty" gorm:"type:text;not null;default:''"`
	ApprovalPayload datatypes.JSON `json:"-" gorm:"not null"`
	ApprovedAt      *time.Time     `json:"approved_at,omitempty"`
	CancelledAt     *time.Time     `json:"cancelled_at,omitempty"`
	RefundedAt      *time.Time     `json:"refunded_at,omitempty"`
	ReportStartedAt *time.Time     `json:"report_started_at,omitempty"`
	CreatedAt       time.Time      `json:"created_at" gorm:"not null;index:ix_orders_status_created,priority:2"`
	UpdatedAt       time.Time      `json:"updated_at" gorm:"not null"`
}

func (Order) TableName() string { return "orders" }

// Expired reports whether a pending order outlived ttl at now.
func (o Order) Expired(now time.Time, ttl time.Duration) bool {
	return o.Status == StatusPending && now.Sub(o.CreatedAt) > ttl
}

// ReferenceID tags ledger rows written on behalf of this order.
func (o Order) ReferenceID() string {
	return "order_" + o.ID.String()
}
