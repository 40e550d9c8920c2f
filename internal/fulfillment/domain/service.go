package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	orderdomain "github.com/smallbiznis/fortunepay/internal/order/domain"
)

// Service drives report_status: pending -> generating -> {completed, failed}
// and failed -> generating on retry. It never touches the payment status.
type Service interface {
	StartGeneration(ctx context.Context, orderID snowflake.ID) (*orderdomain.Order, error)
	MarkCompleted(ctx context.Context, orderID snowflake.ID, htmlPath, pdfPath string) (*orderdomain.Order, error)
	MarkFailed(ctx context.Context, orderID snowflake.ID, reason string) (*orderdomain.Order, error)
	Retry(ctx context.Context, orderID snowflake.ID) (*orderdomain.Order, error)
	// RecoverStuck fails reports left in generating longer than the
	// configured window so they can be retried.
	RecoverStuck(ctx context.Context, limit int) (int, error)

	// Handle runs one dispatched job and records the outcome.
	Handle(ctx context.Context, job Job) error
}

// Job is one report build request.
type Job struct {
	JobID     string       `json:"job_id"`
	OrderID   snowflake.ID `json:"order_id"`
	AccountID int64        `json:"account_id"`
	SajuKey   string       `json:"saju_key"`
	Email     string       `json:"email,omitempty"`
	ItemName  string       `json:"item_name,omitempty"`
	Amount    int64        `json:"amount"`
}

// Handler consumes dispatched jobs.
type Handler func(ctx context.Context, job Job) error

// Dispatcher hands jobs to whatever runs the builds.
type Dispatcher interface {
	Name() string
	Dispatch(ctx context.Context, job Job) error
	// Start begins consuming with h until ctx ends or Stop is called.
	// Producer-only deployments never call it.
	Start(ctx context.Context, h Handler) error
	Stop(ctx context.Context) error
}

// Artifacts are the rendered outputs of one report.
type Artifacts struct {
	HTMLPath string
	PDFPath  string
}

// Builder renders a report for a job.
type Builder interface {
	Build(ctx context.Context, job Job) (Artifacts, error)
}
