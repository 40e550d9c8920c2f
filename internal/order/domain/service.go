package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	paymentdomain "github.com/smallbiznis/fortunepay/internal/payment/domain"
)

// Service is the payment orchestrator. It owns orders and delegates every
// point mutation to the points service.
type Service interface {
	CreateOrder(ctx context.Context, req CreateOrderRequest) (*CheckoutResult, error)
	CreatePackageOrder(ctx context.Context, req CreatePackageOrderRequest) (*CheckoutResult, error)
	PurchaseWithPoints(ctx context.Context, req PurchaseWithPointsRequest) (*Order, error)

	ApproveCallback(ctx context.Context, orderID snowflake.ID, pgToken string) (*Order, error)
	Cancel(ctx context.Context, orderID snowflake.ID) (*Order, error)
	TimeoutSweep(ctx context.Context, limit int) (SweepResult, error)
	Refund(ctx context.Context, orderID snowflake.ID) (*Order, error)

	Get(ctx context.Context, orderID snowflake.ID) (*Order, error)
	PaymentStatus(ctx context.Context, orderID snowflake.ID) (*paymentdomain.StatusResult, error)

	paymentdomain.OrderEvents
}

type CreateOrderRequest struct {
	AccountID  int64
	ProductRef string
	SajuKey    string
	Email      string
}

type CreatePackageOrderRequest struct {
	AccountID   int64
	PackageCode string
	Email       string
}

type PurchaseWithPointsRequest struct {
	AccountID  int64
	ProductRef string
	SajuKey    string
	Email      string
}

type CheckoutResult struct {
	OrderID        snowflake.ID `json:"order_id"`
	TID            string       `json:"tid"`
	Amount         int64        `json:"amount"`
	RedirectPC     string       `json:"next_redirect_pc_url"`
	RedirectMobile string       `json:"next_redirect_mobile_url"`
	RedirectApp    string       `json:"next_redirect_app_url,omitempty"`
	ExpiresAt      time.Time    `json:"expires_at"`
}

type SweepResult struct {
	Cancelled int `json:"cancelled"`
}
