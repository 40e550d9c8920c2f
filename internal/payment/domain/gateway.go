package domain

import (
	"context"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
)

type Payer struct {
	AccountID int64
	Email     string
}

type ReadyRequest struct {
	OrderID     snowflake.ID
	ItemName    string
	Amount      int64
	Payer       Payer
	ApprovalURL string
	CancelURL   string
	FailURL     string
}

type ReadyResult struct {
	TID            string    `json:"tid"`
	RedirectPC     string    `json:"next_redirect_pc_url"`
	RedirectMobile string    `json:"next_redirect_mobile_url"`
	RedirectApp    string    `json:"next_redirect_app_url,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

type ApproveRequest struct {
	TID     string
	PGToken string
	OrderID snowflake.ID
	Payer   Payer
}

type ApproveResult struct {
	TID        string
	Amount     int64
	Method     string
	ApprovedAt time.Time
	Raw        []byte
}

type CancelResult struct {
	TID             string
	Status          string
	CancelledAmount int64
	Raw             []byte
}

type StatusResult struct {
	TID             string `json:"tid"`
	Status          string `json:"status"`
	Method          string `json:"payment_method_type,omitempty"`
	Amount          int64  `json:"amount"`
	CancelledAmount int64  `json:"canceled_amount"`
	Raw             []byte `json:"-"`
}

// Gateway is the external payment provider. Every call is one synchronous
// request with a bounded timeout and is never retried here.
type Gateway interface {
	Provider() string
	Ready(ctx context.Context, req ReadyRequest) (*ReadyResult, error)
	Approve(ctx context.Context, req ApproveRequest) (*ApproveResult, error)
	Cancel(ctx context.Context, tid string, amount int64) (*CancelResult, error)
	Status(ctx context.Context, tid string) (*StatusResult, error)
}

// WebhookAdapter verifies and parses provider callbacks.
type WebhookAdapter interface {
	Verify(ctx context.Context, payload []byte, headers http.Header) error
	Parse(ctx context.Context, payload []byte) (*PaymentEvent, error)
}

type GatewayConfig struct {
	Provider      string
	SecretKey     string
	CID           string
	BaseURL       string
	WebhookSecret string
	Timeout       time.Duration
}

type GatewayFactory interface {
	Provider() string
	NewGateway(cfg GatewayConfig) (Gateway, error)
}
