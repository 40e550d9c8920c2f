package domain

import (
	"context"
	"net/http"

	"github.com/bwmarrin/snowflake"
)

// WebhookOutcome says what a delivery did.
type WebhookOutcome string

const (
	WebhookApplied   WebhookOutcome = "applied"
	WebhookDuplicate WebhookOutcome = "duplicate"
	WebhookIgnored   WebhookOutcome = "ignored"
)

// WebhookService ingests provider callbacks.
type WebhookService interface {
	IngestWebhook(ctx context.Context, provider string, payload []byte, headers http.Header) (WebhookOutcome, error)
	// Events lists the deliveries recorded against an order, oldest first.
	Events(ctx context.Context, orderID snowflake.ID) ([]EventRecord, error)
}

// OrderEvents applies provider-initiated changes to orders.
type OrderEvents interface {
	OrderIDByTID(ctx context.Context, tid string) (*snowflake.ID, error)
	RefundFromProvider(ctx context.Context, tid string) error
}
