package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// EventRecord is one provider webhook delivery, unique per provider event id.
type EventRecord struct {
	ID              snowflake.ID   `json:"id" gorm:"primaryKey"`
	Provider        string         `json:"provider" gorm:"type:text;not null;uniqueIndex:ux_payment_events_provider_event_id,priority:1"`
	ProviderEventID string         `json:"provider_event_id" gorm:"type:text;not null;uniqueIndex:ux_payment_events_provider_event_id,priority:2"`
	EventType       string         `json:"event_type" gorm:"type:text;not null"`
	OrderID         *snowflake.ID  `json:"order_id" gorm:"index"`
	Payload         datatypes.JSON `json:"payload" gorm:"not null"`
	ReceivedAt      time.Time      `json:"received_at" gorm:"not null"`
	ProcessedAt     *time.Time     `json:"processed_at"`
}

func (EventRecord) TableName() string { return "payment_events" }

const (
	EventTypePaymentCanceled      = "PAYMENT_CANCELED"
	EventTypePaymentStatusChanged = "PAYMENT_STATUS_CHANGED"
)

// PaymentEvent is the canonical webhook event parsed by adapters.
type PaymentEvent struct {
	Provider        string
	ProviderEventID string
	Type            string
	TID             string
	PartnerOrderID  string
	Status          string
	Amount          int64
	OccurredAt      time.Time
	RawPayload      []byte
}

// Payment methods accepted at approval.
const (
	MethodCard   = "CARD"
	MethodMoney  = "MONEY"
	MethodPoints = "POINTS"
)

func AcceptedMethod(method string) bool {
	return method == MethodCard || method == MethodMoney
}
