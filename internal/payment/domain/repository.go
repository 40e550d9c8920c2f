package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Repository stores webhook deliveries keyed by (provider, provider event id).
type Repository interface {
	// Record stores event unless the provider already delivered it. It
	// returns the stored row and whether this call created it.
	Record(ctx context.Context, db *gorm.DB, event *EventRecord) (*EventRecord, bool, error)
	// MarkProcessed stamps the event once. It reports false when another
	// delivery already stamped it.
	MarkProcessed(ctx context.Context, db *gorm.DB, id snowflake.ID, processedAt time.Time) (bool, error)
	ListByOrder(ctx context.Context, db *gorm.DB, orderID snowflake.ID) ([]EventRecord, error)
}
