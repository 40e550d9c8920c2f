package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/fortunepay/internal/payment/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type eventRepo struct{}

func Provide() domain.Repository {
	return eventRepo{}
}

var eventKey = clause.OnConflict{
	Columns:   []clause.Column{{Name: "provider"}, {Name: "provider_event_id"}},
	DoNothing: true,
}

func (eventRepo) Record(ctx context.Context, db *gorm.DB, event *domain.EventRecord) (*domain.EventRecord, bool, error) {
	res := db.WithContext(ctx).Clauses(eventKey).Create(event)
	if res.Error != nil {
		return nil, false, res.Error
	}
	if res.RowsAffected > 0 {
		return event, true, nil
	}

	var existing domain.EventRecord
	err := db.WithContext(ctx).
		Where("provider = ? AND provider_event_id = ?", event.Provider, event.ProviderEventID).
		Take(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, domain.ErrInvalidEvent
	}
	if err != nil {
		return nil, false, err
	}
	return &existing, false, nil
}

func (eventRepo) MarkProcessed(ctx context.Context, db *gorm.DB, id snowflake.ID, processedAt time.Time) (bool, error) {
	res := db.WithContext(ctx).
		Model(&domain.EventRecord{}).
		Where("id = ? AND processed_at IS NULL", id).
		Update("processed_at", processedAt)
	return res.RowsAffected > 0, res.Error
}

func (eventRepo) ListByOrder(ctx context.Context, db *gorm.DB, orderID snowflake.ID) ([]domain.EventRecord, error) {
	var events []domain.EventRecord
	err := db.WithContext(ctx).
		Where("order_id = ?", orderID).
		Order("received_at ASC, id ASC").
		Find(&events).Error
	return events, err
}
