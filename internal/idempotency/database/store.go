package database

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/smallbiznis/fortunepay/internal/clock"
	"github.com/smallbiznis/fortunepay/internal/idempotency/domain"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Row is the idempotency_records table.
type Row struct {
	IdempotencyKey string         `gorm:"primaryKey;type:text"`
	Operation      string         `gorm:"type:text;not null;default:''"`
	Status         string         `gorm:"type:text;not null"`
	ClaimToken     string         `gorm:"type:text;not null;default:''"`
	Response       datatypes.JSON
	CreatedAt      time.Time      `gorm:"not null"`
	ExpiresAt      time.Time      `gorm:"not null;index"`
}

func (Row) TableName() string { return "idempotency_records" }

type Store struct {
	db    *gorm.DB
	clock clock.Clock
}

func New(db *gorm.DB, clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Store{db: db, clock: clk}
}

func (s *Store) Get(ctx context.Context, key string) (*domain.Record, error) {
	var row Row
	err := s.db.WithContext(ctx).Raw(
		`SELECT idempotency_key, operation, status, response, created_at, expires_at
		 FROM idempotency_records
		 WHERE idempotency_key = ? AND status = ? AND expires_at > ?
		 LIMIT 1`,
		key,
		domain.StatusCompleted,
		s.clock.Now(),
	).Scan(&row).Error
	if err != nil {
		return nil, err
	}
	if row.IdempotencyKey == "" {
		return nil, nil
	}
	return &domain.Record{
		Key:       row.IdempotencyKey,
		Operation: row.Operation,
		Response:  []byte(row.Response),
		CreatedAt: row.CreatedAt,
		ExpiresAt: row.ExpiresAt,
	}, nil
}

func (s *Store) Claim(ctx context.Context, key, operation string, ttl time.Duration) (string, bool, error) {
	if key == "" {
		return "", false, domain.ErrInvalidKey
	}
	now := s.clock.Now()
	token := uuid.NewString()
	claimed := false

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec(
			`DELETE FROM idempotency_records WHERE idempotency_key = ? AND expires_at <= ?`,
			key,
			now,
		).Error; err != nil {
			return err
		}

		result := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "idempotency_key"}},
			DoNothing: true,
		}).Create(&Row{
			IdempotencyKey: key,
			Operation:      operation,
			Status:         domain.StatusPending,
			ClaimToken:     token,
			CreatedAt:      now,
			ExpiresAt:      now.Add(ttl),
		})
		if result.Error != nil {
			return result.Error
		}
		claimed = result.RowsAffected == 1
		return nil
	})
	if err != nil {
		return "", false, err
	}
	if !claimed {
		return "", false, nil
	}
	return token, true, nil
}

func (s *Store) Complete(ctx context.Context, key, token string, record domain.Record) error {
	result := s.db.WithContext(ctx).Exec(
		`UPDATE idempotency_records
		 SET status = ?, claim_token = '', response = ?, created_at = ?, expires_at = ?
		 WHERE idempotency_key = ? AND claim_token = ? AND status = ?`,
		domain.StatusCompleted,
		datatypes.JSON(record.Response),
		record.CreatedAt,
		record.ExpiresAt,
		key,
		token,
		domain.StatusPending,
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrClaimLost
	}
	return nil
}

func (s *Store) Release(ctx context.Context, key, token string) error {
	return s.db.WithContext(ctx).Exec(
		`DELETE FROM idempotency_records WHERE idempotency_key = ? AND claim_token = ? AND status = ?`,
		key,
		token,
		domain.StatusPending,
	).Error
}

func (s *Store) Purge(ctx context.Context, before time.Time) (int64, error) {
	result := s.db.WithContext(ctx).Exec(
		`DELETE FROM idempotency_records WHERE expires_at <= ?`,
		before,
	)
	return result.RowsAffected, result.Error
}
