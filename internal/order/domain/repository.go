package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, order *Order) error
	Save(ctx context.Context, db *gorm.DB, order *Order) error
	Delete(ctx context.Context, db *gorm.DB, id snowflake.ID) error
	AssignTID(ctx context.Context, db *gorm.DB, id snowflake.ID, tid string, at time.Time) (bool, error)

	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Order, error)
	FindByTID(ctx context.Context, db *gorm.DB, tid string) (*Order, error)
	LockByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Order, error)
	LockByTID(ctx context.Context, db *gorm.DB, tid string) (*Order, error)

	FindPaidBySajuKey(ctx context.Context, db *gorm.DB, accountID int64, sajuKey string) (*Order, error)
	ListPendingBySajuKey(ctx context.Context, db *gorm.DB, accountID int64, sajuKey string) ([]Order, error)

	// LockStalePending skips rows another worker already holds.
	LockStalePending(ctx context.Context, db *gorm.DB, before time.Time, limit int) ([]Order, error)
	LockStuckReports(ctx context.Context, db *gorm.DB, before time.Time, limit int) ([]Order, error)
}
