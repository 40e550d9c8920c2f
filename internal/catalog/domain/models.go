package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// Product is a purchasable report.
type Product struct {
	ID          snowflake.ID `gorm:"primaryKey" json:"id"`
	Code        string       `gorm:"type:text;not null;uniqueIndex:ux_products_code" json:"code"`
	Name        string       `gorm:"type:text;not null" json:"name"`
	Price       int64        `gorm:"not null" json:"price"`
	FortuneCost int64        `gorm:"not null;default:0" json:"fortune_cost"`
	IsActive    bool         `gorm:"not null" json:"is_active"`
	CreatedAt   time.Time    `gorm:"not null" json:"created_at"`
	UpdatedAt   time.Time    `gorm:"not null" json:"updated_at"`
}

func (Product) TableName() string { return "products" }

// Package is a Fortune Points bundle sold for money.
type Package struct {
	ID            snowflake.ID `gorm:"primaryKey" json:"id"`
	Code          string       `gorm:"type:text;not null;uniqueIndex:ux_fortune_packages_code" json:"code"`
	Name          string       `gorm:"type:text;not null" json:"name"`
	FortunePoints int64        `gorm:"not null" json:"fortune_points"`
	BonusPoints   int64        `gorm:"not null;default:0" json:"bonus_points"`
	Price         int64        `gorm:"not null" json:"price"`
	ExpiresDays   int          `gorm:"not null;default:0" json:"expires_days"`
	IsActive      bool         `gorm:"not null" json:"is_active"`
	SortOrder     int          `gorm:"not null;default:0" json:"sort_order"`
	CreatedAt     time.Time    `gorm:"not null" json:"created_at"`
	UpdatedAt     time.Time    `gorm:"not null" json:"updated_at"`
}

func (Package) TableName() string { return "fortune_packages" }

// TotalPoints is what one purchase credits.
func (p Package) TotalPoints() int64 {
	return p.FortunePoints + p.BonusPoints
}
