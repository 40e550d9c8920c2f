package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	InsertProduct(ctx context.Context, db *gorm.DB, product *Product) (bool, error)
	FindProductByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Product, error)
	FindProductByCode(ctx context.Context, db *gorm.DB, code string) (*Product, error)

	UpsertPackage(ctx context.Context, db *gorm.DB, pkg *Package) error
	DeactivatePackagesExcept(ctx context.Context, db *gorm.DB, codes []string) (int64, error)
	FindPackageByCode(ctx context.Context, db *gorm.DB, code string) (*Package, error)
	FindPackageByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Package, error)
	ListActivePackages(ctx context.Context, db *gorm.DB) ([]Package, error)
}
