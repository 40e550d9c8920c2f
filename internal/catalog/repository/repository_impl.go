package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/fortunepay/internal/catalog/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

const (
	productColumns = `id, code, name, price, fortune_cost, is_active, created_at, updated_at`
	packageColumns = `id, code, name, fortune_points, bonus_points, price, expires_days, is_active, sort_order, created_at, updated_at`
)

// InsertProduct reports false when a product with the same code already exists.
func (r *repo) InsertProduct(ctx context.Context, db *gorm.DB, product *domain.Product) (bool, error) {
	result := db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "code"}}, DoNothing: true}).
		Create(product)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) FindProductByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Product, error) {
	return r.findProduct(ctx, db, "id = ?", id)
}

func (r *repo) FindProductByCode(ctx context.Context, db *gorm.DB, code string) (*domain.Product, error) {
	return r.findProduct(ctx, db, "code = ?", code)
}

func (r *repo) findProduct(ctx context.Context, db *gorm.DB, where string, arg any) (*domain.Product, error) {
	var p domain.Product
	err := db.WithContext(ctx).Raw(
		`SELECT `+productColumns+` FROM products WHERE `+where+` LIMIT 1`,
		arg,
	).Scan(&p).Error
	if err != nil {
		return nil, err
	}
	if p.ID == 0 {
		return nil, nil
	}
	return &p, nil
}

func (r *repo) UpsertPackage(ctx context.Context, db *gorm.DB, pkg *domain.Package) error {
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "code"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"name", "fortune_points", "bonus_points", "price",
				"expires_days", "is_active", "sort_order", "updated_at",
			}),
		}).
		Create(pkg).Error
}

func (r *repo) DeactivatePackagesExcept(ctx context.Context, db *gorm.DB, codes []string) (int64, error) {
	stmt := db.WithContext(ctx).Model(&domain.Package{}).Where("is_active = ?", true)
	if len(codes) > 0 {
		stmt = stmt.Where("code NOT IN ?", codes)
	}
	result := stmt.Update("is_active", false)
	return result.RowsAffected, result.Error
}

func (r *repo) FindPackageByCode(ctx context.Context, db *gorm.DB, code string) (*domain.Package, error) {
	return r.findPackage(ctx, db, "code = ?", code)
}

func (r *repo) FindPackageByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Package, error) {
	return r.findPackage(ctx, db, "id = ?", id)
}

func (r *repo) findPackage(ctx context.Context, db *gorm.DB, where string, arg any) (*domain.Package, error) {
	var p domain.Package
	err := db.WithContext(ctx).Raw(
		`SELECT `+packageColumns+` FROM fortune_packages WHERE `+where+` LIMIT 1`,
		arg,
	).Scan(&p).Error
	if err != nil {
		return nil, err
	}
	if p.ID == 0 {
		return nil, nil
	}
	return &p, nil
}

func (r *repo) ListActivePackages(ctx context.Context, db *gorm.DB) ([]domain.Package, error) {
	var items []domain.Package
	err := db.WithContext(ctx).Raw(
		`SELECT `+packageColumns+`
		 FROM fortune_packages
		 WHERE is_active = ?
		 ORDER BY sort_order ASC, code ASC`,
		true,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}
