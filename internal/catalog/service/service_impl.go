package service

import (
	"context"
	"strconv"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	"github.com/smallbiznis/fortunepay/internal/catalog/domain"
	"github.com/smallbiznis/fortunepay/internal/clock"
	"github.com/smallbiznis/fortunepay/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Cfg     config.Config
	Catalog *config.CatalogHolder
	Repo    domain.Repository
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	catalog *config.CatalogHolder
	repo    domain.Repository

	defaultName string
	defaultCost int64
	defaultFee  int64
}

func NewService(p Params) domain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("catalog.service"),
		genID:       p.GenID,
		clock:       clk,
		catalog:     p.Catalog,
		repo:        p.Repo,
		defaultName: strings.TrimSpace(p.Cfg.Order.DefaultProductName),
		defaultCost: p.Cfg.Order.DefaultFortuneCost,
		defaultFee:  p.Cfg.Order.DefaultAmount,
	}
}

func (s *Service) ResolveProduct(ctx context.Context, ref string) (*domain.Product, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		ref = s.defaultName
	}

	if id, err := strconv.ParseInt(ref, 10, 64); err == nil && id > 0 {
		product, err := s.repo.FindProductByID(ctx, s.db, snowflake.ID(id))
		if err != nil {
			return nil, err
		}
		if product != nil {
			return activeProduct(product)
		}
	}

	code := slug.Make(ref)
	if code == "" {
		return nil, domain.ErrInvalidCode
	}
	product, err := s.repo.FindProductByCode(ctx, s.db, code)
	if err != nil {
		return nil, err
	}
	if product != nil {
		return activeProduct(product)
	}

	now := s.clock.Now()
	product = &domain.Product{
		ID:          s.genID.Generate(),
		Code:        code,
		Name:        ref,
		Price:       s.defaultFee,
		FortuneCost: s.defaultCost,
		IsActive:    true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	inserted, err := s.repo.InsertProduct(ctx, s.db, product)
	if err != nil {
		return nil, err
	}
	if inserted {
		s.log.Info("product created from reference", zap.String("code", code), zap.Int64("price", product.Price))
		return product, nil
	}

	// lost the race to a concurrent creator
	product, err = s.repo.FindProductByCode(ctx, s.db, code)
	if err != nil {
		return nil, err
	}
	if product == nil {
		return nil, domain.ErrProductNotFound
	}
	return activeProduct(product)
}

func (s *Service) GetProduct(ctx context.Context, id snowflake.ID) (*domain.Product, error) {
	product, err := s.repo.FindProductByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if product == nil {
		return nil, domain.ErrProductNotFound
	}
	return product, nil
}

func (s *Service) GetPackage(ctx context.Context, code string) (*domain.Package, error) {
	code = strings.ToLower(strings.TrimSpace(code))
	if code == "" {
		return nil, domain.ErrInvalidCode
	}
	pkg, err := s.repo.FindPackageByCode(ctx, s.db, code)
	if err != nil {
		return nil, err
	}
	if pkg == nil || !pkg.IsActive {
		return nil, domain.ErrPackageNotFound
	}
	return pkg, nil
}

func (s *Service) GetPackageByID(ctx context.Context, id snowflake.ID) (*domain.Package, error) {
	pkg, err := s.repo.FindPackageByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if pkg == nil {
		return nil, domain.ErrPackageNotFound
	}
	return pkg, nil
}

func (s *Service) ListPackages(ctx context.Context) ([]domain.Package, error) {
	items, err := s.repo.ListActivePackages(ctx, s.db)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []domain.Package{}
	}
	return items, nil
}

func (s *Service) SyncPackages(ctx context.Context) (domain.SyncResult, error) {
	specs := s.catalog.Get().Packages
	now := s.clock.Now()

	var result domain.SyncResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		codes := make([]string, 0, len(specs))
		for _, spec := range specs {
			code := strings.ToLower(strings.TrimSpace(spec.Code))
			codes = append(codes, code)
			if err := s.repo.UpsertPackage(ctx, tx, &domain.Package{
				ID:            s.genID.Generate(),
				Code:          code,
				Name:          strings.TrimSpace(spec.Name),
				FortunePoints: spec.FortunePoints,
				BonusPoints:   spec.BonusPoints,
				Price:         spec.Price,
				ExpiresDays:   spec.ExpiresDays,
				IsActive:      spec.IsActive,
				SortOrder:     spec.SortOrder,
				CreatedAt:     now,
				UpdatedAt:     now,
			}); err != nil {
				return err
			}
			result.Upserted++
		}

		deactivated, err := s.repo.DeactivatePackagesExcept(ctx, tx, codes)
		if err != nil {
			return err
		}
		result.Deactivated = deactivated
		return nil
	})
	if err != nil {
		return domain.SyncResult{}, err
	}

	s.log.Info("package catalog synced",
		zap.Int("upserted", result.Upserted),
		zap.Int64("deactivated", result.Deactivated),
	)
	return result, nil
}

func activeProduct(product *domain.Product) (*domain.Product, error) {
	if !product.IsActive {
		return nil, domain.ErrProductNotFound
	}
	return product, nil
}
