package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/fortunepay/internal/catalog/domain"
	"github.com/smallbiznis/fortunepay/internal/catalog/repository"
	catalogservice "github.com/smallbiznis/fortunepay/internal/catalog/service"
	"github.com/smallbiznis/fortunepay/internal/clock"
	"github.com/smallbiznis/fortunepay/internal/config"
	"github.com/smallbiznis/fortunepay/internal/testutil"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newService(t *testing.T, catalog config.Catalog) (domain.Service, *gorm.DB) {
	t.Helper()

	db := testutil.OpenDB(t)
	node, err := snowflake.NewNode(10)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	svc := catalogservice.NewService(catalogservice.Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: clock.NewFakeClock(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)),
		Cfg: config.Config{Order: config.OrderConfig{
			DefaultProductName: "Saju Deep Report",
			DefaultAmount:      1900,
			DefaultFortuneCost: 10,
		}},
		Catalog: config.NewStaticCatalogHolder(catalog),
		Repo:    repository.Provide(),
	})
	return svc, db
}

func TestResolveProductCreatesOnce(t *testing.T) {
	ctx := context.Background()
	svc, db := newService(t, config.DefaultCatalog())

	first, err := svc.ResolveProduct(ctx, "Love Fortune 2026")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if first.Code != "love-fortune-2026" {
		t.Fatalf("expected slug code, got %q", first.Code)
	}
	if first.Price != 1900 || first.FortuneCost != 10 {
		t.Fatalf("expected default pricing, got price=%d cost=%d", first.Price, first.FortuneCost)
	}

	second, err := svc.ResolveProduct(ctx, "love fortune 2026")
	if err != nil {
		t.Fatalf("resolve again: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("expected same product, got %s and %s", first.ID, second.ID)
	}

	byID, err := svc.ResolveProduct(ctx, first.ID.String())
	if err != nil {
		t.Fatalf("resolve by id: %v", err)
	}
	if byID.ID != first.ID {
		t.Fatalf("expected lookup by id to hit the same product")
	}

	testutil.AssertCount(t, db, "SELECT COUNT(1) FROM products", 1)
}

func TestResolveProductFallsBackToDefaultName(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t, config.DefaultCatalog())

	product, err := svc.ResolveProduct(ctx, "  ")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if product.Name != "Saju Deep Report" || product.Code != "saju-deep-report" {
		t.Fatalf("unexpected default product %+v", product)
	}
}

func TestSyncPackagesIsRepeatable(t *testing.T) {
	ctx := context.Background()
	svc, db := newService(t, config.DefaultCatalog())

	res, err := svc.SyncPackages(ctx)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if res.Upserted != 3 || res.Deactivated != 0 {
		t.Fatalf("unexpected sync result %+v", res)
	}

	pkgs, err := svc.ListPackages(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(pkgs) != 3 || pkgs[0].Code != "basic" || pkgs[2].Code != "premium" {
		t.Fatalf("unexpected packages %+v", pkgs)
	}
	if pkgs[1].TotalPoints() != 550 {
		t.Fatalf("expected standard package to credit 550, got %d", pkgs[1].TotalPoints())
	}

	if err := db.Exec("UPDATE fortune_packages SET name = 'stale' WHERE code = 'basic'").Error; err != nil {
		t.Fatalf("mark stale: %v", err)
	}
	if _, err := svc.SyncPackages(ctx); err != nil {
		t.Fatalf("resync: %v", err)
	}
	basic, err := svc.GetPackage(ctx, "BASIC")
	if err != nil {
		t.Fatalf("get package: %v", err)
	}
	if basic.Name != "기본 패키지" {
		t.Fatalf("expected resync to restore name, got %q", basic.Name)
	}
	testutil.AssertCount(t, db, "SELECT COUNT(1) FROM fortune_packages", 3)
}

func TestSyncPackagesRetiresDroppedCodes(t *testing.T) {
	ctx := context.Background()
	svc, db := newService(t, config.DefaultCatalog())
	if _, err := svc.SyncPackages(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}

	node, _ := snowflake.NewNode(11)
	narrowed := catalogservice.NewService(catalogservice.Params{
		DB:      db,
		Log:     zap.NewNop(),
		GenID:   node,
		Clock:   clock.SystemClock{},
		Catalog: config.NewStaticCatalogHolder(config.Catalog{Packages: config.DefaultCatalog().Packages[:1]}),
		Repo:    repository.Provide(),
	})
	res, err := narrowed.SyncPackages(ctx)
	if err != nil {
		t.Fatalf("narrowed sync: %v", err)
	}
	if res.Deactivated != 2 {
		t.Fatalf("expected 2 deactivated packages, got %d", res.Deactivated)
	}

	_, err = svc.GetPackage(ctx, "premium")
	if !errors.Is(err, domain.ErrPackageNotFound) {
		t.Fatalf("expected retired package to be hidden, got %v", err)
	}
	testutil.AssertCount(t, db, "SELECT COUNT(1) FROM fortune_packages WHERE is_active = ?", 1, true)
}
