package catalog

import (
	"context"

	"github.com/smallbiznis/fortunepay/internal/catalog/domain"
	"github.com/smallbiznis/fortunepay/internal/catalog/repository"
	"github.com/smallbiznis/fortunepay/internal/catalog/service"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("catalog.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)

// SyncOnStart loads the package file into the database when the app starts.
var SyncOnStart = fx.Invoke(func(lc fx.Lifecycle, svc domain.Service, log *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if _, err := svc.SyncPackages(ctx); err != nil {
				log.Named("catalog").Error("package catalog sync failed", zap.Error(err))
				return err
			}
			return nil
		},
	})
})
