package main

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/fortunepay/internal/catalog"
	"github.com/smallbiznis/fortunepay/internal/clock"
	"github.com/smallbiznis/fortunepay/internal/config"
	"github.com/smallbiznis/fortunepay/internal/fulfillment"
	"github.com/smallbiznis/fortunepay/internal/idempotency"
	"github.com/smallbiznis/fortunepay/internal/ledger"
	"github.com/smallbiznis/fortunepay/internal/observability"
	"github.com/smallbiznis/fortunepay/internal/order"
	"github.com/smallbiznis/fortunepay/internal/payment"
	"github.com/smallbiznis/fortunepay/internal/points"
	"github.com/smallbiznis/fortunepay/internal/providers"
	"github.com/smallbiznis/fortunepay/internal/ratelimit"
	"github.com/smallbiznis/fortunepay/internal/scheduler"
	"github.com/smallbiznis/fortunepay/pkg/db"
	"go.uber.org/fx"
)

const startTimeout = 30 * time.Second

// coreModules is enough to reach the database and the ledger.
func coreModules() []fx.Option {
	return []fx.Option{
		fx.NopLogger,
		config.Module,
		observability.Module,
		fx.Provide(newSnowflake),
		db.Module,
		clock.Module,
		ledger.Module,
		points.Module,
		catalog.Module,
	}
}

// pipelineModules adds everything the scheduler sweeps touch.
func pipelineModules() []fx.Option {
	return append(coreModules(),
		idempotency.Module,
		payment.Module,
		order.Module,
		providers.Module,
		ratelimit.Module,
		fulfillment.Module,
		fx.Provide(scheduler.ProvideConfig),
		fx.Provide(scheduler.New),
	)
}

// withApp starts a short-lived fx app, populates targets and runs fn.
func withApp(ctx context.Context, modules []fx.Option, fn func(ctx context.Context) error, targets ...any) error {
	app := fx.New(append(modules, fx.Populate(targets...))...)
	if err := app.Err(); err != nil {
		return err
	}

	startCtx, cancel := context.WithTimeout(ctx, startTimeout)
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), startTimeout)
		defer cancel()
		_ = app.Stop(stopCtx)
	}()

	return fn(ctx)
}

func newSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.SnowflakeNode)
}
