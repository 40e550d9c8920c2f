package main

import (
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

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,

		// Domain services required by the sweeps
		ledger.Module,
		points.Module,
		catalog.Module,
		idempotency.Module,
		ratelimit.Module,
		payment.Module,
		order.Module,
		providers.Module,
		fulfillment.Module,

		// No server module!
		scheduler.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.SnowflakeNode)
}
