package main

import (
	"github.com/smallbiznis/fortunepay/internal/clock"
	"github.com/smallbiznis/fortunepay/internal/config"
	"github.com/smallbiznis/fortunepay/internal/fulfillment"
	"github.com/smallbiznis/fortunepay/internal/observability"
	orderrepo "github.com/smallbiznis/fortunepay/internal/order/repository"
	"github.com/smallbiznis/fortunepay/internal/providers"
	"github.com/smallbiznis/fortunepay/pkg/db"
	"go.uber.org/fx"
)

// The worker builds reports published to kafka by the API.
func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		db.Module,
		clock.Module,

		fx.Provide(orderrepo.Provide),
		providers.Module,
		fulfillment.Module,
		fulfillment.ConsumerModule,
	)
	app.Run()
}

