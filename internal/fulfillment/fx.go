package fulfillment

import (
	"context"
	"fmt"

	"github.com/smallbiznis/fortunepay/internal/config"
	"github.com/smallbiznis/fortunepay/internal/fulfillment/builder"
	"github.com/smallbiznis/fortunepay/internal/fulfillment/dispatcher"
	"github.com/smallbiznis/fortunepay/internal/fulfillment/domain"
	"github.com/smallbiznis/fortunepay/internal/fulfillment/service"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module provides the report state machine. With the pool dispatcher the
// workers run in this process; with kafka only publishing happens unless
// ConsumerModule is also installed.
var Module = fx.Module("fulfillment.service",
	fx.Provide(NewDispatcher),
	fx.Provide(builder.New),
	fx.Provide(service.NewService),
	fx.Invoke(func(lc fx.Lifecycle, d domain.Dispatcher, svc domain.Service, log *zap.Logger) {
		if d.Name() == config.ReportDispatcherPool {
			registerConsumer(lc, d, svc, log)
			return
		}
		lc.Append(fx.Hook{OnStop: d.Stop})
	}),
)

// ConsumerModule consumes report jobs from kafka. The pool dispatcher already
// consumes inside Module, so installing this next to it is a no-op.
var ConsumerModule = fx.Module("fulfillment.consumer",
	fx.Invoke(func(lc fx.Lifecycle, d domain.Dispatcher, svc domain.Service, log *zap.Logger) {
		if d.Name() == config.ReportDispatcherPool {
			return
		}
		registerConsumer(lc, d, svc, log)
	}),
)

func NewDispatcher(cfg config.Config, log *zap.Logger) (domain.Dispatcher, error) {
	switch cfg.Report.Dispatcher {
	case "", config.ReportDispatcherPool:
		return dispatcher.NewPool(cfg.Report.Workers, cfg.Report.QueueSize, log), nil
	case config.ReportDispatcherKafka:
		return dispatcher.NewKafka(cfg.Kafka, log)
	default:
		return nil, fmt.Errorf("unknown report dispatcher %q", cfg.Report.Dispatcher)
	}
}

func registerConsumer(lc fx.Lifecycle, d domain.Dispatcher, svc domain.Service, log *zap.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			log.Info("starting report consumer", zap.String("dispatcher", d.Name()))
			return d.Start(ctx, svc.Handle)
		},
		OnStop: func(stopCtx context.Context) error {
			defer cancel()
			return d.Stop(stopCtx)
		},
	})
}
