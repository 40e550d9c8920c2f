package order

import (
	orderdomain "github.com/smallbiznis/fortunepay/internal/order/domain"
	"github.com/smallbiznis/fortunepay/internal/order/repository"
	"github.com/smallbiznis/fortunepay/internal/order/service"
	paymentdomain "github.com/smallbiznis/fortunepay/internal/payment/domain"
	"go.uber.org/fx"
)

var Module = fx.Module("order.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
	fx.Provide(func(svc orderdomain.Service) paymentdomain.OrderEvents { return svc }),
)
