package points

import (
	"github.com/smallbiznis/fortunepay/internal/points/service"
	"go.uber.org/fx"
)

var Module = fx.Module("points.service",
	fx.Provide(service.NewService),
)
