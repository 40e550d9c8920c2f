package observability

import (
	"github.com/smallbiznis/fortunepay/internal/observability/logger"
	"github.com/smallbiznis/fortunepay/internal/observability/metrics"
	"github.com/smallbiznis/fortunepay/internal/observability/tracing"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/fx"
)

// Module wires zap, the OTLP tracer and meter providers, and the prometheus
// collectors shared by the HTTP server, the scheduler and the report workers.
var Module = fx.Module("observability",
	fx.Provide(
		LoadConfig,
		Config.Logger,
		Config.Gorm,
		Config.Tracing,
		Config.Metrics,
		logger.New,
		tracing.NewProvider,
		metrics.NewProvider,
		metrics.New,
		metrics.NewHTTPMetrics,
	),
	fx.Invoke(func(*sdktrace.TracerProvider) {}),
	fx.Invoke(metrics.SchedulerWithConfig),
)
