package observability

import (
	"strings"
	"time"

	"github.com/smallbiznis/fortunepay/internal/config"
	"github.com/smallbiznis/fortunepay/internal/observability/logger"
	"github.com/smallbiznis/fortunepay/internal/observability/metrics"
	"github.com/smallbiznis/fortunepay/internal/observability/tracing"
)

// Config is the resolved observability view of the application config.
type Config struct {
	Service     string
	Environment string
	Version     string

	config.ObservabilityConfig
}

func LoadConfig(cfg config.Config) Config {
	service := strings.TrimSpace(cfg.AppName)
	if service == "" {
		service = "fortunepay"
	}
	env := cfg.Observe.DeploymentEnv
	if env == "" {
		env = strings.TrimSpace(cfg.Environment)
	}
	return Config{
		Service:             service,
		Environment:         env,
		Version:             strings.TrimSpace(cfg.AppVersion),
		ObservabilityConfig: cfg.Observe,
	}
}

// Debug turns on stack traces in request logs and verbose SQL logging.
func (c Config) Debug() bool {
	if c.LogLevel == "debug" {
		return true
	}
	switch strings.ToLower(c.Environment) {
	case "dev", "development", "local", "test":
		return true
	}
	return false
}

func (c Config) Logger() logger.Config {
	return logger.Config{
		ServiceName:         c.Service,
		Environment:         c.Environment,
		Version:             c.Version,
		Level:               c.LogLevel,
		Format:              c.LogFormat,
		Debug:               c.Debug(),
		SamplingInitial:     c.LogSampleInitial,
		SamplingThereafter:  c.LogSampleThereafter,
		SamplingWindow:      time.Second,
		IncludeCaller:       true,
		IncludeStackOnError: c.Debug(),
	}
}

func (c Config) Gorm() logger.GormLoggerConfig {
	gormCfg := logger.DefaultGormLoggerConfig()
	if c.SlowQuery > 0 {
		gormCfg.SlowThreshold = c.SlowQuery
	}
	if c.Debug() {
		gormCfg.Verbose = true
	}
	return gormCfg
}

func (c Config) Tracing() tracing.Config {
	return tracing.Config{
		Enabled:          c.OtelEnabled,
		ServiceName:      c.Service,
		ServiceVersion:   c.Version,
		Environment:      c.Environment,
		ExporterEndpoint: c.OtelEndpoint,
		ExporterProtocol: c.OtelProtocol,
		SamplingRatio:    c.OtelSamplingRatio,
	}
}

func (c Config) Metrics() metrics.Config {
	return metrics.Config{
		Enabled:          c.OtelEnabled,
		ExporterEndpoint: c.OtelEndpoint,
		ExporterProtocol: c.OtelProtocol,
		ServiceName:      c.Service,
		Environment:      c.Environment,
	}
}
