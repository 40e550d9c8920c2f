package ratelimit

import (
	"context"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/fortunepay/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("rate.limit",
	fx.Provide(newClient),
	fx.Provide(provideLimiter),
	fx.Provide(provideLocker),
)

// clientResult wraps the optional client so an empty REDIS_ADDR yields nil
// instead of failing the graph.
type clientResult struct {
	Client *redis.Client
}

func newClient(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) clientResult {
	addr := strings.TrimSpace(cfg.Redis.Addr)
	if addr == "" || (!cfg.RateLimit.Enabled && cfg.Scheduler.LockTTL <= 0) {
		return clientResult{}
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: strings.TrimSpace(cfg.Redis.Password),
		DB:       cfg.Redis.DB,
	})
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		},
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})
	log.Named("ratelimit").Info("redis client ready", zap.String("addr", addr))
	return clientResult{Client: client}
}

func provideLimiter(cfg config.Config, res clientResult) (*Limiter, error) {
	return NewLimiter(cfg, res.Client)
}

func provideLocker(cfg config.Config, res clientResult) *Locker {
	if cfg.Scheduler.LockTTL <= 0 {
		return nil
	}
	return NewLocker(res.Client)
}
