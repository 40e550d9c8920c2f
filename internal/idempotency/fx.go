package idempotency

import (
	"context"
	"errors"
	"fmt"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/fortunepay/internal/clock"
	"github.com/smallbiznis/fortunepay/internal/config"
	"github.com/smallbiznis/fortunepay/internal/idempotency/database"
	"github.com/smallbiznis/fortunepay/internal/idempotency/domain"
	"github.com/smallbiznis/fortunepay/internal/idempotency/memory"
	"github.com/smallbiznis/fortunepay/internal/idempotency/redisstore"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("idempotency",
	fx.Provide(NewStore),
	fx.Provide(NewGuard),
)

// NewStore picks the backend named by IDEMPOTENCY_BACKEND.
func NewStore(lc fx.Lifecycle, cfg config.Config, db *gorm.DB, clk clock.Clock, log *zap.Logger) (domain.Store, error) {
	backend := strings.ToLower(strings.TrimSpace(cfg.Idempotency.Backend))
	log = log.Named("idempotency")

	switch backend {
	case "", config.IdempotencyBackendMemory:
		log.Info("idempotency store ready", zap.String("backend", config.IdempotencyBackendMemory))
		return memory.New(clk), nil
	case config.IdempotencyBackendDatabase:
		log.Info("idempotency store ready", zap.String("backend", backend))
		return database.New(db, clk), nil
	case config.IdempotencyBackendRedis:
		addr := strings.TrimSpace(cfg.Redis.Addr)
		if addr == "" {
			return nil, errors.New("idempotency redis backend requires REDIS_ADDR")
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
		log.Info("idempotency store ready", zap.String("backend", backend), zap.String("addr", addr))
		return redisstore.New(client, clk)
	default:
		return nil, fmt.Errorf("unknown idempotency backend %q", backend)
	}
}
