package cache

import (
	"context"

	"github.com/redis/go-redis/v9"
	"github.com/sautistream/ledgercore/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// NewRedis connects the shared redis client used for balance caching. A nil
// client is a valid result: consumers treat it as cache-off.
func NewRedis(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) *redis.Client {
	if cfg.RedisAddr == "" {
		log.Info("redis not configured, balance cache disabled")
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := client.Ping(ctx).Err(); err != nil {
				// The cache is an optimization; a dead redis must not block boot.
				log.Warn("redis unreachable, continuing without balance cache", zap.Error(err))
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return client.Close()
		},
	})

	return client
}

var Module = fx.Module("cache",
	fx.Provide(NewRedis),
)
