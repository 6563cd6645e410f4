package lock

import (
	"context"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/meterly/internal/clock"
	"github.com/smallbiznis/meterly/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// ProvideLocker uses redis when enabled and falls back to the in-process
// locker otherwise.
func ProvideLocker(lc fx.Lifecycle, cfg config.Config, c clock.Clock, log *zap.Logger) Locker {
	log = log.Named("lock")
	if !cfg.RedisEnabled {
		log.Info("redis disabled, using in-process locker")
		return NewMemoryLocker(c)
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := client.Ping(ctx).Err(); err != nil {
				log.Warn("redis ping failed", zap.String("addr", cfg.RedisAddr), zap.Error(err))
			}
			return nil
		},
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})
	log.Info("using redis locker", zap.String("addr", cfg.RedisAddr))
	return NewRedisLocker(client)
}

var Module = fx.Module("lock",
	fx.Provide(ProvideLocker),
)
