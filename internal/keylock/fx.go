package keylock

import (
	"context"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/hotspotd/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("keylock",
	fx.Provide(provideLocker),
)

func provideLocker(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) Locker {
	local := NewStriped(defaultShards)
	if !cfg.DistributedLocks {
		return local
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		},
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})
	log.Info("distributed voucher locks enabled", zap.String("redis_addr", cfg.RedisAddr))
	return NewDistributed(local, client, 0)
}
