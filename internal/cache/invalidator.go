package cache

import (
	"context"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/fleetpress/fleetpress/internal/config"
)

const invalidateChannel = "fleet:invalidate"

// Invalidator clears the cache backing the shared core in one global call.
// All tenants draw from the same backing cache, so one coarse flush is
// constant-time in fleet size; never replace this with a per-tenant loop.
type Invalidator interface {
	InvalidateAll(ctx context.Context) error
}

type RedisInvalidator struct {
	client *redis.Client
	logger *zap.Logger
}

func NewRedisInvalidator(cfg config.RedisConfig, logger *zap.Logger) *RedisInvalidator {
	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		opt = &redis.Options{Addr: cfg.URL}
	}
	opt.DB = cfg.CacheDB

	return &RedisInvalidator{
		client: redis.NewClient(opt),
		logger: logger,
	}
}

// InvalidateAll flushes the shared page-cache database and signals any edge
// caches subscribed to the invalidation channel.
func (i *RedisInvalidator) InvalidateAll(ctx context.Context) error {
	if err := i.client.FlushDB(ctx).Err(); err != nil {
		return err
	}
	if err := i.client.Publish(ctx, invalidateChannel, "all").Err(); err != nil {
		// The flush already happened; a missed pub/sub signal only delays
		// edge caches until their TTL.
		i.logger.Warn("Failed to publish cache invalidation signal", zap.Error(err))
	}

	i.logger.Info("Invalidated shared cache")
	return nil
}

func (i *RedisInvalidator) Close() error {
	return i.client.Close()
}
