package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// opTimeout bounds a single cache operation so a slow backend degrades to
// "no cache" instead of blocking the request.
const opTimeout = 500 * time.Millisecond

// Redis is a Redis-backed query cache.
type Redis struct {
	client *redis.Client
	logger *zap.Logger
}

var _ Cache = (*Redis)(nil)

// NewRedis connects to Redis. An unreachable server at startup is an error
// so misconfiguration is caught early; the caller may fall back to Noop.
func NewRedis(ctx context.Context, addr string, db int, logger *zap.Logger) (*Redis, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", addr, err)
	}

	logger.Info("redis cache connected", zap.String("addr", addr), zap.Int("db", db))
	return &Redis{client: client, logger: logger}, nil
}

// Get returns the cached value. Any backend error, including an expired or
// absent key, reports a miss.
func (r *Redis) Get(ctx context.Context, key string) (string, bool) {
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	value, err := r.client.Get(opCtx, key).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			r.logger.Warn("cache get failed", zap.Error(err))
		}
		return "", false
	}
	return value, true
}

// Set stores a value with the given TTL. Failures are logged and dropped.
func (r *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) {
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := r.client.Set(opCtx, key, value, ttl).Err(); err != nil {
		r.logger.Warn("cache set failed", zap.Error(err))
	}
}

// Status reports backend connectivity.
func (r *Redis) Status(ctx context.Context) string {
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := r.client.Ping(opCtx).Err(); err != nil {
		return "disconnected"
	}
	return "connected"
}

// Close closes the client connection pool.
func (r *Redis) Close() error { return r.client.Close() }
