// Package coord provides optional cross-process coordination over
// Redis: shared rate counters and best-effort locks for deployments
// running more than one bot instance. Everything degrades to no-ops
// when Redis is not configured or unreachable; a single instance never
// needs it.
package coord

import (
	"context"
	"time"

	"gryag/pkg/logging"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Coordinator wraps the Redis client. A nil Coordinator is valid and
// means single-instance mode.
type Coordinator struct {
	rdb *redis.Client
}

// Connect dials Redis. An empty addr returns nil (coordination off);
// a failed ping logs and also returns nil rather than failing startup.
func Connect(ctx context.Context, addr string) *Coordinator {
	if addr == "" {
		return nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		logging.Warn("redis unreachable, running without cross-process coordination",
			zap.String("addr", addr), zap.Error(err))
		_ = rdb.Close()
		return nil
	}
	logging.Info("cross-process coordination enabled", zap.String("addr", addr))
	return &Coordinator{rdb: rdb}
}

// Close releases the connection.
func (c *Coordinator) Close() error {
	if c == nil {
		return nil
	}
	return c.rdb.Close()
}

// IncrWindow bumps a shared counter inside a fixed window and returns
// the new total. Errors report the count as zero so callers admit the
// request; coordination is advisory, never a gate on availability.
func (c *Coordinator) IncrWindow(ctx context.Context, key string, window time.Duration) int64 {
	if c == nil {
		return 0
	}
	pipe := c.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, window)
	if _, err := pipe.Exec(ctx); err != nil {
		logging.Debug("shared counter failed", zap.String("key", key), zap.Error(err))
		return 0
	}
	return incr.Val()
}

// TryLock takes a best-effort distributed lock. Returns a release
// function and whether the lock was won. On any Redis failure the lock
// is granted locally; two instances double-processing a background job
// is preferable to none processing it.
func (c *Coordinator) TryLock(ctx context.Context, key string, ttl time.Duration) (func(), bool) {
	if c == nil {
		return func() {}, true
	}
	ok, err := c.rdb.SetNX(ctx, key, "1", ttl).Result()
	if err != nil {
		logging.Debug("distributed lock failed", zap.String("key", key), zap.Error(err))
		return func() {}, true
	}
	if !ok {
		return func() {}, false
	}
	return func() {
		if err := c.rdb.Del(context.WithoutCancel(ctx), key).Err(); err != nil {
			logging.Debug("lock release failed", zap.String("key", key), zap.Error(err))
		}
	}, true
}
