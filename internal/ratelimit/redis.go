package ratelimit

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "dispatch:ratelimit:"

// RedisLimiter counts in Redis so every process shares the same
// windows. Window keys are aligned to wall-clock boundaries and expire
// shortly after the window closes.
type RedisLimiter struct {
	rdb *redis.Client
	log *slog.Logger
	now func() time.Time
}

func NewRedisLimiter(rdb *redis.Client, log *slog.Logger) *RedisLimiter {
	return &RedisLimiter{
		rdb: rdb,
		log: log,
		now: time.Now,
	}
}

func (l *RedisLimiter) windowKey(key string, window time.Duration) string {
	start := l.now().UTC().Truncate(window).Unix()
	return keyPrefix + key + ":" + strconv.FormatInt(start, 10)
}

func (l *RedisLimiter) Check(ctx context.Context, key string, max int, window time.Duration) bool {
	count, err := l.rdb.Get(ctx, l.windowKey(key, window)).Int()

	if err != nil && err != redis.Nil {
		// fail open: a limiter outage must not stop syncs
		l.log.WarnContext(ctx, "rate limit check failed, allowing", "key", key, "error", err)
		return true
	}

	return count < max
}

func (l *RedisLimiter) Increment(ctx context.Context, key string, window time.Duration) {
	k := l.windowKey(key, window)

	pipe := l.rdb.TxPipeline()
	pipe.Incr(ctx, k)
	pipe.Expire(ctx, k, window+time.Second)

	if _, err := pipe.Exec(ctx); err != nil {
		l.log.WarnContext(ctx, "rate limit increment failed", "key", key, "error", err)
	}
}
