package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultRedisPrefix = "devicetrust:ratelimit:"

// RedisThrottler is a fixed-window counter shared by every instance pointing at
// the same Redis. Each key gets limit requests per window.
type RedisThrottler struct {
	client redis.Cmdable
	limit  int64
	window time.Duration
	prefix string
	now    func() time.Time
}

var _ Throttler = (*RedisThrottler)(nil)

func NewRedisThrottler(client redis.Cmdable, limit int, window time.Duration) *RedisThrottler {
	if window <= 0 {
		window = time.Minute
	}
	return &RedisThrottler{
		client: client,
		limit:  int64(limit),
		window: window,
		prefix: DefaultRedisPrefix,
		now:    time.Now,
	}
}

// WithPrefix returns a copy of the throttler using a different key namespace, so
// several limits can share one client.
func (t *RedisThrottler) WithPrefix(prefix string) *RedisThrottler {
	c := *t
	c.prefix = prefix
	return &c
}

func (t *RedisThrottler) CheckLimit(ctx context.Context, key string) (bool, error) {
	windowStart := t.now().UTC().Truncate(t.window).Unix()
	redisKey := fmt.Sprintf("%s%s:%d", t.prefix, key, windowStart)

	pipe := t.client.TxPipeline()
	incr := pipe.Incr(ctx, redisKey)
	pipe.Expire(ctx, redisKey, t.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("redis throttle %s: %w", key, err)
	}
	return incr.Val() <= t.limit, nil
}

// RetryAfter returns the time left in the current window. Every key shares the
// same window boundaries.
func (t *RedisThrottler) RetryAfter(key string) time.Duration {
	now := t.now().UTC()
	return now.Truncate(t.window).Add(t.window).Sub(now)
}
