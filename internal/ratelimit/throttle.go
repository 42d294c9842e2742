package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Throttle is the authoritative, server-side limit consulted by the reward
// service. Allow reports whether key may act now and, if not, how long to wait.
type Throttle interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error)
}

// LocalWindow adapts a Limiter to Throttle for single-node deployments.
type LocalWindow struct {
	limiter *Limiter
	action  string
}

// NewLocalWindow wraps l. action namespaces the keys inside the limiter.
func NewLocalWindow(l *Limiter, action string) *LocalWindow {
	return &LocalWindow{limiter: l, action: action}
}

// Allow implements Throttle.
func (w *LocalWindow) Allow(_ context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error) {
	d := w.limiter.CheckAndConsume(key, w.action, limit, window)
	return d.Allowed, d.RetryAfter(w.limiter.now()), nil
}

// windowScript increments the counter and starts its expiry on first use.
// Returns {count, pttl}.
var windowScript = redis.NewScript(`
local current = redis.call('INCR', KEYS[1])
if current == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {current, ttl}
`)

// RedisWindow is a fixed-window counter shared by every server instance.
type RedisWindow struct {
	client redis.Scripter
	prefix string
}

// NewRedisWindow creates a Redis-backed throttle. Keys are stored as
// prefix + key.
func NewRedisWindow(client redis.Scripter, prefix string) *RedisWindow {
	if prefix == "" {
		prefix = "lootcore:rl:"
	}
	return &RedisWindow{client: client, prefix: prefix}
}

// Allow implements Throttle.
func (w *RedisWindow) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error) {
	res, err := windowScript.Run(ctx, w.client, []string{w.prefix + key}, window.Milliseconds()).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("ratelimit: redis window: %w", err)
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("ratelimit: unexpected redis reply %v", res)
	}
	if res[0] > int64(limit) {
		return false, time.Duration(res[1]) * time.Millisecond, nil
	}
	return true, 0, nil
}
