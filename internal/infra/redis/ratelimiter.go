package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/kursadbilgin/delivery-guard/internal/ratelimit"
	goredis "github.com/redis/go-redis/v9"
)

const keyPrefix = "ratelimit:"

// reserveScript checks the recipient and global counters and increments both only
// when both are under their maxima. It returns {allowed, pttl-of-relevant-window}.
var reserveScript = goredis.NewScript(`
local keyCount = tonumber(redis.call("GET", KEYS[1]) or "0")
local globalCount = tonumber(redis.call("GET", KEYS[2]) or "0")
local wait = -1
if keyCount >= tonumber(ARGV[1]) then
  wait = redis.call("PTTL", KEYS[1])
end
if globalCount >= tonumber(ARGV[2]) then
  local globalTTL = redis.call("PTTL", KEYS[2])
  if globalTTL > wait then
    wait = globalTTL
  end
end
if keyCount >= tonumber(ARGV[1]) or globalCount >= tonumber(ARGV[2]) then
  return {0, wait}
end
if redis.call("INCR", KEYS[1]) == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[3])
end
if redis.call("INCR", KEYS[2]) == 1 then
  redis.call("PEXPIRE", KEYS[2], ARGV[3])
end
return {1, redis.call("PTTL", KEYS[1])}
`)

var _ ratelimit.RateLimiter = (*RedisRateLimiter)(nil)

// RedisRateLimiter is a distributed fixed-window limiter backed by Redis.
type RedisRateLimiter struct {
	client *goredis.Client
	cfg    ratelimit.Config
	now    func() time.Time
	script *goredis.Script
}

func NewRedisRateLimiter(client *goredis.Client, cfg ratelimit.Config) (*RedisRateLimiter, error) {
	return newRedisRateLimiter(client, cfg, time.Now)
}

func newRedisRateLimiter(
	client *goredis.Client,
	cfg ratelimit.Config,
	nowFn func() time.Time,
) (*RedisRateLimiter, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if nowFn == nil {
		nowFn = time.Now
	}

	return &RedisRateLimiter{
		client: client,
		cfg:    cfg.WithDefaults(),
		now:    nowFn,
		script: reserveScript,
	}, nil
}

func (r *RedisRateLimiter) CheckAndReserve(ctx context.Context, key string) (ratelimit.Decision, error) {
	if r == nil || r.client == nil || r.script == nil {
		return ratelimit.Decision{}, fmt.Errorf("rate limiter is not initialized")
	}

	normalized, err := ratelimit.NormalizeKey(key)
	if err != nil {
		return ratelimit.Decision{}, err
	}

	if ctx == nil {
		ctx = context.Background()
	}

	keys := []string{keyPrefix + normalized, keyPrefix + ratelimit.GlobalKey}
	result, err := r.script.Run(ctx, r.client, keys, r.cfg.PerKeyMax, r.cfg.GlobalMax, r.cfg.Window.Milliseconds()).Int64Slice()
	if err != nil {
		return ratelimit.Decision{}, fmt.Errorf("failed to evaluate rate limit: %w", err)
	}
	if len(result) != 2 {
		return ratelimit.Decision{}, fmt.Errorf("unexpected rate limit reply length %d", len(result))
	}

	return ratelimit.Decision{
		Allowed: result[0] == 1,
		ResetAt: r.resetAt(result[1]),
	}, nil
}

func (r *RedisRateLimiter) resetAt(ttlMillis int64) time.Time {
	ttl := time.Duration(ttlMillis) * time.Millisecond
	if ttl <= 0 {
		ttl = r.cfg.Window
	}
	return r.now().UTC().Add(ttl)
}
