package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisGrace keeps a window key alive briefly after it closes so late
// replicas with skewed clocks still see the count.
const redisGrace = time.Second

var redisWindowScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return current
`)

// RedisLimiter counts requests per key in Redis so every replica shares one budget.
type RedisLimiter struct {
	client *redis.Client
	prefix string
}

// NewRedisLimiter constructs a RedisLimiter.
func NewRedisLimiter(client *redis.Client, prefix string) *RedisLimiter {
	return &RedisLimiter{client: client, prefix: strings.TrimSpace(prefix)}
}

// Allow admits the request when key has budget left in the window containing now.
func (l *RedisLimiter) Allow(ctx context.Context, key string, rule Rule, now time.Time) (Result, error) {
	if rule.Unlimited() || key == "" || l == nil || l.client == nil {
		return Result{Allowed: true}, nil
	}
	bucket, reset := rule.bucket(now)
	ttl := reset.Sub(now) + redisGrace

	count, errEval := redisWindowScript.Run(ctx, l.client, []string{l.buildKey(key, bucket)}, ttl.Milliseconds()).Int64()
	if errEval != nil {
		return Result{}, fmt.Errorf("rate limit redis: %w", errEval)
	}
	if count > int64(rule.Limit) {
		return Result{Allowed: false, Reset: reset}, nil
	}
	return Result{Allowed: true, Remaining: rule.Limit - int(count), Reset: reset}, nil
}

// Close releases the Redis connection pool.
func (l *RedisLimiter) Close() error {
	if l == nil || l.client == nil {
		return nil
	}
	return l.client.Close()
}

func (l *RedisLimiter) buildKey(key string, bucket int64) string {
	suffix := key + ":" + strconv.FormatInt(bucket, 10)
	if l.prefix == "" {
		return suffix
	}
	return l.prefix + ":" + suffix
}
