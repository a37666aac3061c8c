package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// checkAndIncrScript checks the hourly counter against the cap and only
// increments below it, so a rejected check never mutates state. The TTL is
// set when the bucket is created.
var checkAndIncrScript = redis.NewScript(`
local count = tonumber(redis.call('GET', KEYS[1]) or '0')
if count >= tonumber(ARGV[1]) then
  return 0
end
count = redis.call('INCR', KEYS[1])
if count == 1 then
  redis.call('EXPIRE', KEYS[1], ARGV[2])
end
return 1
`)

// RedisLimiter counts sends in Redis, sharing buckets across all producer
// processes.
type RedisLimiter struct {
	client *redis.Client
	config Config

	now func() time.Time
}

var _ Limiter = (*RedisLimiter)(nil)

// NewRedisLimiter creates a limiter on an existing Redis client.
func NewRedisLimiter(client *redis.Client, config Config) *RedisLimiter {
	config.applyDefaults()
	return &RedisLimiter{
		client: client,
		config: config,
		now:    time.Now,
	}
}

// Allow atomically checks and increments the current hour bucket.
func (l *RedisLimiter) Allow(ctx context.Context, channel, recipient string) (bool, error) {
	now := l.now()
	key := bucketKey(l.config.Prefix, channel, recipient, now)
	ttl := int64(bucketTTL(now).Seconds())
	if ttl < 1 {
		ttl = 1
	}

	res, err := checkAndIncrScript.Run(ctx, l.client, []string{key}, l.config.HourlyCap, ttl).Int64()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return res == 1, nil
}
