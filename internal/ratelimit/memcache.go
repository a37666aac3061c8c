package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
)

// MemcacheLimiter counts sends in memcached for deployments that already run
// it. Memcached has no atomic check-then-increment, so the at-cap check reads
// first and only increments below the cap; a small overshoot under heavy
// concurrency is accepted.
type MemcacheLimiter struct {
	client *memcache.Client
	config Config

	now func() time.Time
}

var _ Limiter = (*MemcacheLimiter)(nil)

// NewMemcacheLimiter creates a limiter over the given memcached servers.
func NewMemcacheLimiter(config Config, servers ...string) *MemcacheLimiter {
	return NewMemcacheLimiterWithClient(memcache.New(servers...), config)
}

// NewMemcacheLimiterWithClient creates a limiter on an existing client.
func NewMemcacheLimiterWithClient(client *memcache.Client, config Config) *MemcacheLimiter {
	config.applyDefaults()
	return &MemcacheLimiter{
		client: client,
		config: config,
		now:    time.Now,
	}
}

// Allow checks and increments the current hour bucket.
func (l *MemcacheLimiter) Allow(ctx context.Context, channel, recipient string) (bool, error) {
	now := l.now()
	key := bucketKey(l.config.Prefix, channel, recipient, now)

	item, err := l.client.Get(key)
	switch err {
	case nil:
		count, parseErr := strconv.ParseInt(string(item.Value), 10, 64)
		if parseErr != nil {
			return false, fmt.Errorf("corrupt rate limit counter %s: %w", key, parseErr)
		}
		if count >= l.config.HourlyCap {
			return false, nil
		}
		if _, err := l.client.Increment(key, 1); err != nil && err != memcache.ErrCacheMiss {
			return false, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
		return true, nil

	case memcache.ErrCacheMiss:
		ttl := int32(bucketTTL(now).Seconds())
		if ttl < 1 {
			ttl = 1
		}
		addErr := l.client.Add(&memcache.Item{
			Key:        key,
			Value:      []byte("1"),
			Expiration: ttl,
		})
		if addErr == memcache.ErrNotStored {
			// Lost the creation race, count through the increment path
			if _, err := l.client.Increment(key, 1); err != nil && err != memcache.ErrCacheMiss {
				return false, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
			}
		} else if addErr != nil {
			return false, fmt.Errorf("%w: %v", ErrBackendUnavailable, addErr)
		}
		return true, nil

	default:
		return false, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
}
