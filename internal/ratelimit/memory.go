package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryLimiter counts sends in process memory. Suitable for tests and
// single-process development; buckets are pruned lazily on access.
type MemoryLimiter struct {
	mu      sync.Mutex
	config  Config
	buckets map[string]memoryBucket

	now func() time.Time
}

type memoryBucket struct {
	count     int64
	expiresAt time.Time
}

var _ Limiter = (*MemoryLimiter)(nil)

// NewMemoryLimiter creates an in-process limiter.
func NewMemoryLimiter(config Config) *MemoryLimiter {
	config.applyDefaults()
	return &MemoryLimiter{
		config:  config,
		buckets: make(map[string]memoryBucket),
		now:     time.Now,
	}
}

// Allow checks and increments the current hour bucket.
func (l *MemoryLimiter) Allow(ctx context.Context, channel, recipient string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	key := bucketKey(l.config.Prefix, channel, recipient, now)

	// Drop expired buckets opportunistically
	for k, b := range l.buckets {
		if now.After(b.expiresAt) {
			delete(l.buckets, k)
		}
	}

	bucket, ok := l.buckets[key]
	if !ok {
		bucket = memoryBucket{expiresAt: now.Add(bucketTTL(now))}
	}

	if bucket.count >= l.config.HourlyCap {
		return false, nil
	}

	bucket.count++
	l.buckets[key] = bucket
	return true, nil
}
