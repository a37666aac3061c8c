// Package ratelimit enforces the per-recipient hourly send cap required for
// regulatory compliance. Producers consult it before enqueueing; a rejected
// check means the message never enters the queue.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/motorhub/notifq/internal/metrics"
)

// ErrBackendUnavailable indicates the counting store could not be reached.
var ErrBackendUnavailable = errors.New("rate limit backend unavailable")

// DefaultHourlyCap is the per-(recipient, channel) send cap.
const DefaultHourlyCap = 100

// Limiter counts sends per (channel, recipient) in hourly buckets.
// Allow returns false once the current bucket has reached the cap; below the
// cap it increments the counter and returns true.
type Limiter interface {
	Allow(ctx context.Context, channel, recipient string) (bool, error)
}

// Config holds limiter settings shared by all backends.
type Config struct {
	// HourlyCap is the maximum sends per recipient per channel per hour
	HourlyCap int64
	// Prefix namespaces the counter keys
	Prefix string
}

func (c *Config) applyDefaults() {
	if c.HourlyCap <= 0 {
		c.HourlyCap = DefaultHourlyCap
	}
	if c.Prefix == "" {
		c.Prefix = "rate_limit:"
	}
}

// bucketKey builds the counter key for the hour containing now.
func bucketKey(prefix, channel, recipient string, now time.Time) string {
	return fmt.Sprintf("%s%s:%s:%s", prefix, channel, recipient, now.UTC().Format("2006-01-02:15"))
}

// bucketTTL returns how long the current hour bucket should live: until one
// hour after the bucket start.
func bucketTTL(now time.Time) time.Duration {
	start := now.UTC().Truncate(time.Hour)
	return start.Add(time.Hour).Sub(now.UTC())
}

// FailOpen wraps a limiter so that backend failures allow the send instead
// of blocking it. Availability of outbound notification is prioritized over
// strict enforcement; every fallback is logged as a warning.
type FailOpen struct {
	limiter Limiter
	logger  *slog.Logger
}

// NewFailOpen wraps the given limiter with the fail-open policy.
func NewFailOpen(limiter Limiter) *FailOpen {
	return &FailOpen{
		limiter: limiter,
		logger:  slog.Default().With("component", "ratelimit"),
	}
}

// Allow consults the wrapped limiter, defaulting to allow on backend errors.
func (f *FailOpen) Allow(ctx context.Context, channel, recipient string) (bool, error) {
	allowed, err := f.limiter.Allow(ctx, channel, recipient)
	if err != nil {
		f.logger.Warn("rate limit check failed, allowing send",
			"channel", channel,
			"error", err)
		return true, nil
	}
	if !allowed {
		metrics.RecordRateLimited(channel)
	}
	return allowed, nil
}
