package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLimiterEnforcesHourlyCap(t *testing.T) {
	limiter := NewMemoryLimiter(Config{HourlyCap: 100})
	now := time.Date(2025, 6, 1, 9, 30, 0, 0, time.UTC)
	limiter.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		allowed, err := limiter.Allow(ctx, "sms", "+966501234567")
		require.NoError(t, err)
		require.True(t, allowed, "send %d should be under the cap", i+1)
	}

	allowed, err := limiter.Allow(ctx, "sms", "+966501234567")
	require.NoError(t, err)
	assert.False(t, allowed, "send 101 must be rejected")

	// The rejected check must not consume budget: still rejected, not worse
	allowed, err = limiter.Allow(ctx, "sms", "+966501234567")
	require.NoError(t, err)
	assert.False(t, allowed)
}

func TestMemoryLimiterBucketsAreIndependent(t *testing.T) {
	limiter := NewMemoryLimiter(Config{HourlyCap: 1})
	now := time.Date(2025, 6, 1, 9, 30, 0, 0, time.UTC)
	limiter.now = func() time.Time { return now }
	ctx := context.Background()

	allowed, err := limiter.Allow(ctx, "sms", "+966501234567")
	require.NoError(t, err)
	require.True(t, allowed)

	allowed, err = limiter.Allow(ctx, "sms", "+966501234567")
	require.NoError(t, err)
	assert.False(t, allowed)

	// Different recipient, different channel: separate buckets
	allowed, err = limiter.Allow(ctx, "sms", "+966509999999")
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, err = limiter.Allow(ctx, "whatsapp", "+966501234567")
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestMemoryLimiterResetsNextHour(t *testing.T) {
	limiter := NewMemoryLimiter(Config{HourlyCap: 1})
	now := time.Date(2025, 6, 1, 9, 59, 0, 0, time.UTC)
	limiter.now = func() time.Time { return now }
	ctx := context.Background()

	allowed, err := limiter.Allow(ctx, "email", "ops@example.com")
	require.NoError(t, err)
	require.True(t, allowed)

	allowed, err = limiter.Allow(ctx, "email", "ops@example.com")
	require.NoError(t, err)
	require.False(t, allowed)

	now = now.Add(2 * time.Minute) // crosses into the 10:00 bucket

	allowed, err = limiter.Allow(ctx, "email", "ops@example.com")
	require.NoError(t, err)
	assert.True(t, allowed, "new hour starts a fresh budget")
}

func TestBucketKeyUsesUTCHour(t *testing.T) {
	riyadh := time.FixedZone("AST", 3*60*60)
	local := time.Date(2025, 6, 1, 12, 30, 0, 0, riyadh) // 09:30 UTC

	key := bucketKey("rate_limit:", "sms", "+966501234567", local)
	assert.Equal(t, "rate_limit:sms:+966501234567:2025-06-01:09", key)
}

func TestBucketTTLExpiresAtEndOfHour(t *testing.T) {
	now := time.Date(2025, 6, 1, 9, 45, 0, 0, time.UTC)
	assert.Equal(t, 15*time.Minute, bucketTTL(now))

	now = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Hour, bucketTTL(now))
}

type failingLimiter struct{}

func (failingLimiter) Allow(ctx context.Context, channel, recipient string) (bool, error) {
	return false, ErrBackendUnavailable
}

type denyingLimiter struct{}

func (denyingLimiter) Allow(ctx context.Context, channel, recipient string) (bool, error) {
	return false, nil
}

func TestFailOpenAllowsOnBackendError(t *testing.T) {
	limiter := NewFailOpen(failingLimiter{})

	allowed, err := limiter.Allow(context.Background(), "sms", "+966501234567")
	require.NoError(t, err)
	assert.True(t, allowed, "backend failure must not block sends")
}

func TestFailOpenPassesThroughDenial(t *testing.T) {
	limiter := NewFailOpen(denyingLimiter{})

	allowed, err := limiter.Allow(context.Background(), "sms", "+966501234567")
	require.NoError(t, err)
	assert.False(t, allowed)
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}
	cfg.applyDefaults()

	assert.Equal(t, int64(DefaultHourlyCap), cfg.HourlyCap)
	assert.Equal(t, "rate_limit:", cfg.Prefix)
}
