package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRedisStoreKeyLayout(t *testing.T) {
	s := NewRedisStore(RedisConfig{Prefix: "notifq:"})

	assert.Equal(t, "notifq:messages:garage-riyadh", s.messagesKey("garage-riyadh"))
	assert.Equal(t, "notifq:queue:sms:garage-riyadh", s.queueKey("garage-riyadh", ChannelSMS))
	assert.Equal(t, "notifq:processing:sms:garage-riyadh", s.processingKey("garage-riyadh", ChannelSMS))
	assert.Equal(t, "notifq:dead_letter:garage-riyadh", s.deadLetterKey("garage-riyadh"))
	assert.Equal(t, "notifq:stats:email:garage-riyadh", s.statsKey("garage-riyadh", ChannelEmail))
}

func TestRedisStoreDefaults(t *testing.T) {
	s := NewRedisStore(RedisConfig{Host: "localhost"})

	assert.Equal(t, 6379, s.config.Port)
	assert.Equal(t, 7*24*time.Hour, s.config.StatsTTL)
}

func TestRedisStoreOperationsBeforeConnect(t *testing.T) {
	s := NewRedisStore(RedisConfig{Host: "localhost"})

	err := s.Ping(context.Background())
	assert.ErrorIs(t, err, ErrStoreUnavailable)

	assert.NoError(t, s.Close())
}
