package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/motorhub/notifq/internal/queue"
)

const testTenant = "garage-jeddah"

type recordingTransport struct {
	mu        sync.Mutex
	delivered []string
	err       error
}

func (r *recordingTransport) Deliver(ctx context.Context, env *queue.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.delivered = append(r.delivered, env.ID)
	return nil
}

func (r *recordingTransport) ids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.delivered...)
}

func newTestDispatcher(t *testing.T, transport Transport) (*Dispatcher, *queue.Manager) {
	t.Helper()

	manager := queue.NewManager(queue.NewMemoryStore(), queue.DefaultConfig())
	cfg := DefaultConfig()
	cfg.Tenants = []string{testTenant}
	return New(manager, transport, cfg), manager
}

func enqueueHigh(t *testing.T, m *queue.Manager, channel queue.Channel) string {
	t.Helper()

	payload, err := json.Marshal(map[string]string{"template": "service_reminder"})
	require.NoError(t, err)

	id, err := m.Enqueue(context.Background(), testTenant, channel, payload, queue.EnqueueOptions{
		Priority: queue.PriorityHigh,
	})
	require.NoError(t, err)
	return id
}

func TestNewFillsBreakerDefaults(t *testing.T) {
	manager := queue.NewManager(queue.NewMemoryStore(), queue.DefaultConfig())

	// Only the fields the server command always sets
	d := New(manager, &recordingTransport{}, Config{
		Tenants:      []string{testTenant},
		PollInterval: 5 * time.Second,
	})

	assert.Equal(t, uint32(5), d.config.BreakerMaxRequests)
	assert.Equal(t, time.Minute, d.config.BreakerInterval)
	assert.Equal(t, 30*time.Second, d.config.BreakerTimeout)
}

func TestRunOnceDeliversAndAcks(t *testing.T) {
	transport := &recordingTransport{}
	d, manager := newTestDispatcher(t, transport)
	ctx := context.Background()

	id := enqueueHigh(t, manager, queue.ChannelSMS)

	attempted, err := d.RunOnce(ctx, testTenant, queue.ChannelSMS)
	require.NoError(t, err)
	assert.Equal(t, 1, attempted)
	assert.Equal(t, []string{id}, transport.ids())

	stats, err := manager.Stats(ctx, testTenant)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Channels[queue.ChannelSMS].Completed)
	assert.Zero(t, stats.Channels[queue.ChannelSMS].QueueLength)
}

func TestRunOnceEmptyQueue(t *testing.T) {
	d, _ := newTestDispatcher(t, &recordingTransport{})

	attempted, err := d.RunOnce(context.Background(), testTenant, queue.ChannelEmail)
	require.NoError(t, err)
	assert.Zero(t, attempted)
}

func TestRunOnceFailureSchedulesRetry(t *testing.T) {
	transport := &recordingTransport{err: errors.New("gateway returned 503")}
	d, manager := newTestDispatcher(t, transport)
	ctx := context.Background()

	enqueueHigh(t, manager, queue.ChannelSMS)

	attempted, err := d.RunOnce(ctx, testTenant, queue.ChannelSMS)
	require.NoError(t, err)
	assert.Equal(t, 1, attempted)

	stats, err := manager.Stats(ctx, testTenant)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Channels[queue.ChannelSMS].Retried)
	assert.Equal(t, int64(1), stats.Channels[queue.ChannelSMS].QueueLength)

	// Backoff pushes the retry into the future, so the next cycle is idle
	attempted, err = d.RunOnce(ctx, testTenant, queue.ChannelSMS)
	require.NoError(t, err)
	assert.Zero(t, attempted)
}

func TestRunOnceRespectsBatchLimit(t *testing.T) {
	transport := &recordingTransport{}
	manager := queue.NewManager(queue.NewMemoryStore(), queue.DefaultConfig())

	cfg := DefaultConfig()
	cfg.Tenants = []string{testTenant}
	cfg.BatchLimit = 3
	d := New(manager, transport, cfg)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		enqueueHigh(t, manager, queue.ChannelBulk)
	}

	attempted, err := d.RunOnce(ctx, testTenant, queue.ChannelBulk)
	require.NoError(t, err)
	assert.Equal(t, 3, attempted)

	attempted, err = d.RunOnce(ctx, testTenant, queue.ChannelBulk)
	require.NoError(t, err)
	assert.Equal(t, 2, attempted)
}

func TestBreakerFailuresStayOnRetryPath(t *testing.T) {
	transport := &recordingTransport{err: errors.New("connection refused")}
	manager := queue.NewManager(queue.NewMemoryStore(), queue.DefaultConfig())

	cfg := DefaultConfig()
	cfg.Tenants = []string{testTenant}
	cfg.BatchLimit = 20
	d := New(manager, transport, cfg)
	ctx := context.Background()

	// Enough consecutive failures to trip the breaker partway through
	const total = 10
	for i := 0; i < total; i++ {
		enqueueHigh(t, manager, queue.ChannelWhatsApp)
	}

	attempted, err := d.RunOnce(ctx, testTenant, queue.ChannelWhatsApp)
	require.NoError(t, err)
	assert.Equal(t, total, attempted)

	// Every message got a recorded failure, whether it reached the transport
	// or was rejected by the open breaker
	stats, err := manager.Stats(ctx, testTenant)
	require.NoError(t, err)
	assert.Equal(t, int64(total), stats.Channels[queue.ChannelWhatsApp].Retried)
	assert.Equal(t, int64(total), stats.Channels[queue.ChannelWhatsApp].QueueLength)
}

func TestStartStop(t *testing.T) {
	transport := &recordingTransport{}
	manager := queue.NewManager(queue.NewMemoryStore(), queue.DefaultConfig())

	cfg := DefaultConfig()
	cfg.Tenants = []string{testTenant}
	cfg.PollInterval = 10 * time.Millisecond
	d := New(manager, transport, cfg)

	id := enqueueHigh(t, manager, queue.ChannelSMS)

	d.Start()
	require.Eventually(t, func() bool {
		for _, got := range transport.ids() {
			if got == id {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
	d.Stop()
}
