package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTenant = "garage-riyadh"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestManager(t *testing.T, cfg Config) (*Manager, *MemoryStore, *fakeClock) {
	t.Helper()

	store := NewMemoryStore()
	clock := newFakeClock()

	m := NewManager(store, cfg)
	m.now = clock.Now
	return m, store, clock
}

func testPayload(t *testing.T, recipient string) json.RawMessage {
	t.Helper()

	data, err := json.Marshal(map[string]string{
		"recipient": recipient,
		"template":  "appointment_confirmation",
		"body":      "Your appointment is confirmed",
	})
	require.NoError(t, err)
	return data
}

func TestEnqueueValidation(t *testing.T) {
	m, _, _ := newTestManager(t, DefaultConfig())
	ctx := context.Background()

	_, err := m.Enqueue(ctx, testTenant, Channel("carrier-pigeon"), testPayload(t, "x"), EnqueueOptions{})
	assert.ErrorIs(t, err, ErrInvalidChannel)

	_, err = m.Enqueue(ctx, testTenant, ChannelSMS, nil, EnqueueOptions{})
	assert.ErrorIs(t, err, ErrInvalidPayload)

	id, err := m.Enqueue(ctx, testTenant, ChannelSMS, testPayload(t, "x"), EnqueueOptions{})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
}

func TestDequeueEmptyQueue(t *testing.T) {
	m, _, _ := newTestManager(t, DefaultConfig())

	env, err := m.Dequeue(context.Background(), testTenant, ChannelEmail)
	require.NoError(t, err)
	assert.Nil(t, env)
}

func TestPriorityOrderingWithFIFOTieBreak(t *testing.T) {
	m, _, clock := newTestManager(t, DefaultConfig())
	ctx := context.Background()

	// A (high), B (medium), C (high), enqueued in that order at the same time
	idA, err := m.Enqueue(ctx, testTenant, ChannelSMS, testPayload(t, "a"), EnqueueOptions{Priority: PriorityHigh})
	require.NoError(t, err)
	idB, err := m.Enqueue(ctx, testTenant, ChannelSMS, testPayload(t, "b"), EnqueueOptions{Priority: PriorityMedium})
	require.NoError(t, err)
	idC, err := m.Enqueue(ctx, testTenant, ChannelSMS, testPayload(t, "c"), EnqueueOptions{Priority: PriorityHigh})
	require.NoError(t, err)

	// High priority messages are eligible immediately, in enqueue order
	first, err := m.Dequeue(ctx, testTenant, ChannelSMS)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, idA, first.ID)
	assert.Equal(t, StatusProcessing, first.Status)

	second, err := m.Dequeue(ctx, testTenant, ChannelSMS)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, idC, second.ID)

	// B only becomes eligible after the medium priority offset
	none, err := m.Dequeue(ctx, testTenant, ChannelSMS)
	require.NoError(t, err)
	assert.Nil(t, none)

	clock.Advance(5*time.Minute + time.Second)

	third, err := m.Dequeue(ctx, testTenant, ChannelSMS)
	require.NoError(t, err)
	require.NotNil(t, third)
	assert.Equal(t, idB, third.ID)
}

func TestExplicitDelay(t *testing.T) {
	m, _, clock := newTestManager(t, DefaultConfig())
	ctx := context.Background()

	id, err := m.Enqueue(ctx, testTenant, ChannelEmail, testPayload(t, "x"), EnqueueOptions{
		Priority: PriorityHigh,
		Delay:    10 * time.Minute,
	})
	require.NoError(t, err)

	env, err := m.Dequeue(ctx, testTenant, ChannelEmail)
	require.NoError(t, err)
	assert.Nil(t, env)

	clock.Advance(10*time.Minute + time.Second)

	env, err = m.Dequeue(ctx, testTenant, ChannelEmail)
	require.NoError(t, err)
	require.NotNil(t, env)
	assert.Equal(t, id, env.ID)
}

func TestAckIsIdempotent(t *testing.T) {
	m, store, _ := newTestManager(t, DefaultConfig())
	ctx := context.Background()

	id, err := m.Enqueue(ctx, testTenant, ChannelWhatsApp, testPayload(t, "x"), EnqueueOptions{Priority: PriorityHigh})
	require.NoError(t, err)

	env, err := m.Dequeue(ctx, testTenant, ChannelWhatsApp)
	require.NoError(t, err)
	require.NotNil(t, env)

	require.NoError(t, m.Ack(ctx, testTenant, id))
	require.NoError(t, m.Ack(ctx, testTenant, id))

	stored, err := store.GetEnvelope(ctx, testTenant, id)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, stored.Status)
	assert.False(t, stored.CompletedAt.IsZero())

	counters, err := store.Counters(ctx, testTenant, ChannelWhatsApp)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counters["completed"], "double ack must not double count")
}

func TestAckRequiresProcessing(t *testing.T) {
	m, _, _ := newTestManager(t, DefaultConfig())
	ctx := context.Background()

	id, err := m.Enqueue(ctx, testTenant, ChannelSMS, testPayload(t, "x"), EnqueueOptions{Priority: PriorityHigh})
	require.NoError(t, err)

	err = m.Ack(ctx, testTenant, id)
	assert.ErrorIs(t, err, ErrInvalidState)

	err = m.Ack(ctx, testTenant, "no-such-id")
	assert.ErrorIs(t, err, ErrEnvelopeNotFound)
}

func TestFailBackoffIsMonotonic(t *testing.T) {
	m, store, clock := newTestManager(t, DefaultConfig())
	ctx := context.Background()

	id, err := m.Enqueue(ctx, testTenant, ChannelSMS, testPayload(t, "x"), EnqueueOptions{Priority: PriorityHigh})
	require.NoError(t, err)

	var lastEligible time.Time
	for attempt := 1; attempt < 3; attempt++ {
		env, err := m.Dequeue(ctx, testTenant, ChannelSMS)
		require.NoError(t, err)
		require.NotNil(t, env, "attempt %d", attempt)

		retriable, err := m.Fail(ctx, testTenant, id, errors.New("gateway returned 503"))
		require.NoError(t, err)
		assert.True(t, retriable)

		stored, err := store.GetEnvelope(ctx, testTenant, id)
		require.NoError(t, err)
		assert.Equal(t, StatusPending, stored.Status)
		assert.Equal(t, attempt, stored.RetryCount)

		// Backoff doubles per retry: 2 minutes, then 4
		wantBackoff := time.Minute << uint(attempt)
		assert.Equal(t, clock.Now().Add(wantBackoff), stored.EligibleAt)
		assert.True(t, stored.EligibleAt.After(lastEligible))
		lastEligible = stored.EligibleAt

		clock.Advance(wantBackoff + time.Second)
	}
}

func TestDeadLetterAfterMaxRetries(t *testing.T) {
	m, store, clock := newTestManager(t, DefaultConfig())
	ctx := context.Background()

	id, err := m.Enqueue(ctx, testTenant, ChannelSMS, testPayload(t, "x"), EnqueueOptions{Priority: PriorityHigh})
	require.NoError(t, err)

	for attempt := 1; attempt <= 3; attempt++ {
		env, err := m.Dequeue(ctx, testTenant, ChannelSMS)
		require.NoError(t, err)
		require.NotNil(t, env, "attempt %d", attempt)

		retriable, err := m.Fail(ctx, testTenant, id, errors.New("connection refused"))
		require.NoError(t, err)

		if attempt < 3 {
			assert.True(t, retriable)
			clock.Advance(time.Minute<<uint(attempt) + time.Second)
		} else {
			assert.False(t, retriable, "final failure must dead-letter")
		}
	}

	stored, err := store.GetEnvelope(ctx, testTenant, id)
	require.NoError(t, err)
	assert.Equal(t, StatusDeadLetter, stored.Status)

	depth, err := store.QueueLength(ctx, testTenant, ChannelSMS)
	require.NoError(t, err)
	assert.Zero(t, depth, "dead-lettered message must leave the queue")

	dlq, err := store.DeadLetterLength(ctx, testTenant)
	require.NoError(t, err)
	assert.Equal(t, int64(1), dlq)

	env, err := m.Dequeue(ctx, testTenant, ChannelSMS)
	require.NoError(t, err)
	assert.Nil(t, env)
}

func TestRequeueDeadLetterResetsState(t *testing.T) {
	m, _, clock := newTestManager(t, DefaultConfig())
	ctx := context.Background()

	id := deadLetterMessage(t, m, clock)

	ok, err := m.RequeueDeadLetter(ctx, testTenant, 0)
	require.NoError(t, err)
	assert.True(t, ok)

	// Immediately eligible again, with a fresh retry budget
	env, err := m.Dequeue(ctx, testTenant, ChannelSMS)
	require.NoError(t, err)
	require.NotNil(t, env)
	assert.Equal(t, id, env.ID)
	assert.Zero(t, env.RetryCount)
	assert.NotEmpty(t, env.LastError, "failure history is retained for diagnostics")

	dlq, err := m.store.DeadLetterLength(ctx, testTenant)
	require.NoError(t, err)
	assert.Zero(t, dlq)
}

func TestRequeueDeadLetterOutOfRange(t *testing.T) {
	m, _, _ := newTestManager(t, DefaultConfig())

	ok, err := m.RequeueDeadLetter(context.Background(), testTenant, 42)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRecoverDeadLettersFiltersTransientErrors(t *testing.T) {
	m, _, clock := newTestManager(t, DefaultConfig())
	ctx := context.Background()

	transientID := deadLetterMessageWithError(t, m, clock, "connection timeout talking to gateway")
	deadLetterMessageWithError(t, m, clock, "recipient number is invalid")

	requeued, err := m.RecoverDeadLetters(ctx, testTenant, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, requeued)

	env, err := m.Dequeue(ctx, testTenant, ChannelSMS)
	require.NoError(t, err)
	require.NotNil(t, env)
	assert.Equal(t, transientID, env.ID)

	// The permanent failure stays behind for manual review
	dlq, err := m.store.DeadLetterLength(ctx, testTenant)
	require.NoError(t, err)
	assert.Equal(t, int64(1), dlq)
}

func TestRecoverDeadLettersSkipsOldRecords(t *testing.T) {
	m, _, clock := newTestManager(t, DefaultConfig())
	ctx := context.Background()

	deadLetterMessageWithError(t, m, clock, "gateway returned 503")
	clock.Advance(25 * time.Hour)

	requeued, err := m.RecoverDeadLetters(ctx, testTenant, 24*time.Hour)
	require.NoError(t, err)
	assert.Zero(t, requeued)
}

func TestNoDoubleDeliveryUnderConcurrentDequeue(t *testing.T) {
	m, _, _ := newTestManager(t, DefaultConfig())
	ctx := context.Background()

	const total = 200
	for i := 0; i < total; i++ {
		_, err := m.Enqueue(ctx, testTenant, ChannelBulk, testPayload(t, "x"), EnqueueOptions{Priority: PriorityHigh})
		require.NoError(t, err)
	}

	ids := make(chan string, total)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				env, err := m.Dequeue(ctx, testTenant, ChannelBulk)
				if err != nil || env == nil {
					return
				}
				ids <- env.ID
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[string]bool, total)
	for id := range ids {
		assert.False(t, seen[id], "id %s dequeued twice", id)
		seen[id] = true
	}
	assert.Len(t, seen, total)
}

func TestStats(t *testing.T) {
	m, _, clock := newTestManager(t, DefaultConfig())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := m.Enqueue(ctx, testTenant, ChannelEmail, testPayload(t, "x"), EnqueueOptions{Priority: PriorityHigh})
		require.NoError(t, err)
	}

	env, err := m.Dequeue(ctx, testTenant, ChannelEmail)
	require.NoError(t, err)
	require.NotNil(t, env)
	require.NoError(t, m.Ack(ctx, testTenant, env.ID))

	deadLetterMessage(t, m, clock)

	stats, err := m.Stats(ctx, testTenant)
	require.NoError(t, err)

	email := stats.Channels[ChannelEmail]
	assert.Equal(t, int64(3), email.Enqueued)
	assert.Equal(t, int64(1), email.Dequeued)
	assert.Equal(t, int64(1), email.Completed)
	assert.Equal(t, int64(2), email.QueueLength)

	sms := stats.Channels[ChannelSMS]
	assert.Equal(t, int64(2), sms.Retried)
	assert.Equal(t, int64(1), sms.DeadLetter)

	assert.Equal(t, int64(1), stats.DeadLetterLength)
}

type captureArchiver struct {
	mu   sync.Mutex
	envs []*Envelope
}

func (a *captureArchiver) Archive(ctx context.Context, envs []*Envelope) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.envs = append(a.envs, envs...)
	return nil
}

func TestCleanupOldMessages(t *testing.T) {
	m, store, clock := newTestManager(t, DefaultConfig())
	ctx := context.Background()

	arch := &captureArchiver{}
	m.SetArchiver(arch)

	oldID, err := m.Enqueue(ctx, testTenant, ChannelSMS, testPayload(t, "x"), EnqueueOptions{Priority: PriorityHigh})
	require.NoError(t, err)
	env, err := m.Dequeue(ctx, testTenant, ChannelSMS)
	require.NoError(t, err)
	require.NotNil(t, env)
	require.NoError(t, m.Ack(ctx, testTenant, oldID))

	clock.Advance(8 * 24 * time.Hour)

	// A fresh pending message must survive the purge
	freshID, err := m.Enqueue(ctx, testTenant, ChannelSMS, testPayload(t, "y"), EnqueueOptions{Priority: PriorityHigh})
	require.NoError(t, err)

	deleted, err := m.CleanupOldMessages(ctx, testTenant, 7*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	_, err = store.GetEnvelope(ctx, testTenant, oldID)
	assert.ErrorIs(t, err, ErrEnvelopeNotFound)

	_, err = store.GetEnvelope(ctx, testTenant, freshID)
	assert.NoError(t, err)

	require.Len(t, arch.envs, 1)
	assert.Equal(t, oldID, arch.envs[0].ID)
}

func TestTenantIsolation(t *testing.T) {
	m, _, _ := newTestManager(t, DefaultConfig())
	ctx := context.Background()

	_, err := m.Enqueue(ctx, "tenant-a", ChannelSMS, testPayload(t, "x"), EnqueueOptions{Priority: PriorityHigh})
	require.NoError(t, err)

	env, err := m.Dequeue(ctx, "tenant-b", ChannelSMS)
	require.NoError(t, err)
	assert.Nil(t, env, "tenant queues must be isolated")
}

// deadLetterMessage drives a fresh SMS message through its full retry budget
// and returns its id.
func deadLetterMessage(t *testing.T, m *Manager, clock *fakeClock) string {
	return deadLetterMessageWithError(t, m, clock, "connection refused")
}

func deadLetterMessageWithError(t *testing.T, m *Manager, clock *fakeClock, errText string) string {
	t.Helper()
	ctx := context.Background()

	id, err := m.Enqueue(ctx, testTenant, ChannelSMS, testPayload(t, "dl"), EnqueueOptions{Priority: PriorityHigh})
	require.NoError(t, err)

	for attempt := 1; attempt <= m.config.MaxRetries; attempt++ {
		env, err := m.Dequeue(ctx, testTenant, ChannelSMS)
		require.NoError(t, err)
		require.NotNil(t, env, "attempt %d", attempt)
		require.Equal(t, id, env.ID)

		retriable, err := m.Fail(ctx, testTenant, id, errors.New(errText))
		require.NoError(t, err)
		if attempt < m.config.MaxRetries {
			require.True(t, retriable)
			clock.Advance(time.Minute<<uint(attempt) + time.Second)
		} else {
			require.False(t, retriable)
		}
	}
	return id
}
