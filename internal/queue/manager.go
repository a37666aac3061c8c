package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/motorhub/notifq/internal/metrics"
)

// DefaultTenant is used when a caller does not namespace its messages.
const DefaultTenant = "default"

// Config holds the queue manager tunables.
type Config struct {
	// MaxRetries is the number of failures before dead-lettering
	MaxRetries int
	// BackoffBase is the unit doubled per retry: base << retry_count
	BackoffBase time.Duration
	// MediumDelay and LowDelay are the priority scheduling offsets.
	// High priority messages are eligible immediately.
	MediumDelay time.Duration
	LowDelay    time.Duration
}

// DefaultConfig returns sensible defaults: three retries with 2/4/8 minute
// backoff, 5 and 15 minute offsets for medium and low priority.
func DefaultConfig() Config {
	return Config{
		MaxRetries:  3,
		BackoffBase: time.Minute,
		MediumDelay: 5 * time.Minute,
		LowDelay:    15 * time.Minute,
	}
}

// Archiver receives envelopes before they are purged by cleanup.
type Archiver interface {
	Archive(ctx context.Context, envs []*Envelope) error
}

// Manager owns all envelope state transitions. Workers only observe
// envelopes through Dequeue and report outcomes through Ack and Fail.
// A Manager is stateless between calls; all shared state lives in the
// injected Store, so any number of processes can share one backing store.
type Manager struct {
	store    Store
	config   Config
	logger   *slog.Logger
	archiver Archiver

	// now is swappable for deterministic tests
	now func() time.Time
}

// EnqueueOptions carries the optional enqueue parameters.
type EnqueueOptions struct {
	// Priority defaults to PriorityMedium when zero
	Priority Priority
	// Delay is an explicit extra delay on top of the priority offset
	Delay time.Duration
	// Recipient is an opaque routing hint kept for diagnostics; the queue
	// never parses it
	Recipient string
}

// NewManager creates a queue manager on top of the given store.
func NewManager(store Store, config Config) *Manager {
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if config.BackoffBase <= 0 {
		config.BackoffBase = time.Minute
	}
	return &Manager{
		store:  store,
		config: config,
		logger: slog.Default().With("component", "queue"),
		now:    time.Now,
	}
}

// SetArchiver attaches an archive sink used by CleanupOldMessages.
func (m *Manager) SetArchiver(a Archiver) {
	m.archiver = a
}

// Store exposes the backing store for health checks.
func (m *Manager) Store() Store {
	return m.store
}

// generateID builds a channel-prefixed id. The fixed-width UnixNano segment
// makes lexicographic order match creation order, which the queue relies on
// for FIFO tie-breaking between equal eligible times.
func generateID(channel Channel, now time.Time) string {
	return fmt.Sprintf("%s-%019d-%s", channel, now.UnixNano(), uuid.NewString()[:8])
}

func (m *Manager) priorityDelay(p Priority) time.Duration {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityLow:
		return m.config.LowDelay
	default:
		return m.config.MediumDelay
	}
}

// Enqueue persists a new envelope and schedules it on the channel's queue.
// The envelope record is written before the queue insertion, so a crash in
// between leaves a repairable orphan rather than a lost message (see
// RepairOrphans).
func (m *Manager) Enqueue(ctx context.Context, tenant string, channel Channel, payload json.RawMessage, opts EnqueueOptions) (string, error) {
	if !channel.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidChannel, channel)
	}
	if len(payload) == 0 {
		return "", ErrInvalidPayload
	}
	if tenant == "" {
		tenant = DefaultTenant
	}
	if opts.Priority == 0 {
		opts.Priority = PriorityMedium
	}
	if !opts.Priority.Valid() {
		return "", fmt.Errorf("invalid priority %d", opts.Priority)
	}
	if opts.Delay < 0 {
		opts.Delay = 0
	}

	now := m.now()
	eligible := now.Add(opts.Delay + m.priorityDelay(opts.Priority))

	env := &Envelope{
		ID:         generateID(channel, now),
		TenantID:   tenant,
		Channel:    channel,
		Priority:   opts.Priority,
		Payload:    payload,
		Recipient:  opts.Recipient,
		Status:     StatusPending,
		CreatedAt:  now,
		EligibleAt: eligible,
	}

	if err := m.store.PutEnvelope(ctx, env); err != nil {
		return "", fmt.Errorf("enqueue %s: %w", env.ID, err)
	}
	if err := m.store.AddToQueue(ctx, tenant, channel, env.ID, eligible); err != nil {
		return "", fmt.Errorf("enqueue %s: queue insert: %w", env.ID, err)
	}

	if err := m.store.IncrCounter(ctx, tenant, channel, counterEnqueued); err != nil {
		m.logger.Warn("failed to increment enqueued counter", "error", err)
	}
	metrics.RecordEnqueued(tenant, string(channel))

	m.logger.Debug("message enqueued",
		"message_id", env.ID,
		"tenant", tenant,
		"channel", channel,
		"priority", opts.Priority,
		"eligible_at", eligible.Format(time.RFC3339))

	return env.ID, nil
}

// Dequeue atomically pops the next eligible envelope and transitions it to
// processing. Returns (nil, nil) when nothing is eligible; it never blocks.
func (m *Manager) Dequeue(ctx context.Context, tenant string, channel Channel) (*Envelope, error) {
	if !channel.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidChannel, channel)
	}
	if tenant == "" {
		tenant = DefaultTenant
	}

	for {
		now := m.now()
		id, err := m.store.PopEligible(ctx, tenant, channel, now)
		if err != nil {
			return nil, fmt.Errorf("dequeue %s/%s: %w", tenant, channel, err)
		}
		if id == "" {
			return nil, nil
		}

		env, err := m.store.GetEnvelope(ctx, tenant, id)
		if errors.Is(err, ErrEnvelopeNotFound) {
			// Queue entry outlived its envelope, drop it and keep going
			m.logger.Warn("dropping queue entry without envelope", "message_id", id, "tenant", tenant)
			if remErr := m.store.RemoveProcessing(ctx, tenant, channel, id); remErr != nil {
				return nil, remErr
			}
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("dequeue %s: %w", id, err)
		}

		env.Status = StatusProcessing
		env.LastAttemptAt = now
		if err := m.store.PutEnvelope(ctx, env); err != nil {
			return nil, fmt.Errorf("dequeue %s: mark processing: %w", id, err)
		}

		if err := m.store.IncrCounter(ctx, tenant, channel, counterDequeued); err != nil {
			m.logger.Warn("failed to increment dequeued counter", "error", err)
		}
		metrics.RecordDequeued(tenant, string(channel))

		return env, nil
	}
}

// Ack marks a processing envelope as completed. Acking an already completed
// envelope is a no-op, so delivery confirmations can be retried safely.
func (m *Manager) Ack(ctx context.Context, tenant, id string) error {
	if tenant == "" {
		tenant = DefaultTenant
	}

	env, err := m.store.GetEnvelope(ctx, tenant, id)
	if err != nil {
		return err
	}

	if env.Status == StatusCompleted {
		return nil
	}
	if env.Status != StatusProcessing {
		return fmt.Errorf("%w: ack requires processing, envelope %s is %s", ErrInvalidState, id, env.Status)
	}

	now := m.now()
	env.Status = StatusCompleted
	env.CompletedAt = now
	env.Attempts = append(env.Attempts, Attempt{Time: now, Result: "delivered"})

	if err := m.store.PutEnvelope(ctx, env); err != nil {
		return fmt.Errorf("ack %s: %w", id, err)
	}
	if err := m.store.RemoveProcessing(ctx, tenant, env.Channel, id); err != nil {
		return fmt.Errorf("ack %s: %w", id, err)
	}

	if err := m.store.IncrCounter(ctx, tenant, env.Channel, counterCompleted); err != nil {
		m.logger.Warn("failed to increment completed counter", "error", err)
	}
	metrics.RecordCompleted(tenant, string(env.Channel))

	m.logger.Debug("message completed",
		"message_id", id,
		"tenant", tenant,
		"channel", env.Channel,
		"retry_count", env.RetryCount)

	return nil
}

// Fail records a delivery failure. The envelope is either rescheduled with
// exponential backoff (returns true) or dead-lettered once its retry budget
// is exhausted (returns false). The queue applies the same policy regardless
// of failure kind; only the error text is retained for diagnostics.
func (m *Manager) Fail(ctx context.Context, tenant, id string, cause error) (bool, error) {
	if tenant == "" {
		tenant = DefaultTenant
	}

	env, err := m.store.GetEnvelope(ctx, tenant, id)
	if err != nil {
		return false, err
	}
	if env.Status != StatusProcessing {
		return false, fmt.Errorf("%w: fail requires processing, envelope %s is %s", ErrInvalidState, id, env.Status)
	}

	now := m.now()
	errText := "unknown error"
	if cause != nil {
		errText = cause.Error()
	}

	env.RetryCount++
	env.LastError = errText
	env.LastAttemptAt = now
	env.Attempts = append(env.Attempts, Attempt{Time: now, Result: "failed", Error: errText})

	if env.RetryCount < m.config.MaxRetries {
		backoff := m.config.BackoffBase << uint(env.RetryCount)
		env.Status = StatusPending
		env.EligibleAt = now.Add(backoff)

		if err := m.store.PutEnvelope(ctx, env); err != nil {
			return false, fmt.Errorf("fail %s: %w", id, err)
		}
		if err := m.store.AddToQueue(ctx, tenant, env.Channel, id, env.EligibleAt); err != nil {
			return false, fmt.Errorf("fail %s: requeue: %w", id, err)
		}
		if err := m.store.RemoveProcessing(ctx, tenant, env.Channel, id); err != nil {
			return false, fmt.Errorf("fail %s: %w", id, err)
		}

		if err := m.store.IncrCounter(ctx, tenant, env.Channel, counterRetried); err != nil {
			m.logger.Warn("failed to increment retried counter", "error", err)
		}
		metrics.RecordRetried(tenant, string(env.Channel))

		m.logger.Info("message deferred for retry",
			"message_id", id,
			"tenant", tenant,
			"channel", env.Channel,
			"retry_count", env.RetryCount,
			"next_attempt", env.EligibleAt.Format(time.RFC3339),
			"error", errText)

		return true, nil
	}

	// Retry budget exhausted
	env.Status = StatusDeadLetter

	if err := m.store.PutEnvelope(ctx, env); err != nil {
		return false, fmt.Errorf("fail %s: %w", id, err)
	}
	if err := m.store.PushDeadLetter(ctx, tenant, env); err != nil {
		return false, fmt.Errorf("fail %s: dead letter: %w", id, err)
	}
	if err := m.store.RemoveFromQueue(ctx, tenant, env.Channel, id); err != nil {
		return false, fmt.Errorf("fail %s: %w", id, err)
	}
	if err := m.store.RemoveProcessing(ctx, tenant, env.Channel, id); err != nil {
		return false, fmt.Errorf("fail %s: %w", id, err)
	}

	if err := m.store.IncrCounter(ctx, tenant, env.Channel, counterDeadLetter); err != nil {
		m.logger.Warn("failed to increment dead_letter counter", "error", err)
	}
	metrics.RecordDeadLettered(tenant, string(env.Channel))

	m.logger.Error("message dead-lettered",
		"message_id", id,
		"tenant", tenant,
		"channel", env.Channel,
		"retry_count", env.RetryCount,
		"error", errText)

	return false, nil
}

// DeadLetterMessages returns up to limit dead letter snapshots, newest first.
func (m *Manager) DeadLetterMessages(ctx context.Context, tenant string, limit int64) ([]*Envelope, error) {
	if tenant == "" {
		tenant = DefaultTenant
	}
	return m.store.DeadLetters(ctx, tenant, limit)
}

// RequeueDeadLetter moves one dead letter record back to pending with its
// retry count reset, eligible immediately. Returns false when the index is
// out of range.
func (m *Manager) RequeueDeadLetter(ctx context.Context, tenant string, index int64) (bool, error) {
	if tenant == "" {
		tenant = DefaultTenant
	}

	env, err := m.store.ClaimDeadLetter(ctx, tenant, index)
	if errors.Is(err, ErrEnvelopeNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	now := m.now()
	env.Status = StatusPending
	env.RetryCount = 0
	env.EligibleAt = now

	if err := m.store.PutEnvelope(ctx, env); err != nil {
		return false, fmt.Errorf("requeue %s: %w", env.ID, err)
	}
	if err := m.store.AddToQueue(ctx, tenant, env.Channel, env.ID, now); err != nil {
		return false, fmt.Errorf("requeue %s: %w", env.ID, err)
	}

	if err := m.store.IncrCounter(ctx, tenant, env.Channel, counterEnqueued); err != nil {
		m.logger.Warn("failed to increment enqueued counter", "error", err)
	}
	metrics.RecordEnqueued(tenant, string(env.Channel))

	m.logger.Info("dead letter requeued",
		"message_id", env.ID,
		"tenant", tenant,
		"channel", env.Channel)

	return true, nil
}

// RecoverDeadLetters requeues dead letters whose last error looks transient
// (timeouts, connection failures, gateway 5xx) and whose final attempt is
// younger than maxAge. Older or permanent failures stay for manual review.
// Intended as a single operator-triggered pass, not a concurrent job.
func (m *Manager) RecoverDeadLetters(ctx context.Context, tenant string, maxAge time.Duration) (int, error) {
	if tenant == "" {
		tenant = DefaultTenant
	}
	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}

	now := m.now()
	requeued := 0

	for {
		list, err := m.store.DeadLetters(ctx, tenant, 1000)
		if err != nil {
			return requeued, err
		}

		// Oldest first so recovered messages keep their original order
		index := int64(-1)
		for i := len(list) - 1; i >= 0; i-- {
			env := list[i]
			if now.Sub(env.LastAttemptAt) <= maxAge && isTransientError(env.LastError) {
				index = int64(i)
				break
			}
		}
		if index == -1 {
			return requeued, nil
		}

		ok, err := m.RequeueDeadLetter(ctx, tenant, index)
		if err != nil {
			return requeued, err
		}
		if !ok {
			return requeued, nil
		}
		requeued++
	}
}

// isTransientError reports whether an error description matches the failure
// patterns worth automatic recovery: network blips and gateway 5xx.
func isTransientError(errText string) bool {
	if errText == "" {
		return false
	}
	lower := strings.ToLower(errText)

	patterns := []string{
		"timeout",
		"timed out",
		"connection",
		"temporar",
		"try again",
		"rate limit",
		"throttled",
		"unavailable",
		"network",
		"502",
		"503",
		"504",
	}
	for _, pattern := range patterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}

// Stats returns per-channel counters plus live queue depths and the dead
// letter backlog. Safe for concurrent polling.
func (m *Manager) Stats(ctx context.Context, tenant string) (*Stats, error) {
	if tenant == "" {
		tenant = DefaultTenant
	}

	stats := &Stats{
		Channels:    make(map[Channel]ChannelStats, len(Channels)),
		LastUpdated: m.now(),
	}

	for _, channel := range Channels {
		depth, err := m.store.QueueLength(ctx, tenant, channel)
		if err != nil {
			return nil, fmt.Errorf("stats %s/%s: %w", tenant, channel, err)
		}
		counters, err := m.store.Counters(ctx, tenant, channel)
		if err != nil {
			return nil, fmt.Errorf("stats %s/%s: %w", tenant, channel, err)
		}

		stats.Channels[channel] = ChannelStats{
			QueueLength: depth,
			Enqueued:    counters[counterEnqueued],
			Dequeued:    counters[counterDequeued],
			Completed:   counters[counterCompleted],
			Retried:     counters[counterRetried],
			DeadLetter:  counters[counterDeadLetter],
		}
		metrics.SetQueueDepth(tenant, string(channel), depth)
	}

	dlq, err := m.store.DeadLetterLength(ctx, tenant)
	if err != nil {
		return nil, fmt.Errorf("stats %s: dead letter length: %w", tenant, err)
	}
	stats.DeadLetterLength = dlq

	return stats, nil
}

// CleanupOldMessages purges completed, failed, and dead-lettered envelopes
// whose last activity is older than the retention window. When an archiver
// is attached, purged envelopes are copied there first.
func (m *Manager) CleanupOldMessages(ctx context.Context, tenant string, olderThan time.Duration) (int, error) {
	if tenant == "" {
		tenant = DefaultTenant
	}
	if olderThan <= 0 {
		return 0, fmt.Errorf("retention period must be positive")
	}

	cutoff := m.now().Add(-olderThan)

	envs, err := m.store.ListEnvelopes(ctx, tenant)
	if err != nil {
		return 0, fmt.Errorf("cleanup %s: %w", tenant, err)
	}

	var expired []*Envelope
	for _, env := range envs {
		switch env.Status {
		case StatusCompleted, StatusFailed, StatusDeadLetter:
		default:
			continue
		}

		last := env.CompletedAt
		if last.IsZero() {
			last = env.LastAttemptAt
		}
		if last.IsZero() {
			last = env.CreatedAt
		}
		if last.Before(cutoff) {
			expired = append(expired, env)
		}
	}

	if len(expired) == 0 {
		return 0, nil
	}

	if m.archiver != nil {
		if err := m.archiver.Archive(ctx, expired); err != nil {
			return 0, fmt.Errorf("cleanup %s: archive: %w", tenant, err)
		}
	}

	deleted := 0
	for _, env := range expired {
		if err := m.store.DeleteEnvelope(ctx, tenant, env.ID); err != nil {
			m.logger.Warn("failed to delete expired envelope", "message_id", env.ID, "error", err)
			continue
		}
		deleted++
	}

	m.logger.Info("cleanup completed", "tenant", tenant, "deleted", deleted)
	return deleted, nil
}
