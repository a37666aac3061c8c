package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/motorhub/notifq/internal/metrics"
)

// ErrWorkerTimeout is recorded as the failure cause when the reaper reclaims
// an envelope abandoned by a crashed worker.
var ErrWorkerTimeout = errors.New("reclaimed: worker exceeded processing deadline")

// ReapStuck reclaims envelopes that have sat in processing longer than the
// threshold, which means the worker holding them crashed between dequeue and
// ack/fail. Reclaimed envelopes take the normal retry path, so repeated
// worker crashes still end in the dead letter queue rather than a loop.
func (m *Manager) ReapStuck(ctx context.Context, tenant string, threshold time.Duration) (int, error) {
	if tenant == "" {
		tenant = DefaultTenant
	}
	if threshold <= 0 {
		threshold = 10 * time.Minute
	}

	cutoff := m.now().Add(-threshold)
	reaped := 0

	for _, channel := range Channels {
		ids, err := m.store.StuckProcessing(ctx, tenant, channel, cutoff)
		if err != nil {
			return reaped, fmt.Errorf("reap %s/%s: %w", tenant, channel, err)
		}

		for _, id := range ids {
			env, err := m.store.GetEnvelope(ctx, tenant, id)
			if errors.Is(err, ErrEnvelopeNotFound) || (err == nil && env.Status != StatusProcessing) {
				// Stale index entry, the envelope was resolved or purged
				if remErr := m.store.RemoveProcessing(ctx, tenant, channel, id); remErr != nil {
					return reaped, remErr
				}
				continue
			}
			if err != nil {
				return reaped, fmt.Errorf("reap %s: %w", id, err)
			}

			retriable, err := m.Fail(ctx, tenant, id, ErrWorkerTimeout)
			if err != nil {
				return reaped, fmt.Errorf("reap %s: %w", id, err)
			}
			reaped++
			metrics.RecordReaped(tenant, string(channel))

			m.logger.Warn("reclaimed stuck envelope",
				"message_id", id,
				"tenant", tenant,
				"channel", channel,
				"retriable", retriable)
		}
	}

	return reaped, nil
}

// RepairOrphans reconciles envelopes left pending but absent from their
// channel queue, which can happen when a process crashes between the
// envelope write and the queue insertion during enqueue or retry.
func (m *Manager) RepairOrphans(ctx context.Context, tenant string) (int, error) {
	if tenant == "" {
		tenant = DefaultTenant
	}

	envs, err := m.store.ListEnvelopes(ctx, tenant)
	if err != nil {
		return 0, fmt.Errorf("repair %s: %w", tenant, err)
	}

	repaired := 0
	for _, env := range envs {
		if env.Status != StatusPending {
			continue
		}

		queued, err := m.store.InQueue(ctx, tenant, env.Channel, env.ID)
		if err != nil {
			return repaired, fmt.Errorf("repair %s: %w", env.ID, err)
		}
		if queued {
			continue
		}

		if err := m.store.AddToQueue(ctx, tenant, env.Channel, env.ID, env.EligibleAt); err != nil {
			return repaired, fmt.Errorf("repair %s: %w", env.ID, err)
		}
		repaired++

		m.logger.Warn("restored orphaned pending envelope",
			"message_id", env.ID,
			"tenant", tenant,
			"channel", env.Channel)
	}

	return repaired, nil
}

// ReaperConfig holds the reaper loop tunables.
type ReaperConfig struct {
	// Interval between reap passes
	Interval time.Duration
	// StuckThreshold is how long an envelope may stay in processing before
	// it is treated as abandoned
	StuckThreshold time.Duration
	// Tenants to sweep
	Tenants []string
}

// DefaultReaperConfig returns a one minute sweep with a ten minute
// stuck threshold.
func DefaultReaperConfig() ReaperConfig {
	return ReaperConfig{
		Interval:       time.Minute,
		StuckThreshold: 10 * time.Minute,
		Tenants:        []string{DefaultTenant},
	}
}

// Reaper periodically reclaims stuck envelopes and repairs queue orphans.
// Without it, a crashed worker would silently strand its in-flight messages.
type Reaper struct {
	manager *Manager
	config  ReaperConfig
	logger  *slog.Logger
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewReaper creates a reaper over the given manager.
func NewReaper(manager *Manager, config ReaperConfig) *Reaper {
	if config.Interval <= 0 {
		config.Interval = time.Minute
	}
	if config.StuckThreshold <= 0 {
		config.StuckThreshold = 10 * time.Minute
	}
	if len(config.Tenants) == 0 {
		config.Tenants = []string{DefaultTenant}
	}
	return &Reaper{
		manager: manager,
		config:  config,
		logger:  slog.Default().With("component", "reaper"),
	}
}

// Start launches the background sweep loop.
func (r *Reaper) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	r.logger.Info("starting reaper",
		"interval", r.config.Interval,
		"stuck_threshold", r.config.StuckThreshold)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		ticker := time.NewTicker(r.config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.sweep(ctx)
			}
		}
	}()
}

// Stop halts the sweep loop and waits for the current pass to finish.
func (r *Reaper) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.logger.Info("reaper stopped")
}

func (r *Reaper) sweep(ctx context.Context) {
	for _, tenant := range r.config.Tenants {
		reaped, err := r.manager.ReapStuck(ctx, tenant, r.config.StuckThreshold)
		if err != nil {
			r.logger.Error("reap pass failed", "tenant", tenant, "error", err)
		} else if reaped > 0 {
			r.logger.Info("reap pass completed", "tenant", tenant, "reclaimed", reaped)
		}

		repaired, err := r.manager.RepairOrphans(ctx, tenant)
		if err != nil {
			r.logger.Error("repair pass failed", "tenant", tenant, "error", err)
		} else if repaired > 0 {
			r.logger.Info("repair pass completed", "tenant", tenant, "restored", repaired)
		}
	}
}
