// Package dispatch drives the dequeue -> deliver -> ack-or-fail cycle. The
// actual transport (SMS gateway, WhatsApp API, SMTP relay) lives behind the
// Transport interface and is supplied by the embedding application.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"

	"github.com/motorhub/notifq/internal/metrics"
	"github.com/motorhub/notifq/internal/queue"
)

// Transport delivers one envelope. The payload is interpreted entirely by
// the transport; the dispatcher only routes outcomes back into the queue.
type Transport interface {
	Deliver(ctx context.Context, env *queue.Envelope) error
}

// TransportFunc adapts a function to the Transport interface.
type TransportFunc func(ctx context.Context, env *queue.Envelope) error

// Deliver calls f.
func (f TransportFunc) Deliver(ctx context.Context, env *queue.Envelope) error {
	return f(ctx, env)
}

// Config holds the dispatcher tunables.
type Config struct {
	// Tenants and Channels define the (tenant, channel) loops to run.
	// Empty slices default to the default tenant and all channels.
	Tenants  []string
	Channels []queue.Channel

	// PollInterval is the sleep between polls of an empty queue
	PollInterval time.Duration
	// DeliveryTimeout bounds each transport call
	DeliveryTimeout time.Duration
	// BatchLimit caps how many messages one tick drains per channel
	BatchLimit int

	// Circuit breaker settings, applied per channel
	BreakerMaxRequests uint32
	BreakerInterval    time.Duration
	BreakerTimeout     time.Duration
}

// DefaultConfig returns the dispatcher defaults.
func DefaultConfig() Config {
	return Config{
		Tenants:            []string{queue.DefaultTenant},
		Channels:           queue.Channels,
		PollInterval:       5 * time.Second,
		DeliveryTimeout:    30 * time.Second,
		BatchLimit:         50,
		BreakerMaxRequests: 5,
		BreakerInterval:    time.Minute,
		BreakerTimeout:     30 * time.Second,
	}
}

// Dispatcher polls each (tenant, channel) queue and pushes eligible
// envelopes through the transport. Transport calls run behind a per-channel
// circuit breaker; while a breaker is open, deliveries fail fast and the
// affected messages take the normal retry path.
type Dispatcher struct {
	manager   *queue.Manager
	transport Transport
	config    Config
	logger    *slog.Logger
	breakers  map[queue.Channel]*gobreaker.CircuitBreaker

	cancel context.CancelFunc
	group  *errgroup.Group
}

// New creates a dispatcher.
func New(manager *queue.Manager, transport Transport, config Config) *Dispatcher {
	if len(config.Tenants) == 0 {
		config.Tenants = []string{queue.DefaultTenant}
	}
	if len(config.Channels) == 0 {
		config.Channels = queue.Channels
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 5 * time.Second
	}
	if config.DeliveryTimeout <= 0 {
		config.DeliveryTimeout = 30 * time.Second
	}
	if config.BatchLimit <= 0 {
		config.BatchLimit = 50
	}
	if config.BreakerMaxRequests == 0 {
		config.BreakerMaxRequests = 5
	}
	if config.BreakerInterval <= 0 {
		config.BreakerInterval = time.Minute
	}
	if config.BreakerTimeout <= 0 {
		config.BreakerTimeout = 30 * time.Second
	}

	logger := slog.Default().With("component", "dispatcher")

	breakers := make(map[queue.Channel]*gobreaker.CircuitBreaker, len(config.Channels))
	for _, channel := range config.Channels {
		channel := channel
		breakers[channel] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        fmt.Sprintf("transport-%s", channel),
			MaxRequests: config.BreakerMaxRequests,
			Interval:    config.BreakerInterval,
			Timeout:     config.BreakerTimeout,
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("transport breaker state changed",
					"breaker", name,
					"from", from.String(),
					"to", to.String())
			},
		})
	}

	return &Dispatcher{
		manager:   manager,
		transport: transport,
		config:    config,
		logger:    logger,
		breakers:  breakers,
	}
}

// Start launches one polling loop per (tenant, channel).
func (d *Dispatcher) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.group, ctx = errgroup.WithContext(ctx)

	d.logger.Info("starting dispatcher",
		"tenants", d.config.Tenants,
		"channels", len(d.config.Channels),
		"poll_interval", d.config.PollInterval)

	for _, tenant := range d.config.Tenants {
		for _, channel := range d.config.Channels {
			tenant, channel := tenant, channel
			d.group.Go(func() error {
				d.pollLoop(ctx, tenant, channel)
				return nil
			})
		}
	}
}

// Stop halts all polling loops and waits for in-flight deliveries.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	if d.group != nil {
		_ = d.group.Wait()
	}
	d.logger.Info("dispatcher stopped")
}

func (d *Dispatcher) pollLoop(ctx context.Context, tenant string, channel queue.Channel) {
	ticker := time.NewTicker(d.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.RunOnce(ctx, tenant, channel); err != nil {
				// Store trouble: back off for a tick instead of crashing the loop
				d.logger.Error("dispatch cycle failed",
					"tenant", tenant,
					"channel", channel,
					"error", err)
			}
		}
	}
}

// RunOnce drains eligible messages for one (tenant, channel) pair, up to the
// batch limit, and returns how many deliveries were attempted.
func (d *Dispatcher) RunOnce(ctx context.Context, tenant string, channel queue.Channel) (int, error) {
	attempted := 0
	for attempted < d.config.BatchLimit {
		if ctx.Err() != nil {
			return attempted, ctx.Err()
		}

		env, err := d.manager.Dequeue(ctx, tenant, channel)
		if err != nil {
			return attempted, err
		}
		if env == nil {
			return attempted, nil
		}

		attempted++
		d.deliver(ctx, env)
	}
	return attempted, nil
}

func (d *Dispatcher) deliver(ctx context.Context, env *queue.Envelope) {
	logger := d.logger.With(
		"message_id", env.ID,
		"tenant", env.TenantID,
		"channel", env.Channel,
		"retry_count", env.RetryCount,
	)

	deliverCtx, cancel := context.WithTimeout(ctx, d.config.DeliveryTimeout)
	defer cancel()

	start := time.Now()
	_, err := d.breakers[env.Channel].Execute(func() (interface{}, error) {
		return nil, d.transport.Deliver(deliverCtx, env)
	})
	elapsed := time.Since(start)

	if err == nil {
		metrics.ObserveDelivery(string(env.Channel), "delivered", elapsed)
		if ackErr := d.manager.Ack(ctx, env.TenantID, env.ID); ackErr != nil {
			if errors.Is(ackErr, queue.ErrEnvelopeNotFound) {
				// Already cleaned up, nothing left to record
				logger.Debug("ack on missing envelope ignored")
				return
			}
			logger.Error("failed to ack delivered message", "error", ackErr)
			return
		}
		logger.Debug("message delivered", "duration_ms", elapsed.Milliseconds())
		return
	}

	metrics.ObserveDelivery(string(env.Channel), "failed", elapsed)

	retriable, failErr := d.manager.Fail(ctx, env.TenantID, env.ID, err)
	if failErr != nil {
		if errors.Is(failErr, queue.ErrEnvelopeNotFound) {
			logger.Debug("fail on missing envelope ignored")
			return
		}
		logger.Error("failed to record delivery failure", "error", failErr)
		return
	}

	if retriable {
		logger.Info("delivery failed, will retry", "error", err)
	} else {
		logger.Warn("delivery failed permanently, dead-lettered", "error", err)
	}
}
