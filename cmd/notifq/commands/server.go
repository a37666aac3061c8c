package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/motorhub/notifq/internal/api"
	"github.com/motorhub/notifq/internal/archive"
	"github.com/motorhub/notifq/internal/config"
	"github.com/motorhub/notifq/internal/dispatch"
	"github.com/motorhub/notifq/internal/metrics"
	"github.com/motorhub/notifq/internal/queue"
	"github.com/motorhub/notifq/internal/ratelimit"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the queue workers, reaper, and ops API",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
}

func runServer() error {
	logger := slog.Default().With("component", "server")
	ctx := context.Background()

	store, err := newStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	manager := newManager(store, cfg)

	// Audit archive for purged envelopes
	if cfg.Archive.Enabled {
		arch, err := archive.Open(ctx, archive.Config{
			Driver: cfg.Archive.Driver,
			DSN:    cfg.Archive.DSN,
			Table:  cfg.Archive.Table,
		})
		if err != nil {
			return fmt.Errorf("open archive: %w", err)
		}
		defer arch.Close()
		manager.SetArchiver(arch)
	}

	limiter, err := newLimiter(store, cfg)
	if err != nil {
		return err
	}

	// Metrics endpoint
	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewServer(cfg.Metrics.ListenAddr)
		metricsServer.Start()
	}

	// Ops API
	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer = api.NewServer(api.Config{
			Enabled:    true,
			ListenAddr: cfg.API.ListenAddr,
		}, manager)
		apiServer.SetLimiter(limiter)
		apiServer.Start()
	}

	// Reaper for stuck and orphaned envelopes
	var reaper *queue.Reaper
	if cfg.Reaper.Enabled {
		reaper = queue.NewReaper(manager, queue.ReaperConfig{
			Interval:       time.Duration(cfg.Reaper.IntervalSeconds) * time.Second,
			StuckThreshold: time.Duration(cfg.Reaper.StuckThresholdMinutes) * time.Minute,
			Tenants:        cfg.Dispatch.Tenants,
		})
		reaper.Start()
	}

	// Delivery workers
	var dispatcher *dispatch.Dispatcher
	if cfg.Dispatch.Enabled {
		if cfg.Dispatch.WebhookURL == "" && len(cfg.Dispatch.ChannelWebhooks) == 0 {
			return fmt.Errorf("dispatch enabled but no webhook endpoints configured")
		}

		urls := make(map[queue.Channel]string, len(cfg.Dispatch.ChannelWebhooks))
		for name, url := range cfg.Dispatch.ChannelWebhooks {
			channel := queue.Channel(name)
			if !channel.Valid() {
				return fmt.Errorf("unknown channel %q in channel_webhooks", name)
			}
			urls[channel] = url
		}

		transport := dispatch.NewWebhookTransport(cfg.Dispatch.WebhookURL, urls)
		dispatcher = dispatch.New(manager, transport, dispatch.Config{
			Tenants:            cfg.Dispatch.Tenants,
			PollInterval:       time.Duration(cfg.Dispatch.PollIntervalSeconds) * time.Second,
			DeliveryTimeout:    time.Duration(cfg.Dispatch.DeliveryTimeoutSecs) * time.Second,
			BatchLimit:         cfg.Dispatch.BatchLimit,
			BreakerMaxRequests: cfg.Dispatch.BreakerMaxRequests,
			BreakerInterval:    time.Duration(cfg.Dispatch.BreakerIntervalSeconds) * time.Second,
			BreakerTimeout:     time.Duration(cfg.Dispatch.BreakerTimeoutSeconds) * time.Second,
		})
		dispatcher.Start()
	}

	// Retention cleanup loop
	cleanupStop := make(chan struct{})
	if cfg.Cleanup.Enabled {
		go runCleanupLoop(manager, cfg, cleanupStop)
	}

	logger.Info("notifq server started",
		"store", cfg.Store.Type,
		"tenants", cfg.Dispatch.Tenants,
		"api", cfg.API.Enabled,
		"metrics", cfg.Metrics.Enabled)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutting down", "signal", sig.String())

	close(cleanupStop)
	if dispatcher != nil {
		dispatcher.Stop()
	}
	if reaper != nil {
		reaper.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if apiServer != nil {
		if err := apiServer.Stop(shutdownCtx); err != nil {
			logger.Warn("api shutdown failed", "error", err)
		}
	}
	if metricsServer != nil {
		if err := metricsServer.Stop(shutdownCtx); err != nil {
			logger.Warn("metrics shutdown failed", "error", err)
		}
	}

	return nil
}

// newLimiter builds the rate limiter backend selected by configuration,
// always wrapped in the fail-open policy.
func newLimiter(store queue.Store, cfg *config.Config) (ratelimit.Limiter, error) {
	rlConfig := ratelimit.Config{HourlyCap: cfg.RateLimit.HourlyCap}

	var base ratelimit.Limiter
	switch cfg.RateLimit.Backend {
	case "memory":
		base = ratelimit.NewMemoryLimiter(rlConfig)
	case "memcache":
		base = ratelimit.NewMemcacheLimiter(rlConfig, cfg.RateLimit.MemcacheAddrs...)
	case "redis":
		rs, ok := store.(*queue.RedisStore)
		if !ok {
			return nil, fmt.Errorf("rate limit backend redis requires the redis store")
		}
		base = ratelimit.NewRedisLimiter(rs.Client(), rlConfig)
	default:
		return nil, fmt.Errorf("unknown rate limit backend %q", cfg.RateLimit.Backend)
	}

	return ratelimit.NewFailOpen(base), nil
}

func runCleanupLoop(manager *queue.Manager, cfg *config.Config, stop <-chan struct{}) {
	logger := slog.Default().With("component", "cleanup")

	// NewTicker panics on a non-positive interval
	interval := time.Duration(cfg.Cleanup.IntervalHours) * time.Hour
	if interval <= 0 {
		interval = time.Hour
	}
	retention := time.Duration(cfg.Cleanup.RetentionDays) * 24 * time.Hour
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			for _, tenant := range cfg.Dispatch.Tenants {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
				deleted, err := manager.CleanupOldMessages(ctx, tenant, retention)
				cancel()
				if err != nil {
					logger.Error("cleanup failed", "tenant", tenant, "error", err)
				} else if deleted > 0 {
					logger.Info("cleanup completed", "tenant", tenant, "deleted", deleted)
				}
			}
		}
	}
}
