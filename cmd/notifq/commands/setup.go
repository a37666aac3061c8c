package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/motorhub/notifq/internal/config"
	"github.com/motorhub/notifq/internal/queue"
)

// newStore builds and connects the backing store selected by configuration.
func newStore(ctx context.Context, cfg *config.Config) (queue.Store, error) {
	var store queue.Store
	switch cfg.Store.Type {
	case "memory":
		store = queue.NewMemoryStore()
	default:
		store = queue.NewRedisStore(queue.RedisConfig{
			Host:     cfg.Store.Host,
			Port:     cfg.Store.Port,
			Password: cfg.Store.Password,
			Database: cfg.Store.Database,
			Prefix:   cfg.Store.Prefix,
			StatsTTL: time.Duration(cfg.Queue.StatsTTLDays) * 24 * time.Hour,
		})
	}

	if err := store.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect to %s store: %w", cfg.Store.Type, err)
	}
	return store, nil
}

// newManager builds a queue manager from configuration.
func newManager(store queue.Store, cfg *config.Config) *queue.Manager {
	return queue.NewManager(store, queue.Config{
		MaxRetries:  cfg.Queue.MaxRetries,
		BackoffBase: time.Duration(cfg.Queue.BackoffBaseSeconds) * time.Second,
		MediumDelay: time.Duration(cfg.Queue.MediumDelayMinutes) * time.Minute,
		LowDelay:    time.Duration(cfg.Queue.LowDelayMinutes) * time.Minute,
	})
}
