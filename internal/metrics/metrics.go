// Package metrics exposes Prometheus instrumentation for the dispatch queue.
package metrics

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	enqueuedCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifq_messages_enqueued_total",
			Help: "Total number of messages accepted into the queue",
		},
		[]string{"tenant", "channel"},
	)

	dequeuedCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifq_messages_dequeued_total",
			Help: "Total number of messages handed to workers",
		},
		[]string{"tenant", "channel"},
	)

	completedCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifq_messages_completed_total",
			Help: "Total number of messages confirmed delivered",
		},
		[]string{"tenant", "channel"},
	)

	retriedCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifq_messages_retried_total",
			Help: "Total number of messages rescheduled after a failure",
		},
		[]string{"tenant", "channel"},
	)

	deadLetterCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifq_messages_dead_lettered_total",
			Help: "Total number of messages that exhausted their retry budget",
		},
		[]string{"tenant", "channel"},
	)

	reapedCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifq_messages_reaped_total",
			Help: "Total number of stuck envelopes reclaimed from crashed workers",
		},
		[]string{"tenant", "channel"},
	)

	rateLimitedCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifq_rate_limited_total",
			Help: "Total number of sends rejected by the per-recipient rate limiter",
		},
		[]string{"channel"},
	)

	queueDepthGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "notifq_queue_depth",
			Help: "Current number of pending messages per channel queue",
		},
		[]string{"tenant", "channel"},
	)

	deliveryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "notifq_delivery_duration_seconds",
			Help:    "Time spent in the transport delivery call",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"channel", "outcome"},
	)
)

// RecordEnqueued increments the enqueued counter.
func RecordEnqueued(tenant, channel string) {
	enqueuedCounter.WithLabelValues(tenant, channel).Inc()
}

// RecordDequeued increments the dequeued counter.
func RecordDequeued(tenant, channel string) {
	dequeuedCounter.WithLabelValues(tenant, channel).Inc()
}

// RecordCompleted increments the completed counter.
func RecordCompleted(tenant, channel string) {
	completedCounter.WithLabelValues(tenant, channel).Inc()
}

// RecordRetried increments the retried counter.
func RecordRetried(tenant, channel string) {
	retriedCounter.WithLabelValues(tenant, channel).Inc()
}

// RecordDeadLettered increments the dead letter counter.
func RecordDeadLettered(tenant, channel string) {
	deadLetterCounter.WithLabelValues(tenant, channel).Inc()
}

// RecordReaped increments the reclaimed envelope counter.
func RecordReaped(tenant, channel string) {
	reapedCounter.WithLabelValues(tenant, channel).Inc()
}

// RecordRateLimited increments the rejected send counter.
func RecordRateLimited(channel string) {
	rateLimitedCounter.WithLabelValues(channel).Inc()
}

// SetQueueDepth records the live queue depth for a channel.
func SetQueueDepth(tenant, channel string, depth int64) {
	queueDepthGauge.WithLabelValues(tenant, channel).Set(float64(depth))
}

// ObserveDelivery records a transport call duration with its outcome
// ("delivered" or "failed").
func ObserveDelivery(channel, outcome string, d time.Duration) {
	deliveryDuration.WithLabelValues(channel, outcome).Observe(d.Seconds())
}

// Server exposes the Prometheus scrape endpoint.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates a metrics server on the given address.
func NewServer(addr string) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	return &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		logger: slog.Default().With("component", "metrics"),
	}
}

// Start serves the scrape endpoint until Stop is called.
func (s *Server) Start() {
	go func() {
		s.logger.Info("metrics server listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("metrics server failed", "error", err)
		}
	}()
}

// Stop shuts the scrape endpoint down.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
