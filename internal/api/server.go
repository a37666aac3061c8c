// Package api exposes the operational HTTP surface: health, statistics,
// dead letter inspection and recovery, and retention cleanup. Producers and
// workers do not go through this API; they use the queue manager directly.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/motorhub/notifq/internal/queue"
	"github.com/motorhub/notifq/internal/ratelimit"
)

// Config holds API server settings.
type Config struct {
	Enabled    bool
	ListenAddr string
}

// Server is the ops API server.
type Server struct {
	config     Config
	manager    *queue.Manager
	limiter    ratelimit.Limiter
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates an API server over the given queue manager.
func NewServer(config Config, manager *queue.Manager) *Server {
	s := &Server{
		config:  config,
		manager: manager,
		logger:  slog.Default().With("component", "api"),
	}

	s.httpServer = &http.Server{
		Addr:         config.ListenAddr,
		Handler:      s.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// SetLimiter attaches the rate limiter used by the enqueue endpoint's
// pre-check. Must be called before Router/Start.
func (s *Server) SetLimiter(limiter ratelimit.Limiter) {
	s.limiter = limiter
	s.httpServer.Handler = s.Router()
}

// Router builds the route table. Exposed separately so tests can drive the
// handlers without a listener.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/stats", s.handleStats).Methods("GET")
	api.HandleFunc("/tenants/{tenant}/messages", s.handleEnqueue).Methods("POST")
	api.HandleFunc("/tenants/{tenant}/deadletter", s.handleDeadLetters).Methods("GET")
	api.HandleFunc("/tenants/{tenant}/deadletter/recover", s.handleRecoverDeadLetters).Methods("POST")
	api.HandleFunc("/tenants/{tenant}/deadletter/{index:[0-9]+}/requeue", s.handleRequeueDeadLetter).Methods("POST")
	api.HandleFunc("/tenants/{tenant}/cleanup", s.handleCleanup).Methods("POST")

	return r
}

// Start begins serving. Returns immediately; errors are logged.
func (s *Server) Start() {
	go func() {
		s.logger.Info("api server listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("api server failed", "error", err)
		}
	}()
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.Store().Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type enqueueRequest struct {
	Channel      string          `json:"channel"`
	Payload      json.RawMessage `json:"payload"`
	Priority     int             `json:"priority,omitempty"`
	DelaySeconds int             `json:"delay_seconds,omitempty"`
	Recipient    string          `json:"recipient,omitempty"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	tenant := mux.Vars(r)["tenant"]

	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	// Reject malformed requests before the rate limit check so they never
	// consume send budget
	channel := queue.Channel(req.Channel)
	if !channel.Valid() {
		writeError(w, http.StatusBadRequest, "unknown channel "+req.Channel)
		return
	}
	if len(req.Payload) == 0 {
		writeError(w, http.StatusBadRequest, "payload must not be empty")
		return
	}

	// Regulatory pre-check: a rejected recipient never enters the queue
	if s.limiter != nil && req.Recipient != "" {
		allowed, err := s.limiter.Allow(r.Context(), req.Channel, req.Recipient)
		if err != nil {
			s.logger.Error("rate limit check failed", "error", err)
			writeError(w, http.StatusInternalServerError, "rate limit check failed")
			return
		}
		if !allowed {
			writeError(w, http.StatusTooManyRequests, "hourly send limit reached for recipient")
			return
		}
	}

	id, err := s.manager.Enqueue(r.Context(), tenant, channel, req.Payload, queue.EnqueueOptions{
		Priority:  queue.Priority(req.Priority),
		Delay:     time.Duration(req.DelaySeconds) * time.Second,
		Recipient: req.Recipient,
	})
	if err != nil {
		switch {
		case errors.Is(err, queue.ErrInvalidChannel):
			writeError(w, http.StatusBadRequest, "unknown channel "+req.Channel)
		case errors.Is(err, queue.ErrInvalidPayload):
			writeError(w, http.StatusBadRequest, "payload must not be empty")
		case errors.Is(err, queue.ErrStoreUnavailable):
			writeError(w, http.StatusServiceUnavailable, "backing store unavailable")
		default:
			s.logger.Error("enqueue failed", "tenant", tenant, "error", err)
			writeError(w, http.StatusInternalServerError, "enqueue failed")
		}
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	tenant := r.URL.Query().Get("tenant")

	stats, err := s.manager.Stats(r.Context(), tenant)
	if err != nil {
		s.logger.Error("stats request failed", "tenant", tenant, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to collect statistics")
		return
	}

	// Optional single-channel filter
	if channel := r.URL.Query().Get("channel"); channel != "" {
		ch := queue.Channel(channel)
		if !ch.Valid() {
			writeError(w, http.StatusBadRequest, "unknown channel "+channel)
			return
		}
		stats.Channels = map[queue.Channel]queue.ChannelStats{ch: stats.Channels[ch]}
	}

	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	tenant := mux.Vars(r)["tenant"]

	limit := int64(100)
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	envs, err := s.manager.DeadLetterMessages(r.Context(), tenant, limit)
	if err != nil {
		s.logger.Error("dead letter list failed", "tenant", tenant, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list dead letters")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tenant":   tenant,
		"count":    len(envs),
		"messages": envs,
	})
}

func (s *Server) handleRequeueDeadLetter(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	tenant := vars["tenant"]

	index, err := strconv.ParseInt(vars["index"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid index")
		return
	}

	ok, err := s.manager.RequeueDeadLetter(r.Context(), tenant, index)
	if err != nil {
		s.logger.Error("dead letter requeue failed", "tenant", tenant, "index", index, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to requeue dead letter")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "no dead letter at that index")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"requeued": true,
		"index":    index,
	})
}

func (s *Server) handleRecoverDeadLetters(w http.ResponseWriter, r *http.Request) {
	tenant := mux.Vars(r)["tenant"]

	maxAge := 24 * time.Hour
	if raw := r.URL.Query().Get("max_age_hours"); raw != "" {
		hours, err := strconv.Atoi(raw)
		if err != nil || hours < 1 {
			writeError(w, http.StatusBadRequest, "max_age_hours must be a positive integer")
			return
		}
		maxAge = time.Duration(hours) * time.Hour
	}

	requeued, err := s.manager.RecoverDeadLetters(r.Context(), tenant, maxAge)
	if err != nil {
		s.logger.Error("dead letter recovery failed", "tenant", tenant, "error", err)
		writeError(w, http.StatusInternalServerError, "recovery pass failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"requeued": requeued,
	})
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	tenant := mux.Vars(r)["tenant"]

	days := 7
	if raw := r.URL.Query().Get("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "days must be a positive integer")
			return
		}
		days = n
	}

	deleted, err := s.manager.CleanupOldMessages(r.Context(), tenant, time.Duration(days)*24*time.Hour)
	if err != nil {
		if errors.Is(err, queue.ErrStoreUnavailable) {
			writeError(w, http.StatusServiceUnavailable, "backing store unavailable")
			return
		}
		s.logger.Error("cleanup failed", "tenant", tenant, "error", err)
		writeError(w, http.StatusInternalServerError, "cleanup failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"deleted": deleted,
	})
}
