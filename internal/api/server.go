package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/busybox42/elemta-outbound/internal/delivery"
	"github.com/busybox42/elemta-outbound/internal/metrics"
	"github.com/busybox42/elemta-outbound/internal/queue"
)

// Config represents API server configuration
type Config struct {
	Enabled    bool            `toml:"enabled" json:"enabled"`
	ListenAddr string          `toml:"listen_addr" json:"listen_addr"`
	RateLimit  RateLimitConfig `toml:"rate_limit" json:"rate_limit"`
}

// WorkerStats reports worker pool counters
type WorkerStats interface {
	Stats() queue.PoolStats
}

// ResolverStats reports resolver cache counters
type ResolverStats interface {
	Stats() delivery.ResolverStats
}

// MetricsStore serves the shared delivery counters
type MetricsStore interface {
	GetMetrics(ctx context.Context) (*metrics.DeliveryMetrics, error)
	GetHourlyStats(ctx context.Context) ([]metrics.HourlyStats, error)
	GetRecentErrors(ctx context.Context, limit int64) ([]metrics.RecentError, error)
}

// Dependencies are the components the API reads from. Only Queue is required.
type Dependencies struct {
	Queue    *queue.Queue
	Workers  WorkerStats
	Resolver ResolverStats
	Metrics  MetricsStore
}

// Server is the read-only ops API of the outbound queue
type Server struct {
	config      Config
	deps        Dependencies
	logger      *slog.Logger
	rateLimiter *RateLimitMiddleware
	startedAt   time.Time

	mu         sync.Mutex
	httpServer *http.Server
	listener   net.Listener
}

// NewServer creates a new API server
func NewServer(config Config, deps Dependencies) (*Server, error) {
	if !config.Enabled {
		return nil, fmt.Errorf("API server disabled in configuration")
	}
	if deps.Queue == nil {
		return nil, fmt.Errorf("API server requires a queue")
	}
	if config.ListenAddr == "" {
		config.ListenAddr = "127.0.0.1:8025"
	}

	return &Server{
		config:      config,
		deps:        deps,
		logger:      slog.Default().With("component", "api"),
		rateLimiter: NewRateLimitMiddleware(config.RateLimit),
		startedAt:   time.Now(),
	}, nil
}

// Router builds the HTTP routes
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(LoggingMiddleware)

	r.HandleFunc("/healthz", s.handleHealthz).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	api := r.PathPrefix("/api").Subrouter()
	api.Use(s.rateLimiter.Limit)
	api.HandleFunc("/health", s.handleHealthStats).Methods("GET")
	api.HandleFunc("/logging/level", s.HandleGetLogLevel).Methods("GET")

	// Fixed paths before {id}
	api.HandleFunc("/queue", s.handleListQueue).Methods("GET")
	api.HandleFunc("/queue/stats", s.handleQueueStats).Methods("GET")
	api.HandleFunc("/queue/empty", s.handleQueueEmpty).Methods("GET")
	api.HandleFunc("/queue/{id}", s.handleGetMessage).Methods("GET")

	api.HandleFunc("/workers", s.handleWorkers).Methods("GET")
	api.HandleFunc("/resolver", s.handleResolver).Methods("GET")
	api.HandleFunc("/stats/delivery", s.handleDeliveryStats).Methods("GET")

	return r
}

// Start listens and serves in the background
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.ListenAddr, err)
	}

	srv := &http.Server{
		Handler:      s.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	s.mu.Lock()
	s.httpServer = srv
	s.listener = ln
	s.mu.Unlock()

	go func() {
		s.logger.Info("Starting API server", "listen_addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound address once started
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop stops the API server
func (s *Server) Stop() error {
	s.rateLimiter.Stop()

	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

// handleListQueue lists messages, optionally filtered by status or account
func (s *Server) handleListQueue(w http.ResponseWriter, r *http.Request) {
	var (
		status    queue.Status
		accountID *uint32
	)
	if v := r.URL.Query().Get("status"); v != "" {
		st, err := queue.ParseStatus(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		status = st
	}
	if v := r.URL.Query().Get("account"); v != "" {
		id, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid account id")
			return
		}
		a := uint32(id)
		accountID = &a
	}

	messages, err := s.deps.Queue.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	out := make([]*queue.Message, 0, len(messages))
	for _, msg := range messages {
		if accountID != nil && msg.AccountID != *accountID {
			continue
		}
		if status != "" && !hasStatus(msg, status) {
			continue
		}
		out = append(out, msg)
	}
	writeJSON(w, out)
}

func hasStatus(msg *queue.Message, status queue.Status) bool {
	for _, r := range msg.Recipients {
		if r.Status == status {
			return true
		}
	}
	return false
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Queue.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, stats)
}

// handleQueueEmpty reports whether any entry is still pending, in flight or
// waiting for a retry, for the whole queue or one account
func (s *Server) handleQueueEmpty(w http.ResponseWriter, r *http.Request) {
	var err error
	if v := r.URL.Query().Get("account"); v != "" {
		id, perr := strconv.ParseUint(v, 10, 32)
		if perr != nil {
			writeError(w, http.StatusBadRequest, "invalid account id")
			return
		}
		err = s.deps.Queue.AssertAccountEmpty(r.Context(), uint32(id))
	} else {
		err = s.deps.Queue.AssertEmpty(r.Context())
	}

	switch {
	case err == nil:
		writeJSON(w, map[string]bool{"empty": true})
	case errors.Is(err, queue.ErrNotEmpty):
		writeJSON(w, map[string]bool{"empty": false})
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// handleGetMessage returns a message; format=raw returns its content
func (s *Server) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	msg, err := s.deps.Queue.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, queue.ErrNotFound) {
			writeError(w, http.StatusNotFound, "message not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if r.URL.Query().Get("format") != "raw" {
		writeJSON(w, msg)
		return
	}

	content, err := s.deps.Queue.Content(r.Context(), id)
	if err != nil {
		s.logger.Warn("Failed to read message content", "message_id", id, "error", err)
		if errors.Is(err, queue.ErrBlobNotFound) || errors.Is(err, queue.ErrNotFound) {
			writeError(w, http.StatusNotFound, "message content not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "message/rfc822")
	_, _ = w.Write(content)
}

func (s *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	if s.deps.Workers == nil {
		writeError(w, http.StatusServiceUnavailable, "no workers in this process")
		return
	}
	writeJSON(w, s.deps.Workers.Stats())
}

func (s *Server) handleResolver(w http.ResponseWriter, r *http.Request) {
	if s.deps.Resolver == nil {
		writeError(w, http.StatusServiceUnavailable, "no resolver in this process")
		return
	}
	writeJSON(w, s.deps.Resolver.Stats())
}

// DeliveryStats combines the shared counters with recent errors
type DeliveryStats struct {
	Totals       *metrics.DeliveryMetrics `json:"totals"`
	Hourly       []metrics.HourlyStats    `json:"hourly"`
	RecentErrors []metrics.RecentError    `json:"recent_errors"`
}

func (s *Server) handleDeliveryStats(w http.ResponseWriter, r *http.Request) {
	if s.deps.Metrics == nil {
		writeError(w, http.StatusServiceUnavailable, "metrics store not configured")
		return
	}

	limit := int64(20)
	if v := r.URL.Query().Get("errors"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 1 || n > 100 {
			writeError(w, http.StatusBadRequest, "errors must be between 1 and 100")
			return
		}
		limit = n
	}

	ctx := r.Context()
	totals, err := s.deps.Metrics.GetMetrics(ctx)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	hourly, err := s.deps.Metrics.GetHourlyStats(ctx)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	recent, err := s.deps.Metrics.GetRecentErrors(ctx, limit)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, DeliveryStats{Totals: totals, Hourly: hourly, RecentErrors: recent})
}

func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, fmt.Sprintf("Error encoding JSON: %v", err), http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
