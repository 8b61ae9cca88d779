// Package server provides the client-facing HTTP API.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/grainsearch/grain-search/internal/metrics"
	"github.com/grainsearch/grain-search/internal/observability"
	"github.com/grainsearch/grain-search/internal/pkg/logger"
	"github.com/grainsearch/grain-search/internal/pkg/middleware"
	"github.com/grainsearch/grain-search/internal/search"
)

// Searcher executes queries. The root coordinator is the production
// implementation.
type Searcher interface {
	Search(ctx context.Context, indexID string, req *search.Request) (*search.Response, error)
}

// Config configures the HTTP server.
type Config struct {
	// Host is the address to bind to.
	Host string

	// Port is the HTTP port.
	Port int

	// Version is the application version.
	Version string

	// RateLimit caps client requests per second per IP (0 disables).
	RateLimit int

	// MetricsEnabled exposes /metrics when true.
	MetricsEnabled bool

	// ReadTimeout is the HTTP read timeout.
	ReadTimeout time.Duration

	// WriteTimeout is the HTTP write timeout.
	WriteTimeout time.Duration

	// ShutdownTimeout is the graceful shutdown timeout.
	ShutdownTimeout time.Duration
}

// DefaultConfig returns sensible server defaults.
func DefaultConfig() Config {
	return Config{
		Host:            "0.0.0.0",
		Port:            7280,
		Version:         "dev",
		MetricsEnabled:  true,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    60 * time.Second,
		ShutdownTimeout: 30 * time.Second,
	}
}

// Server is the client API server.
type Server struct {
	cfg      Config
	log      *logger.Logger
	searcher Searcher
	queries  *observability.Service
	limiter  *middleware.RateLimiter

	httpServer *http.Server

	mu      sync.RWMutex
	started bool
}

// New creates a server around the given searcher.
func New(cfg Config, searcher Searcher, log *logger.Logger) *Server {
	if cfg.Port == 0 {
		cfg = DefaultConfig()
	}
	if log == nil {
		log = logger.Default()
	}
	s := &Server{cfg: cfg, searcher: searcher, log: log}
	if cfg.RateLimit > 0 {
		s.limiter = middleware.NewRateLimiter(middleware.RateLimiterConfig{
			RequestsPerSecond: float64(cfg.RateLimit),
			Burst:             2 * cfg.RateLimit,
			CleanupInterval:   time.Minute,
		})
	}
	return s
}

// SetQueryLog exposes a query log through the API.
func (s *Server) SetQueryLog(queries *observability.Service) {
	s.queries = queries
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("server already started")
	}
	s.started = true
	s.mu.Unlock()

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	s.log.Info("starting HTTP server", "addr", addr)
	return s.httpServer.ListenAndServe()
}

// Stop gracefully stops the server.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return nil
	}
	s.log.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.log.Error("HTTP shutdown error", "error", err)
	}

	s.started = false
	return nil
}

// Handler builds the full route and middleware stack.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/indexes/{index}/search", s.handleSearch)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	if s.queries != nil {
		mux.HandleFunc("GET /v1/queries/recent", s.handleRecentQueries)
		mux.HandleFunc("GET /v1/queries/summary", s.handleQuerySummary)
	}
	if s.cfg.MetricsEnabled {
		mux.Handle("GET /metrics", promhttp.Handler())
	}

	var handler http.Handler = mux
	handler = s.logRequests(handler)
	handler = metrics.Middleware()(handler)
	if s.limiter != nil {
		handler = s.limiter.Middleware(handler)
	}
	handler = middleware.RequestID(handler)
	return handler
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		s.log.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"duration", time.Since(start),
		)
	})
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (w *responseWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Health reports whether the server has started.
func (s *Server) Health() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.started
}
