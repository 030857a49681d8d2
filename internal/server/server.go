// Package server exposes a read-only HTTP view of a tracker campaign:
// health endpoints, version, Prometheus metrics and the status table.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/graspatracker/internal/errors"
	"github.com/3leaps/graspatracker/internal/observability"
	"github.com/3leaps/graspatracker/internal/server/handlers"
	"github.com/3leaps/graspatracker/internal/server/middleware"
)

// Timeouts bound the HTTP server. Zero values take the defaults.
type Timeouts struct {
	Read     time.Duration
	Write    time.Duration
	Idle     time.Duration
	Shutdown time.Duration
}

// Server is the tracker's HTTP server.
type Server struct {
	host     string
	port     int
	router   chi.Router
	http     *http.Server
	timeouts Timeouts
	logger   *zap.Logger

	version handlers.VersionInfo
	tracker *handlers.Tracker
	metrics *observability.Metrics
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the request logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithVersion sets the body of /version.
func WithVersion(v handlers.VersionInfo) Option {
	return func(s *Server) { s.version = v }
}

// WithTracker mounts the status API under /api/v1. historyDB may be nil.
func WithTracker(source handlers.TableSource, historyDB *sql.DB) Option {
	return func(s *Server) { s.tracker = handlers.NewTracker(source, historyDB) }
}

// WithMetrics mounts /metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

func WithTimeouts(t Timeouts) Option {
	return func(s *Server) {
		if t.Read > 0 {
			s.timeouts.Read = t.Read
		}
		if t.Write > 0 {
			s.timeouts.Write = t.Write
		}
		if t.Idle > 0 {
			s.timeouts.Idle = t.Idle
		}
		if t.Shutdown > 0 {
			s.timeouts.Shutdown = t.Shutdown
		}
	}
}

// New builds the router. Health routes use the process-wide manager set by
// handlers.InitHealthManager.
func New(host string, port int, opts ...Option) *Server {
	s := &Server{
		host: host,
		port: port,
		timeouts: Timeouts{
			Read:     30 * time.Second,
			Write:    30 * time.Second,
			Idle:     120 * time.Second,
			Shutdown: 10 * time.Second,
		},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.routes()
	s.http = &http.Server{
		Addr:         s.Addr(),
		Handler:      s.router,
		ReadTimeout:  s.timeouts.Read,
		WriteTimeout: s.timeouts.Write,
		IdleTimeout:  s.timeouts.Idle,
	}
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger(s.logger))
	r.Use(middleware.Recovery)

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		apperrors.RespondWithError(w, req, apperrors.NewNotFoundError("route "+req.URL.Path+" not found"))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		apperrors.RespondWithError(w, req, apperrors.NewMethodNotAllowedError(req.Method))
	})

	r.Get("/health", handlers.HealthHandler)
	r.Get("/health/live", handlers.LivenessHandler)
	r.Get("/health/ready", handlers.ReadinessHandler)
	r.Get("/health/startup", handlers.StartupHandler)
	r.Get("/version", handlers.VersionHandler(s.version))

	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}
	if s.tracker != nil {
		r.Route("/api/v1", s.tracker.Routes)
		if m := handlers.GetHealthManager(); m != nil {
			m.RegisterChecker("status_table", s.tracker)
		}
	}
	return r
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Port returns the configured port.
func (s *Server) Port() int {
	return s.port
}

// Addr returns host:port.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.host, strconv.Itoa(s.port))
}

// Start serves until Shutdown. It returns nil after a graceful shutdown.
func (s *Server) Start() error {
	s.logger.Info("HTTP server listening", zap.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen on %s: %w", s.http.Addr, err)
	}
	return nil
}

// Shutdown drains in-flight requests within the shutdown timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeouts.Shutdown)
	defer cancel()
	return s.http.Shutdown(ctx)
}
