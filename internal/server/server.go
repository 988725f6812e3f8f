// Package server wires the expvisor HTTP surface: health checks, version,
// metrics and the experiments API.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/expvisor/internal/errors"
	"github.com/3leaps/expvisor/internal/observability"
	"github.com/3leaps/expvisor/internal/server/handlers"
	"github.com/3leaps/expvisor/internal/server/middleware"
)

type Server struct {
	host   string
	port   int
	router chi.Router
	http   *http.Server
	log    *zap.Logger

	api          *handlers.ExperimentsAPI
	pprof        bool
	metrics      bool
	readTimeout  time.Duration
	writeTimeout time.Duration
	idleTimeout  time.Duration
}

type Option func(*Server)

// WithExperimentsAPI mounts api at /v1/experiments.
func WithExperimentsAPI(api *handlers.ExperimentsAPI) Option {
	return func(s *Server) { s.api = api }
}

// WithMetrics serves the observability registry at /metrics.
func WithMetrics(enabled bool) Option {
	return func(s *Server) { s.metrics = enabled }
}

// WithPprof mounts net/http/pprof under /debug.
func WithPprof(enabled bool) Option {
	return func(s *Server) { s.pprof = enabled }
}

func WithLogger(log *zap.Logger) Option {
	return func(s *Server) {
		if log != nil {
			s.log = log
		}
	}
}

func WithTimeouts(read, write, idle time.Duration) Option {
	return func(s *Server) {
		s.readTimeout, s.writeTimeout, s.idleTimeout = read, write, idle
	}
}

func New(host string, port int, opts ...Option) *Server {
	s := &Server{
		host:         host,
		port:         port,
		log:          observability.CLILogger,
		readTimeout:  30 * time.Second,
		writeTimeout: 30 * time.Second,
		idleTimeout:  120 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger(s.log))
	r.Use(middleware.ErrorHandler)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		apperrors.Write(w, r, http.StatusNotFound, "NOT_FOUND", "no route for "+r.URL.Path, nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		apperrors.Write(w, r, http.StatusMethodNotAllowed, apperrors.CodeMethodNotAllowed,
			r.Method+" not allowed on "+r.URL.Path, nil)
	})

	r.Get("/health", handlers.HealthHandler)
	r.Get("/health/live", handlers.LivenessHandler)
	r.Get("/health/ready", handlers.ReadinessHandler)
	r.Get("/health/startup", handlers.StartupHandler)
	r.Get("/version", handlers.VersionHandler)

	if s.metrics {
		r.Handle("/metrics", observability.MetricsHandler())
	}
	if s.pprof {
		r.Mount("/debug", chimw.Profiler())
	}
	if s.api != nil {
		r.Mount("/v1/experiments", s.api.Routes())
	}
	return r
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Port() int {
	return s.port
}

func (s *Server) Addr() string {
	return net.JoinHostPort(s.host, strconv.Itoa(s.port))
}

// Start serves until Shutdown. It returns nil after a clean shutdown.
func (s *Server) Start() error {
	s.http = &http.Server{
		Addr:              s.Addr(),
		Handler:           s.router,
		ReadTimeout:       s.readTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      s.writeTimeout,
		IdleTimeout:       s.idleTimeout,
	}
	s.log.Info("Starting HTTP server", zap.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	s.log.Info("Shutting down HTTP server")
	return s.http.Shutdown(ctx)
}
