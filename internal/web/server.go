package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/kozaktomas/photo-index/internal/config"
	"github.com/kozaktomas/photo-index/internal/engine"
	"github.com/kozaktomas/photo-index/internal/router"
	"github.com/kozaktomas/photo-index/internal/web/handlers"
	"github.com/kozaktomas/photo-index/internal/web/middleware"
	"go.uber.org/zap"
)

// Server represents the web server
type Server struct {
	config     *config.Config
	engine     *engine.Engine
	query      *router.Router
	log        *zap.Logger
	router     *chi.Mux
	httpServer *http.Server
	jobManager *handlers.JobManager
	limiter    *middleware.RateLimiter
}

// NewServer creates a new web server
func NewServer(cfg *config.Config, eng *engine.Engine, query *router.Router, log *zap.Logger) *Server {
	r := chi.NewRouter()

	s := &Server{
		config:     cfg,
		engine:     eng,
		query:      query,
		log:        log,
		router:     r,
		jobManager: handlers.NewJobManager(log.Named("jobs")),
	}
	if cfg.Web.RateLimit > 0 {
		s.limiter = middleware.NewRateLimiter(cfg.Web.RateLimit)
	}

	// Set up middleware stack
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.Web.AllowedOrigins))

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Web.Host, cfg.Web.Port),
		Handler:     r,
		ReadTimeout: 30 * time.Second,
		// No write timeout: job event streams stay open until the job ends.
		IdleTimeout: 60 * time.Second,
	}

	return s
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.log.Info("starting web server", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server and cancels running jobs
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down web server")
	err := s.httpServer.Shutdown(ctx)
	s.jobManager.Shutdown()
	if err != nil {
		return fmt.Errorf("shutting down server: %w", err)
	}
	return nil
}

// Router returns the chi router for testing
func (s *Server) Router() *chi.Mux {
	return s.router
}
