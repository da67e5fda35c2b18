// Package api exposes the job engine as JSON over HTTP.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/kiln/internal/engine"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	writeTimeout      = 30 * time.Second
)

// Server wraps the chi router and application dependencies.
type Server struct {
	router  *chi.Mux
	engine  *engine.Engine
	logger  *slog.Logger
	addr    string
	metrics *httpMetrics

	// stopRequests carries the grace period of a POST /v1/stop to Run.
	stopRequests chan time.Duration
}

// NewServer creates and configures a new HTTP server. Empty corsOrigins
// allows every origin.
func NewServer(addr string, eng *engine.Engine, logger *slog.Logger, corsOrigins []string) *Server {
	srv := &Server{
		router:       chi.NewRouter(),
		engine:       eng,
		logger:       logger,
		addr:         addr,
		metrics:      newHTTPMetrics(prometheus.DefaultRegisterer),
		stopRequests: make(chan time.Duration, 1),
	}
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"*"}
	}

	srv.router.Use(middleware.RequestID)
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(srv.loggingMiddleware)
	srv.router.Use(srv.metricsMiddleware)
	srv.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	srv.routes()

	return srv
}

// routes registers all HTTP routes on the router.
func (s *Server) routes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Handle("/metrics", metricsHandler())

	s.router.Get("/v1/queue", s.handleGetQueue)
	s.router.Get("/v1/resources", s.handleGetResources)
	s.router.Get("/v1/block", s.handleGetBlock)
	s.router.Post("/v1/fetch", s.handleFetchByBody)
	s.router.Post("/v1/stop", s.handleStop)

	s.router.Route("/v1/jobs", func(r chi.Router) {
		r.Post("/", s.handleSubmit)
		r.Get("/{token}", s.handleFetch)
		r.Put("/{token}/config", s.handleUpdate)
		r.Delete("/{token}", s.handleDelete)
		r.Get("/{token}/events", s.handleStreamEvents)
	})
}

// Router returns the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Run starts the HTTP server and blocks until a shutdown signal or a stop
// request arrives, then stops the engine and the server.
func (s *Server) Run() error {
	httpServer := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", s.addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	grace := shutdownTimeout
	select {
	case sig := <-quit:
		s.logger.Info("shutting down", "signal", sig.String())
	case grace = <-s.stopRequests:
		s.logger.Info("shutting down", "reason", "stop requested", "grace", grace)
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	if abandoned := s.engine.Stop(grace); len(abandoned) > 0 {
		s.logger.Warn("abandoned running jobs", "tokens", abandoned)
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	s.logger.Info("server stopped")
	return nil
}

// loggingMiddleware logs each request using the structured logger.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
