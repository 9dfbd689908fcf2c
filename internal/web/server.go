// Package web exposes merged properties, run statistics and merge passes
// over HTTP.
package web

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/propmerge/internal/store"
	"github.com/propmerge/internal/web/handlers"
	"github.com/propmerge/internal/web/middleware"
)

// Server represents the web server
type Server struct {
	config     Config
	store      store.Store
	runner     handlers.Runner
	logger     *slog.Logger
	httpServer *http.Server
	router     *mux.Router
	handler    http.Handler
}

// NewServer creates a new web server instance. runner may be nil, in which
// case POST /api/runs is not registered.
func NewServer(cfg Config, st store.Store, runner handlers.Runner, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		config: cfg,
		store:  st,
		runner: runner,
		logger: logger,
	}
	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

// Handler returns the routed handler with middleware applied
func (s *Server) Handler() http.Handler {
	return s.handler
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	s.router = mux.NewRouter()

	props := &handlers.PropertiesHandler{Store: s.store, Logger: s.logger}
	stats := &handlers.StatsHandler{Store: s.store, Logger: s.logger}

	s.router.HandleFunc("/healthz", s.health).Methods("GET")

	api := s.router.PathPrefix("/api").Subrouter()

	// Merged properties
	api.HandleFunc("/properties", props.ListProperties).Methods("GET")
	api.HandleFunc("/properties/{id}", props.GetProperty).Methods("GET")
	api.HandleFunc("/properties/{id}/changes", props.GetHistory).Methods("GET")
	api.HandleFunc("/lookup", props.Lookup).Methods("GET")
	api.HandleFunc("/normalize", handlers.Normalize).Methods("GET")

	// Statistics endpoints
	api.HandleFunc("/stats", stats.ListStats).Methods("GET")
	api.HandleFunc("/stats/{date}", stats.GetStats).Methods("GET")

	if s.runner != nil {
		runs := &handlers.RunsHandler{Runner: s.runner, Logger: s.logger}
		api.HandleFunc("/runs", runs.StartRun).Methods("POST")
	}

	s.router.Use(middleware.Recovery(s.logger))
	s.router.Use(middleware.RequestLogging(s.logger))

	if s.config.APIKey != "" {
		api.Use(middleware.Authentication(s.config.APIKey, s.logger))
	}

	// mux middleware only runs on matched routes; preflights match none
	s.handler = middleware.CORS()(s.router)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		http.Error(w, "database unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// Start serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("listen on %s: %w", s.httpServer.Addr, err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	s.logger.Info("server stopped")
	return nil
}
