// Package server provides the admin HTTP server: probes, metrics, and
// operator endpoints for archival, reads and the locator index.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/tierstore/internal/errors"
	"github.com/devrev/pairdb/tierstore/internal/health"
)

// AdminServerConfig holds configuration for the admin server
type AdminServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	MetricsPath  string // empty disables the metrics endpoint

	// Gatherer backs the metrics endpoint, prometheus.DefaultGatherer when nil
	Gatherer prometheus.Gatherer
}

// AdminServer serves the admin API via HTTP
type AdminServer struct {
	router     *mux.Router
	httpServer *http.Server
	logger     *zap.Logger
}

// NewAdminServer creates the admin server and registers its routes
func NewAdminServer(cfg *AdminServerConfig, handlers *Handlers, checker *health.HealthChecker, logger *zap.Logger) *AdminServer {
	router := mux.NewRouter()
	router.Use(recovery(logger), requestID, logging(logger))

	router.HandleFunc("/health", checker.LivenessHandler).Methods(http.MethodGet)
	router.HandleFunc("/ready", checker.ReadinessHandler).Methods(http.MethodGet)
	if cfg.MetricsPath != "" {
		gatherer := cfg.Gatherer
		if gatherer == nil {
			gatherer = prometheus.DefaultGatherer
		}
		router.Handle(cfg.MetricsPath, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	v1 := router.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/cycles", handlers.RunCycle).Methods(http.MethodPost)
	v1.HandleFunc("/records/{partition}/{id}", handlers.ReadRecord).Methods(http.MethodGet)
	v1.HandleFunc("/index", handlers.IndexStatus).Methods(http.MethodGet)
	v1.HandleFunc("/index/rebuild", handlers.RebuildIndex).Methods(http.MethodPost)
	v1.HandleFunc("/quarantine", handlers.ListQuarantine).Methods(http.MethodGet)
	v1.HandleFunc("/quarantine/{batch}", handlers.ReleaseQuarantine).Methods(http.MethodDelete)

	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlers.writeError(w, r, errors.NewStorageError(errors.ErrCodeNotFound, "endpoint not found", nil))
	})
	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{
			Status:    "error",
			ErrorCode: errors.ErrCodeInvalidArgument.String(),
			Message:   "method not allowed",
		})
	})

	return &AdminServer{
		router: router,
		httpServer: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Handler:      router,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger,
	}
}

// Start serves until Shutdown is called
func (s *AdminServer) Start() error {
	s.logger.Info("Starting admin server", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("admin server failed: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the admin server
func (s *AdminServer) Shutdown(ctx context.Context) error {
	s.logger.Info("Stopping admin server")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("admin server shutdown failed: %w", err)
	}
	return nil
}

// Handler returns the router, for tests
func (s *AdminServer) Handler() http.Handler {
	return s.router
}
