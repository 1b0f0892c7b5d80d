// Package api serves the job, document and query HTTP interface.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/lucasnoah/coursefactory/internal/analytics"
	"github.com/lucasnoah/coursefactory/internal/logging"
	"github.com/lucasnoah/coursefactory/internal/orchestrator"
	"github.com/lucasnoah/coursefactory/internal/retrieval"
)

// ServerConfig wires the server's collaborators. Orchestrator is required;
// without Retrieval the document and query routes answer 503.
type ServerConfig struct {
	Addr         string
	Orchestrator *orchestrator.Orchestrator
	Retrieval    *retrieval.Service
	// History backs the job event timeline; nil disables it.
	History analytics.DB
	// Metrics serves /metrics; nil disables it.
	Metrics   http.Handler
	Logger    *slog.Logger
	StartTime time.Time
	Version   string
}

// Server is the HTTP API server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer builds a server listening on cfg.Addr.
func NewServer(cfg ServerConfig) *Server {
	cfg.Logger = logging.WithComponent(cfg.Logger, "api")
	if cfg.StartTime.IsZero() {
		cfg.StartTime = time.Now()
	}
	return &Server{
		httpServer: &http.Server{
			Addr:              cfg.Addr,
			Handler:           NewRouter(cfg),
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		logger: cfg.Logger,
	}
}

// Start listens until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}
