package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/vmoraes/recimarket/backend/internal/config"
)

// Server owns the HTTP listener serving the trade API.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	cfg        config.HTTPConfig
}

// New constructs a Server around the provided router.
func New(logger *slog.Logger, cfg config.HTTPConfig, handler http.Handler) *Server {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return &Server{
		httpServer: httpServer,
		logger:     logger,
		cfg:        cfg,
	}
}

// Start begins listening for HTTP traffic.
func (s *Server) Start() error {
	s.logger.Info("starting trade api server",
		"addr", s.httpServer.Addr,
		"readTimeout", s.cfg.ReadTimeout,
		"writeTimeout", s.cfg.WriteTimeout)
	err := s.httpServer.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests before closing the listener, so a
// transition that already passed its CAS is never cut off mid-response.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down trade api server", "timeout", s.cfg.ShutdownTimeout)
	return s.httpServer.Shutdown(ctx)
}
