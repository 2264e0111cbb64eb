// SPDX-License-Identifier: MIT

// Package server runs the HTTP lifecycle shared by the PulseFM services:
// one listener, a shutdown signal, and a bounded drain.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/pulsefm/pulsefm/internal/config"
	"github.com/pulsefm/pulsefm/internal/telemetry"
	"github.com/pulsefm/pulsefm/internal/version"
)

// Server wraps an http.Server with graceful shutdown and optional tracing.
type Server struct {
	cfg       config.Server
	name      string
	srv       *http.Server
	logger    zerolog.Logger
	telemetry *telemetry.Provider
}

// New builds a server for the named service.
func New(name string, cfg config.Server, handler http.Handler, logger zerolog.Logger) *Server {
	return &Server{
		cfg:  cfg,
		name: name,
		srv: &http.Server{
			Addr:           cfg.Listen,
			Handler:        handler,
			ReadTimeout:    cfg.ReadTimeout,
			WriteTimeout:   cfg.WriteTimeout,
			IdleTimeout:    cfg.IdleTimeout,
			MaxHeaderBytes: cfg.MaxHeaderBytes,
		},
		logger: logger,
	}
}

// InitTelemetry installs the tracer provider before serving. Failures are
// logged and the service runs without tracing.
func (s *Server) InitTelemetry(ctx context.Context) {
	provider, err := telemetry.NewProvider(ctx, telemetry.FromEnv(s.name))
	if err != nil {
		s.logger.Warn().Err(err).Msg("telemetry initialization failed, continuing without tracing")
		return
	}
	s.telemetry = provider
}

// Run serves until ctx is canceled or the listener fails, then drains
// within the configured shutdown timeout.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info().
		Str("version", version.Version).
		Str("listen", s.cfg.Listen).
		Msgf("starting %s", s.name)

	errChan := make(chan error, 1)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("server error: %w", err)
		}
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		return s.shutdown(context.Background())
	}
}

func (s *Server) shutdown(ctx context.Context) error {
	s.logger.Info().Msgf("shutting down %s", s.name)

	shutdownCtx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()

	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Error().Err(err).Msg("http server shutdown error")
	}
	if s.telemetry != nil {
		if err := s.telemetry.Shutdown(shutdownCtx); err != nil {
			s.logger.Error().Err(err).Msg("telemetry shutdown error")
		}
	}

	s.logger.Info().Msgf("%s stopped", s.name)
	return nil
}

// WaitForShutdown returns a context canceled on SIGINT or SIGTERM.
func WaitForShutdown() context.Context {
	ctx, _ := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	return ctx
}
