package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gitnexus/capsuled/internal/app"
)

// Server manages the HTTP server and routes
type Server struct {
	app    *app.App
	router *http.ServeMux
	server *http.Server
}

// New creates a new HTTP server with the given app
func New(application *app.App) *Server {
	s := &Server{
		app: application,
	}

	// Setup routes
	s.router = s.setupRoutes()

	// WriteTimeout stays unset: the SSE and WebSocket streams are
	// long-lived and a fixed deadline would sever them mid-export.
	s.server = &http.Server{
		Addr:        application.Config.BindAddr(),
		Handler:     s.withMiddleware(s.router),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	return s
}

// Start starts the HTTP server
func (s *Server) Start() error {
	addr := s.app.Config.BindAddr()

	s.app.Logger.Info().
		Str("address", addr).
		Msg("HTTP server starting")

	if s.app.Config.Auth.APIKeyIsFallback {
		s.app.Logger.Warn().
			Str("api_key", s.app.Config.Auth.APIKey).
			Msg("No API key configured - using generated fallback key")
	}

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.app.Logger.Info().Msg("Shutting down HTTP server...")

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	s.app.Logger.Info().Msg("HTTP server stopped")
	return nil
}
