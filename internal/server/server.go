// Package server constructs and runs the relay service: registry, hub, HTTP
// router and listener, with graceful shutdown.
package server

import (
	"context"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/Tyrowin/gorelay/internal/hub"
	"github.com/Tyrowin/gorelay/internal/registry"
)

// Server ties the hub to an HTTP listener.
type Server struct {
	cfg    Config
	logger *zap.Logger
	hub    *hub.Hub
	router http.Handler
	http   *http.Server
}

// New validates cfg and assembles a ready-to-run Server.
func New(cfg Config, logger *zap.Logger) (*Server, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	h := hub.New(registry.New[hub.Conn](),
		hub.WithLogger(logger.Named("hub")),
		hub.WithSendTimeout(cfg.SendTimeout),
	)
	router := NewRouter(RouterDeps{
		Handlers: NewHandlers(h, cfg, logger.Named("ws")),
		Logger:   logger.Named("http"),
	})

	return &Server{
		cfg:    cfg,
		logger: logger,
		hub:    h,
		router: router,
		http:   CreateServer(cfg.Port, router),
	}, nil
}

// Handler returns the HTTP handler serving every route.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Hub returns the hub driving the relay.
func (s *Server) Hub() *hub.Hub {
	return s.hub
}

// Run listens until ctx is cancelled or the listener fails, then shuts down
// the HTTP server followed by the hub.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- StartServer(s.http, s.logger)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		s.logger.Info("Shutdown signal received")
	case runErr = <-errCh:
		if runErr != nil {
			s.logger.Error("HTTP server failed", zap.Error(runErr))
		}
	}

	return errors.Join(runErr, s.Shutdown())
}

// Shutdown stops accepting HTTP requests and then ends every hub session,
// each step bounded by the configured shutdown timeout.
func (s *Server) Shutdown() error {
	httpErr := ShutdownServer(s.http, s.cfg.ShutdownTimeout, s.logger)
	hubErr := s.hub.Shutdown(s.cfg.ShutdownTimeout)
	return errors.Join(httpErr, hubErr)
}
