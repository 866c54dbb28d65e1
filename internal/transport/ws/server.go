package ws

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// Server serves an HTTP handler that upgrades websocket routes.
type Server struct {
	address  string
	listener net.Listener
	handler  http.Handler
	server   *http.Server
	logger   zerolog.Logger
	ready    chan struct{}
}

// New creates a server for handler on address.
func New(address string, handler http.Handler, logger zerolog.Logger) *Server {
	return &Server{
		address: address,
		handler: handler,
		logger:  logger,
		ready:   make(chan struct{}),
	}
}

// Start listens and serves until Stop. It returns nil after Stop.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return err
	}
	s.listener = listener
	s.server = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	close(s.ready)

	s.logger.Info().Str("addr", listener.Addr().String()).Msg("relay listening")

	if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Ready is closed once the listener is bound.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Stop shuts the server down. Hijacked websocket connections are not
// tracked by http.Server and must be closed by the handler's owner.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Addr returns the listening address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}
