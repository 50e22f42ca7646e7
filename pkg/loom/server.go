package loom

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/FumingPower3925/loom/internal/transport"
)

var (
	// ErrNoHandler is returned by Start when no handler was set.
	ErrNoHandler = errors.New("loom: handler not set")
	// ErrServerClosed is returned by Start after the server was stopped.
	ErrServerClosed = transport.ErrServerClosed
	// ErrShutdownTimeout is returned by Stop and Close when running
	// handlers outlived Config.ShutdownTimeout.
	ErrShutdownTimeout = transport.ErrShutdownTimeout
)

// Server is an HTTP/1.1 server instance.
type Server struct {
	config  Config
	handler Handler

	mu        sync.Mutex
	transport *transport.Server
}

// New creates a new Server with the provided configuration. It panics if
// the configuration is invalid.
func New(config Config) *Server {
	if err := config.Validate(); err != nil {
		panic(err)
	}

	return &Server{
		config: config,
	}
}

// NewWithDefaults creates a new Server with default configuration.
func NewWithDefaults() *Server {
	return New(DefaultConfig())
}

// Handler sets the request handler and returns the server for method chaining.
func (s *Server) Handler(handler Handler) *Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = handler
	return s
}

// ListenAndServe sets the handler, starts the server and blocks until it is
// stopped.
func (s *Server) ListenAndServe(handler Handler) error {
	s.Handler(handler)
	if err := s.Start(); err != nil {
		return err
	}
	<-s.transportServer().Done()
	return nil
}

// Start binds the listener and begins accepting connections. It does not
// block.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.handler == nil {
		return ErrNoHandler
	}
	if s.transport == nil {
		s.transport = transport.NewServer(s.handler, transport.Config{
			Addr:               s.config.Addr,
			Workers:            s.config.Workers,
			MaxPreambleLength:  s.config.MaxPreambleLength,
			PreambleBufferSize: s.config.PreambleBufferSize,
			MaxBodyBytes:       s.config.MaxBodyBytes,
			ShutdownTimeout:    s.config.ShutdownTimeout,
			IdleTimeout:        s.config.IdleTimeout,
			ReapInterval:       s.config.ReapInterval,
			DisableKeepAlive:   s.config.DisableKeepAlive,
			Logger:             s.config.Logger,
		})
	}
	return s.transport.Start()
}

// Addr returns the bound address, nil before Start.
func (s *Server) Addr() net.Addr {
	if t := s.transportServer(); t != nil {
		return t.Addr()
	}
	return nil
}

// Close stops the server, waiting up to Config.ShutdownTimeout for running
// handlers.
func (s *Server) Close() error {
	if t := s.transportServer(); t != nil {
		return t.Close()
	}
	return nil
}

// Stop is Close bounded by ctx. When ctx ends first the shutdown keeps
// running in the background and ctx's error is returned.
func (s *Server) Stop(ctx context.Context) error {
	t := s.transportServer()
	if t == nil {
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- t.Close() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) transportServer() *transport.Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transport
}
