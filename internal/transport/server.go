package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/FumingPower3925/loom/internal/date"
	"github.com/FumingPower3925/loom/internal/h1"
	"github.com/FumingPower3925/loom/internal/netpoll"
	"github.com/FumingPower3925/loom/internal/workerpool"
)

const listenBacklog = 1024

var (
	// ErrServerClosed is returned by Start after Close.
	ErrServerClosed = errors.New("transport: server closed")
	// ErrServerStarted is returned by a second Start.
	ErrServerStarted = errors.New("transport: server already started")
	// ErrShutdownTimeout is returned by Close when handlers outlived
	// ShutdownTimeout.
	ErrShutdownTimeout = errors.New("transport: shutdown timed out")
)

// Server ties the reactor, worker pool, idle reaper and date ticker together.
type Server struct {
	cfg     Config
	handler h1.Handler
	logger  *zap.Logger

	mu        sync.Mutex
	started   bool
	closed    bool
	r         *reactor
	lfd       int
	addr      net.Addr
	cancel    context.CancelFunc
	stopDate  func()
	closeErr  error
	closeOnce sync.Once

	// preambleHook observes the shared preamble buffer before every
	// preamble read. Used by tests.
	preambleHook func([]byte)
}

// NewServer returns a server for h. Nothing is bound until Start.
func NewServer(h h1.Handler, cfg Config) *Server {
	cfg.normalize()
	return &Server{
		cfg:     cfg,
		handler: h,
		logger:  cfg.Logger,
		lfd:     -1,
	}
}

// Start binds the listener and launches the event loop. It returns once the
// server accepts connections.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.closed:
		return ErrServerClosed
	case s.started:
		return ErrServerStarted
	}

	poller, err := netpoll.Open(maxEvents)
	if err != nil {
		return err
	}

	lfd, addr, err := netpoll.Listen(s.cfg.Addr, listenBacklog)
	if err != nil {
		_ = poller.Close()
		return err
	}
	if err := poller.Add(lfd, netpoll.InterestRead); err != nil {
		_ = netpoll.Close(lfd)
		_ = poller.Close()
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	pool, err := workerpool.New(ctx, workerpool.Config{
		Size:   s.cfg.Workers,
		Name:   "loom-worker",
		Logger: s.logger,
	})
	if err != nil {
		cancel()
		_ = netpoll.Close(lfd)
		_ = poller.Close()
		return err
	}

	s.stopDate = date.StartTicker()
	r := newReactor(s.cfg, s.handler, poller, lfd, pool)
	r.observePreamble = s.preambleHook
	r.reaper.Start()
	go r.run()

	s.r = r
	s.lfd = lfd
	s.addr = addr
	s.cancel = cancel
	s.started = true

	s.logger.Info("loom server started",
		zap.String("addr", addr.String()),
		zap.Int("workers", s.cfg.Workers),
		zap.Duration("idle_timeout", s.cfg.IdleTimeout),
	)
	return nil
}

// Addr returns the bound address, nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Done is closed once the event loop has exited. It is nil before Start.
func (s *Server) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.r == nil {
		return nil
	}
	return s.r.done
}

// Close stops the server: the reaper stops, the event loop exits closing
// every connection, the listener is closed, running handlers see their
// context canceled and the pool is drained within ShutdownTimeout. It is
// idempotent and returns the same result every time.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		r := s.r
		s.mu.Unlock()

		if r == nil {
			return
		}
		s.logger.Info("loom server shutdown requested", zap.Duration("timeout", s.cfg.ShutdownTimeout))
		start := time.Now()

		r.reaper.Stop()
		if err := r.poller.Shutdown(); err != nil && !errors.Is(err, netpoll.ErrClosed) {
			s.logger.Warn("failed to wake event loop", zap.Error(err))
		}
		<-r.done

		if err := netpoll.Close(s.lfd); err != nil {
			s.logger.Warn("failed to close listener", zap.Error(err))
		}
		s.cancel()

		dropped, err := r.pool.Shutdown(s.cfg.ShutdownTimeout)
		s.stopDate()

		if err != nil {
			if errors.Is(err, workerpool.ErrTimeout) {
				err = ErrShutdownTimeout
			}
			s.closeErr = err
			s.logger.Error("loom server shutdown failed",
				zap.Int("dropped", dropped),
				zap.Duration("elapsed", time.Since(start)),
				zap.Error(err),
			)
			return
		}
		s.logger.Info("loom server shutdown successfully",
			zap.Int("dropped", dropped),
			zap.Duration("elapsed", time.Since(start)),
		)
	})
	return s.closeErr
}
