package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/FumingPower3925/loom/internal/h1"
	"github.com/FumingPower3925/loom/internal/netpoll"
	"github.com/FumingPower3925/loom/internal/reaper"
	"github.com/FumingPower3925/loom/internal/workerpool"
)

const maxEvents = 256

// wake is a notification queued for the reactor by another goroutine.
type wake struct {
	c     *conn
	gen   uint64
	evict bool
}

// reactor is the single goroutine owning every socket and interest set.
type reactor struct {
	cfg     Config
	handler h1.Handler
	logger  *zap.Logger
	limits  h1.Limits

	poller *netpoll.Poller
	lfd    int
	pool   *workerpool.Pool
	reaper *reaper.Reaper[*conn]

	conns  map[int]*conn
	events []netpoll.Event

	// preamble is the shared read buffer for connections still in the
	// preamble. It is empty whenever the reactor is not inside read.
	preamble        []byte
	observePreamble func([]byte)

	wakeMu    sync.Mutex
	wakeQ     []wake
	wakeSpare []wake

	done chan struct{}
}

func newReactor(cfg Config, h h1.Handler, p *netpoll.Poller, lfd int, pool *workerpool.Pool) *reactor {
	r := &reactor{
		cfg:     cfg,
		handler: h,
		logger:  cfg.Logger,
		limits: h1.Limits{
			MaxPreambleLength: cfg.MaxPreambleLength,
			MaxBodyBytes:      cfg.MaxBodyBytes,
		},
		poller:   p,
		lfd:      lfd,
		pool:     pool,
		conns:    make(map[int]*conn),
		events:   make([]netpoll.Event, maxEvents),
		preamble: make([]byte, 0, cfg.PreambleBufferSize),
		done:     make(chan struct{}),
	}
	r.reaper = reaper.New(reaper.Config{
		IdleTimeout: cfg.IdleTimeout,
		Interval:    cfg.ReapInterval,
		Logger:      cfg.Logger,
	}, r.requestEvict)
	return r
}

func (r *reactor) run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(r.done)

	for {
		n, err := r.poller.Wait(r.events)
		if err != nil {
			if !errors.Is(err, netpoll.ErrClosed) {
				r.logger.Error("event loop stopped", zap.Error(err))
			}
			break
		}
		for i := 0; i < n; i++ {
			r.dispatch(r.events[i])
		}
	}

	for _, c := range r.conns {
		r.closeConn(c)
	}
	if err := r.poller.Close(); err != nil {
		r.logger.Warn("failed to close poller", zap.Error(err))
	}
}

func (r *reactor) dispatch(ev netpoll.Event) {
	switch {
	case ev.Wakeup():
		r.drainWakes()
		return
	case ev.Fd == r.lfd:
		r.accept()
		return
	}

	c := r.conns[ev.Fd]
	if c == nil {
		return
	}
	switch c.interest {
	case netpoll.InterestRead:
		if ev.Readable() {
			r.read(c)
		}
	case netpoll.InterestWrite:
		if ev.Writable() {
			r.write(c)
		}
	default:
		if ev.Hangup() {
			r.closeConn(c)
		}
	}
}

// accept takes one pending connection per readiness event; the listener is
// level-triggered so a backlog keeps it ready.
func (r *reactor) accept() {
	fd, remote, err := netpoll.Accept(r.lfd)
	if err != nil {
		if !netpoll.WouldBlock(err) {
			r.logger.Warn("accept failed", zap.Error(err))
		}
		return
	}

	c := newConn(fd, remote, r.limits)
	c.resp = h1.NewResponseMachine(r.notifier(c, c.gen))
	if err := r.poller.Add(fd, netpoll.InterestRead); err != nil {
		r.logger.Warn("failed to register connection", zap.Int("fd", fd), zap.Error(err))
		_ = netpoll.Close(fd)
		return
	}
	c.interest = netpoll.InterestRead
	r.conns[fd] = c
	r.reaper.Track(c)

	connectionsAccepted.Inc()
	connectionsOpen.Inc()
	if verboseLogging {
		r.logger.Debug("connection accepted", zap.Int("fd", fd), zap.String("remote", c.remoteAddr()))
	}
}

func (r *reactor) read(c *conn) {
	var (
		n   int
		err error
		st  h1.RequestState
	)

	switch c.req.State() {
	case h1.StatePreamble:
		if r.observePreamble != nil {
			r.observePreamble(r.preamble)
		}
		buf := r.preamble[:cap(r.preamble)]
		n, err = netpoll.Read(c.fd, buf)
		if err == nil && n > 0 {
			st = c.req.Feed(buf[:n])
		}
		clear(buf[:n])
		r.preamble = buf[:0]

	case h1.StateBody:
		buf := c.req.BodyBuffer()
		n, err = netpoll.Read(c.fd, buf)
		if err == nil && n > 0 {
			st = c.req.BodyRead(n)
		}

	default:
		r.setInterest(c, netpoll.InterestWrite)
		return
	}

	if err != nil {
		if netpoll.WouldBlock(err) {
			return
		}
		if verboseLogging {
			r.logger.Debug("read failed", zap.Int("fd", c.fd), zap.Error(err))
		}
		r.closeConn(c)
		return
	}
	if n == 0 {
		r.closeConn(c)
		return
	}

	c.touch()
	bytesRead.Add(float64(n))
	r.afterFeed(c, st)
}

// afterFeed submits the connection once per request, as soon as its
// preamble is parsed, and arms writing when the request is terminal.
func (r *reactor) afterFeed(c *conn, st h1.RequestState) {
	if st != h1.StatePreamble && !c.submitted {
		if !r.submit(c) {
			return
		}
	}
	if st.Terminal() {
		c.markReady()
		r.setInterest(c, netpoll.InterestWrite)
	}
}

func (r *reactor) submit(c *conn) bool {
	ready, resp := c.ready, c.resp
	c.submitted = true
	c.inFlight.Add(1)

	err := r.pool.Submit(func(ctx context.Context) {
		r.serve(ctx, c, ready, resp)
	})
	if err != nil {
		c.inFlight.Add(-1)
		r.logger.Warn("failed to submit request", zap.Int("fd", c.fd), zap.Error(err))
		r.closeConn(c)
		return false
	}
	return true
}

func (r *reactor) write(c *conn) {
	for {
		data, done := c.resp.Current()
		switch {
		case len(data) > 0:
			n, err := netpoll.Write(c.fd, data)
			if err != nil {
				if netpoll.WouldBlock(err) {
					return
				}
				if verboseLogging {
					r.logger.Debug("write failed", zap.Int("fd", c.fd), zap.Error(err))
				}
				r.closeConn(c)
				return
			}
			c.resp.Consume(n)
			c.touch()
			bytesWritten.Add(float64(n))
			if n < len(data) {
				return
			}

		case done:
			if c.resp.KeepAlive() {
				r.reset(c)
			} else {
				r.closeConn(c)
			}
			return

		default:
			// parked until the task queues more output
			r.setInterest(c, netpoll.InterestNone)
			return
		}
	}
}

// reset prepares a kept-alive connection for its next request, replaying
// any pipelined bytes already received.
func (r *reactor) reset(c *conn) {
	c.gen++
	c.submitted = false
	c.resp = h1.NewResponseMachine(r.notifier(c, c.gen))
	c.ready = make(chan struct{})
	c.readyClosed = false

	st := c.req.Next()
	r.setInterest(c, netpoll.InterestRead)
	if c.closed.Load() {
		return
	}
	if st != h1.StatePreamble {
		r.afterFeed(c, st)
	}
}

func (r *reactor) setInterest(c *conn, in netpoll.Interest) {
	if c.interest == in {
		return
	}
	if err := r.poller.Mod(c.fd, in); err != nil {
		r.logger.Warn("failed to change interest", zap.Int("fd", c.fd), zap.Stringer("interest", in), zap.Error(err))
		r.closeConn(c)
		return
	}
	c.interest = in
}

func (r *reactor) closeConn(c *conn) {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	_ = r.poller.Del(c.fd)
	if err := netpoll.Close(c.fd); err != nil {
		r.logger.Debug("close failed", zap.Int("fd", c.fd), zap.Error(err))
	}
	delete(r.conns, c.fd)
	r.reaper.Untrack(c)
	c.markReady()
	if c.inFlight.Load() == 0 {
		c.release()
	}
	connectionsOpen.Dec()

	if verboseLogging {
		r.logger.Debug("connection closed", zap.Int("fd", c.fd))
	}
}

// notifier returns the ready callback of one response. gen pins it to the
// request it was created for.
func (r *reactor) notifier(c *conn, gen uint64) func() {
	return func() { r.enqueueWake(wake{c: c, gen: gen}) }
}

// requestEvict is called by the reaper goroutine.
func (r *reactor) requestEvict(c *conn) {
	r.enqueueWake(wake{c: c, evict: true})
}

func (r *reactor) enqueueWake(w wake) {
	r.wakeMu.Lock()
	r.wakeQ = append(r.wakeQ, w)
	r.wakeMu.Unlock()
	if err := r.poller.Wakeup(); err != nil && !errors.Is(err, netpoll.ErrClosed) {
		r.logger.Warn("failed to wake event loop", zap.Error(err))
	}
}

func (r *reactor) drainWakes() {
	r.wakeMu.Lock()
	q := r.wakeQ
	r.wakeQ = r.wakeSpare[:0]
	r.wakeMu.Unlock()

	for _, w := range q {
		c := w.c
		if c.closed.Load() {
			continue
		}
		if w.evict {
			r.evict(c)
			continue
		}
		if w.gen == c.gen && c.interest == netpoll.InterestNone {
			r.setInterest(c, netpoll.InterestWrite)
		}
	}

	clear(q)
	r.wakeSpare = q[:0]
}

// evict closes a connection the reaper found idle, unless it picked up work
// since the scan.
func (r *reactor) evict(c *conn) {
	if c.Busy() || time.Since(c.IdleSince()) < r.cfg.IdleTimeout {
		r.reaper.Track(c)
		return
	}
	connectionsReaped.Inc()
	r.closeConn(c)
	if verboseLogging {
		r.logger.Debug("idle connection reaped", zap.Int("fd", c.fd))
	}
}

// serve runs on a pool worker. It waits until the request is terminal, then
// produces the response through resp.
func (r *reactor) serve(ctx context.Context, c *conn, ready <-chan struct{}, resp *h1.ResponseMachine) {
	var serving bool
	defer func() {
		if serving {
			c.endServe()
		}
		c.touch()
		if c.inFlight.Add(-1) == 0 && c.closed.Load() {
			c.release()
		}
	}()

	select {
	case <-ready:
	case <-ctx.Done():
		return
	}
	if c.closed.Load() {
		return
	}

	m := c.req
	if m.State() == h1.StateFailed {
		w := h1.NewResponseWriter(resp, m.Request(), false)
		w.Fail(m.Err())
		requestsTotal.WithLabelValues(outcomeRejected).Inc()
		return
	}

	req := m.Request().WithContext(ctx)
	req.RemoteAddr = c.remoteAddr()
	w := h1.NewResponseWriter(resp, req, !r.cfg.DisableKeepAlive)

	if ctx.Err() != nil {
		w.SetKeepAlive(false)
		w.Fail(h1.NewHTTPError(http.StatusServiceUnavailable, ctx.Err()))
		requestsTotal.WithLabelValues(outcomeCanceled).Inc()
		return
	}

	serving = true
	c.beginServe()
	if err := r.invoke(w, req); err != nil {
		if verboseLogging {
			r.logger.Debug("handler failed", zap.String("path", req.Path()), zap.Error(err))
		}
		w.Fail(err)
		requestsTotal.WithLabelValues(outcomeError).Inc()
		return
	}
	w.Finish()
	requestsTotal.WithLabelValues(outcomeOK).Inc()
}

func (r *reactor) invoke(w *h1.ResponseWriter, req *h1.Request) (err error) {
	defer func() {
		if v := recover(); v != nil {
			r.logger.Error("handler panicked",
				zap.Any("panic", v),
				zap.String("path", req.Path()),
				zap.Stack("stack"),
			)
			err = fmt.Errorf("transport: handler panic: %v", v)
		}
	}()
	return r.handler.ServeHTTP1(w, req)
}
