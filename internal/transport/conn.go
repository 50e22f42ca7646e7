package transport

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/FumingPower3925/loom/internal/h1"
	"github.com/FumingPower3925/loom/internal/netpoll"
)

// conn is one accepted client connection. Fields without atomics belong to
// the reactor goroutine; a pool task only reads the request machine after
// ready is closed and writes through the response machine it was handed.
type conn struct {
	fd     int
	remote net.Addr

	req  *h1.RequestMachine
	resp *h1.ResponseMachine

	interest  netpoll.Interest
	submitted bool
	gen       uint64

	ready       chan struct{}
	readyClosed bool

	lastActive atomic.Int64
	inFlight   atomic.Int32
	serving    atomic.Int32 // handlers running
	closed     atomic.Bool

	releaseOnce sync.Once
}

func newConn(fd int, remote net.Addr, limits h1.Limits) *conn {
	c := &conn{
		fd:     fd,
		remote: remote,
		req:    h1.NewRequestMachine(limits),
		ready:  make(chan struct{}),
	}
	c.touch()
	return c
}

func (c *conn) touch() { c.lastActive.Store(time.Now().UnixNano()) }

// IdleSince reports the last read, write or handler completion.
func (c *conn) IdleSince() time.Time { return time.Unix(0, c.lastActive.Load()) }

// Busy reports a handler running on the connection.
func (c *conn) Busy() bool { return c.serving.Load() > 0 }

// beginServe and endServe bracket a handler call. A pipelined request can
// start before the previous task has returned, so they count rather than flag.
func (c *conn) beginServe() { c.serving.Add(1) }

func (c *conn) endServe() { c.serving.Add(-1) }

// markReady hands the request machine to the waiting task.
func (c *conn) markReady() {
	if c.readyClosed {
		return
	}
	c.readyClosed = true
	close(c.ready)
}

// release returns the request buffers once neither the reactor nor a task
// can reach them.
func (c *conn) release() {
	c.releaseOnce.Do(c.req.Release)
}

func (c *conn) remoteAddr() string {
	if c.remote == nil {
		return ""
	}
	return c.remote.String()
}
