// Package workerpool runs connection tasks on a fixed set of named workers
// backed by an ants pool. Submit never waits for a busy worker: when every
// worker is busy the task waits in an unbounded FIFO backlog served by the
// next free worker.
package workerpool

import (
	"context"
	"errors"
	"runtime/pprof"
	"strconv"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
)

var (
	// ErrClosed is returned by Submit after Shutdown.
	ErrClosed = errors.New("workerpool: pool closed")
	// ErrTimeout is returned by Shutdown when running tasks outlive the grace
	// period.
	ErrTimeout = errors.New("workerpool: shutdown timed out")
)

// releaseTimeout bounds the wait for ants' own goroutines once every task
// has returned.
const releaseTimeout = time.Second

// Task is a unit of work. ctx is canceled when the pool shuts down and
// carries the worker's pprof labels.
type Task func(ctx context.Context)

// Config configures a Pool.
type Config struct {
	// Size is the number of workers. Defaults to 40.
	Size int
	// Name prefixes worker labels: "<name>-<n>".
	Name   string
	Logger *zap.Logger
}

// Pool is a bounded worker pool.
type Pool struct {
	pool   *ants.Pool
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger
	size   int

	slots chan string // free worker names

	mu      sync.Mutex
	backlog []Task
	active  int
	closed  bool
	drained chan struct{}
}

// New starts a pool whose tasks observe a context derived from ctx.
func New(ctx context.Context, cfg Config) (*Pool, error) {
	if cfg.Size <= 0 {
		cfg.Size = 40
	}
	if cfg.Name == "" {
		cfg.Name = "worker"
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	// Blocking: a retired slot can be reused before ants has put the goroutine
	// that freed it back in its idle list, and that goroutine is about to be.
	p, err := ants.NewPool(cfg.Size,
		ants.WithLogger(antsLogger{cfg.Logger.Sugar()}),
		ants.WithPanicHandler(func(v any) {
			cfg.Logger.Error("worker goroutine panicked", zap.Any("panic", v))
		}),
	)
	if err != nil {
		return nil, err
	}

	slots := make(chan string, cfg.Size)
	for i := 1; i <= cfg.Size; i++ {
		slots <- cfg.Name + "-" + strconv.Itoa(i)
	}

	pctx, cancel := context.WithCancel(ctx)
	return &Pool{
		pool:    p,
		ctx:     pctx,
		cancel:  cancel,
		logger:  cfg.Logger,
		size:    cfg.Size,
		slots:   slots,
		drained: make(chan struct{}),
	}, nil
}

// Submit schedules t. It never waits on a running task; at most it waits for
// ants to park a worker goroutine that has already retired.
func (p *Pool) Submit(t Task) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	if p.active == p.size {
		p.backlog = append(p.backlog, t)
		p.mu.Unlock()
		return nil
	}
	p.active++
	p.mu.Unlock()

	name := <-p.slots
	if err := p.pool.Submit(func() { p.work(name, t) }); err != nil {
		p.mu.Lock()
		p.retire(name)
		p.mu.Unlock()
		return err
	}
	return nil
}

// work runs t and then keeps serving the backlog until it is empty.
func (p *Pool) work(name string, t Task) {
	pprof.Do(p.ctx, pprof.Labels("worker", name), func(ctx context.Context) {
		for t != nil {
			p.run(ctx, t)
			t = p.next(name)
		}
	})
}

func (p *Pool) run(ctx context.Context, t Task) {
	defer func() {
		if v := recover(); v != nil {
			p.logger.Error("task panicked", zap.Any("panic", v), zap.Stack("stack"))
		}
	}()
	t(ctx)
}

// next pops the backlog or retires the worker. Both happen under the lock so
// a concurrent Submit either sees the free worker or has its task popped.
func (p *Pool) next(name string) Task {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.backlog) > 0 && !p.closed {
		t := p.backlog[0]
		p.backlog[0] = nil
		p.backlog = p.backlog[1:]
		return t
	}
	p.retire(name)
	return nil
}

// retire releases a worker slot. p.mu must be held.
func (p *Pool) retire(name string) {
	p.slots <- name
	p.active--
	if p.active == 0 && p.closed {
		close(p.drained)
	}
}

// Running returns the number of tasks currently executing.
func (p *Pool) Running() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// Queued returns the number of tasks waiting for a worker.
func (p *Pool) Queued() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.backlog)
}

// Size returns the number of workers.
func (p *Pool) Size() int { return p.size }

// Shutdown rejects new tasks, drops queued ones, cancels the task context
// and waits up to timeout for running tasks to return. It returns the number
// of dropped tasks and ErrTimeout if the grace period expired.
func (p *Pool) Shutdown(timeout time.Duration) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, ErrClosed
	}
	p.closed = true
	dropped := len(p.backlog)
	p.backlog = nil
	if p.active == 0 {
		close(p.drained)
	}
	p.mu.Unlock()

	p.cancel()

	if !p.waitDrained(timeout) {
		p.pool.Release()
		return dropped, ErrTimeout
	}

	if err := p.pool.ReleaseTimeout(releaseTimeout); err != nil {
		if errors.Is(err, ants.ErrTimeout) {
			return dropped, ErrTimeout
		}
		return dropped, err
	}
	return dropped, nil
}

func (p *Pool) waitDrained(timeout time.Duration) bool {
	select {
	case <-p.drained:
		return true
	default:
	}
	if timeout <= 0 {
		return false
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-p.drained:
		return true
	case <-timer.C:
		return false
	}
}

// antsLogger routes ants' internal messages to zap.
type antsLogger struct{ s *zap.SugaredLogger }

func (l antsLogger) Printf(format string, args ...any) { l.s.Infof(format, args...) }
