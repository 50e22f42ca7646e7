// Package reaper evicts connections that stayed idle for too long.
package reaper

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Idler is a tracked entry.
type Idler interface {
	comparable
	// IdleSince returns the time of the last activity.
	IdleSince() time.Time
	// Busy reports work in progress; busy entries are never evicted.
	Busy() bool
}

// Config configures a Reaper.
type Config struct {
	// IdleTimeout is how long an entry may stay inactive. Zero disables
	// periodic scanning.
	IdleTimeout time.Duration
	// Interval is the scan period. Defaults to a quarter of IdleTimeout,
	// at least 10ms.
	Interval time.Duration
	Logger   *zap.Logger
}

// Reaper periodically scans a concurrent set of entries and hands the stale
// ones to an eviction callback. Track and Untrack may be called from any
// goroutine while a scan runs; an entry is handed to the callback at most
// once per Track.
type Reaper[T Idler] struct {
	cfg   Config
	evict func(T)
	now   func() time.Time

	tracked sync.Map // T -> struct{}
	size    atomic.Int64

	mu      sync.Mutex
	started bool
	stopped bool
	stop    chan struct{}
	done    chan struct{}
}

// New returns a stopped Reaper calling evict for every stale entry.
func New[T Idler](cfg Config, evict func(T)) *Reaper[T] {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = cfg.IdleTimeout / 4
	}
	if cfg.Interval < 10*time.Millisecond {
		cfg.Interval = 10 * time.Millisecond
	}
	return &Reaper[T]{
		cfg:   cfg,
		evict: evict,
		now:   time.Now,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// Track adds c to the scanned set.
func (r *Reaper[T]) Track(c T) {
	if _, loaded := r.tracked.LoadOrStore(c, struct{}{}); !loaded {
		r.size.Add(1)
	}
}

// Untrack removes c. It is a no-op for entries already evicted.
func (r *Reaper[T]) Untrack(c T) {
	if _, loaded := r.tracked.LoadAndDelete(c); loaded {
		r.size.Add(-1)
	}
}

// Len returns the number of tracked entries.
func (r *Reaper[T]) Len() int { return int(r.size.Load()) }

// Start launches the scanning goroutine. It does nothing when IdleTimeout is
// zero or the reaper was already started or stopped.
func (r *Reaper[T]) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started || r.stopped || r.cfg.IdleTimeout <= 0 {
		return
	}
	r.started = true
	go r.run()
}

// Stop ends scanning and waits for an in-progress scan to return. It is
// idempotent.
func (r *Reaper[T]) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	started := r.started
	close(r.stop)
	r.mu.Unlock()

	if started {
		<-r.done
	}
}

func (r *Reaper[T]) run() {
	defer close(r.done)

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := r.Sweep(r.now()); n > 0 {
				r.cfg.Logger.Debug("evicted idle connections", zap.Int("count", n), zap.Int("tracked", r.Len()))
			}
		case <-r.stop:
			return
		}
	}
}

// Sweep evicts every idle, non-busy entry whose last activity is older than
// IdleTimeout relative to now, and returns how many were evicted.
func (r *Reaper[T]) Sweep(now time.Time) int {
	if r.cfg.IdleTimeout <= 0 {
		return 0
	}
	evicted := 0
	r.tracked.Range(func(key, _ any) bool {
		c := key.(T)
		if c.Busy() || now.Sub(c.IdleSince()) < r.cfg.IdleTimeout {
			return true
		}
		// Untrack may have raced us; only the winner evicts
		if _, loaded := r.tracked.LoadAndDelete(c); !loaded {
			return true
		}
		r.size.Add(-1)
		evicted++
		r.evict(c)
		return true
	})
	return evicted
}
