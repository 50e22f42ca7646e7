// Package date provides a cached, thread-safe value for the HTTP Date header.
package date

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// refreshInterval keeps the cached value within one second of the clock.
const refreshInterval = 500 * time.Millisecond

var (
	current atomic.Pointer[[]byte]

	mu    sync.Mutex
	users atomic.Int32
	done  chan struct{}
)

// StartTicker starts refreshing the cached value and returns a function that
// stops it. Tickers are reference counted: several servers in one process
// share a single goroutine, which exits when the last stop function runs.
// Each stop function is idempotent.
func StartTicker() func() {
	mu.Lock()
	defer mu.Unlock()

	if users.Add(1) == 1 {
		update(time.Now())
		done = make(chan struct{})
		go run(done)
	}

	var once sync.Once
	return func() {
		once.Do(release)
	}
}

func release() {
	mu.Lock()
	defer mu.Unlock()
	if users.Add(-1) == 0 {
		close(done)
		done = nil
	}
}

func run(stop <-chan struct{}) {
	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			update(now)
		case <-stop:
			return
		}
	}
}

func update(now time.Time) {
	b := []byte(now.UTC().Format(http.TimeFormat))
	current.Store(&b)
}

// Current returns the cached header value. The slice must not be modified.
// Without a running ticker it formats the current time.
func Current() []byte {
	if p := current.Load(); p != nil && users.Load() > 0 {
		return *p
	}
	return []byte(time.Now().UTC().Format(http.TimeFormat))
}
