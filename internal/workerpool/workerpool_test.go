package workerpool

import (
	"context"
	"errors"
	"runtime/pprof"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newPool(t *testing.T, size int) *Pool {
	t.Helper()
	p, err := New(context.Background(), Config{Size: size, Name: "test-worker"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return p
}

func TestPool_RunsTasks(t *testing.T) {
	p := newPool(t, 4)

	var wg sync.WaitGroup
	var ran atomic.Int64
	for i := 0; i < 100; i++ {
		wg.Add(1)
		if err := p.Submit(func(context.Context) {
			defer wg.Done()
			ran.Add(1)
		}); err != nil {
			t.Fatalf("Submit() error = %v", err)
		}
	}
	wg.Wait()

	if ran.Load() != 100 {
		t.Fatalf("Expected 100 tasks to run, got %d", ran.Load())
	}
	if _, err := p.Shutdown(time.Second); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
}

func TestPool_BoundedConcurrency(t *testing.T) {
	const size = 3
	p := newPool(t, size)

	var current, peak atomic.Int64
	release := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		_ = p.Submit(func(context.Context) {
			defer wg.Done()
			n := current.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			<-release
			current.Add(-1)
		})
	}

	deadline := time.Now().Add(2 * time.Second)
	for p.Running() != size && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if p.Running() != size {
		t.Fatalf("Expected %d running tasks, got %d", size, p.Running())
	}
	if p.Queued() != 10-size {
		t.Fatalf("Expected %d queued tasks, got %d", 10-size, p.Queued())
	}

	close(release)
	wg.Wait()
	if peak.Load() > size {
		t.Fatalf("Expected at most %d concurrent tasks, saw %d", size, peak.Load())
	}
	_, _ = p.Shutdown(time.Second)
}

func TestPool_SubmitRightAfterRetire(t *testing.T) {
	p := newPool(t, 1)

	done := make(chan struct{}, 1)
	for i := 0; i < 5000; i++ {
		if err := p.Submit(func(context.Context) { done <- struct{}{} }); err != nil {
			t.Fatalf("Submit() #%d error = %v", i, err)
		}
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatalf("Task #%d did not run", i)
		}
	}

	if _, err := p.Shutdown(time.Second); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
}

func TestPool_WorkerLabels(t *testing.T) {
	p := newPool(t, 1)
	got := make(chan string, 1)
	_ = p.Submit(func(ctx context.Context) {
		v, _ := pprof.Label(ctx, "worker")
		got <- v
	})

	select {
	case v := <-got:
		if v != "test-worker-1" {
			t.Fatalf("Expected worker label test-worker-1, got %q", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Task did not run")
	}
	_, _ = p.Shutdown(time.Second)
}

func TestPool_PanicDoesNotLeakWorker(t *testing.T) {
	p := newPool(t, 1)
	_ = p.Submit(func(context.Context) { panic("boom") })

	done := make(chan struct{})
	_ = p.Submit(func(context.Context) { close(done) })
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Expected the worker to survive a panicking task")
	}
	_, _ = p.Shutdown(time.Second)
}

func TestPool_ShutdownWithinGrace(t *testing.T) {
	p := newPool(t, 4)

	var finished atomic.Int64
	started := make(chan struct{}, 4)
	for i := 0; i < 4; i++ {
		_ = p.Submit(func(context.Context) {
			started <- struct{}{}
			time.Sleep(50 * time.Millisecond)
			finished.Add(1)
		})
	}
	for i := 0; i < 4; i++ {
		<-started
	}

	if _, err := p.Shutdown(2 * time.Second); err != nil {
		t.Fatalf("Expected a clean shutdown, got %v", err)
	}
	if finished.Load() != 4 {
		t.Fatalf("Expected all 4 tasks to finish, got %d", finished.Load())
	}
	if err := p.Submit(func(context.Context) {}); !errors.Is(err, ErrClosed) {
		t.Fatalf("Expected ErrClosed after Shutdown, got %v", err)
	}
	if _, err := p.Shutdown(time.Second); !errors.Is(err, ErrClosed) {
		t.Fatalf("Expected a second Shutdown to report ErrClosed, got %v", err)
	}
}

func TestPool_ShutdownTimeout(t *testing.T) {
	p := newPool(t, 1)

	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	_ = p.Submit(func(context.Context) {
		close(started)
		<-release
	})
	<-started

	begin := time.Now()
	if _, err := p.Shutdown(50 * time.Millisecond); !errors.Is(err, ErrTimeout) {
		t.Fatalf("Expected ErrTimeout, got %v", err)
	}
	if d := time.Since(begin); d > time.Second {
		t.Fatalf("Shutdown took %v, longer than its grace period", d)
	}
}

func TestPool_ShutdownCancelsAndDrops(t *testing.T) {
	p := newPool(t, 1)

	started := make(chan struct{})
	_ = p.Submit(func(ctx context.Context) {
		close(started)
		<-ctx.Done()
	})
	<-started

	var queuedRan atomic.Bool
	for i := 0; i < 3; i++ {
		_ = p.Submit(func(context.Context) { queuedRan.Store(true) })
	}

	dropped, err := p.Shutdown(time.Second)
	if err != nil {
		t.Fatalf("Expected canceled tasks to drain in time, got %v", err)
	}
	if dropped != 3 {
		t.Fatalf("Expected 3 dropped tasks, got %d", dropped)
	}
	if queuedRan.Load() {
		t.Fatal("Expected queued tasks not to run after Shutdown")
	}
}
