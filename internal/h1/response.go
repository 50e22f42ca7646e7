package h1

import (
	"sync"

	"github.com/valyala/bytebufferpool"
)

// ResponseMachine is the ordered, lazily produced sequence of output segments
// of one response, ending in a terminal sentinel. A handler goroutine appends
// while the reactor drains, so the queue is guarded by a mutex; segments are
// immutable once queued.
type ResponseMachine struct {
	mu        sync.Mutex
	segs      []*bytebufferpool.ByteBuffer
	off       int
	done      bool
	keepAlive bool
	onReady   func()
}

// NewResponseMachine returns an empty machine. onReady, if set, is called
// without the lock held every time a segment or the sentinel is queued.
func NewResponseMachine(onReady func()) *ResponseMachine {
	return &ResponseMachine{onReady: onReady}
}

// Current returns the unwritten part of the head segment. It returns
// (nil, false) when nothing is ready yet and (nil, true) once every segment
// was consumed and the sentinel is queued.
func (m *ResponseMachine) Current() ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.segs) > 0 {
		return m.segs[0].B[m.off:], false
	}
	return nil, m.done
}

// Consume records that n bytes of the current segment were written.
func (m *ResponseMachine) Consume(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for n > 0 && len(m.segs) > 0 {
		avail := len(m.segs[0].B) - m.off
		if n < avail {
			m.off += n
			return
		}
		n -= avail
		m.pop()
	}
}

// Pending reports the number of queued, unwritten bytes.
func (m *ResponseMachine) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := -m.off
	for _, s := range m.segs {
		total += len(s.B)
	}
	return total
}

// Done reports whether the sentinel has been queued.
func (m *ResponseMachine) Done() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.done
}

// KeepAlive reports whether the connection may be reused once the response
// is written. It is meaningful after Done returns true.
func (m *ResponseMachine) KeepAlive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.keepAlive
}

// Reset drops queued segments and clears the sentinel.
func (m *ResponseMachine) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for len(m.segs) > 0 {
		m.pop()
	}
	m.done = false
	m.keepAlive = false
}

// push queues seg, which must not be touched afterwards.
func (m *ResponseMachine) push(seg *bytebufferpool.ByteBuffer) {
	m.enqueue(seg, false, false)
}

// finish queues seg followed by the sentinel.
func (m *ResponseMachine) finish(seg *bytebufferpool.ByteBuffer, keepAlive bool) {
	m.enqueue(seg, true, keepAlive)
}

// enqueue appends seg and optionally the sentinel. Anything queued after the
// sentinel is dropped.
func (m *ResponseMachine) enqueue(seg *bytebufferpool.ByteBuffer, last, keepAlive bool) {
	m.mu.Lock()
	if m.done {
		m.mu.Unlock()
		if seg != nil {
			bytebufferpool.Put(seg)
		}
		return
	}
	if seg != nil && len(seg.B) > 0 {
		m.segs = append(m.segs, seg)
	} else if seg != nil {
		bytebufferpool.Put(seg)
	}
	if last {
		m.done = true
		m.keepAlive = keepAlive
	}
	m.mu.Unlock()

	if m.onReady != nil {
		m.onReady()
	}
}

func (m *ResponseMachine) pop() {
	bytebufferpool.Put(m.segs[0])
	m.segs[0] = nil
	m.segs = m.segs[1:]
	m.off = 0
}
