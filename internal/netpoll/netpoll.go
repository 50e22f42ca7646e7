// Package netpoll provides the readiness-wait primitive used by the reactor:
// an epoll instance with an eventfd wake-up channel, plus the raw non-blocking
// socket calls the reactor performs on registered descriptors.
package netpoll

import "errors"

// Interest is the readiness set a descriptor is registered for.
type Interest uint8

const (
	// InterestNone keeps the descriptor registered but silent, except for
	// hang-up and error conditions which the kernel always reports.
	InterestNone Interest = 0
	// InterestRead asks for read readiness (and accept readiness on listeners).
	InterestRead Interest = 1
	// InterestWrite asks for write readiness.
	InterestWrite Interest = 2
)

// String returns a short name for logging.
func (i Interest) String() string {
	switch i {
	case InterestNone:
		return "none"
	case InterestRead:
		return "read"
	case InterestWrite:
		return "write"
	case InterestRead | InterestWrite:
		return "read|write"
	default:
		return "unknown"
	}
}

const (
	flagRead uint8 = 1 << iota
	flagWrite
	flagHangup
	flagWake
)

// Event is one readiness notification returned by Wait.
type Event struct {
	Fd    int
	flags uint8
}

// Readable reports read readiness. Hang-up and error conditions count as
// readable so the following read observes them.
func (e Event) Readable() bool { return e.flags&(flagRead|flagHangup) != 0 }

// Writable reports write readiness. Hang-up and error conditions count as
// writable so the following write observes them.
func (e Event) Writable() bool { return e.flags&(flagWrite|flagHangup) != 0 }

// Hangup reports a peer hang-up or socket error.
func (e Event) Hangup() bool { return e.flags&flagHangup != 0 }

// Wakeup reports that the event came from Poller.Wakeup rather than a socket.
func (e Event) Wakeup() bool { return e.flags&flagWake != 0 }

var (
	// ErrClosed is returned by Wait once Shutdown has been called. It is the
	// reactor's normal termination signal.
	ErrClosed = errors.New("netpoll: poller closed")
	// ErrUnsupported is returned on platforms without an implementation.
	ErrUnsupported = errors.New("netpoll: platform not supported")
)
