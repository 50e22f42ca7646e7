//go:build linux

package netpoll

import (
	"encoding/binary"
	"errors"
	"os"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// DefaultMaxEvents bounds how many readiness events one Wait call returns.
const DefaultMaxEvents = 256

// Poller is a level-triggered epoll instance with an eventfd registered for
// cross-goroutine wake-ups. Add, Mod, Del and Wait belong to the goroutine
// running the event loop; Wakeup and Shutdown may be called from anywhere.
type Poller struct {
	epfd   int
	wakefd int
	raw    []unix.EpollEvent

	closed  atomic.Bool
	pending atomic.Bool // a wake-up was written and not yet drained

	mu       sync.RWMutex // guards wakefd against release while a wake-up is written
	released bool
	once     sync.Once

	afterDrainRead func() // test hook, runs between the eventfd read and clearing pending
}

// Open creates the epoll instance and its wake-up eventfd.
func Open(maxEvents int) (*Poller, error) {
	if maxEvents <= 0 {
		maxEvents = DefaultMaxEvents
	}

	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("epoll_create1", err)
	}

	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, os.NewSyscallError("eventfd", err)
	}

	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakefd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakefd, &ev); err != nil {
		_ = unix.Close(wakefd)
		_ = unix.Close(epfd)
		return nil, os.NewSyscallError("epoll_ctl add eventfd", err)
	}

	return &Poller{
		epfd:   epfd,
		wakefd: wakefd,
		raw:    make([]unix.EpollEvent, maxEvents),
	}, nil
}

// Add registers fd with the given interest.
func (p *Poller) Add(fd int, in Interest) error {
	ev := unix.EpollEvent{Events: epollEvents(in), Fd: int32(fd)}
	return os.NewSyscallError("epoll_ctl add", unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev))
}

// Mod replaces the interest of an already registered fd.
func (p *Poller) Mod(fd int, in Interest) error {
	ev := unix.EpollEvent{Events: epollEvents(in), Fd: int32(fd)}
	return os.NewSyscallError("epoll_ctl mod", unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev))
}

// Del unregisters fd. Unregistering an fd that is not registered is an error
// (ENOENT) the caller may ignore.
func (p *Poller) Del(fd int) error {
	var ev unix.EpollEvent
	return os.NewSyscallError("epoll_ctl del", unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, &ev))
}

// Wait blocks with no timeout until at least one registered descriptor is
// ready or Wakeup is called, and fills events. events must not be empty.
// Once Shutdown has been called Wait returns ErrClosed.
func (p *Poller) Wait(events []Event) (int, error) {
	limit := len(events)
	if limit > len(p.raw) {
		limit = len(p.raw)
	}

	for {
		if p.closed.Load() {
			return 0, ErrClosed
		}

		n, err := unix.EpollWait(p.epfd, p.raw[:limit], -1)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			if p.closed.Load() {
				return 0, ErrClosed
			}
			return 0, os.NewSyscallError("epoll_wait", err)
		}

		if p.closed.Load() {
			return 0, ErrClosed
		}

		for i := 0; i < n; i++ {
			fd := int(p.raw[i].Fd)
			if fd == p.wakefd {
				p.drainWakeup()
				events[i] = Event{Fd: fd, flags: flagWake}
				continue
			}
			events[i] = Event{Fd: fd, flags: translate(p.raw[i].Events)}
		}
		return n, nil
	}
}

// Wakeup interrupts a blocked Wait. Concurrent calls before the loop drains
// the eventfd collapse into a single wake-up.
func (p *Poller) Wakeup() error {
	if !p.pending.CompareAndSwap(false, true) {
		return nil
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.released {
		return ErrClosed
	}

	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	for {
		_, err := unix.Write(p.wakefd, buf[:])
		switch {
		case err == nil:
			return nil
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			// counter saturated, the loop is already due to wake
			return nil
		default:
			return os.NewSyscallError("eventfd write", err)
		}
	}
}

// Shutdown makes the current and every later Wait return ErrClosed.
// It does not release descriptors; the loop calls Close once it has exited.
func (p *Poller) Shutdown() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	p.pending.Store(false)
	return p.Wakeup()
}

// Close releases the epoll instance and the eventfd. It is idempotent.
func (p *Poller) Close() error {
	var err error
	p.once.Do(func() {
		p.closed.Store(true)

		p.mu.Lock()
		p.released = true
		p.mu.Unlock()

		err = errors.Join(
			os.NewSyscallError("close eventfd", unix.Close(p.wakefd)),
			os.NewSyscallError("close epoll", unix.Close(p.epfd)),
		)
	})
	return err
}

// drainWakeup resets the eventfd before clearing pending, so pending is never
// left set with nothing to read. A Wakeup racing the read collapses into this
// one; the caller drains its queue after Wait returns.
func (p *Poller) drainWakeup() {
	var buf [8]byte
	_, _ = unix.Read(p.wakefd, buf[:])
	if p.afterDrainRead != nil {
		p.afterDrainRead()
	}
	p.pending.Store(false)
}

func epollEvents(in Interest) uint32 {
	var ev uint32
	if in&InterestRead != 0 {
		ev |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if in&InterestWrite != 0 {
		ev |= unix.EPOLLOUT
	}
	return ev
}

func translate(ev uint32) uint8 {
	var f uint8
	if ev&unix.EPOLLIN != 0 {
		f |= flagRead
	}
	if ev&unix.EPOLLOUT != 0 {
		f |= flagWrite
	}
	if ev&(unix.EPOLLHUP|unix.EPOLLERR|unix.EPOLLRDHUP) != 0 {
		f |= flagHangup
	}
	return f
}
