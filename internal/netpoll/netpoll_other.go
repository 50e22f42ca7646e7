//go:build !linux

package netpoll

import "net"

// DefaultMaxEvents bounds how many readiness events one Wait call returns.
const DefaultMaxEvents = 256

// Poller is unavailable on this platform; Open always fails.
type Poller struct{}

// Open reports ErrUnsupported.
func Open(int) (*Poller, error) { return nil, ErrUnsupported }

func (*Poller) Add(int, Interest) error { return ErrUnsupported }

func (*Poller) Mod(int, Interest) error { return ErrUnsupported }

func (*Poller) Del(int) error { return ErrUnsupported }

func (*Poller) Wait([]Event) (int, error) { return 0, ErrUnsupported }

func (*Poller) Wakeup() error { return ErrUnsupported }

func (*Poller) Shutdown() error { return ErrUnsupported }

func (*Poller) Close() error { return nil }

func Listen(string, int) (int, net.Addr, error) { return -1, nil, ErrUnsupported }

func Accept(int) (int, net.Addr, error) { return -1, nil, ErrUnsupported }

func Read(int, []byte) (int, error) { return 0, ErrUnsupported }

func Write(int, []byte) (int, error) { return 0, ErrUnsupported }

func Close(int) error { return ErrUnsupported }

func WouldBlock(error) bool { return false }
