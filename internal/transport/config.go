// Package transport is the connection layer of the server: the epoll
// reactor, the per-connection unit of work handed to the worker pool, and
// the lifecycle controller tying them to the idle reaper.
package transport

import (
	"time"

	"go.uber.org/zap"
)

// verboseLogging controls per-connection debug logs on the reactor hot path.
const verboseLogging = false

// Defaults applied by Config.normalize.
const (
	DefaultAddr               = ":8080"
	DefaultWorkers            = 40
	DefaultMaxPreambleLength  = 64 << 10
	DefaultPreambleBufferSize = 4096
	DefaultMaxBodyBytes       = 10 << 20
	DefaultShutdownTimeout    = 10 * time.Second
	DefaultIdleTimeout        = 60 * time.Second
	DefaultReapInterval       = time.Second
)

// Config configures a Server. Zero values select the defaults above; a
// negative IdleTimeout disables the reaper and a negative MaxBodyBytes
// removes the body limit.
type Config struct {
	Addr               string
	Workers            int
	MaxPreambleLength  int
	PreambleBufferSize int
	MaxBodyBytes       int64
	ShutdownTimeout    time.Duration
	IdleTimeout        time.Duration
	ReapInterval       time.Duration
	DisableKeepAlive   bool
	Logger             *zap.Logger
}

func (c *Config) normalize() {
	if c.Addr == "" {
		c.Addr = DefaultAddr
	}
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.MaxPreambleLength <= 0 {
		c.MaxPreambleLength = DefaultMaxPreambleLength
	}
	if c.PreambleBufferSize <= 0 {
		c.PreambleBufferSize = DefaultPreambleBufferSize
	}
	switch {
	case c.MaxBodyBytes == 0:
		c.MaxBodyBytes = DefaultMaxBodyBytes
	case c.MaxBodyBytes < 0:
		c.MaxBodyBytes = 0
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	switch {
	case c.IdleTimeout == 0:
		c.IdleTimeout = DefaultIdleTimeout
	case c.IdleTimeout < 0:
		c.IdleTimeout = 0
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = DefaultReapInterval
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}
