// Package loom provides an embeddable HTTP/1.1 server built on a
// single-threaded epoll reactor and a bounded worker pool.
package loom

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// ErrInvalidConfig is wrapped by the errors Validate returns.
var ErrInvalidConfig = errors.New("loom: invalid config")

// Config holds the server configuration options.
type Config struct {
	Addr               string        // Address to bind to, host:port. An empty host binds every interface
	Workers            int           // Number of pool workers running handlers
	MaxPreambleLength  int           // Maximum size of request line plus headers; larger requests get 431
	PreambleBufferSize int           // Size of the shared read buffer used while reading headers
	MaxBodyBytes       int64         // Maximum request body size; larger bodies get 413. Negative disables the limit
	ShutdownTimeout    time.Duration // How long Stop waits for running handlers
	IdleTimeout        time.Duration // Maximum idle time before a connection is closed. Negative disables reaping
	ReapInterval       time.Duration // How often idle connections are looked for
	DisableKeepAlive   bool          // Close every connection after one response
	Logger             *zap.Logger   // Logger for server events
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() Config {
	return Config{
		Addr:               ":8080",
		Workers:            40,
		MaxPreambleLength:  64 << 10,
		PreambleBufferSize: 4096,
		MaxBodyBytes:       10 << 20,
		ShutdownTimeout:    10 * time.Second,
		IdleTimeout:        60 * time.Second,
		ReapInterval:       time.Second,
		Logger:             zap.NewNop(),
	}
}

// Validate checks and normalizes the configuration values. Zero values are
// replaced by their defaults.
func (c *Config) Validate() error {
	switch {
	case c.Workers < 0:
		return fmt.Errorf("%w: negative Workers %d", ErrInvalidConfig, c.Workers)
	case c.MaxPreambleLength < 0:
		return fmt.Errorf("%w: negative MaxPreambleLength %d", ErrInvalidConfig, c.MaxPreambleLength)
	case c.PreambleBufferSize < 0:
		return fmt.Errorf("%w: negative PreambleBufferSize %d", ErrInvalidConfig, c.PreambleBufferSize)
	case c.ShutdownTimeout < 0:
		return fmt.Errorf("%w: negative ShutdownTimeout %v", ErrInvalidConfig, c.ShutdownTimeout)
	case c.ReapInterval < 0:
		return fmt.Errorf("%w: negative ReapInterval %v", ErrInvalidConfig, c.ReapInterval)
	}

	d := DefaultConfig()
	if c.Addr == "" {
		c.Addr = d.Addr
	}
	if c.Workers == 0 {
		c.Workers = d.Workers
	}
	if c.MaxPreambleLength == 0 {
		c.MaxPreambleLength = d.MaxPreambleLength
	}
	if c.PreambleBufferSize == 0 {
		c.PreambleBufferSize = d.PreambleBufferSize
	}
	if c.MaxBodyBytes == 0 {
		c.MaxBodyBytes = d.MaxBodyBytes
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = d.ShutdownTimeout
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	if c.ReapInterval == 0 {
		c.ReapInterval = d.ReapInterval
	}
	if c.Logger == nil {
		c.Logger = d.Logger
	}
	return nil
}
