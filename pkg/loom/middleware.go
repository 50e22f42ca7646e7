package loom

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// LoggerConfig defines the configuration options for the Logger middleware.
type LoggerConfig struct {
	// Logger receives one entry per request (defaults to zap.NewNop())
	Logger *zap.Logger
	// SkipPaths lists paths to skip logging (e.g., health checks)
	SkipPaths []string
	// CustomFields allows adding custom fields to each log entry
	CustomFields func(r *Request) []zap.Field
}

// Logger returns a middleware that logs every request to l at info level,
// or error level when the handler failed.
func Logger(l *zap.Logger) Middleware {
	return LoggerWithConfig(LoggerConfig{Logger: l})
}

// LoggerWithConfig returns a middleware that logs HTTP requests with custom configuration.
func LoggerWithConfig(config LoggerConfig) Middleware {
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}

	skipMap := make(map[string]bool, len(config.SkipPaths))
	for _, path := range config.SkipPaths {
		skipMap[path] = true
	}

	return func(next Handler) Handler {
		return HandlerFunc(func(w *ResponseWriter, r *Request) error {
			if skipMap[r.Path()] {
				return next.ServeHTTP1(w, r)
			}

			start := time.Now()
			err := next.ServeHTTP1(w, r)

			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.Path()),
				zap.Int("status", responseStatus(w, err)),
				zap.Int64("bytes", w.Written()),
				zap.Duration("duration", time.Since(start)),
				zap.String("remote_addr", r.RemoteAddr),
			}
			if id, ok := RequestIDFromContext(r.Context()); ok {
				fields = append(fields, zap.String("request_id", id))
			}
			if config.CustomFields != nil {
				fields = append(fields, config.CustomFields(r)...)
			}

			if err != nil {
				config.Logger.Error("request failed", append(fields, zap.Error(err))...)
			} else {
				config.Logger.Info("request", fields...)
			}
			return err
		})
	}
}

// Recovery returns a middleware that turns a handler panic into a 500
// error, so outer middleware sees the failure as an ordinary error.
func Recovery() Middleware {
	return func(next Handler) Handler {
		return HandlerFunc(func(w *ResponseWriter, r *Request) (err error) {
			defer func() {
				if v := recover(); v != nil {
					if v == http.ErrAbortHandler {
						panic(v)
					}
					err = NewHTTPError(http.StatusInternalServerError, fmt.Errorf("loom: panic serving %s: %v", r.Path(), v))
				}
			}()

			return next.ServeHTTP1(w, r)
		})
	}
}

// RequestIDHeader is read and echoed by the RequestID middleware.
const RequestIDHeader = "X-Request-ID"

type requestIDKey struct{}

// RequestID returns a middleware that adds a unique request ID to each request.
// If a request ID is not already present in the headers, a random UUID is
// generated. The ID is stored in the request context and echoed in the
// response headers.
func RequestID() Middleware {
	return func(next Handler) Handler {
		return HandlerFunc(func(w *ResponseWriter, r *Request) error {
			requestID := r.Header.Get(RequestIDHeader)
			if requestID == "" {
				requestID = uuid.NewString()
			}

			w.Header().Set(RequestIDHeader, requestID)
			ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
			return next.ServeHTTP1(w, r.WithContext(ctx))
		})
	}
}

// RequestIDFromContext returns the ID set by the RequestID middleware.
func RequestIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(requestIDKey{}).(string)
	return id, ok
}

// responseStatus is the status the client sees: the handler's status, or
// the fallback status of its error when nothing was committed.
func responseStatus(w *ResponseWriter, err error) int {
	switch {
	case err != nil && !w.Committed():
		return StatusOf(err)
	case w.Status() != 0:
		return w.Status()
	default:
		return http.StatusOK
	}
}
