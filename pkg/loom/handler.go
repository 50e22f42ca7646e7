package loom

import "github.com/FumingPower3925/loom/internal/h1"

type (
	// Request is a fully framed HTTP/1.1 request. Its body is only valid
	// until the handler returns.
	Request = h1.Request
	// ResponseWriter streams a response back to the client. It implements
	// http.ResponseWriter and http.Flusher.
	ResponseWriter = h1.ResponseWriter
	// HTTPError carries the status an error should be answered with.
	HTTPError = h1.HTTPError
)

// Handler defines the interface for request handlers. Returning an error
// makes the server answer with StatusOf(err) when nothing was sent yet, or
// terminate the response and close the connection otherwise.
type Handler = h1.Handler

// HandlerFunc is an adapter to allow ordinary functions to be used as handlers.
type HandlerFunc = h1.HandlerFunc

// NewHTTPError wraps err with the status code it should be answered with.
func NewHTTPError(code int, err error) *HTTPError { return h1.NewHTTPError(code, err) }

// StatusOf returns the status an error is answered with.
func StatusOf(err error) int { return h1.StatusOf(err) }

// Middleware is a function that wraps a Handler with additional functionality.
type Middleware func(Handler) Handler

// MiddlewareFunc is a function-based middleware that receives the request and next handler.
type MiddlewareFunc func(w *ResponseWriter, r *Request, next Handler) error

// ToMiddleware converts a MiddlewareFunc to a Middleware.
func (m MiddlewareFunc) ToMiddleware() Middleware {
	return func(next Handler) Handler {
		return HandlerFunc(func(w *ResponseWriter, r *Request) error {
			return m(w, r, next)
		})
	}
}

// Chain combines multiple middlewares into a single middleware. The first
// one is the outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(final Handler) Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			final = middlewares[i](final)
		}
		return final
	}
}
