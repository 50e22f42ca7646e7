package h1

import (
	"errors"
	"net/http"
	"strconv"
)

// Protocol errors reported by RequestMachine.Err, always wrapped in an
// *HTTPError carrying the status sent back to the client.
var (
	ErrPreambleTooLarge            = errors.New("h1: request preamble too large")
	ErrMalformedRequestLine        = errors.New("h1: malformed request line")
	ErrMalformedHeader             = errors.New("h1: malformed header")
	ErrUnsupportedVersion          = errors.New("h1: unsupported HTTP version")
	ErrMissingHost                 = errors.New("h1: missing Host header")
	ErrInvalidContentLength        = errors.New("h1: invalid Content-Length")
	ErrConflictingFraming          = errors.New("h1: both Content-Length and Transfer-Encoding present")
	ErrUnsupportedTransferEncoding = errors.New("h1: unsupported Transfer-Encoding")
	ErrBodyTooLarge                = errors.New("h1: request body too large")
	ErrMalformedChunk              = errors.New("h1: malformed chunked body")
)

// HTTPError is an error with the HTTP status it should be answered with.
// Handlers may return one to pick the fallback status instead of 500.
type HTTPError struct {
	Code int
	Err  error
}

// NewHTTPError wraps err with a status code.
func NewHTTPError(code int, err error) *HTTPError {
	return &HTTPError{Code: code, Err: err}
}

func (e *HTTPError) Error() string {
	if e.Err == nil {
		return strconv.Itoa(e.Code) + " " + http.StatusText(e.Code)
	}
	return e.Err.Error()
}

func (e *HTTPError) Unwrap() error { return e.Err }

// StatusOf returns the status an error should be answered with: the code of
// the first *HTTPError in its chain, or 500.
func StatusOf(err error) int {
	var he *HTTPError
	if errors.As(err, &he) && he.Code >= 400 && he.Code <= 599 {
		return he.Code
	}
	return http.StatusInternalServerError
}

// ErrResponseFinished is returned by writes after the response was finished.
var ErrResponseFinished = errors.New("h1: write after response finished")
