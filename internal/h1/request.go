package h1

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"

	"github.com/valyala/bytebufferpool"
)

// RequestState is the position of a RequestMachine in the request framing.
type RequestState uint8

const (
	// StatePreamble collects the request line and headers.
	StatePreamble RequestState = iota
	// StateBody collects the payload declared by the preamble.
	StateBody
	// StateComplete holds a fully framed request.
	StateComplete
	// StateFailed is the error-terminal state; Err reports why and which
	// status to answer with.
	StateFailed
)

func (s RequestState) String() string {
	switch s {
	case StatePreamble:
		return "preamble"
	case StateBody:
		return "body"
	case StateComplete:
		return "complete"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no more request bytes are accepted.
func (s RequestState) Terminal() bool { return s == StateComplete || s == StateFailed }

// Limits bounds what a RequestMachine accepts.
type Limits struct {
	// MaxPreambleLength bounds the request line plus headers, including the
	// terminating empty line.
	MaxPreambleLength int
	// MaxBodyBytes bounds the decoded body; zero means unlimited.
	MaxBodyBytes int64
}

// DefaultLimits are used for zero fields.
var DefaultLimits = Limits{MaxPreambleLength: 64 << 10, MaxBodyBytes: 10 << 20}

// bodyReadSize is the minimum spare capacity BodyBuffer offers.
const bodyReadSize = 4096

// Request is the read-only view of a framed request handed to handlers.
// Body is only valid until the handler returns.
type Request struct {
	Method     string
	RequestURI string
	URL        *url.URL
	Proto      string
	ProtoMajor int
	ProtoMinor int
	Header     http.Header
	Host       string
	// ContentLength is -1 for chunked bodies until the body completes,
	// then the decoded length.
	ContentLength int64
	Chunked       bool
	// Close reports that the client does not want the connection reused.
	Close      bool
	RemoteAddr string

	body []byte
	ctx  context.Context
}

// Body returns the request payload.
func (r *Request) Body() []byte { return r.body }

// Path returns the request path.
func (r *Request) Path() string { return r.URL.Path }

// Query parses the query string.
func (r *Request) Query() url.Values { return r.URL.Query() }

// Context returns the request context, canceled when the server shuts down.
func (r *Request) Context() context.Context {
	if r.ctx != nil {
		return r.ctx
	}
	return context.Background()
}

// WithContext returns a shallow copy of r with its context changed to ctx.
func (r *Request) WithContext(ctx context.Context) *Request {
	if ctx == nil {
		panic("nil context")
	}
	r2 := new(Request)
	*r2 = *r
	r2.ctx = ctx
	return r2
}

// Std converts the view into a *http.Request sharing its header map.
func (r *Request) Std() *http.Request {
	sr := &http.Request{
		Method:        r.Method,
		URL:           r.URL,
		Proto:         r.Proto,
		ProtoMajor:    r.ProtoMajor,
		ProtoMinor:    r.ProtoMinor,
		Header:        r.Header,
		Host:          r.Host,
		ContentLength: int64(len(r.body)),
		Close:         r.Close,
		RemoteAddr:    r.RemoteAddr,
		RequestURI:    r.RequestURI,
		Body:          http.NoBody,
	}
	if len(r.body) > 0 {
		sr.Body = io.NopCloser(bytes.NewReader(r.body))
	}
	return sr.WithContext(r.Context())
}

// RequestMachine frames one request at a time from bytes fed by the reactor.
// It is resumable: feeding fewer bytes than needed leaves the state unchanged
// and keeps the parse position. Bytes past the end of a request are retained
// and replayed by Next.
type RequestMachine struct {
	limits Limits
	state  RequestState
	err    error

	pre     []byte
	scanned int

	req       Request
	body      *bytebufferpool.ByteBuffer
	remaining int64
	chunk     chunkDecoder

	leftover []byte
}

// NewRequestMachine returns a machine in StatePreamble.
func NewRequestMachine(l Limits) *RequestMachine {
	if l.MaxPreambleLength <= 0 {
		l.MaxPreambleLength = DefaultLimits.MaxPreambleLength
	}
	if l.MaxBodyBytes < 0 {
		l.MaxBodyBytes = 0
	}
	return &RequestMachine{limits: l}
}

// State returns the current state.
func (m *RequestMachine) State() RequestState { return m.state }

// Err returns the *HTTPError that moved the machine to StateFailed.
func (m *RequestMachine) Err() error { return m.err }

// Request returns the parsed request once the preamble is complete, nil
// before that or when the preamble itself failed.
func (m *RequestMachine) Request() *Request {
	if m.req.URL == nil {
		return nil
	}
	return &m.req
}

// Leftover returns bytes received after the end of the current request.
func (m *RequestMachine) Leftover() []byte { return m.leftover }

// Feed consumes the next chunk of input and returns the new state. p is
// copied; the caller may reuse it immediately.
func (m *RequestMachine) Feed(p []byte) RequestState {
	switch m.state {
	case StatePreamble:
		return m.feedPreamble(p)
	case StateBody:
		return m.feedBody(p)
	default:
		m.leftover = append(m.leftover, p...)
		return m.state
	}
}

// BodyBuffer returns spare capacity of the body buffer to read into while in
// StateBody. For Content-Length bodies it is never longer than the bytes
// still expected, so a pipelined request is left in the socket. Call BodyRead
// with the number of bytes written.
func (m *RequestMachine) BodyBuffer() []byte {
	if m.state != StateBody {
		return nil
	}
	want := int64(bodyReadSize)
	if !m.req.Chunked && m.remaining < want {
		want = m.remaining
	}
	b := m.body.B
	if int64(cap(b)-len(b)) < want {
		grown := make([]byte, len(b), len(b)+int(want)+len(b)/2)
		copy(grown, b)
		m.body.B = grown
		b = grown
	}
	if m.req.Chunked {
		return b[len(b):cap(b)]
	}
	return b[len(b) : len(b)+int(want)]
}

// BodyRead accounts for n bytes written into the slice from BodyBuffer.
func (m *RequestMachine) BodyRead(n int) RequestState {
	if m.state != StateBody || n <= 0 {
		return m.state
	}
	start := len(m.body.B)
	if !m.req.Chunked {
		if int64(n) > m.remaining {
			m.leftover = append(m.leftover, m.body.B[start+int(m.remaining):start+n]...)
			n = int(m.remaining)
		}
		m.body.B = m.body.B[:start+n]
		m.remaining -= int64(n)
		if m.remaining == 0 {
			m.complete()
		}
		return m.state
	}

	raw := m.body.B[start : start+n]
	out, used, err := m.chunk.decode(m.body.B[:start], raw, m.limits.MaxBodyBytes)
	m.body.B = out
	return m.afterChunk(raw[used:], err)
}

// Next prepares the machine for the following request on the same
// connection and replays any retained bytes into it.
func (m *RequestMachine) Next() RequestState {
	left := m.leftover
	m.reset()
	if len(left) == 0 {
		return m.state
	}
	return m.Feed(left)
}

// Release returns pooled buffers. The machine must not be used afterwards.
func (m *RequestMachine) Release() {
	m.reset()
	m.pre = nil
}

func (m *RequestMachine) reset() {
	if m.body != nil {
		bytebufferpool.Put(m.body)
		m.body = nil
	}
	m.state = StatePreamble
	m.err = nil
	m.pre = m.pre[:0]
	m.scanned = 0
	m.req = Request{}
	m.remaining = 0
	m.chunk.reset()
	m.leftover = nil
}

func (m *RequestMachine) feedPreamble(p []byte) RequestState {
	m.pre = append(m.pre, p...)

	// empty lines before the request line are ignored
	for m.scanned == 0 && bytes.HasPrefix(m.pre, crlf) {
		m.pre = m.pre[2:]
	}
	if len(m.pre) == 1 && m.pre[0] == '\r' {
		return m.state
	}

	from := m.scanned - 3
	if from < 0 {
		from = 0
	}
	idx := bytes.Index(m.pre[from:], crlfcrlf)
	if idx < 0 {
		if len(m.pre) > m.limits.MaxPreambleLength {
			return m.fail(NewHTTPError(http.StatusRequestHeaderFieldsTooLarge, ErrPreambleTooLarge))
		}
		m.scanned = len(m.pre)
		return m.state
	}

	end := from + idx + len(crlfcrlf)
	if end > m.limits.MaxPreambleLength {
		return m.fail(NewHTTPError(http.StatusRequestHeaderFieldsTooLarge, ErrPreambleTooLarge))
	}
	if err := parsePreamble(m.pre[:end], &m.req); err != nil {
		m.req = Request{}
		return m.fail(err)
	}

	rest := m.pre[end:]
	switch {
	case m.req.Chunked:
		m.startBody()
	case m.req.ContentLength > 0:
		if limit := m.limits.MaxBodyBytes; limit > 0 && m.req.ContentLength > limit {
			return m.fail(errBodyTooLarge)
		}
		m.remaining = m.req.ContentLength
		m.startBody()
	default:
		m.complete()
		m.leftover = append(m.leftover, rest...)
		return m.state
	}

	if len(rest) == 0 {
		return m.state
	}
	return m.feedBody(rest)
}

func (m *RequestMachine) startBody() {
	m.state = StateBody
	m.body = bytebufferpool.Get()
}

func (m *RequestMachine) feedBody(p []byte) RequestState {
	if !m.req.Chunked {
		n := int64(len(p))
		if n > m.remaining {
			n = m.remaining
		}
		m.body.B = append(m.body.B, p[:n]...)
		m.remaining -= n
		if m.remaining == 0 {
			m.complete()
			m.leftover = append(m.leftover, p[n:]...)
		}
		return m.state
	}

	out, used, err := m.chunk.decode(m.body.B, p, m.limits.MaxBodyBytes)
	m.body.B = out
	return m.afterChunk(p[used:], err)
}

func (m *RequestMachine) afterChunk(rest []byte, err error) RequestState {
	if err != nil {
		return m.fail(err)
	}
	if m.chunk.done() {
		m.req.ContentLength = int64(len(m.body.B))
		m.complete()
		m.leftover = append(m.leftover, rest...)
	}
	return m.state
}

func (m *RequestMachine) complete() {
	m.state = StateComplete
	if m.body != nil {
		m.req.body = m.body.B
	}
}

func (m *RequestMachine) fail(err error) RequestState {
	m.state = StateFailed
	m.err = err
	return m.state
}
