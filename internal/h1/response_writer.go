package h1

import (
	"net/http"
	"slices"
	"strconv"

	"github.com/valyala/bytebufferpool"
	"golang.org/x/net/http/httpguts"

	"github.com/FumingPower3925/loom/internal/date"
)

// segmentThreshold is how much body is buffered before it is queued as a
// segment. Responses smaller than this that finish without a Flush are sent
// as a single segment with a Content-Length.
const segmentThreshold = 16 << 10

var (
	statusLine200   = []byte("HTTP/1.1 200 OK\r\n")
	headerKeepAlive = []byte("Connection: keep-alive\r\n")
	headerClose     = []byte("Connection: close\r\n")
	headerDate      = []byte("Date: ")
	headerSep       = []byte(": ")
	chunkEnd        = []byte("0\r\n\r\n")
)

// ResponseWriter is the response sink handed to handlers. It implements
// http.ResponseWriter and http.Flusher on top of a ResponseMachine. It is not
// safe for concurrent use by several goroutines.
type ResponseWriter struct {
	m          *ResponseMachine
	method     string
	protoMinor int
	header     http.Header

	status      int
	wroteHeader bool
	committed   bool
	finished    bool
	chunked     bool
	declared    int64
	keepAlive   bool
	clientClose bool

	buf     *bytebufferpool.ByteBuffer
	written int64
}

// NewResponseWriter binds a writer for req to m. req may be nil when the
// request could not be parsed.
func NewResponseWriter(m *ResponseMachine, req *Request, keepAlive bool) *ResponseWriter {
	w := &ResponseWriter{
		m:          m,
		method:     http.MethodGet,
		protoMinor: 1,
		header:     make(http.Header),
		declared:   -1,
		keepAlive:  keepAlive,
		buf:        bytebufferpool.Get(),
	}
	if req != nil {
		w.method = req.Method
		w.protoMinor = req.ProtoMinor
		w.clientClose = req.Close
		w.keepAlive = keepAlive && !req.Close
	}
	return w
}

// Header returns the header map sent by WriteHeader.
func (w *ResponseWriter) Header() http.Header { return w.header }

// WriteHeader sets the status code. Only the first call has an effect;
// informational codes are ignored.
func (w *ResponseWriter) WriteHeader(code int) {
	if w.wroteHeader || w.committed {
		return
	}
	if code < 100 || code > 999 {
		panic("h1: invalid WriteHeader code " + strconv.Itoa(code))
	}
	if code < 200 {
		return
	}
	w.status = code
	w.wroteHeader = true
}

// Write buffers p as response body. Buffered bytes are queued when they
// exceed an internal threshold or on Flush.
func (w *ResponseWriter) Write(p []byte) (int, error) {
	if w.finished {
		return 0, ErrResponseFinished
	}
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	if !bodyAllowedForStatus(w.status) {
		return 0, http.ErrBodyNotAllowed
	}
	if w.declared >= 0 && w.written+int64(len(p)) > w.declared {
		return 0, http.ErrContentLength
	}
	w.written += int64(len(p))
	if w.method == http.MethodHead {
		return len(p), nil
	}

	if !w.committed {
		_, _ = w.buf.Write(p)
		if w.buf.Len() >= segmentThreshold {
			w.commit(false)
		}
		return len(p), nil
	}

	w.appendBody(p)
	if w.buf.Len() >= segmentThreshold {
		w.m.push(w.buf)
		w.buf = bytebufferpool.Get()
	}
	return len(p), nil
}

// WriteString is Write for strings.
func (w *ResponseWriter) WriteString(s string) (int, error) {
	return w.Write([]byte(s))
}

// Flush commits the header if needed and queues everything buffered so far.
// After the first Flush the body is sent chunked on HTTP/1.1 unless the
// handler declared a Content-Length.
func (w *ResponseWriter) Flush() {
	if w.finished {
		return
	}
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	if !w.committed {
		w.commit(false)
		return
	}
	if w.buf.Len() > 0 {
		w.m.push(w.buf)
		w.buf = bytebufferpool.Get()
	}
}

// SetKeepAlive asks for the connection to be reused or closed after this
// response. Reuse cannot be requested once the header was sent with close,
// nor when the client asked to close.
func (w *ResponseWriter) SetKeepAlive(v bool) {
	if v && (w.committed || w.clientClose) {
		return
	}
	w.keepAlive = v
}

// KeepAlive reports whether the connection will be reused.
func (w *ResponseWriter) KeepAlive() bool { return w.keepAlive }

// Status returns the status code, 0 before WriteHeader or the first Write.
func (w *ResponseWriter) Status() int { return w.status }

// Written returns the number of body bytes accepted so far.
func (w *ResponseWriter) Written() int64 { return w.written }

// Committed reports whether the header has been queued.
func (w *ResponseWriter) Committed() bool { return w.committed }

// Finish completes the response and queues the terminal sentinel. It is
// idempotent.
func (w *ResponseWriter) Finish() {
	if w.finished {
		return
	}
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	if !w.committed {
		w.commit(true)
		return
	}

	tail := w.buf
	w.buf = nil
	if w.chunked {
		tail.B = append(tail.B, chunkEnd...)
	}
	if w.declared >= 0 && w.written < w.declared {
		w.keepAlive = false
	}
	w.finished = true
	w.m.finish(tail, w.keepAlive)
}

// Fail ends the response after a handler error. Before the header was sent
// the buffered response is replaced by a plain-text error with the status
// from StatusOf(err). Afterwards the response is terminated and the
// connection is closed once it is written.
func (w *ResponseWriter) Fail(err error) {
	if w.finished {
		return
	}
	if w.committed {
		w.keepAlive = false
		w.Finish()
		return
	}

	code := StatusOf(err)
	w.buf.Reset()
	w.header = make(http.Header, 2)
	w.header.Set("Content-Type", "text/plain; charset=utf-8")
	w.header.Set("X-Content-Type-Options", "nosniff")
	w.status = code
	w.wroteHeader = true
	w.declared = -1
	w.written = 0
	_, _ = w.WriteString(http.StatusText(code) + "\n")
	w.Finish()
}

// commit queues the status line, headers and buffered body. When final is
// set the response is complete and its length known.
func (w *ResponseWriter) commit(final bool) {
	body := w.buf
	w.buf = bytebufferpool.Get()
	head := bytebufferpool.Get()

	w.prepareHeader(final, body.B)
	w.writeHead(head)
	w.committed = true

	if len(body.B) > 0 {
		if w.chunked {
			appendChunk(head, body.B)
		} else {
			_, _ = head.Write(body.B)
		}
	}
	bytebufferpool.Put(body)

	if final {
		w.finished = true
		bytebufferpool.Put(w.buf)
		w.buf = nil
		w.m.finish(head, w.keepAlive)
		return
	}
	w.m.push(head)
}

// prepareHeader settles framing and persistence headers before commit.
func (w *ResponseWriter) prepareHeader(final bool, body []byte) {
	h := w.header
	allowed := bodyAllowedForStatus(w.status)

	switch {
	case !allowed:
		h.Del("Content-Length")
		h.Del("Transfer-Encoding")
	case final:
		h.Del("Transfer-Encoding")
		if w.method != http.MethodHead || w.written > 0 {
			h.Set("Content-Length", strconv.FormatInt(w.written, 10))
		}
	default:
		h.Del("Transfer-Encoding")
		n, ok := parseContentLength(h.Get("Content-Length"))
		switch {
		case ok && w.written <= n:
			w.declared = n
		case w.protoMinor >= 1:
			h.Del("Content-Length")
			h.Set("Transfer-Encoding", "chunked")
			w.chunked = true
		default:
			// close delimited
			h.Del("Content-Length")
			w.keepAlive = false
		}
	}

	if allowed && len(body) > 0 {
		if _, ok := h["Content-Type"]; !ok {
			h.Set("Content-Type", http.DetectContentType(body))
		}
	}

	if httpguts.HeaderValuesContainsToken(h["Connection"], "close") {
		w.keepAlive = false
	}
	h.Del("Connection")
}

func (w *ResponseWriter) writeHead(b *bytebufferpool.ByteBuffer) {
	if w.status == http.StatusOK {
		b.B = append(b.B, statusLine200...)
	} else {
		b.B = append(b.B, "HTTP/1.1 "...)
		b.B = strconv.AppendInt(b.B, int64(w.status), 10)
		b.B = append(b.B, ' ')
		b.B = append(b.B, statusText(w.status)...)
		b.B = append(b.B, crlf...)
	}

	if _, ok := w.header["Date"]; !ok {
		b.B = append(b.B, headerDate...)
		b.B = append(b.B, date.Current()...)
		b.B = append(b.B, crlf...)
	}

	keys := make([]string, 0, len(w.header))
	for k := range w.header {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		if !httpguts.ValidHeaderFieldName(k) {
			continue
		}
		for _, v := range w.header[k] {
			if !httpguts.ValidHeaderFieldValue(v) {
				continue
			}
			b.B = append(b.B, k...)
			b.B = append(b.B, headerSep...)
			b.B = append(b.B, v...)
			b.B = append(b.B, crlf...)
		}
	}

	if w.keepAlive {
		b.B = append(b.B, headerKeepAlive...)
	} else {
		b.B = append(b.B, headerClose...)
	}
	b.B = append(b.B, crlf...)
}

// appendBody frames p for the committed transfer mode.
func (w *ResponseWriter) appendBody(p []byte) {
	if w.chunked {
		appendChunk(w.buf, p)
		return
	}
	_, _ = w.buf.Write(p)
}

func appendChunk(b *bytebufferpool.ByteBuffer, p []byte) {
	if len(p) == 0 {
		return
	}
	b.B = strconv.AppendInt(b.B, int64(len(p)), 16)
	b.B = append(b.B, crlf...)
	b.B = append(b.B, p...)
	b.B = append(b.B, crlf...)
}

func bodyAllowedForStatus(status int) bool {
	switch {
	case status >= 100 && status <= 199:
		return false
	case status == http.StatusNoContent, status == http.StatusNotModified:
		return false
	}
	return true
}

func statusText(code int) string {
	if s := http.StatusText(code); s != "" {
		return s
	}
	return "status code " + strconv.Itoa(code)
}
