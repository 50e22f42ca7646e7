package h1

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
)

// drain consumes every queued segment, writing at most step bytes at a time.
// It reports whether the sentinel was reached.
func drain(m *ResponseMachine, step int) (string, bool) {
	var out bytes.Buffer
	for {
		seg, last := m.Current()
		if last {
			return out.String(), true
		}
		if seg == nil {
			return out.String(), false
		}
		n := len(seg)
		if step > 0 && n > step {
			n = step
		}
		out.Write(seg[:n])
		m.Consume(n)
	}
}

func parseResponse(t *testing.T, raw string, method string) *http.Response {
	t.Helper()
	resp, err := http.ReadResponse(bufio.NewReader(strings.NewReader(raw)), &http.Request{Method: method})
	if err != nil {
		t.Fatalf("ReadResponse(%q) error = %v", raw, err)
	}
	return resp
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading body: %v", err)
	}
	return string(b)
}

func newRequest(t *testing.T, raw string) *Request {
	t.Helper()
	m := NewRequestMachine(Limits{})
	if st := m.Feed([]byte(raw)); st != StateComplete {
		t.Fatalf("Expected StateComplete, got %v (%v)", st, m.Err())
	}
	return m.Request()
}

func TestResponseMachine_NothingReady(t *testing.T) {
	m := NewResponseMachine(nil)
	seg, last := m.Current()
	if seg != nil || last {
		t.Fatalf("Expected (nil, false) on an empty machine, got (%q, %v)", seg, last)
	}
	if m.Done() {
		t.Fatal("Expected Done() to be false")
	}
}

func TestResponseWriter_FixedLength(t *testing.T) {
	var ready atomic.Int32
	m := NewResponseMachine(func() { ready.Add(1) })
	w := NewResponseWriter(m, newRequest(t, "GET / HTTP/1.1\r\nHost: x\r\n\r\n"), true)

	w.Header().Set("Content-Type", "text/plain")
	if _, err := w.WriteString("hello"); err != nil {
		t.Fatalf("Write error = %v", err)
	}
	if seg, _ := m.Current(); seg != nil {
		t.Fatalf("Expected a small body to stay buffered, got %q", seg)
	}

	w.Finish()
	w.Finish()
	if ready.Load() != 1 {
		t.Fatalf("Expected one readiness callback, got %d", ready.Load())
	}

	raw, last := drain(m, 3)
	if !last {
		t.Fatal("Expected the sentinel after Finish")
	}
	resp := parseResponse(t, raw, http.MethodGet)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200, got %d", resp.StatusCode)
	}
	if resp.ContentLength != 5 {
		t.Errorf("Expected Content-Length 5, got %d", resp.ContentLength)
	}
	if resp.Header.Get("Connection") != "keep-alive" {
		t.Errorf("Expected Connection: keep-alive, got %q", resp.Header.Get("Connection"))
	}
	if resp.Header.Get("Date") == "" {
		t.Error("Expected a Date header")
	}
	if got := readBody(t, resp); got != "hello" {
		t.Errorf("Expected body hello, got %q", got)
	}
	if !m.KeepAlive() {
		t.Error("Expected the machine to report keep-alive")
	}

	if _, err := w.WriteString("late"); !errors.Is(err, ErrResponseFinished) {
		t.Errorf("Expected ErrResponseFinished, got %v", err)
	}
}

func TestResponseWriter_Streaming(t *testing.T) {
	m := NewResponseMachine(nil)
	w := NewResponseWriter(m, newRequest(t, "GET /s HTTP/1.1\r\nHost: x\r\n\r\n"), true)

	_, _ = w.WriteString("first")
	w.Flush()
	if !w.Committed() {
		t.Fatal("Expected Flush to commit the header")
	}

	head, last := drain(m, 0)
	if last {
		t.Fatal("Expected no sentinel while streaming")
	}
	if !strings.Contains(head, "Transfer-Encoding: chunked\r\n") {
		t.Fatalf("Expected chunked framing, got %q", head)
	}

	_, _ = w.WriteString("second")
	w.Flush()
	w.Finish()

	rest, last := drain(m, 0)
	if !last {
		t.Fatal("Expected the sentinel after Finish")
	}

	resp := parseResponse(t, head+rest, http.MethodGet)
	if got := readBody(t, resp); got != "firstsecond" {
		t.Fatalf("Expected firstsecond, got %q", got)
	}
	if !m.KeepAlive() {
		t.Error("Expected a chunked response to keep the connection")
	}
}

func TestResponseWriter_LargeBodyCommits(t *testing.T) {
	m := NewResponseMachine(nil)
	w := NewResponseWriter(m, newRequest(t, "GET / HTTP/1.1\r\nHost: x\r\n\r\n"), true)

	big := strings.Repeat("x", segmentThreshold+10)
	_, _ = w.WriteString(big)
	if !w.Committed() {
		t.Fatal("Expected a body over the threshold to commit")
	}
	_, _ = w.WriteString("tail")
	w.Finish()

	raw, last := drain(m, 1000)
	if !last {
		t.Fatal("Expected the sentinel")
	}
	if got := readBody(t, parseResponse(t, raw, http.MethodGet)); got != big+"tail" {
		t.Fatalf("Expected %d body bytes, got %d", len(big)+4, len(got))
	}
}

func TestResponseWriter_HTTP10Streaming(t *testing.T) {
	m := NewResponseMachine(nil)
	w := NewResponseWriter(m, newRequest(t, "GET / HTTP/1.0\r\nConnection: keep-alive\r\n\r\n"), true)
	if !w.KeepAlive() {
		t.Fatal("Expected an HTTP/1.0 keep-alive request to allow reuse")
	}

	_, _ = w.WriteString("a")
	w.Flush()
	_, _ = w.WriteString("b")
	w.Finish()

	raw, _ := drain(m, 0)
	if strings.Contains(raw, "chunked") {
		t.Fatalf("Expected no chunked framing for HTTP/1.0, got %q", raw)
	}
	if !strings.Contains(raw, "Connection: close\r\n") || !strings.HasSuffix(raw, "\r\n\r\nab") {
		t.Fatalf("Expected a close-delimited body, got %q", raw)
	}
	if m.KeepAlive() {
		t.Fatal("Expected a close-delimited response to close the connection")
	}
}

func TestResponseWriter_FailBeforeCommit(t *testing.T) {
	m := NewResponseMachine(nil)
	w := NewResponseWriter(m, newRequest(t, "GET / HTTP/1.1\r\nHost: x\r\n\r\n"), true)

	w.Header().Set("X-Secret", "leak")
	_, _ = w.WriteString("partial")
	w.Fail(NewHTTPError(http.StatusServiceUnavailable, errors.New("overloaded")))

	raw, last := drain(m, 0)
	if !last {
		t.Fatal("Expected the sentinel")
	}
	resp := parseResponse(t, raw, http.MethodGet)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("Expected 503, got %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Secret") != "" {
		t.Error("Expected handler headers to be discarded")
	}
	if got := readBody(t, resp); got != "Service Unavailable\n" {
		t.Errorf("Unexpected error body %q", got)
	}
	if !m.KeepAlive() {
		t.Error("Expected an uncommitted failure to keep the connection")
	}
}

func TestResponseWriter_FailAfterCommit(t *testing.T) {
	m := NewResponseMachine(nil)
	w := NewResponseWriter(m, newRequest(t, "GET / HTTP/1.1\r\nHost: x\r\n\r\n"), true)

	_, _ = w.WriteString("partial")
	w.Flush()
	w.Fail(errors.New("boom"))

	raw, last := drain(m, 0)
	if !last {
		t.Fatal("Expected the sentinel after a failure")
	}
	resp := parseResponse(t, raw, http.MethodGet)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected the committed status to stand, got %d", resp.StatusCode)
	}
	if got := readBody(t, resp); got != "partial" {
		t.Errorf("Expected the partial body to be terminated cleanly, got %q", got)
	}
	if m.KeepAlive() {
		t.Error("Expected a failure after commit to close the connection")
	}
}

func TestResponseWriter_DeclaredLengthShort(t *testing.T) {
	m := NewResponseMachine(nil)
	w := NewResponseWriter(m, newRequest(t, "GET / HTTP/1.1\r\nHost: x\r\n\r\n"), true)

	w.Header().Set("Content-Length", "10")
	_, _ = w.WriteString("abc")
	w.Flush()
	if _, err := w.WriteString("0123456789"); !errors.Is(err, http.ErrContentLength) {
		t.Fatalf("Expected ErrContentLength, got %v", err)
	}
	w.Finish()

	raw, _ := drain(m, 0)
	if strings.Contains(raw, "chunked") || !strings.Contains(raw, "Content-Length: 10\r\n") {
		t.Fatalf("Expected the declared length to be used, got %q", raw)
	}
	if m.KeepAlive() {
		t.Fatal("Expected a short body to close the connection")
	}
}

func TestResponseWriter_HeadAndNoContent(t *testing.T) {
	m := NewResponseMachine(nil)
	w := NewResponseWriter(m, newRequest(t, "HEAD / HTTP/1.1\r\nHost: x\r\n\r\n"), true)
	_, _ = w.WriteString("invisible")
	w.Finish()

	raw, _ := drain(m, 0)
	if !strings.HasSuffix(raw, "\r\n\r\n") || !strings.Contains(raw, "Content-Length: 9\r\n") {
		t.Fatalf("Expected a body-less HEAD response with its length, got %q", raw)
	}

	m = NewResponseMachine(nil)
	w = NewResponseWriter(m, newRequest(t, "DELETE /x HTTP/1.1\r\nHost: x\r\n\r\n"), true)
	w.WriteHeader(http.StatusNoContent)
	if _, err := w.WriteString("nope"); !errors.Is(err, http.ErrBodyNotAllowed) {
		t.Fatalf("Expected ErrBodyNotAllowed, got %v", err)
	}
	w.Finish()
	raw, _ = drain(m, 0)
	if strings.Contains(raw, "Content-Length") {
		t.Fatalf("Expected no Content-Length on 204, got %q", raw)
	}
}

func TestResponseWriter_ConnectionClose(t *testing.T) {
	m := NewResponseMachine(nil)
	w := NewResponseWriter(m, newRequest(t, "GET / HTTP/1.1\r\nHost: x\r\n\r\n"), true)
	w.Header().Set("Connection", "close")
	w.Finish()

	raw, _ := drain(m, 0)
	if strings.Count(raw, "Connection:") != 1 || !strings.Contains(raw, "Connection: close\r\n") {
		t.Fatalf("Expected a single Connection: close header, got %q", raw)
	}
	if m.KeepAlive() {
		t.Fatal("Expected Connection: close to disable reuse")
	}

	m = NewResponseMachine(nil)
	w = NewResponseWriter(m, newRequest(t, "GET / HTTP/1.1\r\nHost: x\r\nConnection: close\r\n\r\n"), true)
	w.SetKeepAlive(true)
	if w.KeepAlive() {
		t.Fatal("Expected a client close to win over SetKeepAlive(true)")
	}
}

func TestResponseWriter_NilRequest(t *testing.T) {
	m := NewResponseMachine(nil)
	w := NewResponseWriter(m, nil, false)
	w.Fail(NewHTTPError(http.StatusRequestHeaderFieldsTooLarge, ErrPreambleTooLarge))

	raw, last := drain(m, 0)
	if !last {
		t.Fatal("Expected the sentinel")
	}
	resp := parseResponse(t, raw, http.MethodGet)
	if resp.StatusCode != http.StatusRequestHeaderFieldsTooLarge || !resp.Close {
		t.Fatalf("Expected 431 with close, got %d close=%v", resp.StatusCode, resp.Close)
	}
}

func TestResponseMachine_PartialConsumeAndReset(t *testing.T) {
	m := NewResponseMachine(nil)
	w := NewResponseWriter(m, nil, true)
	_, _ = w.WriteString("body")
	w.Finish()

	seg, _ := m.Current()
	total := m.Pending()
	if total != len(seg) {
		t.Fatalf("Expected Pending %d, got %d", len(seg), total)
	}
	m.Consume(2)
	if m.Pending() != total-2 {
		t.Fatalf("Expected Pending %d after a partial write, got %d", total-2, m.Pending())
	}
	next, _ := m.Current()
	if !bytes.Equal(next, seg[2:]) {
		t.Fatalf("Expected the write to resume at offset 2")
	}

	m.Reset()
	if seg, last := m.Current(); seg != nil || last {
		t.Fatalf("Expected an empty machine after Reset, got (%q, %v)", seg, last)
	}
}

func TestStatusOf(t *testing.T) {
	if got := StatusOf(errors.New("x")); got != http.StatusInternalServerError {
		t.Errorf("Expected 500, got %d", got)
	}
	wrapped := errors.Join(errors.New("ctx"), NewHTTPError(http.StatusTeapot, nil))
	if got := StatusOf(wrapped); got != http.StatusTeapot {
		t.Errorf("Expected 418, got %d", got)
	}
	if got := StatusOf(NewHTTPError(302, nil)); got != http.StatusInternalServerError {
		t.Errorf("Expected non-error codes to fall back to 500, got %d", got)
	}
}
