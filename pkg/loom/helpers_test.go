package loom

import (
	"bufio"
	"bytes"
	"io"
	"net/http"
	"testing"

	"github.com/FumingPower3925/loom/internal/h1"
)

func newRequest(t *testing.T, raw string) *Request {
	t.Helper()
	m := h1.NewRequestMachine(h1.DefaultLimits)
	if st := m.Feed([]byte(raw)); st != h1.StateComplete {
		t.Fatalf("Expected complete request, got %v (%v)", st, m.Err())
	}
	return m.Request()
}

// serve runs h the way the server does and returns what the client would
// read.
func serve(t *testing.T, h Handler, raw string) (*http.Response, string, error) {
	t.Helper()
	req := newRequest(t, raw)
	m := h1.NewResponseMachine(nil)
	w := h1.NewResponseWriter(m, req, true)

	err := h.ServeHTTP1(w, req)
	if err != nil {
		w.Fail(err)
	} else {
		w.Finish()
	}

	var out bytes.Buffer
	for {
		data, done := m.Current()
		if done {
			break
		}
		if data == nil {
			t.Fatal("Expected response to be complete")
		}
		out.Write(data)
		m.Consume(len(data))
	}

	resp, rerr := http.ReadResponse(bufio.NewReader(&out), nil)
	if rerr != nil {
		t.Fatalf("Failed to parse response: %v", rerr)
	}
	body, rerr := io.ReadAll(resp.Body)
	if rerr != nil {
		t.Fatalf("Failed to read body: %v", rerr)
	}
	return resp, string(body), err
}

const getTest = "GET /test HTTP/1.1\r\nHost: example.com\r\n\r\n"

func okHandler(w *ResponseWriter, _ *Request) error {
	_, err := w.WriteString("ok")
	return err
}
