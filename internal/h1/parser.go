// Package h1 implements the HTTP/1.1 framing collaborators of the reactor:
// an incremental request state machine and a streaming response state
// machine. Neither performs I/O.
package h1

import (
	"bytes"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/net/http/httpguts"
)

var (
	crlf     = []byte("\r\n")
	crlfcrlf = []byte("\r\n\r\n")
)

// parsePreamble parses a complete request line and header block. pre ends
// with the empty line. It fills req and returns an *HTTPError on failure.
func parsePreamble(pre []byte, req *Request) error {
	lineEnd := bytes.Index(pre, crlf)
	if err := parseRequestLine(pre[:lineEnd], req); err != nil {
		return err
	}

	req.Header = make(http.Header, 8)
	rest := pre[lineEnd+2:]
	for {
		end := bytes.Index(rest, crlf)
		line := rest[:end]
		rest = rest[end+2:]
		if len(line) == 0 {
			break
		}
		if err := parseHeaderLine(line, req.Header); err != nil {
			return err
		}
	}
	return resolveFraming(req)
}

// parseRequestLine parses METHOD SP TARGET SP VERSION.
func parseRequestLine(line []byte, req *Request) error {
	sp1 := bytes.IndexByte(line, ' ')
	if sp1 <= 0 {
		return NewHTTPError(http.StatusBadRequest, ErrMalformedRequestLine)
	}
	sp2 := bytes.IndexByte(line[sp1+1:], ' ')
	if sp2 <= 0 {
		return NewHTTPError(http.StatusBadRequest, ErrMalformedRequestLine)
	}
	sp2 += sp1 + 1

	method := line[:sp1]
	target := line[sp1+1 : sp2]
	proto := line[sp2+1:]

	if !httpguts.ValidHeaderFieldName(string(method)) {
		return NewHTTPError(http.StatusBadRequest, ErrMalformedRequestLine)
	}
	for _, c := range target {
		if c <= ' ' || c == 0x7f {
			return NewHTTPError(http.StatusBadRequest, ErrMalformedRequestLine)
		}
	}

	switch {
	case bytes.Equal(proto, []byte("HTTP/1.1")):
		req.Proto, req.ProtoMajor, req.ProtoMinor = "HTTP/1.1", 1, 1
	case bytes.Equal(proto, []byte("HTTP/1.0")):
		req.Proto, req.ProtoMajor, req.ProtoMinor = "HTTP/1.0", 1, 0
	case len(proto) == 8 && bytes.HasPrefix(proto, []byte("HTTP/")) &&
		isDigit(proto[5]) && proto[6] == '.' && isDigit(proto[7]):
		return NewHTTPError(http.StatusHTTPVersionNotSupported, ErrUnsupportedVersion)
	default:
		return NewHTTPError(http.StatusBadRequest, ErrMalformedRequestLine)
	}

	req.Method = methodString(method)
	req.RequestURI = string(target)

	if req.RequestURI == "*" {
		req.URL = &url.URL{Path: "*"}
		return nil
	}
	u, err := url.ParseRequestURI(req.RequestURI)
	if err != nil {
		return NewHTTPError(http.StatusBadRequest, ErrMalformedRequestLine)
	}
	req.URL = u
	return nil
}

// parseHeaderLine parses one "name: value" line into h.
func parseHeaderLine(line []byte, h http.Header) error {
	if line[0] == ' ' || line[0] == '\t' {
		// obsolete line folding
		return NewHTTPError(http.StatusBadRequest, ErrMalformedHeader)
	}
	colon := bytes.IndexByte(line, ':')
	if colon <= 0 {
		return NewHTTPError(http.StatusBadRequest, ErrMalformedHeader)
	}
	name := string(line[:colon])
	if !httpguts.ValidHeaderFieldName(name) {
		return NewHTTPError(http.StatusBadRequest, ErrMalformedHeader)
	}
	value := string(bytes.Trim(line[colon+1:], " \t"))
	if !httpguts.ValidHeaderFieldValue(value) {
		return NewHTTPError(http.StatusBadRequest, ErrMalformedHeader)
	}
	key := http.CanonicalHeaderKey(name)
	h[key] = append(h[key], value)
	return nil
}

// resolveFraming derives Host, body framing and persistence from the parsed
// headers.
func resolveFraming(req *Request) error {
	hosts := req.Header["Host"]
	switch {
	case len(hosts) > 1:
		return NewHTTPError(http.StatusBadRequest, ErrMalformedHeader)
	case len(hosts) == 1:
		req.Host = hosts[0]
	case req.ProtoMinor == 1:
		return NewHTTPError(http.StatusBadRequest, ErrMissingHost)
	}

	conn := req.Header["Connection"]
	if req.ProtoMinor == 0 {
		req.Close = !httpguts.HeaderValuesContainsToken(conn, "keep-alive")
	} else {
		req.Close = httpguts.HeaderValuesContainsToken(conn, "close")
	}

	te := req.Header["Transfer-Encoding"]
	cl := req.Header["Content-Length"]
	if len(te) > 0 {
		if len(cl) > 0 {
			return NewHTTPError(http.StatusBadRequest, ErrConflictingFraming)
		}
		if len(te) != 1 || !strings.EqualFold(strings.TrimSpace(te[0]), "chunked") {
			return NewHTTPError(http.StatusNotImplemented, ErrUnsupportedTransferEncoding)
		}
		req.Chunked = true
		req.ContentLength = -1
		return nil
	}

	req.ContentLength = 0
	for i, v := range cl {
		n, ok := parseContentLength(v)
		if !ok || (i > 0 && n != req.ContentLength) {
			return NewHTTPError(http.StatusBadRequest, ErrInvalidContentLength)
		}
		req.ContentLength = n
	}
	return nil
}

// parseContentLength parses a non-negative decimal without sign or spaces.
func parseContentLength(s string) (int64, bool) {
	if s == "" || len(s) > 18 {
		return 0, false
	}
	var n int64
	for i := 0; i < len(s); i++ {
		if !isDigit(s[i]) {
			return 0, false
		}
		n = n*10 + int64(s[i]-'0')
	}
	return n, true
}

func isDigit(c byte) bool { return '0' <= c && c <= '9' }

// methodString avoids allocating for the common methods.
func methodString(b []byte) string {
	switch string(b) {
	case http.MethodGet:
		return http.MethodGet
	case http.MethodPost:
		return http.MethodPost
	case http.MethodHead:
		return http.MethodHead
	case http.MethodPut:
		return http.MethodPut
	case http.MethodDelete:
		return http.MethodDelete
	case http.MethodOptions:
		return http.MethodOptions
	case http.MethodPatch:
		return http.MethodPatch
	default:
		return string(b)
	}
}
