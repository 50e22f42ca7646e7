package h1

// Handler serves one fully framed request. A returned error is answered
// with a fallback response by the caller: StatusOf(err) if nothing was sent
// yet, otherwise the response is terminated and the connection closed.
type Handler interface {
	ServeHTTP1(w *ResponseWriter, r *Request) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(w *ResponseWriter, r *Request) error

// ServeHTTP1 calls f(w, r).
func (f HandlerFunc) ServeHTTP1(w *ResponseWriter, r *Request) error {
	return f(w, r)
}
