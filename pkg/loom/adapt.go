package loom

import "net/http"

// Adapt serves a net/http handler. The handler sees a *http.Request whose
// body reads from the already received payload; the writer is streamed
// and supports http.Flusher.
func Adapt(h http.Handler) Handler {
	return HandlerFunc(func(w *ResponseWriter, r *Request) error {
		h.ServeHTTP(w, r.Std())
		return nil
	})
}

// AdaptFunc is Adapt for a plain function.
func AdaptFunc(f func(http.ResponseWriter, *http.Request)) Handler {
	return Adapt(http.HandlerFunc(f))
}
