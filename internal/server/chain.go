package server

import (
	"net/http"

	"github.com/gorilla/mux"
)

// Chain is an ordered list of request interceptors. The first entry is the
// outermost stage: it sees the request first and the response last.
type Chain []mux.MiddlewareFunc

// Then composes the chain around h.
func (c Chain) Then(h http.Handler) http.Handler {
	for i := len(c) - 1; i >= 0; i-- {
		h = c[i](h)
	}
	return h
}
