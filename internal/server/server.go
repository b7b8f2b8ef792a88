// Package server wires the application routes behind the monitoring middleware.
package server

import (
	"net/http"

	"github.com/go-logr/logr"
	"github.com/gorilla/mux"
	"github.com/rs/cors"

	monitor "github.com/aidenappl/apm-hello"
)

// Options configures the application handler.
type Options struct {
	// CORSAllowedOrigins enables the CORS stage when non-empty.
	CORSAllowedOrigins []string
}

// New returns the application handler: the interceptor chain composed
// around a router serving GET /health and GET /.
func New(client *monitor.Client, log logr.Logger, opts Options) http.Handler {
	r := mux.NewRouter()
	r.Use(nameSpan)
	r.HandleFunc("/health", handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/", handleRoot).Methods(http.MethodGet)
	r.NotFoundHandler = http.HandlerFunc(handleNotFound)
	r.MethodNotAllowedHandler = http.HandlerFunc(handleMethodNotAllowed)

	chain := Chain{client.Middleware}
	if len(opts.CORSAllowedOrigins) > 0 {
		log.Info("enabling CORS", "origins", opts.CORSAllowedOrigins)
		chain = append(chain, cors.New(cors.Options{
			AllowedOrigins: opts.CORSAllowedOrigins,
			AllowedMethods: []string{http.MethodGet},
		}).Handler)
	}
	return chain.Then(r)
}

// nameSpan names the request span after the matched route template.
// It runs inside the router, so only matched requests reach it.
func nameSpan(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		span := monitor.SpanFromContext(r.Context())
		route := mux.CurrentRoute(r)
		if span != nil && route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				span.SetRoute(tpl)
			}
		}
		next.ServeHTTP(w, r)
	})
}
