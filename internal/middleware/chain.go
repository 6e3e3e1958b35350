// Package middleware holds the HTTP middleware wrapped around the metadata
// API routes.
package middleware

import (
	"context"
	"net/http"
	"time"
)

// Middleware wraps a handler. Values are assignable to mux.MiddlewareFunc.
type Middleware = func(http.Handler) http.Handler

// Chain composes middleware so that the first one listed sees the request
// first.
func Chain(stack ...Middleware) Middleware {
	return func(h http.Handler) http.Handler {
		for i := len(stack) - 1; i >= 0; i-- {
			h = stack[i](h)
		}
		return h
	}
}

// Timeout bounds the context handed to the metadata service.
func Timeout(d time.Duration) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
