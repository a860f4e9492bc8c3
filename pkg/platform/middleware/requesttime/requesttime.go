// Package requesttime pins one "now" per HTTP request. Every timestamp a
// request produces (state transitions, audit events, webhook window
// checks) reads the same instant, and tests can inject a fixed clock
// through the same context key.
package requesttime

import (
	"net/http"
	"time"

	"carbonbridge/pkg/requestcontext"
)

// Middleware captures the current time at the start of the request and
// stores it in the context.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := requestcontext.WithTime(r.Context(), time.Now())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
