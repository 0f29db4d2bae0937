// Package middleware implements the HTTP-layer ambient concerns (request
// ID propagation, structured access logging, panic recovery) and the
// adapter that turns an inbound request into the reqctx.Context threaded
// explicitly through the orchestrator and its dependencies.
//
// Grounded on the teacher's internal/api/middleware package (a request ID
// wrapped into a typed context key, a wrapped http.ResponseWriter for
// status capture, and a defer/recover handler), generalized so the
// request ID also seeds a reqctx.Context rather than a bare string, and
// using google/uuid instead of chi's own counter-based ID generator so
// the ID stays globally unique across restarts and replicas (the teacher
// used the same generator for its VideoID primary keys).
package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/erfianugrah/videoproxy/internal/reqctx"
)

type ctxKey int

const requestContextKey ctxKey = iota

// WithRequestContext builds a reqctx.Context for each inbound request,
// seeded with a fresh request ID and the given detacher (the logger is
// reqctx.New's default), and
// stores it for downstream handlers (and Logger/Recoverer) to retrieve
// via FromContext.
func WithRequestContext(detacher reqctx.Detacher) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := uuid.NewString()
			rc := reqctx.New(id, nil, detacher)
			w.Header().Set("X-Request-Id", id)
			ctx := context.WithValue(r.Context(), requestContextKey, rc)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// FromContext retrieves the reqctx.Context stashed by WithRequestContext,
// or nil if none is present (e.g. in a test that doesn't run the full
// middleware chain).
func FromContext(ctx context.Context) *reqctx.Context {
	rc, _ := ctx.Value(requestContextKey).(*reqctx.Context)
	return rc
}
