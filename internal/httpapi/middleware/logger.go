package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// requestID reads the request ID stashed by WithRequestContext, or "" if
// that middleware didn't run (e.g. a test hitting a handler directly).
func requestID(ctx context.Context) string {
	if rc := FromContext(ctx); rc != nil {
		return rc.ID
	}
	return ""
}

type responseWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func wrapResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{ResponseWriter: w, status: http.StatusOK}
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.status = code
		rw.wroteHeader = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

// Logger emits one structured access-log line per request, including the
// resolved cache status set by the orchestrator (X-Cache), matching the
// teacher's access-log shape extended with this proxy's own diagnostic.
func Logger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := wrapResponseWriter(w)

			defer func() {
				logger.Info("request completed",
					slog.String("request_id", requestID(r.Context())),
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.Int("status", wrapped.status),
					slog.Duration("duration", time.Since(start)),
					slog.String("remote_addr", r.RemoteAddr),
					slog.String("cache_status", wrapped.Header().Get("X-Cache")),
				)
			}()

			next.ServeHTTP(wrapped, r)
		})
	}
}
