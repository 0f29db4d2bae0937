package httpapi

import (
	"log/slog"

	"github.com/go-chi/chi/v5"

	"github.com/erfianugrah/videoproxy/internal/httpapi/handler"
	"github.com/erfianugrah/videoproxy/internal/httpapi/middleware"
	"github.com/erfianugrah/videoproxy/internal/orchestrator"
	"github.com/erfianugrah/videoproxy/internal/reqctx"
)

// NewRouter assembles the full chi.Mux: ambient middleware chain, health
// and readiness endpoints, and the catch-all rewrite-and-serve proxy
// handler, mirroring the teacher's setupRouter in cmd/api/main.go.
func NewRouter(orch *orchestrator.Orchestrator, logger *slog.Logger, detacher reqctx.Detacher, deps map[string]handler.Pinger) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.WithRequestContext(detacher))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Recoverer(logger))

	r.Get("/health", handler.Health)
	r.Get("/ready", handler.Ready(deps))

	proxy := NewProxyHandler(orch)
	r.NotFound(proxy.ServeHTTP)
	r.Handle("/*", proxy)

	return r
}
