// Package httpapi wires the orchestrator into an HTTP surface: the main
// rewrite-and-serve handler, debug headers, and the ambient health/logging
// endpoints, mirroring the teacher's cmd/api router-assembly shape
// (internal/api/handler + internal/api/middleware mounted on a chi.Mux).
package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/erfianugrah/videoproxy/internal/httpapi/middleware"
	"github.com/erfianugrah/videoproxy/internal/orchestrator"
)

// ProxyHandler adapts inbound HTTP requests to the orchestrator and writes
// its Response back out, applying the §6 debug headers only when the
// client opts in via ?debug=true.
type ProxyHandler struct {
	orch *orchestrator.Orchestrator
}

// NewProxyHandler wraps an Orchestrator as an http.Handler.
func NewProxyHandler(orch *orchestrator.Orchestrator) *ProxyHandler {
	return &ProxyHandler{orch: orch}
}

func (h *ProxyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rc := middleware.FromContext(r.Context())

	req := orchestrator.Request{
		Method: r.Method,
		Path:   r.URL.Path,
		Query:  r.URL.Query(),
		Header: r.Header,
	}

	resp, err := h.orch.Handle(r.Context(), rc, req)
	if err != nil {
		http.Error(w, "upstream error: "+err.Error(), http.StatusBadGateway)
		return
	}

	for k, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(k, v)
		}
	}
	if resp.ContentType != "" {
		w.Header().Set("Content-Type", resp.ContentType)
	}

	if req.Query.Get("debug") == "true" && rc != nil {
		w.Header().Set("X-Request-ID", rc.ID)
		w.Header().Set("X-Processing-Time-Ms", strconv.FormatInt(rc.ElapsedMs(), 10))
		if len(resp.CacheTags) > 0 {
			w.Header().Set("X-Cache-Tags", strings.Join(resp.CacheTags, ","))
		}
	}

	status := resp.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if len(resp.Body) > 0 {
		_, _ = w.Write(resp.Body)
	}
}
