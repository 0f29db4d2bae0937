package handler

import (
	"context"
	"net/http"
)

// HealthResponse is the liveness payload: this proxy process is up.
type HealthResponse struct {
	Status string `json:"status"`
}

// Health answers unconditionally once the process is serving requests.
func Health(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// Pinger is the minimal capability a readiness check needs from a backing
// service (KV store, origin store): confirm it is currently reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadyResponse reports per-dependency readiness.
type ReadyResponse struct {
	Status       string            `json:"status"`
	Dependencies map[string]string `json:"dependencies"`
}

// Ready checks every named dependency and reports 503 if any is down,
// mirroring the teacher's "connected to X" startup log checks but
// re-evaluated per request instead of only at boot.
func Ready(deps map[string]Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		statuses := make(map[string]string, len(deps))
		ok := true
		for name, p := range deps {
			if err := p.Ping(r.Context()); err != nil {
				statuses[name] = err.Error()
				ok = false
				continue
			}
			statuses[name] = "ok"
		}

		status := http.StatusOK
		overall := "ok"
		if !ok {
			status = http.StatusServiceUnavailable
			overall = "unavailable"
		}
		JSON(w, status, ReadyResponse{Status: overall, Dependencies: statuses})
	}
}
