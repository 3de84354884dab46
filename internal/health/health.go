// Package health provides the collector's liveness and readiness handlers.
//
//   - /healthz — liveness probe; a process that can serve HTTP is alive.
//   - /readyz  — readiness probe; passes only when every registered probe
//     (STT reachability, LLM reachability) passes.
//
// Responses are JSON with a top-level "status" and a per-probe "probes" map.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// probeTimeout bounds a single readiness probe.
const probeTimeout = 3 * time.Second

// Probe is a named readiness check. Fn returns nil when the dependency is
// usable and an error describing the failure otherwise.
type Probe struct {
	// Name labels the probe in the JSON response (e.g. "stt", "llm").
	Name string

	// Fn checks the dependency. It must respect context cancellation.
	Fn func(ctx context.Context) error
}

type response struct {
	Status string            `json:"status"`
	Probes map[string]string `json:"probes,omitempty"`
}

// Handler serves the health endpoints. The probe list is fixed at
// construction; Handler is safe for concurrent use.
type Handler struct {
	probes []Probe
}

// New creates a Handler evaluating the given probes, in order, on each
// /readyz request.
func New(probes ...Probe) *Handler {
	p := make([]Probe, len(probes))
	copy(p, probes)
	return &Handler{probes: p}
}

// Healthz always reports ok.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, response{Status: "ok"})
}

// Readyz reports ok only when every probe passes. Each probe runs with a
// deadline derived from the request context.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	res := response{Status: "ok", Probes: make(map[string]string, len(h.probes))}
	status := http.StatusOK

	for _, p := range h.probes {
		ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
		err := p.Fn(ctx)
		cancel()

		if err != nil {
			res.Probes[p.Name] = "fail: " + err.Error()
			res.Status = "fail"
			status = http.StatusServiceUnavailable
		} else {
			res.Probes[p.Name] = "ok"
		}
	}

	writeJSON(w, status, res)
}

// Register adds the health routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
