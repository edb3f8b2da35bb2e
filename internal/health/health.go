// Package health provides the HTTP liveness and readiness probes.
//
// The package exposes two endpoints:
//
//   - /healthz — liveness probe; always returns 200 OK.
//   - /readyz  — readiness probe; returns 200 only when all registered
//     [Checker] probes pass.
//
// A voice session depends on several remote backends at once (speech
// recognition, the model gateway, the transcript archive), so readiness
// probes run concurrently rather than stacking their timeouts, and each
// reports its round-trip latency. Responses are JSON objects with a
// top-level "status" field ("ok" or "fail") and a "checks" map with one
// entry per probe.
package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

// checkTimeout bounds a single readiness probe. Probes run in parallel, so
// this is also the ceiling for the whole /readyz request.
const checkTimeout = 5 * time.Second

// Checker is a named readiness probe. The Check function should return nil
// when the dependency is usable and a non-nil error describing the failure
// otherwise.
type Checker struct {
	// Name is a short, human-readable label for this probe (e.g. "archive",
	// "asr"). It appears as a key in the JSON response.
	Name string

	// Check probes the dependency. It must respect context cancellation.
	Check func(ctx context.Context) error
}

// checkResult is one entry in the readiness response.
type checkResult struct {
	Status    string `json:"status"`
	LatencyMS int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// result is the JSON response body for health endpoints.
type result struct {
	Status string                 `json:"status"`
	Checks map[string]checkResult `json:"checks,omitempty"`
}

// Handler serves /healthz and /readyz endpoints. It is safe for concurrent
// use; the checker list is fixed at construction time.
type Handler struct {
	checkers []Checker
	log      *slog.Logger
}

// New creates a [Handler] that evaluates the given checkers on each /readyz
// request. The checkers run concurrently, each under its own timeout.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c, log: slog.Default()}
}

// Healthz is a liveness probe that always returns 200 OK. A running process
// that can serve HTTP is considered alive.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz is a readiness probe that returns 200 only when every registered
// [Checker] passes. All probes run in parallel; a failing backend never
// hides the results of its siblings.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	results := make([]checkResult, len(h.checkers))

	var g errgroup.Group
	for i, c := range h.checkers {
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
			defer cancel()

			start := time.Now()
			err := c.Check(ctx)
			elapsed := time.Since(start)

			results[i] = checkResult{Status: "ok", LatencyMS: elapsed.Milliseconds()}
			if err != nil {
				results[i].Status = "fail"
				results[i].Error = err.Error()
				h.log.Warn("readiness check failed",
					"check", c.Name, "latency_ms", elapsed.Milliseconds(), "err", err)
				return err
			}
			return nil
		})
	}
	err := g.Wait()

	res := result{Status: "ok"}
	if len(h.checkers) > 0 {
		res.Checks = make(map[string]checkResult, len(h.checkers))
		for i, c := range h.checkers {
			res.Checks[c.Name] = results[i]
		}
	}

	status := http.StatusOK
	if err != nil {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

// Register adds the /healthz and /readyz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// writeJSON encodes v as JSON and writes it with the given status code. On
// encoding failure it falls back to a plain-text 500 response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
