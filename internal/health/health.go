// Package health serves the liveness and readiness probes.
//
//   - /healthz — liveness; a process able to answer HTTP is alive.
//   - /readyz  — readiness; 200 only while every registered [Checker]
//     passes.
//
// Responses are JSON with a top-level "status" ("ok" or "fail") and a
// per-check "checks" map.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// Checker is a named readiness check. Check returns nil while the
// dependency is healthy.
type Checker struct {
	// Name appears as the key in the JSON response.
	Name string

	// Check probes the dependency. It must respect context cancellation.
	Check func(ctx context.Context) error
}

// Pinger is the probe surface of a database pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Database returns a checker that pings the settings database.
func Database(db Pinger) Checker {
	return Checker{
		Name: "database",
		Check: func(ctx context.Context) error {
			return db.Ping(ctx)
		},
	}
}

// ModelFile returns a checker that verifies the speech model artifact is
// still present and readable.
func ModelFile(path string) Checker {
	return Checker{
		Name: "model",
		Check: func(context.Context) error {
			info, err := os.Stat(path)
			if err != nil {
				return fmt.Errorf("model %q: %w", path, err)
			}
			if info.IsDir() {
				return fmt.Errorf("model %q is a directory", path)
			}
			return nil
		},
	}
}

// RecordingsDir returns a checker that verifies the recordings directory
// still exists.
func RecordingsDir(dir string) Checker {
	return Checker{
		Name: "recordings",
		Check: func(context.Context) error {
			info, err := os.Stat(dir)
			if err != nil {
				return fmt.Errorf("recordings dir %q: %w", dir, err)
			}
			if !info.IsDir() {
				return fmt.Errorf("recordings path %q is not a directory", dir)
			}
			return nil
		},
	}
}

type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves the probe endpoints. Safe for concurrent use; the checker
// list is fixed at construction.
type Handler struct {
	checkers []Checker
}

// New creates a Handler evaluating the given checkers, in order, on each
// /readyz request.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c}
}

// Healthz always answers 200 OK.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz answers 200 only when every checker passes, 503 otherwise.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(h.checkers))
	ok := true

	for _, c := range h.checkers {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := c.Check(ctx)
		cancel()

		if err != nil {
			checks[c.Name] = "fail: " + err.Error()
			ok = false
		} else {
			checks[c.Name] = "ok"
		}
	}

	res := result{Status: "ok", Checks: checks}
	status := http.StatusOK
	if !ok {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

// Register adds the probe routes to mux.
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
