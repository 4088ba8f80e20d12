// Package health serves the liveness and readiness endpoints of the
// operational HTTP listener.
//
//   - /healthz always returns 200 OK.
//   - /readyz returns 200 only when every registered [Checker] passes.
//
// Responses are JSON objects with a "status" field ("ok" or "fail") and a
// "checks" map holding the result of each named checker.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/livevoice/pkg/live"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// ErrUnavailable is returned by [BreakerCheck] when every backend is tripped.
var ErrUnavailable = errors.New("health: no backend available")

// Checker is a named readiness probe. Check returns nil when healthy.
type Checker struct {
	// Name is the key in the JSON response, e.g. "session".
	Name string

	// Check probes the dependency. It must respect context cancellation.
	Check func(ctx context.Context) error
}

type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves /healthz and /readyz. The checker list is fixed at
// construction time.
type Handler struct {
	checkers []Checker
}

// New creates a [Handler] evaluating checkers on each /readyz request.
func New(checkers ...Checker) *Handler {
	return &Handler{checkers: append([]Checker(nil), checkers...)}
}

// SessionCheck is ready only while the live session is streaming. A failed
// session reports its error message.
func SessionCheck(status func() live.Status) Checker {
	return Checker{
		Name: "session",
		Check: func(context.Context) error {
			st := status()
			switch {
			case st.State == live.StateStreaming:
				return nil
			case st.State == live.StateFailed && st.Error != "":
				return fmt.Errorf("session failed: %s", st.Error)
			default:
				return fmt.Errorf("session %s", st.State)
			}
		},
	}
}

// BreakerCheck fails while available reports false, i.e. while every
// translation backend's circuit breaker is open.
func BreakerCheck(name string, available func() bool) Checker {
	return Checker{
		Name: name,
		Check: func(context.Context) error {
			if !available() {
				return ErrUnavailable
			}
			return nil
		},
	}
}

// Healthz is the liveness probe.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz runs all checkers concurrently, each under a [checkTimeout] deadline
// derived from the request context.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	errs := make([]error, len(h.checkers))
	var g errgroup.Group
	for i, c := range h.checkers {
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
			defer cancel()
			errs[i] = c.Check(ctx)
			return nil
		})
	}
	_ = g.Wait()

	res := result{Status: "ok", Checks: make(map[string]string, len(h.checkers))}
	status := http.StatusOK
	for i, c := range h.checkers {
		if errs[i] != nil {
			res.Checks[c.Name] = "fail: " + errs[i].Error()
			res.Status = "fail"
			status = http.StatusServiceUnavailable
			continue
		}
		res.Checks[c.Name] = "ok"
	}
	writeJSON(w, status, res)
}

// Register adds the /healthz and /readyz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
