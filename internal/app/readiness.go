package app

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"time"
)

// Pinger is any dependency with a health probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadinessCheck is one named probe result.
type ReadinessCheck struct {
	Name    string `json:"name"`
	OK      bool   `json:"ok"`
	Details string `json:"details,omitempty"`
}

// Readiness aggregates dependency probes for the /readyz endpoint.
type Readiness struct {
	checks map[string]Pinger
}

// NewReadiness builds a readiness prober over named dependencies. Nil
// entries are skipped so callers can pass optional deps unconditionally.
func NewReadiness(checks map[string]Pinger) *Readiness {
	filtered := make(map[string]Pinger, len(checks))
	for name, p := range checks {
		if p != nil {
			filtered[name] = p
		}
	}
	return &Readiness{checks: filtered}
}

// Probe runs every check with a shared deadline.
func (r *Readiness) Probe(ctx context.Context) (bool, []ReadinessCheck) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	ok := true
	out := make([]ReadinessCheck, 0, len(r.checks))
	for name, p := range r.checks {
		check := ReadinessCheck{Name: name, OK: true}
		if err := p.Ping(ctx); err != nil {
			check.OK = false
			check.Details = err.Error()
			ok = false
		}
		out = append(out, check)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return ok, out
}

func writeChecks(w http.ResponseWriter, status int, ok bool, checks []ReadinessCheck) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"ready": ok, "checks": checks})
}

// Handler serves the readiness state as JSON with a 503 on any failure.
func (r *Readiness) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		ok, checks := r.Probe(req.Context())
		status := http.StatusOK
		if !ok {
			status = http.StatusServiceUnavailable
		}
		writeChecks(w, status, ok, checks)
	}
}
