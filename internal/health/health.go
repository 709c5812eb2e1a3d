// Package health serves the liveness and readiness probes.
//
// /healthz answers 200 while the process can serve HTTP. /readyz runs every
// registered [Checker] concurrently and answers 503 when any of them fails.
// Both respond with a JSON [Report].
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/parley/internal/resilience"
)

// checkTimeout bounds a single checker.
const checkTimeout = 5 * time.Second

// Checker is a named readiness probe. Check returns nil when healthy and
// must honour ctx.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// Report is the probe response body.
type Report struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// Ready reports whether every check passed.
func (r Report) Ready() bool { return r.Status == "ok" }

// CheckResult is the outcome of one checker.
type CheckResult struct {
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
	Elapsed string `json:"elapsed"`
}

// Handler serves the probe endpoints. The checker list is fixed at
// construction.
type Handler struct {
	checkers []Checker
}

// New returns a handler evaluating checkers on each readiness request.
func New(checkers ...Checker) *Handler {
	return &Handler{checkers: append([]Checker(nil), checkers...)}
}

// Register mounts GET /healthz and GET /readyz on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, Report{Status: "ok"})
}

func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	rep := h.Run(r.Context())
	code := http.StatusOK
	if !rep.Ready() {
		code = http.StatusServiceUnavailable
		for name, c := range rep.Checks {
			if c.Status != "ok" {
				slog.Debug("health: check failed", "check", name, "err", c.Error)
			}
		}
	}
	writeJSON(w, code, rep)
}

// Run evaluates every checker concurrently, each under [checkTimeout]. One
// failing check does not cancel the others.
func (h *Handler) Run(ctx context.Context) Report {
	rep := Report{Status: "ok", Checks: make(map[string]CheckResult, len(h.checkers))}
	var mu sync.Mutex
	var g errgroup.Group
	for _, c := range h.checkers {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()
			start := time.Now()
			err := c.Check(cctx)
			res := CheckResult{Status: "ok", Elapsed: time.Since(start).Round(time.Microsecond).String()}
			if err != nil {
				res.Status, res.Error = "fail", err.Error()
			}

			mu.Lock()
			defer mu.Unlock()
			rep.Checks[c.Name] = res
			if err != nil {
				rep.Status = "fail"
			}
			return nil
		})
	}
	_ = g.Wait()
	return rep
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("health: encode response", "err", err)
	}
}

// ── Checkers ─────────────────────────────────────────────────────────────────

// ErrNoTranscriber is reported when every transcription provider is tripped.
var ErrNoTranscriber = errors.New("health: no transcription provider available")

// Availability is implemented by provider groups that track breaker state.
type Availability interface {
	Available() bool
}

// breakerStatus is optionally implemented alongside [Availability] to name
// the tripped providers in the failure.
type breakerStatus interface {
	Status() []resilience.EntryStatus
}

// TranscriberCheck passes while at least one transcription provider accepts
// requests.
func TranscriberCheck(a Availability) Checker {
	return Checker{
		Name: "stt",
		Check: func(ctx context.Context) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if a.Available() {
				return nil
			}
			bs, ok := a.(breakerStatus)
			if !ok {
				return ErrNoTranscriber
			}
			var parts []string
			for _, e := range bs.Status() {
				parts = append(parts, e.Name+" "+e.State)
			}
			return fmt.Errorf("%w (%s)", ErrNoTranscriber, strings.Join(parts, ", "))
		},
	}
}
