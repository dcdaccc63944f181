// Package health serves the relay's status endpoints:
//
//   - /          plain-text banner.
//   - /healthz   liveness; 200 while the process can serve HTTP.
//   - /readyz    readiness; 200 only when every [Checker] passes.
//   - /ws-status media-stream status from a [StatusFunc].
//
// Probe responses are JSON objects with a "status" field ("ok" or "fail")
// and, for /readyz, a "checks" map keyed by checker name.
package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// Checker is a named readiness check. Check returns nil when the dependency
// is usable and must respect ctx.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

type probeResult struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Status is the body of GET /ws-status.
type Status struct {
	WSServerRunning bool   `json:"ws_server_running"`
	WSActiveCalls   int    `json:"ws_active_calls"`
	Backend         string `json:"backend"`
}

// StatusFunc reports the current media-stream status.
type StatusFunc func() Status

// Handler serves the status endpoints. Its checkers and status function are
// fixed before it is registered.
type Handler struct {
	checkers []Checker
	status   StatusFunc
	banner   string
}

// New creates a Handler whose /readyz runs checkers concurrently.
func New(checkers ...Checker) *Handler {
	return &Handler{
		checkers: append([]Checker(nil), checkers...),
		banner:   "callrelay: media stream up",
	}
}

// WithStatus sets the function behind /ws-status and returns h. Without one,
// /ws-status reports a stopped server.
func (h *Handler) WithStatus(fn StatusFunc) *Handler {
	h.status = fn
	return h
}

// Register adds all routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /{$}", h.Root)
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
	mux.HandleFunc("GET /ws-status", h.WSStatus)
}

// Root writes the banner.
func (h *Handler) Root(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(h.banner + "\n"))
}

func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, probeResult{Status: "ok"})
}

// Readyz runs every checker with its own [checkTimeout] deadline and fails
// when any of them does.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	res := probeResult{Status: "ok", Checks: h.runChecks(r.Context())}
	code := http.StatusOK
	for _, v := range res.Checks {
		if v != "ok" {
			res.Status = "fail"
			code = http.StatusServiceUnavailable
			break
		}
	}
	writeJSON(w, code, res)
}

func (h *Handler) runChecks(ctx context.Context) map[string]string {
	var (
		mu  sync.Mutex
		out = make(map[string]string, len(h.checkers))
		g   errgroup.Group
	)
	for _, c := range h.checkers {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()
			v := "ok"
			if err := c.Check(cctx); err != nil {
				v = "fail: " + err.Error()
			}
			mu.Lock()
			out[c.Name] = v
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// WSStatus reports whether media streams are accepted and how many calls are
// connected.
func (h *Handler) WSStatus(w http.ResponseWriter, _ *http.Request) {
	var st Status
	if h.status != nil {
		st = h.status()
	}
	slog.Debug("ws-status", "running", st.WSServerRunning, "active_calls", st.WSActiveCalls)
	writeJSON(w, http.StatusOK, st)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_, _ = w.Write(append(data, '\n'))
}
