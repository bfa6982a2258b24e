// Package health serves the control-plane process's own operability
// endpoints, adapted from internal/shared/health.Handler in the teacher.
// The teacher's variant also carried a Monitor type for component-level
// health aggregation (VM/provider-specific); that piece did not survive
// the spec's scope and is dropped here (see DESIGN.md) — this Handler
// keeps the generic check-registration/serving shape only.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"sync"
	"time"
)

// Check is a single named health probe.
type Check func(context.Context) error

// Handler serves /health, /ready, /live, and /runtime for the process;
// /metrics is served by internal/metrics.
type Handler struct {
	mu        sync.RWMutex
	checks    map[string]Check
	readiness []Check
	liveness  []Check
	startTime time.Time
}

func NewHandler() *Handler {
	return &Handler{
		checks:    make(map[string]Check),
		startTime: time.Now(),
	}
}

func (h *Handler) AddCheck(name string, check Check) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = check
}

func (h *Handler) AddReadinessCheck(check Check) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.readiness = append(h.readiness, check)
}

func (h *Handler) AddLivenessCheck(check Check) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.liveness = append(h.liveness, check)
}

type checkResult struct {
	Status   string        `json:"status"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration_ms"`
}

type healthResponse struct {
	Status    string                 `json:"status"`
	Checks    map[string]checkResult `json:"checks,omitempty"`
	Uptime    string                 `json:"uptime"`
	Timestamp time.Time              `json:"timestamp"`
}

func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	checks := make(map[string]Check, len(h.checks))
	for name, c := range h.checks {
		checks[name] = c
	}
	h.mu.RUnlock()

	ctx := r.Context()
	results := make(map[string]checkResult, len(checks))
	status := "healthy"
	for name, check := range checks {
		start := time.Now()
		err := check(ctx)
		res := checkResult{Status: "healthy", Duration: time.Since(start) / time.Millisecond}
		if err != nil {
			res.Status = "unhealthy"
			res.Error = err.Error()
			status = "unhealthy"
		}
		results[name] = res
	}

	code := http.StatusOK
	if status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(healthResponse{
		Status:    status,
		Checks:    results,
		Uptime:    time.Since(h.startTime).String(),
		Timestamp: time.Now(),
	})
}

func (h *Handler) HandleReady(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	for _, check := range h.readiness {
		if err := check(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]string{"status": "not_ready", "error": err.Error()})
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}

func (h *Handler) HandleLive(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	for _, check := range h.liveness {
		if err := check(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]string{"status": "dead", "error": err.Error()})
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "alive"})
}

func (h *Handler) HandleRuntime(w http.ResponseWriter, r *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"goroutines":  runtime.NumGoroutine(),
		"alloc_bytes": m.Alloc,
		"sys_bytes":   m.Sys,
		"uptime":      time.Since(h.startTime).String(),
	})
}

// RegisterHandlers wires /health, /ready, /live on mux. /metrics is
// registered separately by internal/metrics against the same mux, since
// that endpoint is served by the Prometheus client registry, not this
// handler (§10.5).
func (h *Handler) RegisterHandlers(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.HandleHealth)
	mux.HandleFunc("/ready", h.HandleReady)
	mux.HandleFunc("/live", h.HandleLive)
	mux.HandleFunc("/runtime", h.HandleRuntime)
}

// DatabaseCheck builds a Check from anything that can Ping.
func DatabaseCheck(db interface{ Ping(context.Context) error }) Check {
	return func(ctx context.Context) error { return db.Ping(ctx) }
}
