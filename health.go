package yblocker

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// HealthChecker provides liveness and readiness probes. Readiness
// requires SetReady(true) and every registered check to pass.
type HealthChecker struct {
	alive atomic.Bool
	ready atomic.Bool

	startTime time.Time

	mu     sync.RWMutex
	checks []namedCheck
}

// ReadinessCheck returns nil if a component is ready, or an error
// describing why it is not.
type ReadinessCheck func() error

type namedCheck struct {
	name  string
	check ReadinessCheck
}

// HealthResponse is the JSON body returned by health endpoints.
type HealthResponse struct {
	Status  string   `json:"status"`
	Uptime  string   `json:"uptime,omitempty"`
	Reason  string   `json:"reason,omitempty"`
	Details []string `json:"details,omitempty"`
}

// NewHealthChecker creates a new HealthChecker.
func NewHealthChecker() *HealthChecker {
	return &HealthChecker{startTime: time.Now()}
}

// AddCheck registers a readiness check reported under name.
func (h *HealthChecker) AddCheck(name string, check ReadinessCheck) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, namedCheck{name: name, check: check})
}

// SetAlive marks the process as alive.
func (h *HealthChecker) SetAlive(alive bool) {
	h.alive.Store(alive)
}

// SetReady marks the process as ready.
func (h *HealthChecker) SetReady(ready bool) {
	h.ready.Store(ready)
}

// IsAlive reports the liveness state.
func (h *HealthChecker) IsAlive() bool {
	return h.alive.Load()
}

// IsReady reports whether the process is ready and every check passes.
func (h *HealthChecker) IsReady() bool {
	return h.ready.Load() && len(h.failures()) == 0
}

func (h *HealthChecker) failures() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var out []string
	for _, c := range h.checks {
		if err := c.check(); err != nil {
			out = append(out, fmt.Sprintf("%s: %v", c.name, err))
		}
	}
	return out
}

// HandleHealthz handles the /healthz liveness probe.
func (h *HealthChecker) HandleHealthz(w http.ResponseWriter, _ *http.Request) {
	resp := HealthResponse{Status: "ok", Uptime: h.uptime()}
	code := http.StatusOK
	if !h.IsAlive() {
		resp.Status = "unavailable"
		code = http.StatusServiceUnavailable
	}
	writeHealth(w, code, resp)
}

// HandleReadyz handles the /readyz readiness probe.
func (h *HealthChecker) HandleReadyz(w http.ResponseWriter, _ *http.Request) {
	resp := HealthResponse{Status: "ok", Uptime: h.uptime()}

	if !h.ready.Load() {
		resp.Status = "not ready"
		resp.Reason = "starting"
		writeHealth(w, http.StatusServiceUnavailable, resp)
		return
	}

	if failures := h.failures(); len(failures) > 0 {
		resp.Status = "not ready"
		resp.Details = failures
		writeHealth(w, http.StatusServiceUnavailable, resp)
		return
	}

	writeHealth(w, http.StatusOK, resp)
}

// Uptime returns the time since the checker was created.
func (h *HealthChecker) Uptime() time.Duration {
	return time.Since(h.startTime)
}

func (h *HealthChecker) uptime() string {
	return h.Uptime().Truncate(time.Second).String()
}

func writeHealth(w http.ResponseWriter, code int, resp HealthResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(resp)
}
