package observability

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"
)

// HaltReporter is implemented by components that can stop for good.
type HaltReporter interface {
	Halted() bool
}

// HealthChecker manages liveness and readiness state.
// Readiness requires startup replay to have finished and the sequencer to
// still be running.
type HealthChecker struct {
	ready     atomic.Bool
	startTime time.Time
	halt      HaltReporter
}

func NewHealthChecker(halt HaltReporter) *HealthChecker {
	return &HealthChecker{
		startTime: time.Now(),
		halt:      halt,
	}
}

// SetReady marks the service as ready to accept traffic.
func (h *HealthChecker) SetReady(ready bool) {
	h.ready.Store(ready)
}

func (h *HealthChecker) IsReady() bool {
	if h.halt != nil && h.halt.Halted() {
		return false
	}
	return h.ready.Load()
}

// LivenessHandler returns 200 while the process is running.
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "alive",
		"uptime": time.Since(h.startTime).String(),
	})
}

// ReadinessHandler returns 200 when ready, 503 otherwise. A halted
// sequencer reports "halted" so operators can tell it apart from startup.
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	status := "ready"
	code := http.StatusOK
	switch {
	case h.halt != nil && h.halt.Halted():
		status, code = "halted", http.StatusServiceUnavailable
	case !h.ready.Load():
		status, code = "not_ready", http.StatusServiceUnavailable
	}

	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": status,
	})
}
