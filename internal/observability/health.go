package observability

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"
)

type healthResponse struct {
	Status string `json:"status"`
	Uptime string `json:"uptime,omitempty"`
}

// HealthChecker backs the /healthz and /readyz endpoints. Liveness is
// unconditional; readiness flips on only after recovery finishes
// (snapshot loaded, event log replayed, Postgres and NATS connected).
type HealthChecker struct {
	ready     atomic.Bool
	startTime time.Time
}

func NewHealthChecker() *HealthChecker {
	return &HealthChecker{startTime: time.Now()}
}

// SetReady flips the readiness gate. Called once after startup recovery,
// and may be flipped back off during shutdown to drain traffic.
func (h *HealthChecker) SetReady(ready bool) {
	h.ready.Store(ready)
}

func (h *HealthChecker) IsReady() bool {
	return h.ready.Load()
}

// LivenessHandler always answers 200 while the process runs.
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeHealth(w, http.StatusOK, healthResponse{
		Status: "alive",
		Uptime: time.Since(h.startTime).String(),
	})
}

// ReadinessHandler answers 200 once recovery is complete, 503 before.
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	if !h.ready.Load() {
		writeHealth(w, http.StatusServiceUnavailable, healthResponse{Status: "not_ready"})
		return
	}
	writeHealth(w, http.StatusOK, healthResponse{Status: "ready"})
}

func writeHealth(w http.ResponseWriter, code int, resp healthResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(resp)
}
