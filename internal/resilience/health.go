package resilience

import "time"

type HealthStatus string

const (
	StatusHealthy  HealthStatus = "healthy"
	StatusDegraded HealthStatus = "degraded"
	StatusFailed   HealthStatus = "failed"
)

// KindHealth is the breaker view of one error kind.
type KindHealth struct {
	Kind          Kind         `json:"kind"`
	Status        HealthStatus `json:"status"`
	Failures      int          `json:"failures"`
	Handled       int          `json:"handled"`
	LastFailureAt *time.Time   `json:"lastFailureAt,omitempty"`
}

// Report is a consistent snapshot of the handler.
type Report struct {
	CircuitOpen bool         `json:"circuitOpen"`
	BasicMode   bool         `json:"basicMode"`
	Threshold   int          `json:"threshold"`
	Kinds       []KindHealth `json:"kinds"`
}

// Health returns a snapshot of every kind that has been handled at least
// once, in Kinds order.
func (h *Handler) Health() Report {
	h.mu.Lock()
	defer h.mu.Unlock()
	r := Report{
		CircuitOpen: h.circuitOpen,
		BasicMode:   h.basicMode,
		Threshold:   h.threshold,
	}
	for _, k := range Kinds {
		handled := h.stats[k]
		if handled == 0 {
			continue
		}
		kh := KindHealth{Kind: k, Handled: handled, Status: StatusHealthy}
		if st, ok := h.kinds[k]; ok {
			kh.Failures = st.failures
			kh.Status = h.statusLocked(st)
			if !st.lastFailure.IsZero() {
				t := st.lastFailure
				kh.LastFailureAt = &t
			}
		}
		r.Kinds = append(r.Kinds, kh)
	}
	return r
}

// statusLocked computes health status. Caller must hold h.mu.
func (h *Handler) statusLocked(st *kindState) HealthStatus {
	switch {
	case st.failures >= h.threshold:
		return StatusFailed
	case st.failures > 0:
		return StatusDegraded
	}
	return StatusHealthy
}
