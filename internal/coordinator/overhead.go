package coordinator

import (
	"encoding/json"
	"time"
)

// OverheadMetrics splits coordination cost into barrier waiting (SyncTime)
// and scoring of shared partial results (ShareTime).
type OverheadMetrics struct {
	TotalCoordinationTime time.Duration
	SyncTime              time.Duration
	ShareTime             time.Duration
	SessionTime           time.Duration
	// OverheadPercentage is TotalCoordinationTime / SessionTime, in [0,1].
	OverheadPercentage float64
	Checkpoints        int
}

func (m OverheadMetrics) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		TotalCoordinationTime float64 `json:"totalCoordinationTime"`
		SyncTime              float64 `json:"syncTime"`
		ShareTime             float64 `json:"shareTime"`
		SessionTime           float64 `json:"sessionTime"`
		OverheadPercentage    float64 `json:"overheadPercentage"`
		Checkpoints           int     `json:"checkpoints"`
	}{
		TotalCoordinationTime: ms(m.TotalCoordinationTime),
		SyncTime:              ms(m.SyncTime),
		ShareTime:             ms(m.ShareTime),
		SessionTime:           ms(m.SessionTime),
		OverheadPercentage:    m.OverheadPercentage,
		Checkpoints:           m.Checkpoints,
	})
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// Overhead measures coordination cost so far. While the run is in flight
// the session time runs up to now.
func (c *Coordinator) Overhead() OverheadMetrics {
	c.mu.Lock()
	defer c.mu.Unlock()

	m := OverheadMetrics{
		SyncTime:    c.syncTime,
		ShareTime:   c.shareTime,
		Checkpoints: len(c.releases),
	}
	m.TotalCoordinationTime = m.SyncTime + m.ShareTime
	switch {
	case c.started.IsZero():
	case c.finished.IsZero():
		m.SessionTime = time.Since(c.started)
	default:
		m.SessionTime = c.finished.Sub(c.started)
	}
	m.OverheadPercentage = overheadRatio(m.TotalCoordinationTime, m.SessionTime)
	return m
}

func overheadRatio(coord, total time.Duration) float64 {
	if total <= 0 || coord <= 0 {
		return 0
	}
	return min(1, float64(coord)/float64(total))
}
