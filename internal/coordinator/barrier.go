package coordinator

import (
	"time"

	"github.com/keyurgolani/ThoughtMcp-sub011/internal/session"
)

// LaggardPolicy decides what happens to streams that missed a checkpoint
// when its timeout fires.
type LaggardPolicy string

const (
	// LaggardLowConfidence keeps laggards running with reduced confidence.
	LaggardLowConfidence LaggardPolicy = "low_confidence"
	// LaggardFail stops laggards at their next progress report.
	LaggardFail LaggardPolicy = "fail"
)

func (p LaggardPolicy) Valid() bool {
	return p == LaggardLowConfidence || p == LaggardFail
}

// CheckpointResult describes one barrier release.
type CheckpointResult struct {
	Checkpoint session.Checkpoint `json:"checkpoint"`
	Arrived    []string           `json:"arrived"`
	Laggards   []string           `json:"laggards,omitempty"`
	TimedOut   bool               `json:"timedOut"`
	SyncTime   time.Duration      `json:"-"`
	ShareTime  time.Duration      `json:"-"`
	Confidence float64            `json:"confidence"`
	Partials   []Partial          `json:"-"`
}

// barrier is a counting rendezvous for one checkpoint. The target is every
// stream that has not finished; arrivals block on release until all of them
// have arrived or the timeout admits whoever is there.
type barrier struct {
	cp       session.Checkpoint
	arrived  map[string]bool
	order    []string
	first    time.Time
	released bool
	release  chan struct{}
	timer    *time.Timer
}

func newBarrier(cp session.Checkpoint) *barrier {
	return &barrier{
		cp:      cp,
		arrived: make(map[string]bool),
		release: make(chan struct{}),
	}
}

// arrive records id and reports whether this was its first arrival.
func (b *barrier) arrive(id string) bool {
	if b.arrived[id] {
		return false
	}
	b.arrived[id] = true
	b.order = append(b.order, id)
	return true
}

func (b *barrier) stop() {
	if b.timer != nil {
		b.timer.Stop()
	}
}
