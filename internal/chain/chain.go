// Package chain keeps the post-hoc explanation of each session: the ordered
// reasoning steps, how confidence moved across them, one branch per stream
// and one decision point per released checkpoint.
package chain

import (
	"sort"
	"sync"
	"time"

	"github.com/keyurgolani/ThoughtMcp-sub011/internal/session"
)

type StepType string

const (
	StepStreamStarted   StepType = "stream_started"
	StepInsight         StepType = "insight"
	StepCheckpoint      StepType = "checkpoint"
	StepStreamCompleted StepType = "stream_completed"
	StepStreamFailed    StepType = "stream_failed"
	StepSynthesis       StepType = "synthesis"
)

type Step struct {
	Index      int      `json:"index"`
	Type       StepType `json:"type"`
	StreamID   string   `json:"streamId,omitempty"`
	Content    string   `json:"content"`
	Confidence float64  `json:"confidence"`
	Timestamp  string   `json:"timestamp"`
}

type Branch struct {
	StreamID   string  `json:"streamId"`
	Status     string  `json:"status"`
	Insights   int     `json:"insights"`
	Confidence float64 `json:"confidence"`
	Conclusion string  `json:"conclusion,omitempty"`
}

type DecisionPoint struct {
	Checkpoint string   `json:"checkpoint"`
	Arrived    []string `json:"arrived"`
	Laggards   []string `json:"laggards"`
	TimedOut   bool     `json:"timedOut"`
	Confidence float64  `json:"confidence"`
	Timestamp  string   `json:"timestamp"`
}

// Chain is one session's explanation. ConfidenceEvolution has exactly one
// entry per step.
type Chain struct {
	SessionID           string          `json:"sessionId"`
	Steps               []Step          `json:"steps"`
	ConfidenceEvolution []float64       `json:"confidenceEvolution"`
	Branches            []Branch        `json:"branches"`
	DecisionPoints      []DecisionPoint `json:"decisionPoints"`
}

func empty(sessionID string) Chain {
	return Chain{
		SessionID:           sessionID,
		Steps:               []Step{},
		ConfidenceEvolution: []float64{},
		Branches:            []Branch{},
		DecisionPoints:      []DecisionPoint{},
	}
}

type record struct {
	steps     []Step
	branches  map[string]Branch
	order     []string
	decisions []DecisionPoint
}

// Recorder stores chains by session id.
type Recorder struct {
	mu      sync.RWMutex
	records map[string]*record
	now     func() time.Time
}

func NewRecorder() *Recorder {
	return &Recorder{
		records: make(map[string]*record),
		now:     time.Now,
	}
}

func (r *Recorder) get(sessionID string) *record {
	rec, ok := r.records[sessionID]
	if !ok {
		rec = &record{branches: make(map[string]Branch)}
		r.records[sessionID] = rec
	}
	return rec
}

// AddStep appends a step. Index and Timestamp are assigned here.
func (r *Recorder) AddStep(sessionID string, s Step) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.get(sessionID)
	s.Index = len(rec.steps)
	s.Confidence = max(0, min(1, s.Confidence))
	s.Timestamp = session.FormatTime(r.now())
	rec.steps = append(rec.steps, s)
}

// SetBranch creates or replaces the branch for b.StreamID.
func (r *Recorder) SetBranch(sessionID string, b Branch) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.get(sessionID)
	if _, ok := rec.branches[b.StreamID]; !ok {
		rec.order = append(rec.order, b.StreamID)
	}
	rec.branches[b.StreamID] = b
}

func (r *Recorder) AddDecision(sessionID string, d DecisionPoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.get(sessionID)
	d.Arrived = append([]string{}, d.Arrived...)
	d.Laggards = append([]string{}, d.Laggards...)
	d.Timestamp = session.FormatTime(r.now())
	rec.decisions = append(rec.decisions, d)
}

// Get returns a copy of the chain for sessionID.
func (r *Recorder) Get(sessionID string) (Chain, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[sessionID]
	if !ok {
		return Chain{}, false
	}
	c := empty(sessionID)
	for _, s := range rec.steps {
		c.Steps = append(c.Steps, s)
		c.ConfidenceEvolution = append(c.ConfidenceEvolution, s.Confidence)
	}
	for _, id := range rec.order {
		c.Branches = append(c.Branches, rec.branches[id])
	}
	for _, d := range rec.decisions {
		d.Arrived = append([]string{}, d.Arrived...)
		d.Laggards = append([]string{}, d.Laggards...)
		c.DecisionPoints = append(c.DecisionPoints, d)
	}
	return c, true
}

// Begin registers an empty chain so Get finds sessions with no steps yet.
func (r *Recorder) Begin(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.get(sessionID)
}

func (r *Recorder) Delete(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records, sessionID)
}

// Sessions returns the ids with a chain, sorted.
func (r *Recorder) Sessions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.records))
	for id := range r.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
