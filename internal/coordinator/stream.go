package coordinator

import (
	"context"
	"errors"
	"time"

	"github.com/keyurgolani/ThoughtMcp-sub011/internal/session"
)

// ErrStreamDropped is returned from Reporter.Progress once a stream has been
// cut off by a checkpoint timeout under the fail policy.
var ErrStreamDropped = errors.New("stream dropped after checkpoint timeout")

type StreamState int

const (
	NotStarted StreamState = iota
	Running
	AtCheckpoint
	Completed
	Failed
)

var stateNames = [...]string{"not_started", "running", "at_checkpoint", "completed", "failed"}

func (s StreamState) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

func (s StreamState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s StreamState) terminal() bool {
	return s == Completed || s == Failed
}

// Insight is one intermediate finding reported by a stream.
type Insight struct {
	StreamID   string    `json:"streamId"`
	Text       string    `json:"text"`
	Confidence float64   `json:"confidence"`
	At         time.Time `json:"at"`
}

// Result is what an executor returns for a finished stream.
type Result struct {
	StreamID   string    `json:"streamId"`
	Conclusion string    `json:"conclusion"`
	Confidence float64   `json:"confidence"`
	Insights   []Insight `json:"insights,omitempty"`
	// LowConfidence is set when the stream missed a checkpoint.
	LowConfidence bool `json:"lowConfidence,omitempty"`
}

// Partial is a stream's state as shared at a checkpoint.
type Partial struct {
	StreamID      string      `json:"streamId"`
	State         StreamState `json:"state"`
	Progress      float64     `json:"progress"`
	Insights      []Insight   `json:"insights,omitempty"`
	LowConfidence bool        `json:"lowConfidence,omitempty"`
}

// Reporter is handed to an executor for one stream.
type Reporter interface {
	// Progress records p and blocks at any checkpoint p crosses until the
	// checkpoint is released. It returns an error when the stream should
	// stop: ctx is done or the stream was dropped.
	Progress(ctx context.Context, p float64) error
	Insight(text string, confidence float64)
	// Peers returns what the other streams had shared at the most recent
	// released checkpoint.
	Peers() []Partial
}

// Executor runs one reasoning stream to completion.
type Executor interface {
	Execute(ctx context.Context, streamID string, r Reporter) (Result, error)
}

// Assessor scores the partial results shared at a checkpoint.
type Assessor interface {
	Assess(ctx context.Context, partials []Partial) (float64, error)
}

type AssessorFunc func(ctx context.Context, partials []Partial) (float64, error)

func (f AssessorFunc) Assess(ctx context.Context, partials []Partial) (float64, error) {
	return f(ctx, partials)
}

// MeanConfidence averages insight confidence, halving it for low-confidence
// streams. It is used when no Assessor is configured.
var MeanConfidence = AssessorFunc(func(_ context.Context, partials []Partial) (float64, error) {
	var sum float64
	var n int
	for _, p := range partials {
		for _, in := range p.Insights {
			c := in.Confidence
			if p.LowConfidence {
				c /= 2
			}
			sum += c
			n++
		}
	}
	if n == 0 {
		return 0, nil
	}
	return sum / float64(n), nil
})

// Observer receives the coordinator's lifecycle callbacks. Calls arrive
// from stream goroutines concurrently.
type Observer interface {
	StreamStarted(streamID string)
	StreamProgress(streamID string, progress float64)
	StreamInsight(in Insight)
	// CheckpointReached reports a stream arriving at cp; arrived counts
	// every stream that reached cp so far, late ones included.
	CheckpointReached(streamID string, cp session.Checkpoint, arrived int)
	CheckpointReleased(r CheckpointResult)
	StreamCompleted(res Result)
	// StreamFailed decides the fate of the run. A nil return absorbs the
	// failure and the other streams carry on; an error aborts the run.
	StreamFailed(ctx context.Context, streamID string, err error) error
}

// NopObserver ignores every callback and absorbs failures.
type NopObserver struct{}

func (NopObserver) StreamStarted(string)                              {}
func (NopObserver) StreamProgress(string, float64)                    {}
func (NopObserver) StreamInsight(Insight)                             {}
func (NopObserver) CheckpointReached(string, session.Checkpoint, int) {}
func (NopObserver) CheckpointReleased(CheckpointResult)               {}
func (NopObserver) StreamCompleted(Result)                            {}
func (NopObserver) StreamFailed(context.Context, string, error) error { return nil }

type stream struct {
	id            string
	state         StreamState
	progress      float64
	next          int // index into session.Checkpoints of the next checkpoint to cross
	insights      []Insight
	lowConfidence bool
	dropped       bool
	err           error
}

func (s *stream) partial() Partial {
	return Partial{
		StreamID:      s.id,
		State:         s.state,
		Progress:      s.progress,
		Insights:      append([]Insight(nil), s.insights...),
		LowConfidence: s.lowConfidence,
	}
}

type reporter struct {
	c  *Coordinator
	id string
}

func (r *reporter) Progress(ctx context.Context, p float64) error {
	return r.c.progress(ctx, r.id, p)
}

func (r *reporter) Insight(text string, confidence float64) {
	r.c.insight(r.id, text, confidence)
}

func (r *reporter) Peers() []Partial {
	return r.c.peers(r.id)
}
