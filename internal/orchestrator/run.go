package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/keyurgolani/ThoughtMcp-sub011/internal/broadcast"
	"github.com/keyurgolani/ThoughtMcp-sub011/internal/chain"
	"github.com/keyurgolani/ThoughtMcp-sub011/internal/coordinator"
	"github.com/keyurgolani/ThoughtMcp-sub011/internal/resilience"
	"github.com/keyurgolani/ThoughtMcp-sub011/internal/session"
)

var errNoResults = errors.New("no stream produced a result")

const stoppedMessage = "The session was stopped before it finished. Please try again."

// abortError carries the handler's decision for a stream failure that ends
// the run.
type abortError struct {
	outcome resilience.Outcome
	err     error
}

func (e *abortError) Error() string { return fmt.Sprintf("stream failure not recovered: %v", e.err) }
func (e *abortError) Unwrap() error { return e.err }

// run is one session execution. It is the coordinator's Observer; mu
// serializes registry writes and event emission for the session so observers
// see events in the order the registry changed.
type run struct {
	o       *Orchestrator
	id      string
	kind    session.Kind
	streams []string
	cfg     Config
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}

	mu       sync.Mutex
	coord    *coordinator.Coordinator
	progress map[string]float64
	reached  map[session.Checkpoint]int
	degraded bool
	ended    bool
	reported bool
}

func newRun(ctx context.Context, cancel context.CancelFunc, o *Orchestrator, s *session.Session, cfg Config) *run {
	return &run{
		o:        o,
		id:       s.ID,
		kind:     s.Kind,
		streams:  append([]string(nil), s.ActiveStreams...),
		cfg:      cfg,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		progress: make(map[string]float64, len(s.ActiveStreams)),
		reached:  make(map[session.Checkpoint]int),
		degraded: s.Degraded,
	}
}

func (r *run) finished() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

func (r *run) coordinator() *coordinator.Coordinator {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.coord
}

func (r *run) execute() {
	defer r.o.finishRun(r)
	defer close(r.done)
	defer r.settle()
	defer r.cancel()

	o := r.o
	c := coordinator.New(r.streams, o.exec,
		coordinator.WithTimeout(r.cfg.CheckpointTimeout),
		coordinator.WithLaggardPolicy(r.cfg.LaggardPolicy),
		coordinator.WithAssessor(o.assess),
		coordinator.WithObserver(r),
		coordinator.WithLogger(o.logger.With("session_id", r.id)),
		coordinator.WithMetrics(o.metrics),
	)
	r.mu.Lock()
	r.coord = c
	r.mu.Unlock()

	r.update(session.NewPatch().WithStage("stream_execution"))
	results, err := c.Run(r.ctx)
	if err == nil && len(results) == 0 {
		err = resilience.Fatal("synthesis", errNoResults)
	}
	if err != nil {
		r.fail(err)
		return
	}
	r.synthesize(results)
}

// update applies p unless the session has gone or ended. Caller must not
// hold r.mu.
func (r *run) update(p *session.Patch) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.updateLocked(p)
}

func (r *run) updateLocked(p *session.Patch) bool {
	if !r.liveLocked() {
		return false
	}
	r.o.registry.Update(r.id, p)
	return true
}

// liveLocked reports whether the session is still processing. A session
// that was deleted or evicted cancels the run so the streams stop.
func (r *run) liveLocked() bool {
	if r.ended {
		return false
	}
	s, ok := r.o.registry.Get(r.id)
	if !ok || s.IsTerminal() {
		r.ended = true
		r.cancel()
		return false
	}
	return true
}

func (r *run) emit(typ broadcast.EventType, fields map[string]any) {
	r.o.broadcaster.Broadcast(r.id, broadcast.NewEvent(typ, r.id, fields))
}

func (r *run) sessionProgress() float64 {
	if len(r.streams) == 0 {
		return 0
	}
	var sum float64
	for _, id := range r.streams {
		sum += r.progress[id]
	}
	return sum / float64(len(r.streams))
}

func (r *run) StreamStarted(streamID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.liveLocked() {
		return
	}
	r.emit(broadcast.StreamStarted, map[string]any{"streamId": streamID})
	r.o.chains.AddStep(r.id, chain.Step{Type: chain.StepStreamStarted, StreamID: streamID, Content: streamID + " started"})
	r.o.chains.SetBranch(r.id, chain.Branch{StreamID: streamID, Status: "running"})
}

func (r *run) StreamProgress(streamID string, p float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress[streamID] = p
	total := r.sessionProgress()
	if !r.updateLocked(session.NewPatch().WithProgress(total)) {
		return
	}
	r.emit(broadcast.StreamProgress, map[string]any{
		"streamId":        streamID,
		"progress":        p,
		"sessionProgress": total,
	})
}

func (r *run) StreamInsight(in coordinator.Insight) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.liveLocked() {
		return
	}
	r.emit(broadcast.StreamInsight, map[string]any{
		"streamId":   in.StreamID,
		"insight":    in.Text,
		"confidence": in.Confidence,
	})
	r.o.chains.AddStep(r.id, chain.Step{
		Type:       chain.StepInsight,
		StreamID:   in.StreamID,
		Content:    in.Text,
		Confidence: in.Confidence,
	})
}

func (r *run) CheckpointReached(_ string, cp session.Checkpoint, arrived int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if arrived <= r.reached[cp] {
		return
	}
	r.reached[cp] = arrived
	r.updateLocked(session.NewPatch().WithCheckpoint(cp, arrived))
}

func (r *run) CheckpointReleased(res coordinator.CheckpointResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.updateLocked(session.NewPatch().WithStage(res.Checkpoint.String())) {
		return
	}
	r.emit(broadcast.SyncCheckpoint, map[string]any{
		"checkpoint": res.Checkpoint.String(),
		"arrived":    res.Arrived,
		"laggards":   res.Laggards,
		"timedOut":   res.TimedOut,
		"confidence": res.Confidence,
		"syncTime":   res.SyncTime.Milliseconds(),
		"shareTime":  res.ShareTime.Milliseconds(),
	})
	r.o.chains.AddDecision(r.id, chain.DecisionPoint{
		Checkpoint: res.Checkpoint.String(),
		Arrived:    res.Arrived,
		Laggards:   res.Laggards,
		TimedOut:   res.TimedOut,
		Confidence: res.Confidence,
	})
	r.o.chains.AddStep(r.id, chain.Step{
		Type:       chain.StepCheckpoint,
		Content:    fmt.Sprintf("%s reached by %d of %d streams", res.Checkpoint, len(res.Arrived), len(r.streams)),
		Confidence: res.Confidence,
	})
}

func (r *run) StreamCompleted(res coordinator.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress[res.StreamID] = 1
	if !r.updateLocked(session.NewPatch().WithProgress(r.sessionProgress())) {
		return
	}
	r.emit(broadcast.StreamCompleted, map[string]any{
		"streamId":      res.StreamID,
		"conclusion":    res.Conclusion,
		"confidence":    res.Confidence,
		"lowConfidence": res.LowConfidence,
	})
	r.o.chains.AddStep(r.id, chain.Step{
		Type:       chain.StepStreamCompleted,
		StreamID:   res.StreamID,
		Content:    res.Conclusion,
		Confidence: res.Confidence,
	})
	r.o.chains.SetBranch(r.id, chain.Branch{
		StreamID:   res.StreamID,
		Status:     "completed",
		Insights:   len(res.Insights),
		Confidence: res.Confidence,
		Conclusion: res.Conclusion,
	})
}

// StreamFailed absorbs recovered failures, marking the session degraded,
// and aborts the run otherwise.
func (r *run) StreamFailed(ctx context.Context, streamID string, err error) error {
	out := r.o.handler.HandleError(ctx, err)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.liveLocked() {
		r.o.chains.AddStep(r.id, chain.Step{Type: chain.StepStreamFailed, StreamID: streamID, Content: out.UserMessage})
		r.o.chains.SetBranch(r.id, chain.Branch{StreamID: streamID, Status: "failed"})
	}

	if !out.Recovered {
		return &abortError{outcome: out, err: err}
	}
	r.degraded = true
	if r.updateLocked(session.NewPatch().WithDegraded(true)) {
		r.emit(broadcast.StreamCompleted, map[string]any{
			"streamId": streamID,
			"failed":   true,
			"strategy": string(out.Strategy),
			"message":  out.UserMessage,
		})
	}
	return nil
}

func (r *run) synthesize(results []coordinator.Result) {
	o := r.o
	if !r.update(session.NewPatch().WithStage("synthesis")) {
		r.stop()
		return
	}
	r.mu.Lock()
	r.emit(broadcast.SynthesisStarted, map[string]any{"streams": len(results)})
	r.mu.Unlock()

	partials := make([]coordinator.Partial, 0, len(results))
	for _, res := range results {
		insights := res.Insights
		if len(insights) == 0 {
			insights = []coordinator.Insight{{StreamID: res.StreamID, Text: res.Conclusion, Confidence: res.Confidence}}
		}
		partials = append(partials, coordinator.Partial{
			StreamID:      res.StreamID,
			State:         coordinator.Completed,
			Progress:      1,
			Insights:      insights,
			LowConfidence: res.LowConfidence,
		})
	}

	var confidence float64
	out, err := o.handler.Do(r.ctx, r.cfg.AssessAttempts, func(ctx context.Context) error {
		c, err := o.assess.Assess(ctx, partials)
		if err != nil {
			return resilience.EmbeddingTimeout("synthesis", err)
		}
		confidence = c
		return nil
	})
	if err != nil {
		// Scoring is best effort; fall back to the plain mean.
		confidence, _ = coordinator.MeanConfidence(r.ctx, partials)
		o.logger.Warn("synthesis scoring failed", "session_id", r.id, "strategy", string(out.Strategy), "error", err)
	}
	confidence = max(0, min(1, confidence))

	conclusions := make([]map[string]any, 0, len(results))
	for _, res := range results {
		conclusions = append(conclusions, map[string]any{
			"streamId":      res.StreamID,
			"conclusion":    res.Conclusion,
			"confidence":    res.Confidence,
			"lowConfidence": res.LowConfidence,
		})
	}
	overhead := r.coordinator().Overhead()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ended {
		return
	}
	r.o.chains.AddStep(r.id, chain.Step{
		Type:       chain.StepSynthesis,
		Content:    fmt.Sprintf("combined %d of %d streams", len(results), len(r.streams)),
		Confidence: confidence,
	})
	r.emit(broadcast.SynthesisCompleted, map[string]any{
		"confidence":  confidence,
		"conclusions": conclusions,
	})
	r.updateLocked(session.NewPatch().
		WithStatus(session.Complete).
		WithProgress(1).
		WithStage("complete"))
	r.ended = true
	o.handler.RecordSuccess()
	r.reportLocked(session.Complete.String())
	r.emit(broadcast.SessionCompleted, map[string]any{
		"confidence": confidence,
		"degraded":   r.degraded,
		"overhead":   overhead,
	})
	o.logger.Info("session complete",
		"session_id", r.id,
		"confidence", confidence,
		"degraded", r.degraded,
		"overhead", overhead.OverheadPercentage,
	)
}

// fail finalizes the session with a user-safe message.
func (r *run) fail(err error) {
	o := r.o
	var out resilience.Outcome
	var abort *abortError
	switch {
	case errors.As(err, &abort):
		out = abort.outcome
	case r.ctx.Err() != nil:
		r.stop()
		return
	default:
		out = o.handler.HandleError(context.WithoutCancel(r.ctx), err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ended {
		return
	}
	r.updateLocked(session.NewPatch().
		WithStatus(session.Errored).
		WithStage("error").
		WithError(out.UserMessage))
	r.ended = true
	r.reportLocked(session.Errored.String())
	r.emit(broadcast.SessionError, map[string]any{
		"error":    out.UserMessage,
		"strategy": string(out.Strategy),
	})
	o.logger.Error("session failed", "session_id", r.id, "strategy", string(out.Strategy), "error", err)
}

// stop ends a run whose context was cancelled: by shutdown, or because the
// session was deleted or evicted.
func (r *run) stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	live := r.updateLocked(session.NewPatch().
		WithStatus(session.Errored).
		WithStage("stopped").
		WithError(stoppedMessage))
	r.ended = true
	if live {
		r.reportLocked(session.Errored.String())
		r.emit(broadcast.SessionError, map[string]any{"error": stoppedMessage})
	}
}

// end stops the run from touching the session again. In-flight observer
// callbacks finish first.
func (r *run) end() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ended = true
	r.cancel()
}

// settle accounts for runs whose session disappeared before they ended.
func (r *run) settle() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ended = true
	r.reportLocked("evicted")
}

func (r *run) reportLocked(status string) {
	if r.reported {
		return
	}
	r.reported = true
	r.o.metrics.SessionFinished(status)
}
