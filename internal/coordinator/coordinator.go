// Package coordinator runs the streams of one session concurrently and
// rendezvous them at the 25/50/75% checkpoints.
//
// Each checkpoint is a counting barrier whose target is the set of streams
// still running. Streams block in Reporter.Progress when they cross a
// checkpoint; the last arrival releases everyone. A bounded timeout admits
// whoever has arrived and applies the LaggardPolicy to the rest, so a slow
// stream never fails the session on its own. On release the partial results
// are scored by the Assessor before the waiters resume; the time spent
// waiting and scoring is reported by Overhead.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/keyurgolani/ThoughtMcp-sub011/internal/metrics"
	"github.com/keyurgolani/ThoughtMcp-sub011/internal/resilience"
	"github.com/keyurgolani/ThoughtMcp-sub011/internal/session"
)

const DefaultCheckpointTimeout = 5 * time.Second

var (
	ErrAlreadyRun = errors.New("coordinator already ran")
	ErrNoStreams  = errors.New("no streams to run")
)

type Coordinator struct {
	exec    Executor
	assess  Assessor
	obs     Observer
	timeout time.Duration
	policy  LaggardPolicy
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu        sync.Mutex
	ctx       context.Context
	ids       []string
	streams   map[string]*stream
	barriers  map[session.Checkpoint]*barrier
	releases  []CheckpointResult
	syncTime  time.Duration
	shareTime time.Duration
	started   time.Time
	finished  time.Time
	ran       bool
}

type Option func(*Coordinator)

// WithTimeout bounds every checkpoint wait. Non-positive values keep
// DefaultCheckpointTimeout; a wait is never unbounded.
func WithTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.timeout = d
		}
	}
}

func WithLaggardPolicy(p LaggardPolicy) Option {
	return func(c *Coordinator) {
		if p.Valid() {
			c.policy = p
		}
	}
}

func WithAssessor(a Assessor) Option {
	return func(c *Coordinator) {
		if a != nil {
			c.assess = a
		}
	}
}

func WithObserver(o Observer) Option {
	return func(c *Coordinator) {
		if o != nil {
			c.obs = o
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// New prepares a coordinator for streamIDs. Duplicate and empty ids are
// dropped.
func New(streamIDs []string, exec Executor, opts ...Option) *Coordinator {
	c := &Coordinator{
		exec:     exec,
		assess:   MeanConfidence,
		obs:      NopObserver{},
		timeout:  DefaultCheckpointTimeout,
		policy:   LaggardLowConfidence,
		logger:   slog.Default(),
		ctx:      context.Background(),
		streams:  make(map[string]*stream),
		barriers: make(map[session.Checkpoint]*barrier),
	}
	for _, opt := range opts {
		opt(c)
	}
	for _, id := range streamIDs {
		if id == "" || c.streams[id] != nil {
			continue
		}
		c.ids = append(c.ids, id)
		c.streams[id] = &stream{id: id}
	}
	for _, cp := range session.Checkpoints {
		c.barriers[cp] = newBarrier(cp)
	}
	return c
}

// StreamIDs returns the streams in launch order.
func (c *Coordinator) StreamIDs() []string {
	return append([]string(nil), c.ids...)
}

// Run executes every stream concurrently and returns the results of the
// streams that completed, in launch order. It returns an error only when
// the Observer aborts the run or ctx ends.
func (c *Coordinator) Run(ctx context.Context) ([]Result, error) {
	c.mu.Lock()
	if c.ran {
		c.mu.Unlock()
		return nil, ErrAlreadyRun
	}
	if len(c.ids) == 0 {
		c.mu.Unlock()
		return nil, ErrNoStreams
	}
	c.ran = true
	c.started = time.Now()
	g, gctx := errgroup.WithContext(ctx)
	c.ctx = gctx
	c.mu.Unlock()

	results := make([]*Result, len(c.ids))
	for i, id := range c.ids {
		g.Go(func() error {
			res, err := c.runStream(gctx, id)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	err := g.Wait()

	c.mu.Lock()
	c.finished = time.Now()
	for _, b := range c.barriers {
		b.stop()
	}
	c.mu.Unlock()

	out := make([]Result, 0, len(results))
	for _, r := range results {
		if r != nil {
			out = append(out, *r)
		}
	}
	return out, err
}

func (c *Coordinator) runStream(ctx context.Context, id string) (*Result, error) {
	c.mu.Lock()
	c.streams[id].state = Running
	c.mu.Unlock()
	c.obs.StreamStarted(id)

	res, err := c.exec.Execute(ctx, id, &reporter{c: c, id: id})
	if err == nil && c.isDropped(id) {
		err = c.droppedErr(id)
	}
	if err != nil {
		c.finish(id, Failed, err)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if ferr := c.obs.StreamFailed(ctx, id, err); ferr != nil {
			return nil, ferr
		}
		return nil, nil
	}

	res.StreamID = id
	c.mu.Lock()
	st := c.streams[id]
	res.LowConfidence = res.LowConfidence || st.lowConfidence
	if len(res.Insights) == 0 {
		res.Insights = append([]Insight(nil), st.insights...)
	}
	c.mu.Unlock()

	c.finish(id, Completed, nil)
	c.obs.StreamCompleted(res)
	return &res, nil
}

func (c *Coordinator) isDropped(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streams[id].dropped
}

func (c *Coordinator) droppedErr(id string) error {
	return resilience.StreamTimeout("stream "+id, ErrStreamDropped)
}

// finish moves a stream to a terminal state and releases any barrier that
// was only waiting for it.
func (c *Coordinator) finish(id string, state StreamState, err error) {
	c.mu.Lock()
	st := c.streams[id]
	st.state = state
	st.err = err
	if state == Completed {
		st.progress = 1
	}
	var pending []*pendingRelease
	for _, cp := range session.Checkpoints {
		if b := c.barriers[cp]; c.satisfiedLocked(b) {
			pending = append(pending, c.releaseLocked(b, false))
		}
	}
	c.mu.Unlock()

	for _, pr := range pending {
		c.share(pr)
	}
}

func (c *Coordinator) progress(ctx context.Context, id string, p float64) error {
	c.mu.Lock()
	st, ok := c.streams[id]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("unknown stream %q", id)
	}
	if st.dropped {
		c.mu.Unlock()
		return c.droppedErr(id)
	}
	p = max(0, min(1, p))
	if p < st.progress {
		p = st.progress
	}
	st.progress = p
	var crossed []session.Checkpoint
	for st.next < len(session.Checkpoints) && p >= session.Checkpoints[st.next].Fraction() {
		crossed = append(crossed, session.Checkpoints[st.next])
		st.next++
	}
	c.mu.Unlock()

	c.obs.StreamProgress(id, p)
	for _, cp := range crossed {
		if err := c.WaitForCheckpoint(ctx, id, cp); err != nil {
			return err
		}
	}
	return nil
}

func (c *Coordinator) insight(id, text string, confidence float64) {
	in := Insight{StreamID: id, Text: text, Confidence: max(0, min(1, confidence)), At: time.Now()}
	c.mu.Lock()
	st, ok := c.streams[id]
	if !ok || st.state.terminal() {
		c.mu.Unlock()
		return
	}
	st.insights = append(st.insights, in)
	c.mu.Unlock()
	c.obs.StreamInsight(in)
}

// WaitForCheckpoint records that stream id reached cp and blocks until the
// checkpoint is released, by the last running stream arriving or by the
// timeout. A stream arriving after release passes straight through.
func (c *Coordinator) WaitForCheckpoint(ctx context.Context, id string, cp session.Checkpoint) error {
	c.mu.Lock()
	st, ok := c.streams[id]
	b, bok := c.barriers[cp]
	if !ok || !bok {
		c.mu.Unlock()
		return fmt.Errorf("unknown stream %q or checkpoint %s", id, cp)
	}
	first := b.arrive(id)
	arrived := len(b.order)

	if b.released {
		dropped := st.dropped
		c.mu.Unlock()
		if first {
			c.obs.CheckpointReached(id, cp, arrived)
		}
		if dropped {
			return c.droppedErr(id)
		}
		return nil
	}

	if arrived == 1 {
		b.first = time.Now()
		b.timer = time.AfterFunc(c.timeout, func() { c.expire(cp) })
	}
	st.state = AtCheckpoint
	var pr *pendingRelease
	if c.satisfiedLocked(b) {
		pr = c.releaseLocked(b, false)
	}
	c.mu.Unlock()

	if first {
		c.obs.CheckpointReached(id, cp, arrived)
	}
	if pr != nil {
		c.share(pr)
	}

	select {
	case <-b.release:
	case <-ctx.Done():
		return ctx.Err()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if st.state == AtCheckpoint {
		st.state = Running
	}
	if st.dropped {
		return c.droppedErr(id)
	}
	return nil
}

// satisfiedLocked reports whether every stream still in the running set
// has arrived at b. Caller must hold c.mu.
func (c *Coordinator) satisfiedLocked(b *barrier) bool {
	if b.released || len(b.order) == 0 {
		return false
	}
	for _, id := range c.ids {
		st := c.streams[id]
		if st.state.terminal() || st.dropped {
			continue
		}
		if !b.arrived[id] {
			return false
		}
	}
	return true
}

type pendingRelease struct {
	b      *barrier
	result CheckpointResult
}

// releaseLocked closes admission to b and snapshots the partial results.
// Caller must hold c.mu and must pass the result to share.
func (c *Coordinator) releaseLocked(b *barrier, timedOut bool) *pendingRelease {
	b.released = true
	b.stop()
	res := CheckpointResult{
		Checkpoint: b.cp,
		Arrived:    append([]string(nil), b.order...),
		TimedOut:   timedOut,
		SyncTime:   time.Since(b.first),
	}
	for _, id := range c.ids {
		st := c.streams[id]
		if timedOut && !b.arrived[id] && !st.state.terminal() {
			st.lowConfidence = true
			if c.policy == LaggardFail {
				st.dropped = true
			}
			res.Laggards = append(res.Laggards, id)
		}
		res.Partials = append(res.Partials, st.partial())
	}
	return &pendingRelease{b: b, result: res}
}

func (c *Coordinator) expire(cp session.Checkpoint) {
	c.mu.Lock()
	b := c.barriers[cp]
	if b.released {
		c.mu.Unlock()
		return
	}
	pr := c.releaseLocked(b, true)
	c.mu.Unlock()

	c.logger.Warn("checkpoint timed out",
		"checkpoint", cp.String(),
		"arrived", len(pr.result.Arrived),
		"laggards", pr.result.Laggards,
		"policy", string(c.policy),
	)
	c.share(pr)
}

// share scores the partial results, records overhead and wakes the
// waiters. The release callback runs before any waiter resumes.
func (c *Coordinator) share(pr *pendingRelease) {
	c.mu.Lock()
	ctx := c.ctx
	c.mu.Unlock()

	start := time.Now()
	conf, err := c.assess.Assess(ctx, pr.result.Partials)
	if err != nil {
		c.logger.Warn("checkpoint assessment failed", "checkpoint", pr.result.Checkpoint.String(), "error", err)
		conf, _ = MeanConfidence(ctx, pr.result.Partials)
	}
	pr.result.Confidence = max(0, min(1, conf))
	pr.result.ShareTime = time.Since(start)

	c.mu.Lock()
	c.syncTime += pr.result.SyncTime
	c.shareTime += pr.result.ShareTime
	c.releases = append(c.releases, pr.result)
	c.mu.Unlock()

	c.metrics.CheckpointReleased(pr.result.Checkpoint.String(), pr.result.SyncTime, pr.result.TimedOut)
	c.logger.Debug("checkpoint released",
		"checkpoint", pr.result.Checkpoint.String(),
		"arrived", len(pr.result.Arrived),
		"timed_out", pr.result.TimedOut,
		"sync", pr.result.SyncTime,
		"share", pr.result.ShareTime,
	)
	c.obs.CheckpointReleased(pr.result)
	close(pr.b.release)
}

// State returns the current state of stream id.
func (c *Coordinator) State(id string) (StreamState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.streams[id]
	if !ok {
		return NotStarted, false
	}
	return st.state, true
}

// States returns a copy of every stream's state.
func (c *Coordinator) States() map[string]StreamState {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]StreamState, len(c.streams))
	for id, st := range c.streams {
		out[id] = st.state
	}
	return out
}

func (c *Coordinator) peers(id string) []Partial {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.releases) == 0 {
		return nil
	}
	last := c.releases[len(c.releases)-1]
	out := make([]Partial, 0, len(last.Partials))
	for _, p := range last.Partials {
		if p.StreamID != id {
			out = append(out, p)
		}
	}
	return out
}

// Releases returns the checkpoint releases so far, in release order.
func (c *Coordinator) Releases() []CheckpointResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]CheckpointResult(nil), c.releases...)
}
