// Package orchestrator drives sessions from creation to a terminal state.
//
// Start registers the session and launches a run in the background. The run
// executes the streams under a coordinator, mirrors progress into the
// registry, pushes events to observers and the reasoning chain, and routes
// stream failures through the resilience handler. Sweep evicts sessions
// older than the configured age whatever their status.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/keyurgolani/ThoughtMcp-sub011/internal/broadcast"
	"github.com/keyurgolani/ThoughtMcp-sub011/internal/chain"
	"github.com/keyurgolani/ThoughtMcp-sub011/internal/coordinator"
	"github.com/keyurgolani/ThoughtMcp-sub011/internal/metrics"
	"github.com/keyurgolani/ThoughtMcp-sub011/internal/resilience"
	"github.com/keyurgolani/ThoughtMcp-sub011/internal/session"
)

var (
	ErrClosed   = errors.New("orchestrator is shut down")
	ErrNotFound = errors.New("session not found")
)

var DefaultStreams = []string{"analytical", "creative", "critical", "synthetic"}

const DefaultThinkMode = "analytical"

type Config struct {
	CheckpointTimeout time.Duration
	LaggardPolicy     coordinator.LaggardPolicy
	DefaultStreams    []string
	MaxAge            time.Duration
	SweepInterval     time.Duration
	// AssessAttempts bounds the retries of the final synthesis scoring.
	AssessAttempts int
}

func DefaultConfig() Config {
	return Config{
		CheckpointTimeout: coordinator.DefaultCheckpointTimeout,
		LaggardPolicy:     coordinator.LaggardLowConfidence,
		DefaultStreams:    DefaultStreams,
		MaxAge:            time.Hour,
		SweepInterval:     5 * time.Minute,
		AssessAttempts:    3,
	}
}

type Orchestrator struct {
	registry    *session.Registry
	broadcaster *broadcast.Broadcaster
	handler     *resilience.Handler
	chains      *chain.Recorder
	exec        coordinator.Executor
	assess      coordinator.Assessor
	validator   *validator.Validate
	logger      *slog.Logger
	metrics     *metrics.Metrics

	mu     sync.Mutex
	cfg    Config
	runs   map[string]*run
	closed bool
	wg     sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

type Option func(*Orchestrator)

func WithConfig(cfg Config) Option {
	return func(o *Orchestrator) { o.cfg = normalize(cfg) }
}

func WithAssessor(a coordinator.Assessor) Option {
	return func(o *Orchestrator) {
		if a != nil {
			o.assess = a
		}
	}
}

func WithChains(r *chain.Recorder) Option {
	return func(o *Orchestrator) {
		if r != nil {
			o.chains = r
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

func New(registry *session.Registry, b *broadcast.Broadcaster, h *resilience.Handler, exec coordinator.Executor, opts ...Option) *Orchestrator {
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		registry:    registry,
		broadcaster: b,
		handler:     h,
		chains:      chain.NewRecorder(),
		exec:        exec,
		assess:      coordinator.MeanConfidence,
		validator:   newValidator(),
		logger:      slog.Default(),
		cfg:         DefaultConfig(),
		runs:        make(map[string]*run),
		ctx:         ctx,
		cancel:      cancel,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func normalize(cfg Config) Config {
	def := DefaultConfig()
	if cfg.CheckpointTimeout <= 0 {
		cfg.CheckpointTimeout = def.CheckpointTimeout
	}
	if !cfg.LaggardPolicy.Valid() {
		cfg.LaggardPolicy = def.LaggardPolicy
	}
	if len(cfg.DefaultStreams) == 0 {
		cfg.DefaultStreams = def.DefaultStreams
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = def.MaxAge
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.AssessAttempts <= 0 {
		cfg.AssessAttempts = def.AssessAttempts
	}
	return cfg
}

// SetConfig applies cfg to sessions started afterwards.
func (o *Orchestrator) SetConfig(cfg Config) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cfg = normalize(cfg)
}

func (o *Orchestrator) config() Config {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cfg
}

func (o *Orchestrator) Registry() *session.Registry       { return o.registry }
func (o *Orchestrator) Broadcaster() *broadcast.Broadcaster { return o.broadcaster }
func (o *Orchestrator) Handler() *resilience.Handler       { return o.handler }
func (o *Orchestrator) Chains() *chain.Recorder            { return o.chains }

// Start validates req, registers the session and runs it in the
// background. The returned snapshot is the freshly created session.
func (o *Orchestrator) Start(req Request) (*session.Session, error) {
	if err := o.validate(&req); err != nil {
		return nil, err
	}
	if req.Kind == "" {
		req.Kind = session.KindThink
	}
	cfg := o.config()

	streams, degraded := o.plan(req, cfg)
	s := o.registry.Create(session.Params{
		Kind:    req.Kind,
		Mode:    req.Mode,
		Problem: req.Problem,
		Streams: streams,
	})
	if degraded {
		s, _ = o.registry.UpdateAndGet(s.ID, session.NewPatch().WithDegraded(true))
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		o.registry.Delete(s.ID)
		return nil, ErrClosed
	}
	ctx, cancel := context.WithCancel(o.ctx)
	r := newRun(ctx, cancel, o, s, cfg)
	o.runs[s.ID] = r
	o.wg.Add(1)
	o.mu.Unlock()

	o.metrics.SessionCreated(string(req.Kind))
	o.chains.Begin(s.ID)
	o.logger.Info("session started",
		"session_id", s.ID,
		"kind", string(s.Kind),
		"streams", streams,
		"degraded", degraded,
	)

	go func() {
		defer o.wg.Done()
		r.execute()
	}()
	return s, nil
}

// plan picks the streams for req. In basic mode a parallel session runs a
// single stream and is marked degraded.
func (o *Orchestrator) plan(req Request, cfg Config) ([]string, bool) {
	if req.Kind == session.KindThink {
		mode := req.Mode
		if mode == "" {
			mode = DefaultThinkMode
		}
		return []string{mode}, false
	}
	streams := req.Streams
	if len(streams) == 0 {
		streams = cfg.DefaultStreams
	}
	streams = append([]string(nil), streams...)
	if o.handler.IsInBasicMode() && len(streams) > 1 {
		return streams[:1], true
	}
	return streams, false
}

// Wait blocks until the run of id finishes or ctx ends. Unknown ids return
// immediately.
func (o *Orchestrator) Wait(ctx context.Context, id string) error {
	o.mu.Lock()
	r, ok := o.runs[id]
	o.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Overhead returns the coordination overhead of session id.
func (o *Orchestrator) Overhead(id string) (coordinator.OverheadMetrics, bool) {
	o.mu.Lock()
	r, ok := o.runs[id]
	o.mu.Unlock()
	if !ok {
		return coordinator.OverheadMetrics{}, false
	}
	c := r.coordinator()
	if c == nil {
		return coordinator.OverheadMetrics{}, false
	}
	return c.Overhead(), true
}

// Delete drops the session, its observers and its chain. A run still in
// flight notices at its next progress report and stops.
func (o *Orchestrator) Delete(id string) error {
	if _, ok := o.registry.Get(id); !ok {
		return ErrNotFound
	}
	o.evict(id)
	o.logger.Info("session deleted", "session_id", id)
	return nil
}

func (o *Orchestrator) evict(id string) {
	o.mu.Lock()
	r, ok := o.runs[id]
	if ok && r.finished() {
		delete(o.runs, id)
	}
	o.mu.Unlock()
	if ok {
		r.end()
	}
	o.registry.Delete(id)
	o.broadcaster.CleanupSession(id)
	o.chains.Delete(id)
}

// Sweep evicts every session older than the configured max age and returns
// their ids.
func (o *Orchestrator) Sweep() []string {
	ids := o.registry.CleanupOld(o.config().MaxAge)
	for _, id := range ids {
		o.evict(id)
	}
	if len(ids) > 0 {
		o.metrics.SessionsEvicted(len(ids))
		o.logger.Info("evicted expired sessions", "count", len(ids))
	}
	return ids
}

// RunSweeper calls Sweep every SweepInterval until ctx is done.
func (o *Orchestrator) RunSweeper(ctx context.Context) {
	interval := o.config().SweepInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.Sweep()
			if next := o.config().SweepInterval; next != interval {
				interval = next
				ticker.Reset(interval)
			}
		}
	}
}

// Shutdown stops accepting sessions, cancels running ones and waits for
// them, then ends every observer connection.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.cancel()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	o.broadcaster.CleanupAll()
	return err
}

func (o *Orchestrator) finishRun(r *run) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.registry.Get(r.id); !ok {
		delete(o.runs, r.id)
	}
}
