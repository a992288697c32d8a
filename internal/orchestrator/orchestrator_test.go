package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyurgolani/ThoughtMcp-sub011/internal/broadcast"
	"github.com/keyurgolani/ThoughtMcp-sub011/internal/coordinator"
	"github.com/keyurgolani/ThoughtMcp-sub011/internal/metrics"
	"github.com/keyurgolani/ThoughtMcp-sub011/internal/mock"
	"github.com/keyurgolani/ThoughtMcp-sub011/internal/resilience"
	"github.com/keyurgolani/ThoughtMcp-sub011/internal/session"
)

type memTransport struct {
	mu     sync.Mutex
	msgs   [][]byte
	closed bool
	done   chan struct{}
}

func newMemTransport() *memTransport { return &memTransport{done: make(chan struct{})} }

func (m *memTransport) Write(b []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.msgs = append(m.msgs, append([]byte(nil), b...))
	return nil
}

func (m *memTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *memTransport) Done() <-chan struct{} { return m.done }

func (m *memTransport) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *memTransport) types(t *testing.T) []broadcast.EventType {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]broadcast.EventType, 0, len(m.msgs))
	for _, b := range m.msgs {
		var ev broadcast.Event
		require.NoError(t, json.Unmarshal(b, &ev))
		out = append(out, ev.Type())
	}
	return out
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	o        *Orchestrator
	registry *session.Registry
	bc       *broadcast.Broadcaster
	handler  *resilience.Handler
	gen      *mock.Generator
	clock    *clock
}

func newFixture(t *testing.T, tick time.Duration, opts ...Option) *fixture {
	t.Helper()
	m := metrics.New(prometheus.NewRegistry())
	clk := &clock{now: time.Now()}
	f := &fixture{
		registry: session.NewRegistry(session.WithClock(clk.Now)),
		bc:       broadcast.NewBroadcaster(broadcast.WithMetrics(m), broadcast.WithBuffer(1024)),
		handler:  resilience.NewHandler(resilience.WithBackoff(time.Millisecond, 4*time.Millisecond), resilience.WithMetrics(m)),
		gen:      mock.NewGenerator(mock.WithTick(tick), mock.WithSeed(42)),
		clock:    clk,
	}
	cfg := DefaultConfig()
	cfg.CheckpointTimeout = 2 * time.Second
	base := []Option{
		WithConfig(cfg),
		WithMetrics(m),
		WithAssessor(coordinator.AssessorFunc(mock.Assess)),
	}
	f.o = New(f.registry, f.bc, f.handler, f.gen, append(base, opts...)...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = f.o.Shutdown(ctx)
	})
	return f
}

func (f *fixture) wait(t *testing.T, id string) *session.Session {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, f.o.Wait(ctx, id))
	s, ok := f.registry.Get(id)
	require.True(t, ok)
	return s
}

func TestParallelSessionRunsToCompletion(t *testing.T) {
	f := newFixture(t, 2*time.Millisecond)

	s, err := f.o.Start(Request{Kind: session.KindParallel, Problem: "How should we reduce churn?"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(s.ID, "parallel-"))
	assert.Equal(t, DefaultStreams, s.ActiveStreams)
	tr := newMemTransport()
	f.bc.AddClient(s.ID, tr)

	final := f.wait(t, s.ID)
	assert.Equal(t, session.Complete, final.Status)
	assert.Equal(t, 1.0, final.Progress)
	assert.Equal(t, "complete", final.CurrentStage)
	assert.NotNil(t, final.CompletedAt)
	assert.False(t, final.Degraded)
	require.NotNil(t, final.SyncCheckpoints)
	for _, cp := range session.Checkpoints {
		assert.Equal(t, 4, final.SyncCheckpoints.Get(cp), cp.String())
	}

	require.Eventually(t, func() bool {
		types := tr.types(t)
		return len(types) > 0 && types[len(types)-1] == broadcast.SessionCompleted
	}, 2*time.Second, 5*time.Millisecond)
	types := tr.types(t)
	assert.Contains(t, types, broadcast.SyncCheckpoint)
	assert.Contains(t, types, broadcast.SynthesisStarted)
	assert.Contains(t, types, broadcast.SynthesisCompleted)

	m, ok := f.o.Overhead(s.ID)
	require.True(t, ok)
	assert.Equal(t, 3, m.Checkpoints)
	assert.GreaterOrEqual(t, m.OverheadPercentage, 0.0)
	assert.LessOrEqual(t, m.OverheadPercentage, 1.0)

	c, ok := f.o.Chains().Get(s.ID)
	require.True(t, ok)
	assert.NotEmpty(t, c.Steps)
	assert.Len(t, c.ConfidenceEvolution, len(c.Steps))
	assert.Len(t, c.Branches, 4)
	assert.Len(t, c.DecisionPoints, 3)
}

func TestThinkSessionRunsOneStreamNamedByMode(t *testing.T) {
	f := newFixture(t, time.Millisecond)

	s, err := f.o.Start(Request{Mode: "critical", Problem: "Is the plan sound?"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(s.ID, "think-"))
	assert.Equal(t, []string{"critical"}, s.ActiveStreams)
	assert.Nil(t, s.SyncCheckpoints)

	final := f.wait(t, s.ID)
	assert.Equal(t, session.Complete, final.Status)

	s2, err := f.o.Start(Request{Problem: "default mode"})
	require.NoError(t, err)
	assert.Equal(t, []string{DefaultThinkMode}, s2.ActiveStreams)
}

func TestRecoveredStreamFailureDegradesSession(t *testing.T) {
	f := newFixture(t, time.Millisecond)
	f.gen.Inject("creative", resilience.ModelUnavailable("embed", errors.New("model nomic not loaded")))

	s, err := f.o.Start(Request{Kind: session.KindParallel, Problem: "p", Streams: []string{"analytical", "creative"}})
	require.NoError(t, err)

	final := f.wait(t, s.ID)
	assert.Equal(t, session.Complete, final.Status)
	assert.True(t, final.Degraded)
	assert.Equal(t, 1, f.handler.ErrorStats()[resilience.KindModelUnavailable])

	c, _ := f.o.Chains().Get(s.ID)
	var failed bool
	for _, b := range c.Branches {
		if b.StreamID == "creative" {
			failed = b.Status == "failed"
		}
	}
	assert.True(t, failed)
}

func TestUnrecoveredFailureErrorsSession(t *testing.T) {
	f := newFixture(t, time.Millisecond)
	f.gen.Inject("analytical", resilience.Fatal("db.query", errors.New("pq: relation thoughts missing")))

	s, err := f.o.Start(Request{Kind: session.KindParallel, Problem: "p", Streams: []string{"analytical", "creative"}})
	require.NoError(t, err)
	tr := newMemTransport()
	f.bc.AddClient(s.ID, tr)

	final := f.wait(t, s.ID)
	assert.Equal(t, session.Errored, final.Status)
	assert.NotNil(t, final.CompletedAt)
	assert.NotEmpty(t, final.Error)
	assert.NotContains(t, final.Error, "pq:")
	assert.NotContains(t, final.Error, "thoughts")

	require.Eventually(t, func() bool {
		types := tr.types(t)
		return len(types) > 0 && types[len(types)-1] == broadcast.SessionError
	}, 2*time.Second, 5*time.Millisecond)
}

func TestOpenCircuitFailsSessionWithUnavailableMessage(t *testing.T) {
	f := newFixture(t, time.Millisecond)
	for i := 0; i < resilience.DefaultThreshold; i++ {
		f.handler.HandleError(context.Background(), resilience.Connection("db", errors.New("refused")))
	}
	require.True(t, f.handler.IsCircuitOpen())
	f.gen.Inject("analytical", resilience.Connection("db", errors.New("refused")))

	s, err := f.o.Start(Request{Mode: "analytical", Problem: "p"})
	require.NoError(t, err)

	final := f.wait(t, s.ID)
	assert.Equal(t, session.Errored, final.Status)
	assert.Contains(t, final.Error, "temporarily unavailable")
}

func TestSuccessfulSessionClosesCircuit(t *testing.T) {
	f := newFixture(t, time.Millisecond, WithConfig(Config{AssessAttempts: 1}))
	f.handler.HandleError(context.Background(), resilience.Transaction("store", nil))

	s, err := f.o.Start(Request{Problem: "p"})
	require.NoError(t, err)
	f.wait(t, s.ID)

	for _, kh := range f.handler.Health().Kinds {
		assert.Equal(t, resilience.StatusHealthy, kh.Status)
	}
}

func TestBasicModeRunsSingleStream(t *testing.T) {
	f := newFixture(t, time.Millisecond)
	f.handler.DegradeToBasicMode("memory pressure")

	s, err := f.o.Start(Request{Kind: session.KindParallel, Problem: "p"})
	require.NoError(t, err)
	assert.Equal(t, []string{"analytical"}, s.ActiveStreams)
	assert.True(t, s.Degraded)

	final := f.wait(t, s.ID)
	assert.Equal(t, session.Complete, final.Status)
	assert.True(t, final.Degraded)
}

func TestStartValidation(t *testing.T) {
	f := newFixture(t, time.Millisecond)
	tests := []struct {
		name string
		req  Request
		want string
	}{
		{"missing problem", Request{Kind: session.KindParallel}, "problem is required"},
		{"blank problem", Request{Problem: "   "}, "problem is required"},
		{"problem too long", Request{Problem: strings.Repeat("x", MaxProblemLength+1)}, "problem must be at most 4000 characters"},
		{"unknown kind", Request{Kind: "serial", Problem: "p"}, "kind must be one of: think, parallel"},
		{"bad stream id", Request{Kind: session.KindParallel, Problem: "p", Streams: []string{"Not Valid"}}, "streams[0] must be a lowercase name"},
		{"duplicate streams", Request{Kind: session.KindParallel, Problem: "p", Streams: []string{"a", "a"}}, "streams must not repeat a stream"},
		{"too many streams", Request{Kind: session.KindParallel, Problem: "p", Streams: []string{"a", "b", "c", "d", "e", "f", "g", "h", "i"}}, "streams must list at most 8 entries"},
		{"bad mode", Request{Mode: "../etc", Problem: "p"}, "mode must be a lowercase name"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.o.Start(tt.req)
			require.Error(t, err)
			assert.Equal(t, resilience.KindValidation, resilience.Classify(err))

			var fe *FieldError
			require.ErrorAs(t, err, &fe)
			assert.Contains(t, fe.Error(), tt.want)
			assert.NotContains(t, fe.Error(), "Request.")
		})
	}
	assert.Zero(t, f.registry.Len())
}

func TestDeleteStopsRun(t *testing.T) {
	f := newFixture(t, 20*time.Millisecond)

	s, err := f.o.Start(Request{Kind: session.KindParallel, Problem: "p"})
	require.NoError(t, err)
	tr := newMemTransport()
	f.bc.AddClient(s.ID, tr)

	require.NoError(t, f.o.Delete(s.ID))
	assert.ErrorIs(t, f.o.Delete(s.ID), ErrNotFound)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.o.Wait(ctx, s.ID))

	_, ok := f.registry.Get(s.ID)
	assert.False(t, ok)
	_, ok = f.o.Chains().Get(s.ID)
	assert.False(t, ok)
	assert.True(t, tr.isClosed())
}

func TestSweepEvictsOldSessions(t *testing.T) {
	f := newFixture(t, time.Millisecond, WithConfig(Config{MaxAge: time.Minute}))

	old, err := f.o.Start(Request{Problem: "old"})
	require.NoError(t, err)
	f.wait(t, old.ID)
	tr := newMemTransport()
	f.bc.AddClient(old.ID, tr)

	f.clock.Advance(2 * time.Minute)
	fresh, err := f.o.Start(Request{Problem: "fresh"})
	require.NoError(t, err)

	evicted := f.o.Sweep()
	assert.Equal(t, []string{old.ID}, evicted)

	_, ok := f.registry.Get(old.ID)
	assert.False(t, ok)
	_, ok = f.registry.Get(fresh.ID)
	assert.True(t, ok)
	_, ok = f.o.Chains().Get(old.ID)
	assert.False(t, ok)
	assert.True(t, tr.isClosed())
	_, ok = f.o.Overhead(old.ID)
	assert.False(t, ok)
}

func TestShutdownStopsRunningSessions(t *testing.T) {
	f := newFixture(t, 50*time.Millisecond)

	s, err := f.o.Start(Request{Kind: session.KindParallel, Problem: "p"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.o.Shutdown(ctx))

	final, ok := f.registry.Get(s.ID)
	require.True(t, ok)
	assert.Equal(t, session.Errored, final.Status)
	assert.Equal(t, stoppedMessage, final.Error)

	_, err = f.o.Start(Request{Problem: "late"})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestSetConfigAppliesToNewSessions(t *testing.T) {
	f := newFixture(t, time.Millisecond)
	f.o.SetConfig(Config{DefaultStreams: []string{"one", "two"}})

	s, err := f.o.Start(Request{Kind: session.KindParallel, Problem: "p"})
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two"}, s.ActiveStreams)
	assert.Equal(t, coordinator.LaggardLowConfidence, f.o.config().LaggardPolicy)
	assert.Equal(t, coordinator.DefaultCheckpointTimeout, f.o.config().CheckpointTimeout, "a zero timeout falls back to the default")
	f.wait(t, s.ID)
}
