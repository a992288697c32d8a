package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyurgolani/ThoughtMcp-sub011/internal/resilience"
	"github.com/keyurgolani/ThoughtMcp-sub011/internal/session"
)

type scriptFunc func(ctx context.Context, r Reporter) (Result, error)

type scripted map[string]scriptFunc

func (s scripted) Execute(ctx context.Context, id string, r Reporter) (Result, error) {
	return s[id](ctx, r)
}

// steps reports each progress value in turn, sleeping delay before each.
func steps(delay time.Duration, ps ...float64) scriptFunc {
	return func(ctx context.Context, r Reporter) (Result, error) {
		for _, p := range ps {
			if delay > 0 {
				time.Sleep(delay)
			}
			r.Insight(fmt.Sprintf("at %.2f", p), 0.8)
			if err := r.Progress(ctx, p); err != nil {
				return Result{}, err
			}
		}
		return Result{Conclusion: "done", Confidence: 0.8}, nil
	}
}

type recordingObserver struct {
	mu        sync.Mutex
	started   []string
	releases  []CheckpointResult
	reached   map[session.Checkpoint]int
	completed []string
	failed    map[string]error
	abortWith error
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{
		reached: make(map[session.Checkpoint]int),
		failed:  make(map[string]error),
	}
}

func (o *recordingObserver) StreamStarted(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.started = append(o.started, id)
}

func (o *recordingObserver) StreamProgress(string, float64) {}
func (o *recordingObserver) StreamInsight(Insight)          {}

func (o *recordingObserver) CheckpointReached(_ string, cp session.Checkpoint, arrived int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.reached[cp] = max(o.reached[cp], arrived)
}

func (o *recordingObserver) CheckpointReleased(r CheckpointResult) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.releases = append(o.releases, r)
}

func (o *recordingObserver) StreamCompleted(res Result) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.completed = append(o.completed, res.StreamID)
}

func (o *recordingObserver) StreamFailed(_ context.Context, id string, err error) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failed[id] = err
	return o.abortWith
}

func (o *recordingObserver) release(cp session.Checkpoint) (CheckpointResult, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, r := range o.releases {
		if r.Checkpoint == cp {
			return r, true
		}
	}
	return CheckpointResult{}, false
}

func TestBarrierHoldsFastStreamUntilAllArrive(t *testing.T) {
	var slowArrived atomic.Bool
	passedEarly := atomic.Bool{}

	exec := scripted{
		"fast": func(ctx context.Context, r Reporter) (Result, error) {
			if err := r.Progress(ctx, 0.3); err != nil {
				return Result{}, err
			}
			if !slowArrived.Load() {
				passedEarly.Store(true)
			}
			return Result{Conclusion: "fast"}, nil
		},
		"slow": func(ctx context.Context, r Reporter) (Result, error) {
			time.Sleep(40 * time.Millisecond)
			slowArrived.Store(true)
			if err := r.Progress(ctx, 0.25); err != nil {
				return Result{}, err
			}
			return Result{Conclusion: "slow"}, nil
		},
	}
	obs := newRecordingObserver()
	c := New([]string{"fast", "slow"}, exec, WithObserver(obs), WithTimeout(time.Minute))

	results, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Len(t, results, 2)
	assert.False(t, passedEarly.Load(), "fast stream passed the 25% checkpoint before slow arrived")

	r25, ok := obs.release(session.Sync25)
	require.True(t, ok)
	assert.False(t, r25.TimedOut)
	assert.ElementsMatch(t, []string{"fast", "slow"}, r25.Arrived)
	assert.Empty(t, r25.Laggards)
	assert.GreaterOrEqual(t, r25.SyncTime, 30*time.Millisecond)
}

func TestAllCheckpointsReleasedInOrder(t *testing.T) {
	exec := scripted{
		"analytical": steps(time.Millisecond, 0.25, 0.5, 0.75, 1),
		"creative":   steps(3*time.Millisecond, 0.25, 0.5, 0.75, 1),
		"critical":   steps(0, 0.1, 0.6, 0.9),
	}
	obs := newRecordingObserver()
	c := New([]string{"analytical", "creative", "critical"}, exec, WithObserver(obs), WithTimeout(time.Minute))

	results, err := c.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, "analytical", results[0].StreamID)

	rel := c.Releases()
	require.Len(t, rel, 3)
	for i, cp := range session.Checkpoints {
		assert.Equal(t, cp, rel[i].Checkpoint)
		assert.Len(t, rel[i].Arrived, 3)
		assert.False(t, rel[i].TimedOut)
		assert.Equal(t, 3, obs.reached[cp])
	}
	for id, st := range c.States() {
		assert.Equal(t, Completed, st, id)
	}
}

func TestTimeoutAdmitsPartialWithLowConfidence(t *testing.T) {
	unblock := make(chan struct{})
	exec := scripted{
		"fast": steps(0, 0.25),
		"stuck": func(ctx context.Context, r Reporter) (Result, error) {
			<-unblock
			if err := r.Progress(ctx, 0.3); err != nil {
				return Result{}, err
			}
			return Result{Conclusion: "late"}, nil
		},
	}
	obs := newRecordingObserver()
	c := New([]string{"fast", "stuck"}, exec,
		WithObserver(obs),
		WithTimeout(30*time.Millisecond),
		WithLaggardPolicy(LaggardLowConfidence),
	)

	done := make(chan struct{})
	var results []Result
	var err error
	go func() {
		results, err = c.Run(context.Background())
		close(done)
	}()

	require.Eventually(t, func() bool {
		_, ok := obs.release(session.Sync25)
		return ok
	}, 2*time.Second, 5*time.Millisecond)
	close(unblock)
	<-done

	require.NoError(t, err)
	r25, _ := obs.release(session.Sync25)
	assert.True(t, r25.TimedOut)
	assert.Equal(t, []string{"fast"}, r25.Arrived)
	assert.Equal(t, []string{"stuck"}, r25.Laggards)

	require.Len(t, results, 2)
	assert.False(t, results[0].LowConfidence)
	assert.True(t, results[1].LowConfidence)
	assert.Equal(t, 2, obs.reached[session.Sync25], "late arrival still counts as reaching the checkpoint")
}

func TestTimeoutFailPolicyDropsLaggard(t *testing.T) {
	unblock := make(chan struct{})
	exec := scripted{
		"fast": steps(0, 0.25),
		"stuck": func(ctx context.Context, r Reporter) (Result, error) {
			<-unblock
			if err := r.Progress(ctx, 0.3); err != nil {
				return Result{}, err
			}
			return Result{Conclusion: "late"}, nil
		},
	}
	obs := newRecordingObserver()
	c := New([]string{"fast", "stuck"}, exec,
		WithObserver(obs),
		WithTimeout(30*time.Millisecond),
		WithLaggardPolicy(LaggardFail),
	)

	go func() {
		assert.Eventually(t, func() bool {
			_, ok := obs.release(session.Sync25)
			return ok
		}, 2*time.Second, 5*time.Millisecond)
		close(unblock)
	}()

	results, err := c.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "fast", results[0].StreamID)

	failErr := obs.failed["stuck"]
	require.Error(t, failErr)
	assert.ErrorIs(t, failErr, ErrStreamDropped)
	assert.Equal(t, resilience.KindStreamTimeout, resilience.Classify(failErr))

	st, _ := c.State("stuck")
	assert.Equal(t, Failed, st)
}

func TestCheckpointWaitIsAlwaysBounded(t *testing.T) {
	exec := scripted{"a": steps(0, 1)}
	for _, d := range []time.Duration{0, -time.Second} {
		c := New([]string{"a"}, exec, WithTimeout(d))
		assert.Equal(t, DefaultCheckpointTimeout, c.timeout, "timeout %v", d)
	}
	c := New([]string{"a"}, exec, WithTimeout(40*time.Millisecond))
	assert.Equal(t, 40*time.Millisecond, c.timeout)
}

func TestCompletionLowersBarrierTarget(t *testing.T) {
	exec := scripted{
		"waiter": steps(0, 0.25),
		"quitter": func(context.Context, Reporter) (Result, error) {
			time.Sleep(20 * time.Millisecond)
			return Result{Conclusion: "short"}, nil
		},
	}
	obs := newRecordingObserver()
	c := New([]string{"waiter", "quitter"}, exec, WithObserver(obs), WithTimeout(time.Minute))

	results, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Len(t, results, 2)

	r25, ok := obs.release(session.Sync25)
	require.True(t, ok)
	assert.False(t, r25.TimedOut)
	assert.Equal(t, []string{"waiter"}, r25.Arrived)
}

func TestAbsorbedFailureLetsOthersFinish(t *testing.T) {
	exec := scripted{
		"ok": steps(0, 0.25, 0.5, 0.75, 1),
		"bad": func(context.Context, Reporter) (Result, error) {
			return Result{}, resilience.ModelUnavailable("embed", errors.New("gone"))
		},
	}
	obs := newRecordingObserver()
	c := New([]string{"ok", "bad"}, exec, WithObserver(obs), WithTimeout(time.Minute))

	results, err := c.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "ok", results[0].StreamID)
	assert.Contains(t, obs.failed, "bad")
	assert.Equal(t, []string{"ok"}, obs.completed)
}

func TestObserverAbortCancelsSiblings(t *testing.T) {
	abort := errors.New("session aborted")
	exec := scripted{
		"blocked": func(ctx context.Context, r Reporter) (Result, error) {
			<-ctx.Done()
			return Result{}, ctx.Err()
		},
		"bad": func(context.Context, Reporter) (Result, error) {
			return Result{}, resilience.Validation("input", errors.New("bad"))
		},
	}
	obs := newRecordingObserver()
	obs.abortWith = abort
	c := New([]string{"blocked", "bad"}, exec, WithObserver(obs))

	_, err := c.Run(context.Background())
	require.ErrorIs(t, err, abort)
	assert.NotContains(t, obs.failed, "blocked", "cancelled siblings are not reported as failures")
}

func TestOverheadSplitsSyncAndShare(t *testing.T) {
	assess := AssessorFunc(func(ctx context.Context, partials []Partial) (float64, error) {
		time.Sleep(5 * time.Millisecond)
		return 0.7, nil
	})
	exec := scripted{
		"a": steps(0, 0.25, 0.5, 0.75, 1),
		"b": steps(10*time.Millisecond, 0.25, 0.5, 0.75, 1),
	}
	c := New([]string{"a", "b"}, exec, WithAssessor(assess), WithTimeout(time.Minute))
	_, err := c.Run(context.Background())
	require.NoError(t, err)

	m := c.Overhead()
	assert.Equal(t, 3, m.Checkpoints)
	assert.GreaterOrEqual(t, m.ShareTime, 15*time.Millisecond)
	assert.Positive(t, m.SyncTime)
	assert.Equal(t, m.SyncTime+m.ShareTime, m.TotalCoordinationTime)
	assert.GreaterOrEqual(t, m.OverheadPercentage, 0.0)
	assert.LessOrEqual(t, m.OverheadPercentage, 1.0)
	assert.Positive(t, m.SessionTime)

	for _, r := range c.Releases() {
		assert.Equal(t, 0.7, r.Confidence)
		assert.Len(t, r.Partials, 2)
	}

	b, err := json.Marshal(m)
	require.NoError(t, err)
	var decoded map[string]float64
	require.NoError(t, json.Unmarshal(b, &decoded))
	for _, key := range []string{"totalCoordinationTime", "overheadPercentage", "syncTime", "shareTime"} {
		assert.Contains(t, decoded, key)
	}
}

func TestAssessorErrorFallsBackToMeanConfidence(t *testing.T) {
	assess := AssessorFunc(func(context.Context, []Partial) (float64, error) {
		return 0, errors.New("scorer down")
	})
	exec := scripted{"a": steps(0, 0.25)}
	c := New([]string{"a"}, exec, WithAssessor(assess))
	_, err := c.Run(context.Background())
	require.NoError(t, err)

	rel := c.Releases()
	require.NotEmpty(t, rel)
	assert.InDelta(t, 0.8, rel[0].Confidence, 1e-9)
}

func TestOverheadRatio(t *testing.T) {
	tests := []struct {
		coord, total time.Duration
		want         float64
	}{
		{0, 0, 0},
		{time.Second, 0, 0},
		{0, time.Second, 0},
		{250 * time.Millisecond, time.Second, 0.25},
		{2 * time.Second, time.Second, 1},
	}
	for _, tt := range tests {
		assert.InDelta(t, tt.want, overheadRatio(tt.coord, tt.total), 1e-9)
	}
}

func TestRunGuards(t *testing.T) {
	_, err := New(nil, scripted{}).Run(context.Background())
	assert.ErrorIs(t, err, ErrNoStreams)

	c := New([]string{"a", "a", ""}, scripted{"a": steps(0)})
	assert.Equal(t, []string{"a"}, c.StreamIDs())
	_, err = c.Run(context.Background())
	require.NoError(t, err)
	_, err = c.Run(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyRun)
}

func TestProgressNeverDecreases(t *testing.T) {
	var seen []float64
	var mu sync.Mutex
	obs := &progressObserver{fn: func(p float64) {
		mu.Lock()
		seen = append(seen, p)
		mu.Unlock()
	}}
	c := New([]string{"a"}, scripted{"a": steps(0, 0.4, 0.2, 1.5)}, WithObserver(obs))
	_, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []float64{0.4, 0.4, 1}, seen)
}

type progressObserver struct {
	NopObserver
	fn func(float64)
}

func (o *progressObserver) StreamProgress(_ string, p float64) { o.fn(p) }

func TestPeersSeeOtherStreamsAfterRelease(t *testing.T) {
	var mu sync.Mutex
	seen := map[string][]Partial{}
	before := map[string]int{}

	peerScript := func(id string) scriptFunc {
		return func(ctx context.Context, r Reporter) (Result, error) {
			mu.Lock()
			before[id] = len(r.Peers())
			mu.Unlock()
			r.Insight(id+" idea", 0.7)
			if err := r.Progress(ctx, 0.3); err != nil {
				return Result{}, err
			}
			mu.Lock()
			seen[id] = r.Peers()
			mu.Unlock()
			return Result{Conclusion: id}, nil
		}
	}
	c := New([]string{"a", "b"}, scripted{"a": peerScript("a"), "b": peerScript("b")}, WithTimeout(time.Second))
	_, err := c.Run(context.Background())
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 0, before["a"])
	assert.Equal(t, 0, before["b"])
	require.Len(t, seen["a"], 1)
	assert.Equal(t, "b", seen["a"][0].StreamID)
	require.Len(t, seen["b"], 1)
	assert.Equal(t, "a", seen["b"][0].StreamID)
	assert.NotEmpty(t, seen["b"][0].Insights)
}
