// Package resilience classifies failures, applies kind-specific recovery and
// keeps repeated failures from hammering a broken dependency.
//
// A Handler tracks a failure counter per error kind. Once a kind reaches the
// threshold the circuit opens and further errors of that kind are answered
// with StrategyCircuitOpen until RecordSuccess or RecoverFromBasicMode
// closes it again. Recoverable errors wait out a capped exponential backoff
// before HandleError returns.
package resilience

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/keyurgolani/ThoughtMcp-sub011/internal/metrics"
)

const DefaultThreshold = 5

const (
	DefaultBackoffBase = 10 * time.Millisecond
	DefaultBackoffCap  = 2 * time.Second
)

// Outcome is the handler's decision for one error.
type Outcome struct {
	Kind           Kind     `json:"kind"`
	Recovered      bool     `json:"recovered"`
	Strategy       Strategy `json:"strategy"`
	UserMessage    string   `json:"userMessage"`
	RecoveryTimeMs int64    `json:"recoveryTimeMs"`
	// Fallback names the simpler framework for framework failures.
	Fallback string `json:"fallback,omitempty"`
}

type kindState struct {
	failures    int
	lastFailure time.Time
}

type Handler struct {
	mu          sync.Mutex
	threshold   int
	base        time.Duration
	cap         time.Duration
	kinds       map[Kind]*kindState
	stats       Stats
	circuitOpen bool
	basicMode   bool
	basicReason string
	// degradeOnOpen enters basic mode whenever the circuit opens;
	// circuitDegraded records that the current basic mode came from it.
	degradeOnOpen   bool
	circuitDegraded bool

	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
	logger  *slog.Logger
	metrics *metrics.Metrics
}

type Option func(*Handler)

func WithThreshold(n int) Option {
	return func(h *Handler) {
		if n > 0 {
			h.threshold = n
		}
	}
}

func WithBackoff(base, cap time.Duration) Option {
	return func(h *Handler) { h.setBackoff(base, cap) }
}

func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

// WithDegradeOnCircuitOpen makes an opening circuit also switch the system
// to basic mode. The next RecordSuccess leaves it again.
func WithDegradeOnCircuitOpen(on bool) Option {
	return func(h *Handler) { h.degradeOnOpen = on }
}

// WithSleep replaces the backoff wait. Tests use it to observe delays.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(h *Handler) { h.sleep = fn }
}

func NewHandler(opts ...Option) *Handler {
	h := &Handler{
		threshold: DefaultThreshold,
		base:      DefaultBackoffBase,
		cap:       DefaultBackoffCap,
		kinds:     make(map[Kind]*kindState),
		stats:     make(Stats),
		now:       time.Now,
		sleep:     sleepCtx,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetBackoff changes the backoff constants for subsequent errors.
func (h *Handler) SetBackoff(base, cap time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.setBackoff(base, cap)
}

func (h *Handler) setBackoff(base, cap time.Duration) {
	if base > 0 {
		h.base = base
	}
	if cap > 0 {
		h.cap = cap
	}
	if h.cap < h.base {
		h.cap = h.base
	}
}

// SetThreshold changes the failure threshold. Counters are kept.
func (h *Handler) SetThreshold(n int) {
	if n <= 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.threshold = n
}

func (h *Handler) SetDegradeOnCircuitOpen(on bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.degradeOnOpen = on
}

// Backoff returns the delay imposed after attempt prior failures.
func (h *Handler) Backoff(attempt int) time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.backoffLocked(attempt)
}

func (h *Handler) backoffLocked(attempt int) time.Duration {
	d := h.base
	for i := 0; i < attempt && d < h.cap; i++ {
		d *= 2
	}
	if d > h.cap {
		d = h.cap
	}
	return d
}

// countsTowardCircuit reports whether failures of k move the breaker.
// Validation errors are the caller's fault, not a failing dependency.
func countsTowardCircuit(k Kind) bool {
	return k != KindValidation
}

// HandleError decides how to treat err. For recovered kinds it blocks for
// the backoff delay, or until ctx is done, before returning.
func (h *Handler) HandleError(ctx context.Context, err error) Outcome {
	if err == nil {
		return Outcome{Strategy: StrategyNone}
	}
	re := asError(err)
	kind := re.Kind

	h.mu.Lock()
	h.stats[kind]++
	st := h.state(kind)

	if countsTowardCircuit(kind) && st.failures >= h.threshold {
		h.openLocked(kind)
		h.mu.Unlock()
		out := Outcome{Kind: kind, Strategy: StrategyCircuitOpen, UserMessage: circuitOpenMessage}
		h.report(re, out)
		return out
	}

	rec, recoverable := recoveries[kind]
	if re.NonRecoverable || !recoverable {
		if countsTowardCircuit(kind) {
			h.failLocked(kind, st)
		}
		h.mu.Unlock()
		out := Outcome{Kind: kind, Strategy: StrategyNone, UserMessage: failureMessage(re)}
		h.report(re, out)
		return out
	}

	attempt := st.failures
	h.failLocked(kind, st)
	delay := h.backoffLocked(attempt)
	h.mu.Unlock()

	start := time.Now()
	if werr := h.sleep(ctx, delay); werr != nil {
		h.logger.Debug("backoff interrupted", "kind", kind.String(), "error", werr)
	}
	elapsed := time.Since(start)

	out := Outcome{
		Kind:           kind,
		Recovered:      true,
		Strategy:       rec.strategy,
		UserMessage:    rec.message,
		RecoveryTimeMs: max(1, elapsed.Milliseconds()),
	}
	if kind == KindFrameworkFailure {
		out.Fallback = FallbackFramework(re.Framework)
		out.UserMessage = frameworkMessage(out.Fallback)
	}
	h.report(re, out)
	return out
}

func failureMessage(re *Error) string {
	switch {
	case re.Kind == KindValidation:
		return validationMessage
	case re.NonRecoverable:
		return nonRecoverableMessage
	}
	return unexpectedMessage
}

func (h *Handler) state(k Kind) *kindState {
	st, ok := h.kinds[k]
	if !ok {
		st = &kindState{}
		h.kinds[k] = st
	}
	return st
}

// failLocked counts one failure. Caller must hold h.mu.
func (h *Handler) failLocked(k Kind, st *kindState) {
	st.failures++
	st.lastFailure = h.now()
	if st.failures >= h.threshold {
		h.openLocked(k)
	}
}

// openLocked opens the circuit because of failures of k. Caller must hold
// h.mu.
func (h *Handler) openLocked(k Kind) {
	if h.circuitOpen {
		return
	}
	h.circuitOpen = true
	h.metrics.SetCircuitOpen(true)
	if h.degradeOnOpen && !h.basicMode {
		h.enterBasicLocked("circuit opened after repeated " + k.String() + " failures")
		h.circuitDegraded = true
	}
}

func (h *Handler) report(re *Error, out Outcome) {
	h.metrics.ErrorHandled(out.Kind.String(), string(out.Strategy))
	if out.Strategy == StrategyCircuitOpen {
		h.metrics.SetCircuitOpen(true)
	}
	level := slog.LevelWarn
	if !out.Recovered {
		level = slog.LevelError
	}
	h.logger.Log(context.Background(), level, "error handled",
		"kind", out.Kind.String(),
		"op", re.Op,
		"strategy", string(out.Strategy),
		"recovered", out.Recovered,
		"recovery_ms", out.RecoveryTimeMs,
		"error", re.Error(),
	)
}

// RecordSuccess clears every failure counter and closes the circuit. Basic
// mode entered because the circuit opened is left as well.
func (h *Handler) RecordSuccess() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.resetLocked()
	if h.circuitDegraded {
		h.leaveBasicLocked()
	}
}

func (h *Handler) resetLocked() {
	for _, st := range h.kinds {
		st.failures = 0
	}
	if h.circuitOpen {
		h.logger.Info("circuit closed")
	}
	h.circuitOpen = false
	h.metrics.SetCircuitOpen(false)
}

func (h *Handler) IsCircuitOpen() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.circuitOpen
}

// DegradeToBasicMode switches the whole system to its reduced mode. The
// circuit is left as it is.
func (h *Handler) DegradeToBasicMode(reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.basicMode {
		return
	}
	h.enterBasicLocked(reason)
}

func (h *Handler) enterBasicLocked(reason string) {
	h.basicMode = true
	h.basicReason = reason
	h.metrics.SetBasicMode(true)
	h.logger.Warn("degraded to basic mode", "reason", reason)
}

func (h *Handler) leaveBasicLocked() {
	if h.basicMode {
		h.logger.Info("recovered from basic mode", "reason", h.basicReason)
	}
	h.basicMode = false
	h.basicReason = ""
	h.circuitDegraded = false
	h.metrics.SetBasicMode(false)
}

// RecoverFromBasicMode leaves basic mode and closes the circuit.
func (h *Handler) RecoverFromBasicMode() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveBasicLocked()
	h.resetLocked()
}

func (h *Handler) IsInBasicMode() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.basicMode
}

// BasicModeReason is empty unless the handler is in basic mode.
func (h *Handler) BasicModeReason() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.basicReason
}

// ErrorStats returns a copy of the per-kind count of handled errors.
func (h *Handler) ErrorStats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(Stats, len(h.stats))
	for k, v := range h.stats {
		out[k] = v
	}
	return out
}

// Do runs fn and routes failures through HandleError, calling fn again
// while the outcome is a retryable recovery and attempts remain. The last
// outcome is returned with fn's last error.
func (h *Handler) Do(ctx context.Context, attempts int, fn func(ctx context.Context) error) (Outcome, error) {
	if attempts < 1 {
		attempts = 1
	}
	var (
		out Outcome
		err error
	)
	for i := 0; i < attempts; i++ {
		if err = fn(ctx); err == nil {
			h.RecordSuccess()
			if i == 0 {
				out.Strategy = StrategyNone
			}
			return out, nil
		}
		out = h.HandleError(ctx, err)
		if !out.Recovered || !out.Strategy.Retryable() || ctx.Err() != nil {
			break
		}
	}
	return out, err
}
