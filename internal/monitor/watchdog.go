// Package monitor watches host resources and switches the service into basic
// mode while memory is scarce.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	DefaultInterval    = 10 * time.Second
	DefaultHighPercent = 90.0
	DefaultLowPercent  = 75.0
)

// Degrader is the basic mode switch the watchdog drives.
type Degrader interface {
	DegradeToBasicMode(reason string)
	RecoverFromBasicMode()
	IsInBasicMode() bool
}

// Watchdog degrades to basic mode when host memory use reaches the high
// watermark and recovers once it falls below the low watermark. It only
// recovers a degradation it caused itself.
type Watchdog struct {
	sampler Sampler
	target  Degrader
	logger  *slog.Logger

	mu       sync.Mutex
	interval time.Duration
	high     float64
	low      float64
	tripped  bool
	last     Usage
	sampled  bool
	lastErr  error
}

type WatchdogOption func(*Watchdog)

func WithInterval(d time.Duration) WatchdogOption {
	return func(w *Watchdog) {
		if d > 0 {
			w.interval = d
		}
	}
}

func WithThresholds(high, low float64) WatchdogOption {
	return func(w *Watchdog) { w.setThresholds(high, low) }
}

func WithLogger(l *slog.Logger) WatchdogOption {
	return func(w *Watchdog) {
		if l != nil {
			w.logger = l
		}
	}
}

func NewWatchdog(s Sampler, target Degrader, opts ...WatchdogOption) *Watchdog {
	w := &Watchdog{
		sampler:  s,
		target:   target,
		logger:   slog.Default(),
		interval: DefaultInterval,
		high:     DefaultHighPercent,
		low:      DefaultLowPercent,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// SetThresholds changes the watermarks. Pairs with low >= high are ignored.
func (w *Watchdog) SetThresholds(high, low float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.setThresholds(high, low)
}

func (w *Watchdog) setThresholds(high, low float64) {
	if high <= 0 || high > 100 || low <= 0 || low >= high {
		return
	}
	w.high, w.low = high, low
}

// Check takes one sample and applies the watermarks.
func (w *Watchdog) Check(ctx context.Context) (Usage, error) {
	u, err := w.sampler.Sample(ctx)

	w.mu.Lock()
	defer w.mu.Unlock()
	if err != nil {
		w.lastErr = err
		w.logger.Warn("resource sample failed", "error", err)
		return Usage{}, err
	}
	w.last, w.sampled, w.lastErr = u, true, nil

	// Someone else recovered; forget our degradation.
	if w.tripped && !w.target.IsInBasicMode() {
		w.tripped = false
	}

	switch {
	case !w.tripped && u.MemoryPercent >= w.high:
		if w.target.IsInBasicMode() {
			break
		}
		w.target.DegradeToBasicMode(fmt.Sprintf("memory pressure: %.1f%% used", u.MemoryPercent))
		w.tripped = true
		w.logger.Warn("memory pressure, degraded to basic mode",
			"memory_percent", u.MemoryPercent,
			"high_percent", w.high,
		)
	case w.tripped && u.MemoryPercent < w.low:
		w.target.RecoverFromBasicMode()
		w.tripped = false
		w.logger.Info("memory pressure cleared, recovered from basic mode",
			"memory_percent", u.MemoryPercent,
			"low_percent", w.low,
		)
	}
	return u, nil
}

// Last returns the most recent successful sample.
func (w *Watchdog) Last() (Usage, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last, w.sampled
}

// Tripped reports whether the watchdog currently holds basic mode.
func (w *Watchdog) Tripped() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.tripped
}

// Run checks once immediately and then every interval until ctx is done.
func (w *Watchdog) Run(ctx context.Context) {
	w.mu.Lock()
	interval := w.interval
	w.mu.Unlock()

	_, _ = w.Check(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = w.Check(ctx)
		}
	}
}
