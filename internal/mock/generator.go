package mock

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/keyurgolani/ThoughtMcp-sub011/internal/coordinator"
	"github.com/keyurgolani/ThoughtMcp-sub011/internal/resilience"
)

// Profile shapes how a simulated stream advances.
type Profile struct {
	Pattern string // steady, burst, stall, error or methodical
	Steps   int    // ticks a steady stream needs to finish
	// ErrorAt is the progress at which an "error" stream fails with Fault.
	ErrorAt float64
	Fault   resilience.Kind
	// StallAt and StallTicks place the idle window of a "stall" stream.
	StallAt    int
	StallTicks int
	Insights   []string
	Confidence float64
}

const defaultSteps = 20

var defaultProfiles = map[string]Profile{
	"analytical": {
		Pattern: "steady", Confidence: 0.82,
		Insights: []string{"Broke the problem into measurable parts", "Ranked the parts by impact", "Checked the ranking against the evidence"},
	},
	"creative": {
		Pattern: "burst", Confidence: 0.7,
		Insights: []string{"Found an unconventional angle", "Combined two unrelated ideas", "Sketched an alternative approach"},
	},
	"critical": {
		Pattern: "methodical", Confidence: 0.76,
		Insights: []string{"Identified a weak assumption", "Listed the main risks", "Tested the strongest counter-argument"},
	},
	"synthetic": {
		Pattern: "steady", Confidence: 0.8,
		Insights: []string{"Connected findings across perspectives", "Resolved a conflict between views", "Formed an integrated picture"},
	},
}

var genericInsights = []string{"Gathered the relevant facts", "Formed a working hypothesis", "Refined the hypothesis"}

// Generator is a simulated stream executor. Each stream id gets a Profile
// that decides its pace and whether it stalls or fails.
type Generator struct {
	tick time.Duration

	mu       sync.Mutex
	rng      *rand.Rand
	profiles map[string]Profile
	faults   map[string]error
}

type Option func(*Generator)

// WithTick sets the time between progress reports.
func WithTick(d time.Duration) Option {
	return func(g *Generator) {
		if d > 0 {
			g.tick = d
		}
	}
}

func WithSeed(seed int64) Option {
	return func(g *Generator) { g.rng = rand.New(rand.NewSource(seed)) }
}

func WithProfile(streamID string, p Profile) Option {
	return func(g *Generator) { g.profiles[streamID] = p }
}

func NewGenerator(opts ...Option) *Generator {
	g := &Generator{
		tick:     50 * time.Millisecond,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		profiles: make(map[string]Profile, len(defaultProfiles)),
		faults:   make(map[string]error),
	}
	for id, p := range defaultProfiles {
		g.profiles[id] = p
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Inject makes the next run of streamID fail immediately with err.
func (g *Generator) Inject(streamID string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.faults[streamID] = err
}

func (g *Generator) takeFault(streamID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	err := g.faults[streamID]
	delete(g.faults, streamID)
	return err
}

func (g *Generator) profile(streamID string) Profile {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.profiles[streamID]
	if !ok {
		p = Profile{Pattern: "steady", Confidence: 0.7}
	}
	if p.Steps <= 0 {
		p.Steps = defaultSteps
	}
	if len(p.Insights) == 0 {
		p.Insights = genericInsights
	}
	if p.Confidence <= 0 {
		p.Confidence = 0.7
	}
	if p.Pattern == "stall" {
		if p.StallAt <= 0 {
			p.StallAt = p.Steps / 3
		}
		if p.StallTicks <= 0 {
			p.StallTicks = p.Steps
		}
	}
	if p.Pattern == "error" && p.ErrorAt <= 0 {
		p.ErrorAt = 0.6
	}
	return p
}

func (g *Generator) jitter(n int) float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return float64(g.rng.Intn(2*n+1)-n) / 100
}

// Execute runs one simulated stream, reporting progress every tick.
func (g *Generator) Execute(ctx context.Context, streamID string, r coordinator.Reporter) (coordinator.Result, error) {
	if err := g.takeFault(streamID); err != nil {
		return coordinator.Result{}, err
	}
	p := g.profile(streamID)

	ticker := time.NewTicker(g.tick)
	defer ticker.Stop()

	progress := 0.0
	insightIdx := 0
	insightEvery := max(1, p.Steps/len(p.Insights))
	for tick := 1; progress < 1; tick++ {
		select {
		case <-ctx.Done():
			return coordinator.Result{}, ctx.Err()
		case <-ticker.C:
		}

		delta := g.advance(p, tick)
		if delta <= 0 {
			continue
		}
		progress = min(1, progress+delta)

		if p.Pattern == "error" && progress >= p.ErrorAt {
			return coordinator.Result{}, resilience.New(p.Fault, "stream "+streamID,
				fmt.Errorf("simulated %s at %.0f%%", p.Fault, progress*100))
		}
		if tick%insightEvery == 0 && insightIdx < len(p.Insights) {
			r.Insight(p.Insights[insightIdx], p.Confidence*(0.8+0.2*progress))
			insightIdx++
		}
		if err := r.Progress(ctx, progress); err != nil {
			return coordinator.Result{}, err
		}
	}

	conclusion := fmt.Sprintf("%s perspective complete", streamID)
	if peers := r.Peers(); len(peers) > 0 {
		conclusion = fmt.Sprintf("%s, cross-checked against %d peer streams", conclusion, len(peers))
	}
	return coordinator.Result{
		Conclusion: conclusion,
		Confidence: p.Confidence,
	}, nil
}

// advance returns the progress gained this tick.
func (g *Generator) advance(p Profile, tick int) float64 {
	base := 1 / float64(p.Steps)
	switch p.Pattern {
	case "burst":
		if tick%8 < 3 {
			return base * 2.5
		}
		return base * 0.5
	case "stall":
		if tick >= p.StallAt && tick < p.StallAt+p.StallTicks {
			return 0
		}
		return base
	case "methodical":
		return base * (0.7 + 0.3*math.Sin(float64(tick)/10))
	default:
		return max(base/2, base+base*g.jitter(20))
	}
}

// Assess scores partial results: mean insight confidence weighted by each
// stream's progress, with low-confidence streams counting half.
func Assess(_ context.Context, partials []coordinator.Partial) (float64, error) {
	var sum, weight float64
	for _, p := range partials {
		w := p.Progress
		if p.LowConfidence {
			w /= 2
		}
		for _, in := range p.Insights {
			sum += in.Confidence * w
			weight += w
		}
	}
	if weight == 0 {
		return 0, nil
	}
	return sum / weight, nil
}
