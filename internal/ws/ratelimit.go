package ws

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// idleLimiter is how long an address may stay quiet before its limiter is
// forgotten.
const idleLimiter = 10 * time.Minute

type visitor struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// limiter is a token bucket per client address.
type limiter struct {
	mu       sync.Mutex
	r        rate.Limit
	burst    int
	visitors map[string]*visitor
	lastGC   time.Time
}

func newLimiter(r float64, burst int) *limiter {
	return &limiter{
		r:        rate.Limit(r),
		burst:    max(1, burst),
		visitors: make(map[string]*visitor),
		lastGC:   time.Now(),
	}
}

func (l *limiter) allow(key string) bool {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastGC) > idleLimiter {
		for k, v := range l.visitors {
			if now.Sub(v.lastSeen) > idleLimiter {
				delete(l.visitors, k)
			}
		}
		l.lastGC = now
	}

	v, ok := l.visitors[key]
	if !ok {
		v = &visitor{lim: rate.NewLimiter(l.r, l.burst)}
		l.visitors[key] = v
	}
	v.lastSeen = now
	return v.lim.AllowN(now, 1)
}

func (l *limiter) set(r float64, burst int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.r, l.burst = rate.Limit(r), max(1, burst)
	for _, v := range l.visitors {
		v.lim.SetLimit(l.r)
		v.lim.SetBurst(l.burst)
	}
}
