package session

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Params describes a session to be created.
type Params struct {
	Kind    Kind
	Mode    string
	Problem string
	Streams []string
}

// Registry is the in-memory store of session records. All methods are safe
// for concurrent use; readers always receive deep copies.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	now      func() time.Time
}

type RegistryOption func(*Registry)

// WithClock replaces time.Now, mainly for eviction tests.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		r.now = now
	}
}

func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		sessions: make(map[string]*Session),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create allocates a new processing session and returns a copy of it.
func (r *Registry) Create(p Params) *Session {
	kind := p.Kind
	if kind == "" {
		kind = KindThink
	}
	s := &Session{
		ID:            kind.Prefix() + uuid.NewString(),
		Kind:          kind,
		Status:        Processing,
		CurrentStage:  "initializing",
		ActiveStreams: dedupe(p.Streams),
		Mode:          p.Mode,
		Problem:       p.Problem,
	}
	if kind == KindParallel {
		s.SyncCheckpoints = &SyncCheckpoints{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	s.StartedAt = r.now()
	r.sessions[s.ID] = s
	return s.Clone()
}

func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, false
	}
	return s.Clone(), true
}

// List returns copies of all sessions, oldest first.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	result := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		result = append(result, s.Clone())
	}
	r.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		return result[i].StartedAt.Before(result[j].StartedAt)
	})
	return result
}

// Update merges p into the session with the given id. Unknown ids are
// ignored: updates may race with eviction.
func (r *Registry) Update(id string, p *Patch) {
	if p == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return
	}
	p.apply(s, r.now())
}

// UpdateAndGet is Update followed by Get under a single lock acquisition.
func (r *Registry) UpdateAndGet(id string, p *Patch) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, false
	}
	if p != nil {
		p.apply(s, r.now())
	}
	return s.Clone(), true
}

func (r *Registry) Delete(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// CleanupOld removes every session whose age exceeds maxAge, whatever its
// status, and returns the removed ids.
func (r *Registry) CleanupOld(maxAge time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	var removed []string
	for id, s := range r.sessions {
		if now.Sub(s.StartedAt) > maxAge {
			delete(r.sessions, id)
			removed = append(removed, id)
		}
	}
	sort.Strings(removed)
	return removed
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	count := 0
	for _, s := range r.sessions {
		if !s.IsTerminal() {
			count++
		}
	}
	return count
}
