package session

import "time"

// Patch is a partial update. Nil fields are left untouched by Registry.Update.
type Patch struct {
	Status        *Status
	Progress      *float64
	CurrentStage  *string
	ActiveStreams []string
	CompletedAt   *time.Time
	Error         *string
	Degraded      *bool
	Checkpoints   map[Checkpoint]int
}

func NewPatch() *Patch {
	return &Patch{}
}

func (p *Patch) WithStatus(s Status) *Patch {
	p.Status = &s
	return p
}

func (p *Patch) WithProgress(v float64) *Patch {
	p.Progress = &v
	return p
}

func (p *Patch) WithStage(stage string) *Patch {
	p.CurrentStage = &stage
	return p
}

func (p *Patch) WithStreams(ids []string) *Patch {
	p.ActiveStreams = append([]string{}, ids...)
	return p
}

func (p *Patch) WithCompletedAt(t time.Time) *Patch {
	p.CompletedAt = &t
	return p
}

func (p *Patch) WithError(msg string) *Patch {
	p.Error = &msg
	return p
}

func (p *Patch) WithDegraded(v bool) *Patch {
	p.Degraded = &v
	return p
}

func (p *Patch) WithCheckpoint(c Checkpoint, count int) *Patch {
	if p.Checkpoints == nil {
		p.Checkpoints = make(map[Checkpoint]int, len(Checkpoints))
	}
	p.Checkpoints[c] = count
	return p
}

// apply merges p into s. Caller must hold the registry write lock.
func (p *Patch) apply(s *Session, now time.Time) {
	if p.ActiveStreams != nil {
		s.ActiveStreams = dedupe(p.ActiveStreams)
	}
	if p.CurrentStage != nil {
		s.CurrentStage = *p.CurrentStage
	}
	if p.Error != nil {
		s.Error = *p.Error
	}
	if p.Degraded != nil {
		s.Degraded = *p.Degraded
	}
	if p.Progress != nil {
		v := clamp01(*p.Progress)
		// Progress never moves backwards while the session is running.
		if s.Status.IsTerminal() || v >= s.Progress {
			s.Progress = v
		}
	}
	if len(p.Checkpoints) > 0 && s.SyncCheckpoints != nil {
		for c, n := range p.Checkpoints {
			slot := s.SyncCheckpoints.at(c)
			if slot == nil {
				continue
			}
			if n < 0 {
				n = 0
			}
			if n > len(s.ActiveStreams) {
				n = len(s.ActiveStreams)
			}
			*slot = n
		}
	}
	if p.Status != nil && !s.Status.IsTerminal() {
		s.Status = *p.Status
	}
	if s.Status.IsTerminal() {
		if s.CompletedAt == nil {
			t := now
			if p.CompletedAt != nil {
				t = *p.CompletedAt
			}
			s.CompletedAt = &t
		}
	} else {
		s.CompletedAt = nil
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
