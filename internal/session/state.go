package session

import (
	"encoding/json"
	"time"
)

type Status int

const (
	Processing Status = iota
	Complete
	Errored
)

var statusNames = map[Status]string{
	Processing: "processing",
	Complete:   "complete",
	Errored:    "error",
}

var statusFromName = map[string]Status{
	"processing": Processing,
	"complete":   Complete,
	"error":      Errored,
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return "unknown"
}

func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Status) UnmarshalJSON(data []byte) error {
	var n string
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	if v, ok := statusFromName[n]; ok {
		*s = v
	}
	return nil
}

// IsTerminal reports whether no further status transition is allowed.
func (s Status) IsTerminal() bool {
	return s == Complete || s == Errored
}

// Kind selects how a session is executed and which id prefix it gets.
type Kind string

const (
	KindThink    Kind = "think"
	KindParallel Kind = "parallel"
)

// Prefix returns the id prefix for sessions of this kind ("think-", "parallel-").
func (k Kind) Prefix() string {
	if k == "" {
		return string(KindThink) + "-"
	}
	return string(k) + "-"
}

// Checkpoint identifies one of the three rendezvous points of a parallel session.
type Checkpoint int

const (
	Sync25 Checkpoint = iota
	Sync50
	Sync75
)

// Checkpoints lists every checkpoint in progress order.
var Checkpoints = []Checkpoint{Sync25, Sync50, Sync75}

// Fraction returns the stream progress at which the checkpoint is reached.
func (c Checkpoint) Fraction() float64 {
	switch c {
	case Sync25:
		return 0.25
	case Sync50:
		return 0.50
	case Sync75:
		return 0.75
	}
	return 1
}

func (c Checkpoint) String() string {
	switch c {
	case Sync25:
		return "sync_25"
	case Sync50:
		return "sync_50"
	case Sync75:
		return "sync_75"
	}
	return "sync_unknown"
}

// SyncCheckpoints counts the streams admitted at each checkpoint.
type SyncCheckpoints struct {
	Sync25 int `json:"sync25"`
	Sync50 int `json:"sync50"`
	Sync75 int `json:"sync75"`
}

func (sc *SyncCheckpoints) at(c Checkpoint) *int {
	switch c {
	case Sync25:
		return &sc.Sync25
	case Sync50:
		return &sc.Sync50
	case Sync75:
		return &sc.Sync75
	}
	return nil
}

// Get returns the count recorded for checkpoint c.
func (sc SyncCheckpoints) Get(c Checkpoint) int {
	if p := sc.at(c); p != nil {
		return *p
	}
	return 0
}

type Session struct {
	ID              string           `json:"id"`
	Kind            Kind             `json:"kind"`
	Status          Status           `json:"status"`
	Progress        float64          `json:"progress"`
	CurrentStage    string           `json:"currentStage"`
	ActiveStreams   []string         `json:"activeStreams"`
	StartedAt       time.Time        `json:"startedAt"`
	CompletedAt     *time.Time       `json:"completedAt,omitempty"`
	Error           string           `json:"error,omitempty"`
	Mode            string           `json:"mode,omitempty"`
	Problem         string           `json:"problem,omitempty"`
	Degraded        bool             `json:"degraded,omitempty"`
	SyncCheckpoints *SyncCheckpoints `json:"syncCheckpoints,omitempty"`
}

// Clone returns a deep copy of the Session, duplicating pointer and slice
// fields so the copy can be mutated independently of the original.
func (s *Session) Clone() *Session {
	c := *s
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		c.CompletedAt = &t
	}
	if s.ActiveStreams != nil {
		c.ActiveStreams = append([]string(nil), s.ActiveStreams...)
	}
	if s.SyncCheckpoints != nil {
		sc := *s.SyncCheckpoints
		c.SyncCheckpoints = &sc
	}
	return &c
}

func (s *Session) IsTerminal() bool {
	return s.Status.IsTerminal()
}

// MarshalJSON renders timestamps as UTC ISO-8601 strings.
func (s Session) MarshalJSON() ([]byte, error) {
	type alias Session
	out := struct {
		alias
		StartedAt   string  `json:"startedAt"`
		CompletedAt *string `json:"completedAt,omitempty"`
	}{alias: alias(s), StartedAt: FormatTime(s.StartedAt)}
	if s.CompletedAt != nil {
		ts := FormatTime(*s.CompletedAt)
		out.CompletedAt = &ts
	}
	return json.Marshal(out)
}

// TimeLayout is the ISO-8601 layout used on the wire.
const TimeLayout = "2006-01-02T15:04:05.000Z07:00"

// FormatTime renders t in UTC with millisecond precision.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}
