package broadcast

import (
	"encoding/json"
	"maps"
	"time"

	"github.com/keyurgolani/ThoughtMcp-sub011/internal/session"
)

type EventType string

const (
	StreamStarted      EventType = "stream_started"
	StreamProgress     EventType = "stream_progress"
	StreamInsight      EventType = "stream_insight"
	StreamCompleted    EventType = "stream_completed"
	SyncCheckpoint     EventType = "sync_checkpoint"
	SynthesisStarted   EventType = "synthesis_started"
	SynthesisCompleted EventType = "synthesis_completed"
	SessionCompleted   EventType = "session_completed"
	SessionError       EventType = "session_error"
	Heartbeat          EventType = "heartbeat"
)

// Event is a single pushed update. Build it with NewEvent; the data map is
// private so an event cannot change after construction.
type Event struct {
	typ       EventType
	timestamp string
	data      map[string]any
}

// NewEvent stamps the current time and copies fields, adding sessionId.
func NewEvent(typ EventType, sessionID string, fields map[string]any) Event {
	data := make(map[string]any, len(fields)+1)
	maps.Copy(data, fields)
	data["sessionId"] = sessionID
	return Event{
		typ:       typ,
		timestamp: session.FormatTime(time.Now()),
		data:      data,
	}
}

func (e Event) Type() EventType   { return e.typ }
func (e Event) Timestamp() string { return e.timestamp }

// Data returns a copy of the event payload.
func (e Event) Data() map[string]any {
	return maps.Clone(e.data)
}

type wireEvent struct {
	Type      EventType      `json:"type"`
	Timestamp string         `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireEvent{Type: e.typ, Timestamp: e.timestamp, Data: e.data})
}

func (e *Event) UnmarshalJSON(b []byte) error {
	var w wireEvent
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	e.typ, e.timestamp, e.data = w.Type, w.Timestamp, w.Data
	return nil
}
