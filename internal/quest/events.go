package quest

import (
	"github.com/ashida/shopquest/internal/domain"
)

// EventType discriminates quest stream events.
type EventType string

const (
	// EventMessage carries one newly appended transcript message.
	EventMessage EventType = "message"
	// EventStage announces a stage change.
	EventStage EventType = "stage"
	// EventMarkers carries the full recomputed map overlay.
	EventMarkers EventType = "markers"
	// EventMapReveal marks the moment the map becomes visible.
	EventMapReveal EventType = "map_reveal"
)

// Event is one observable state change of a quest, fanned out to SSE
// subscribers and logged to the transcript log.
type Event struct {
	Type      EventType       `json:"type"`
	UserID    string          `json:"-"`
	SessionID string          `json:"-"`
	Message   *domain.Message `json:"message,omitempty"`
	Stage     domain.Stage    `json:"stage,omitempty"`
	Markers   []domain.Marker `json:"markers,omitempty"`
}

// EventSink receives quest events. Implementations must not block: sinks
// are called from inside transition dispatch.
type EventSink func(Event)

// Snapshot is a read-only copy of the quest state for the UI layer.
type Snapshot struct {
	UserID           string             `json:"user_id"`
	SessionID        string             `json:"session_id"`
	Stage            domain.Stage       `json:"stage"`
	Transcript       []domain.Message   `json:"transcript"`
	Items            []domain.QuestItem `json:"items"`
	CurrentIndex     int                `json:"current_index"`
	Markers          []domain.Marker    `json:"markers"`
	MapVisible       bool               `json:"map_visible"`
	ResponsesEnabled bool               `json:"responses_enabled"`
	Degraded         bool               `json:"degraded"`
}
