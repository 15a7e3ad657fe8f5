package domain

import (
	"time"
)

// Stage is one discrete phase of a guided shopping quest.
type Stage string

const (
	StageArrival  Stage = "arrival"
	StageInquiry  Stage = "inquiry"
	StageFindItem Stage = "find_item"
	StageCheckout Stage = "checkout"
	StageDone     Stage = "done"
)

// Terminal reports whether the stage has no outgoing transitions.
func (s Stage) Terminal() bool {
	return s == StageDone
}

// QuestItem is one entry of the ordered item set a quest walks through.
// Scanned is the only mutable field and flips false -> true at most once.
type QuestItem struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Location string `json:"location,omitempty"`
	Scanned  bool   `json:"scanned"`
}

// Position is a fixed map-overlay coordinate in percent of the viewport.
// Assigned once per session per item and never moved afterwards.
type Position struct {
	Left float64 `json:"left"`
	Top  float64 `json:"top"`
}

// Marker is the map overlay's view of one item.
type Marker struct {
	ItemID   int64    `json:"item_id"`
	Name     string   `json:"name"`
	Position Position `json:"position"`
	Scanned  bool     `json:"scanned"`
	Current  bool     `json:"current"`
}

// QuestRecord is the persisted snapshot of a quest session.
type QuestRecord struct {
	UserID         string
	SessionID      string
	Stage          Stage
	CurrentIndex   int
	TranscriptJSON string
	ItemsJSON      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
