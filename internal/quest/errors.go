// Package quest implements the guided in-store shopping session: a scripted
// conversational flow that walks a user through arrival, a promotional
// inquiry, per-item pickup confirmation and checkout, while keeping a store
// map overlay in sync with progress.
package quest

import (
	"errors"
)

var (
	// ErrInvalidTransition is returned when a transition operation is
	// invoked while the quest is not in the stage it requires. The quest
	// state is left untouched.
	ErrInvalidTransition = errors.New("invalid stage transition")

	// ErrQuestBusy is returned when a transition is invoked while another
	// one is still dispatching its scripted follow-up. Transitions are
	// never queued or interleaved.
	ErrQuestBusy = errors.New("quest transition already in flight")

	// ErrDataUnavailable marks a list provider failure. The quest proceeds
	// with an empty item set instead of failing the session.
	ErrDataUnavailable = errors.New("item data unavailable")
)
