package quest

import (
	"github.com/ashida/shopquest/internal/domain"
)

// mapSync derives the store map overlay from the quest's item list.
// Positions are assigned once, the first time a non-empty item list is
// observed, and never move afterwards so markers don't jitter when scanned
// state changes trigger re-renders.
type mapSync struct {
	positions map[int64]domain.Position
}

// Fixed three-column aisle grid. Items fill it in list order.
const (
	gridColumns    = 3
	gridLeftOrigin = 18.0
	gridLeftStep   = 28.0
	gridTopOrigin  = 16.0
	gridTopStep    = 24.0
)

func (m *mapSync) assigned() bool {
	return m.positions != nil
}

// assign computes the id -> position mapping. A second call, or a call with
// no items, is a no-op.
func (m *mapSync) assign(items []domain.QuestItem) {
	if m.positions != nil || len(items) == 0 {
		return
	}
	m.positions = make(map[int64]domain.Position, len(items))
	for i, item := range items {
		m.positions[item.ID] = domain.Position{
			Left: gridLeftOrigin + float64(i%gridColumns)*gridLeftStep,
			Top:  gridTopOrigin + float64(i/gridColumns)*gridTopStep,
		}
	}
}

// markers produces the (item, position, scanned, current) tuples the map
// view renders. Empty until positions have been assigned.
func (m *mapSync) markers(items []domain.QuestItem, currentIndex int) []domain.Marker {
	if m.positions == nil {
		return nil
	}
	markers := make([]domain.Marker, 0, len(items))
	for i, item := range items {
		pos, ok := m.positions[item.ID]
		if !ok {
			continue
		}
		markers = append(markers, domain.Marker{
			ItemID:   item.ID,
			Name:     item.Name,
			Position: pos,
			Scanned:  item.Scanned,
			Current:  i == currentIndex && !item.Scanned,
		})
	}
	return markers
}
