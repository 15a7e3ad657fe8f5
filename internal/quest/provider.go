package quest

import (
	"context"
	"fmt"

	"github.com/ashida/shopquest/internal/domain"
	"github.com/ashida/shopquest/internal/store"
)

// ListProvider supplies the ordered item set a quest operates over. The
// quest consumes it exactly once, at session seed time, and never retries:
// retry policy belongs to the provider.
type ListProvider interface {
	FetchItems(ctx context.Context, userID string) ([]domain.QuestItem, error)
}

// StoreProvider adapts the shopping list repository into a ListProvider.
// Completed entries are excluded; the category label becomes the in-store
// location shown in prompts and on the map.
type StoreProvider struct {
	repo store.Repository
}

// NewStoreProvider creates a provider backed by the repository.
func NewStoreProvider(repo store.Repository) *StoreProvider {
	return &StoreProvider{repo: repo}
}

// FetchItems returns the user's open list entries in insertion order.
func (p *StoreProvider) FetchItems(ctx context.Context, userID string) ([]domain.QuestItem, error) {
	listItems, err := p.repo.ListItems(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDataUnavailable, err)
	}

	items := make([]domain.QuestItem, 0, len(listItems))
	for _, li := range listItems {
		if li.Completed {
			continue
		}
		items = append(items, domain.QuestItem{
			ID:       li.ID,
			Name:     li.Name,
			Location: li.Category,
		})
	}
	return items, nil
}
