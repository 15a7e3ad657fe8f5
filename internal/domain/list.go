package domain

import (
	"time"
)

// Priority ranks how strongly the user wants an item.
type Priority string

const (
	PriorityMust      Priority = "must"
	PriorityPreferred Priority = "preferred"
	PriorityOptional  Priority = "optional"
)

// Valid reports whether p is one of the known priorities.
func (p Priority) Valid() bool {
	switch p {
	case PriorityMust, PriorityPreferred, PriorityOptional:
		return true
	}
	return false
}

// Categories a list item may belong to. Category doubles as the in-store
// location label shown on the map and in quest prompts.
const (
	CategoryFood      = "food"
	CategoryHousehold = "household"
	CategoryProduce   = "produce"
	CategoryDrinks    = "drinks"
	CategoryOther     = "other"
)

// KnownCategory reports whether c is one of the fixed category labels.
func KnownCategory(c string) bool {
	switch c {
	case CategoryFood, CategoryHousehold, CategoryProduce, CategoryDrinks, CategoryOther:
		return true
	}
	return false
}

// ListItem is one shopping list entry owned by a user.
type ListItem struct {
	ID        int64     `json:"id"`
	UserID    string    `json:"user_id"`
	Name      string    `json:"name"`
	Category  string    `json:"category"`
	Priority  Priority  `json:"priority"`
	Completed bool      `json:"completed"`
	CreatedAt time.Time `json:"created_at"`
}

// Purchase records one item bought during a completed quest.
type Purchase struct {
	ID          int64     `json:"id"`
	UserID      string    `json:"user_id"`
	ItemName    string    `json:"item_name"`
	Location    string    `json:"location,omitempty"`
	PurchasedAt time.Time `json:"purchased_at"`
}
