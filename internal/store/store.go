// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashida/shopquest/internal/domain"
)

// Repository defines the interface for persisting users, shopping lists,
// quest sessions and purchase history.
type Repository interface {
	// GetUser retrieves a user by their user ID.
	GetUser(ctx context.Context, userID string) (*domain.User, error)

	// UpsertUser creates or updates a user record.
	UpsertUser(ctx context.Context, user *domain.User) error

	// UpdateLastSeen updates the last_seen_at timestamp for a user.
	UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error

	// ListItems returns the user's shopping list in insertion order.
	ListItems(ctx context.Context, userID string) ([]*domain.ListItem, error)

	// AddListItem inserts one shopping list entry and returns its ID.
	AddListItem(ctx context.Context, item *domain.ListItem) (int64, error)

	// AddListItems inserts a batch of entries in one transaction.
	AddListItems(ctx context.Context, items []*domain.ListItem) error

	// SetItemCompleted toggles the completed flag of one entry.
	SetItemCompleted(ctx context.Context, userID string, itemID int64, completed bool) error

	// DeleteListItem removes one entry owned by the user.
	DeleteListItem(ctx context.Context, userID string, itemID int64) error

	// GetQuestSession retrieves a persisted quest snapshot, nil if absent.
	GetQuestSession(ctx context.Context, userID, sessionID string) (*domain.QuestRecord, error)

	// UpsertQuestSession creates or updates a quest snapshot.
	UpsertQuestSession(ctx context.Context, rec *domain.QuestRecord) error

	// DeleteQuestSession removes a quest snapshot.
	DeleteQuestSession(ctx context.Context, userID, sessionID string) error

	// GetIdleQuestSessions returns snapshots not updated within ttl.
	GetIdleQuestSessions(ctx context.Context, ttl time.Duration) ([]*domain.QuestRecord, error)

	// AddPurchases records purchases made during a completed quest.
	AddPurchases(ctx context.Context, purchases []*domain.Purchase) error

	// ListPurchases returns the user's purchase history, newest first.
	ListPurchases(ctx context.Context, userID string) ([]*domain.Purchase, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
