package quest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashida/shopquest/internal/domain"
	"github.com/ashida/shopquest/internal/store"
)

// Registry owns the live quests, keyed by user and per-tab session. It
// seeds new quests from the list provider, persists snapshots after
// transitions and records purchases when a quest completes.
type Registry struct {
	mu     sync.RWMutex
	active map[string]map[string]*Quest

	provider ListProvider
	repo     store.Repository
	cfg      Config
	sink     EventSink
	logger   *slog.Logger
}

// NewRegistry creates a quest registry. sink receives the events of every
// quest started through the registry.
func NewRegistry(provider ListProvider, repo store.Repository, cfg Config, sink EventSink, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		active:   make(map[string]map[string]*Quest),
		provider: provider,
		repo:     repo,
		cfg:      cfg,
		sink:     sink,
		logger:   logger,
	}
}

// Get returns the live quest for a user/session, nil if none.
func (r *Registry) Get(userID, sessionID string) *Quest {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if quests, ok := r.active[userID]; ok {
		return quests[sessionID]
	}
	return nil
}

// Start creates a fresh quest for the user/session, replacing and tearing
// down any existing one. A restart discards the old transcript entirely.
func (r *Registry) Start(ctx context.Context, userID, sessionID string) *Quest {
	q := New(ctx, userID, sessionID, r.provider, r.cfg, r.sink, r.logger)

	r.mu.Lock()
	if _, exists := r.active[userID]; !exists {
		r.active[userID] = make(map[string]*Quest)
	}
	old := r.active[userID][sessionID]
	r.active[userID][sessionID] = q
	r.mu.Unlock()

	if old != nil {
		old.Close()
	}

	if err := r.Persist(ctx, q); err != nil {
		r.logger.Warn("failed to persist new quest", "user_id", userID, "session_id", sessionID, "error", err)
	}

	r.logger.Info("quest started", "user_id", userID, "session_id", sessionID)
	return q
}

// Persist writes the quest's current snapshot to the store.
func (r *Registry) Persist(ctx context.Context, q *Quest) error {
	rec, err := q.Record()
	if err != nil {
		return err
	}
	if err := r.repo.UpsertQuestSession(ctx, rec); err != nil {
		return fmt.Errorf("persist quest: %w", err)
	}
	return nil
}

// Complete records one purchase per scanned item of a finished quest.
// Callers invoke it exactly once, right after ConfirmCheckout succeeds.
func (r *Registry) Complete(ctx context.Context, q *Quest) error {
	scanned := q.ScannedItems()
	if len(scanned) == 0 {
		return nil
	}

	now := time.Now()
	purchases := make([]*domain.Purchase, 0, len(scanned))
	for _, item := range scanned {
		purchases = append(purchases, &domain.Purchase{
			UserID:      q.UserID(),
			ItemName:    item.Name,
			Location:    item.Location,
			PurchasedAt: now,
		})
	}

	if err := r.repo.AddPurchases(ctx, purchases); err != nil {
		return fmt.Errorf("record purchases: %w", err)
	}
	r.logger.Info("quest completed", "user_id", q.UserID(), "session_id", q.SessionID(), "purchases", len(purchases))
	return nil
}

// Close tears down one quest and forgets it.
func (r *Registry) Close(userID, sessionID string) {
	r.mu.Lock()
	var q *Quest
	if quests, ok := r.active[userID]; ok {
		q = quests[sessionID]
		delete(quests, sessionID)
		if len(quests) == 0 {
			delete(r.active, userID)
		}
	}
	r.mu.Unlock()

	if q != nil {
		q.Close()
		r.logger.Info("quest closed", "user_id", userID, "session_id", sessionID)
	}
}

// CloseUser tears down all of a user's quests.
func (r *Registry) CloseUser(userID string) {
	r.mu.Lock()
	quests := r.active[userID]
	delete(r.active, userID)
	r.mu.Unlock()

	for sid, q := range quests {
		q.Close()
		r.logger.Info("quest closed", "user_id", userID, "session_id", sid)
	}
}

// CloseAll tears down every live quest; used during shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	active := r.active
	r.active = make(map[string]map[string]*Quest)
	r.mu.Unlock()

	for _, quests := range active {
		for _, q := range quests {
			q.Close()
		}
	}
}

// CloseIdle tears down quests with no transition activity within ttl and
// returns how many were closed.
func (r *Registry) CloseIdle(ttl time.Duration) int {
	cutoff := time.Now().Add(-ttl)

	r.mu.Lock()
	var idle []*Quest
	for userID, quests := range r.active {
		for sid, q := range quests {
			if q.LastActive().Before(cutoff) {
				idle = append(idle, q)
				delete(quests, sid)
			}
		}
		if len(quests) == 0 {
			delete(r.active, userID)
		}
	}
	r.mu.Unlock()

	for _, q := range idle {
		q.Close()
		r.logger.Info("idle quest closed", "user_id", q.UserID(), "session_id", q.SessionID())
	}
	return len(idle)
}
