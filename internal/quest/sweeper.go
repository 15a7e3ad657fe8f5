package quest

import (
	"context"
	"log/slog"
	"time"

	"github.com/ashida/shopquest/internal/store"
)

const sweepInterval = 5 * time.Minute

// StartSweeper runs a background goroutine that periodically tears down
// quests idle beyond ttl and deletes their persisted snapshots.
func StartSweeper(ctx context.Context, repo store.Repository, registry *Registry, ttl time.Duration) {
	ticker := time.NewTicker(sweepInterval)
	go func() {
		defer ticker.Stop()
		slog.Info("quest sweeper started", "interval", sweepInterval, "ttl", ttl)

		for {
			select {
			case <-ticker.C:
				sweepIdleQuests(ctx, repo, registry, ttl)
			case <-ctx.Done():
				slog.Info("quest sweeper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func sweepIdleQuests(ctx context.Context, repo store.Repository, registry *Registry, ttl time.Duration) {
	if closed := registry.CloseIdle(ttl); closed > 0 {
		slog.Info("quest sweeper closed idle quests", "count", closed)
	}

	idle, err := repo.GetIdleQuestSessions(ctx, ttl)
	if err != nil {
		slog.Error("quest sweeper failed to list idle sessions", "error", err)
		return
	}
	if len(idle) == 0 {
		return
	}

	deleted := 0
	for _, rec := range idle {
		if err := repo.DeleteQuestSession(ctx, rec.UserID, rec.SessionID); err != nil {
			slog.Warn("quest sweeper failed to delete session",
				"user_id", rec.UserID,
				"session_id", rec.SessionID,
				"error", err)
			continue
		}
		deleted++
	}

	slog.Info("quest sweeper cleanup completed", "found", len(idle), "deleted", deleted)
}
