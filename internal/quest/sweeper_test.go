package quest

import (
	"context"
	"testing"
	"time"
)

func TestSweepIdleQuests(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	seedListItems(t, repo, "u1", "milk")
	reg := newTestRegistry(t, repo)
	defer reg.CloseAll()

	reg.Start(ctx, "u1", "tab1")

	rec, err := repo.GetQuestSession(ctx, "u1", "tab1")
	if err != nil || rec == nil {
		t.Fatalf("expected persisted session, got %+v err=%v", rec, err)
	}

	// Nothing is idle within a generous TTL.
	sweepIdleQuests(ctx, repo, reg, time.Hour)
	if reg.Get("u1", "tab1") == nil {
		t.Fatal("active quest swept too early")
	}

	// A negative TTL makes everything idle regardless of timestamp
	// granularity.
	sweepIdleQuests(ctx, repo, reg, -2*time.Second)
	if reg.Get("u1", "tab1") != nil {
		t.Error("idle quest still registered after sweep")
	}
	rec, err = repo.GetQuestSession(ctx, "u1", "tab1")
	if err != nil {
		t.Fatalf("GetQuestSession after sweep: %v", err)
	}
	if rec != nil {
		t.Error("idle session snapshot still persisted after sweep")
	}
}
