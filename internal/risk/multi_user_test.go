package risk

import (
	"context"
	"testing"
	"time"

	"volume-core/pkg/db"
)

// TestMultiUserManagerCleanupIdle verifies that CleanupIdle removes only idle managers.
func TestMultiUserManagerCleanupIdle(t *testing.T) {
	mgr := NewMultiUserManager(DefaultProfile(), nil, time.UTC, nil)
	ctx := context.Background()

	mgr.GetOrCreate(ctx, "userA")
	mgr.GetOrCreate(ctx, "userB")

	if got := mgr.UserCount(); got != 2 {
		t.Fatalf("expected 2 users before cleanup, got %d", got)
	}

	mgr.mu.Lock()
	mgr.lastSeen["userA"] = time.Now().Add(-2 * time.Hour)
	mgr.lastSeen["userB"] = time.Now()
	mgr.mu.Unlock()

	if removed := mgr.CleanupIdle(time.Hour); removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
	if mgr.Get("userA") != nil {
		t.Fatalf("expected userA manager to be removed")
	}
	if mgr.Get("userB") == nil {
		t.Fatalf("expected userB manager to remain")
	}
}

// TestMultiUserManagerCleanupKeepsPaused ensures eviction cannot lift a pause.
func TestMultiUserManagerCleanupKeepsPaused(t *testing.T) {
	p := DefaultProfile()
	p.MaxConsecutiveLosses = 1
	mgr := NewMultiUserManager(p, nil, time.UTC, nil)
	ctx := context.Background()

	mgr.RecordTrade(ctx, "paused", TradeResult{Failed: true})
	mgr.mu.Lock()
	mgr.lastSeen["paused"] = time.Now().Add(-2 * time.Hour)
	mgr.mu.Unlock()

	mgr.CleanupIdle(time.Hour)
	if mgr.Get("paused") == nil {
		t.Fatalf("paused user must stay loaded")
	}
}

// TestMultiUserManagerGetMissingDoesNotCreate ensures Get does not modify state
// when the user manager is absent.
func TestMultiUserManagerGetMissingDoesNotCreate(t *testing.T) {
	mgr := NewMultiUserManager(DefaultProfile(), nil, time.UTC, nil)

	if mgr.Get("missing") != nil {
		t.Fatalf("expected missing user to return nil manager")
	}
	if got := mgr.UserCount(); got != 0 {
		t.Fatalf("expected no managers to be created, found %d", got)
	}
}

func TestMultiUserManagerAlertHook(t *testing.T) {
	mgr := NewMultiUserManager(DefaultProfile(), nil, time.UTC, nil)
	var got []Alert
	mgr.OnAlert(func(userID string, a Alert) {
		if userID != "u1" {
			t.Errorf("unexpected user %s", userID)
		}
		got = append(got, a)
	})

	ctx := context.Background()
	mgr.UpdateBalance(ctx, "u1", 50, 50)
	dec := mgr.Assess(ctx, "u1", "KOGE", 100, 48)
	if dec.Approved {
		t.Fatalf("expected rejection")
	}
	if len(got) != 1 || got[0].Type != AlertBalance {
		t.Fatalf("expected balance alert through hook, got %+v", got)
	}
}

func TestMultiUserManagerPersistsPause(t *testing.T) {
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("db.New: %v", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("ApplyMigrations: %v", err)
	}
	store := NewSQLStore(database.DB)
	ctx := context.Background()

	p := DefaultProfile()
	p.MaxConsecutiveLosses = 2
	first := NewMultiUserManager(DefaultProfile(), store, time.UTC, nil)
	if err := first.SetProfile(ctx, "u1", p); err != nil {
		t.Fatalf("SetProfile: %v", err)
	}
	first.RecordTrade(ctx, "u1", TradeResult{Failed: true})
	first.RecordTrade(ctx, "u1", TradeResult{Failed: true})

	// A fresh registry over the same store sees the stored profile and pause.
	second := NewMultiUserManager(DefaultProfile(), store, time.UTC, nil)
	mgr := second.GetOrCreate(ctx, "u1")
	if mgr.Profile().MaxConsecutiveLosses != 2 {
		t.Fatalf("profile not restored: %+v", mgr.Profile())
	}
	if !mgr.Metrics().Paused {
		t.Fatalf("pause not restored")
	}

	second.Resume(ctx, "u1")
	third := NewMultiUserManager(DefaultProfile(), store, time.UTC, nil)
	if third.GetOrCreate(ctx, "u1").Metrics().Paused {
		t.Fatalf("resume not persisted")
	}
}
