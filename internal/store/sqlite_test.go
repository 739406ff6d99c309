package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/akulov/nbhub/internal/domain"
)

func newTestStore(t *testing.T) Repository {
	t.Helper()
	repo, err := NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() {
		if err := repo.Close(); err != nil {
			t.Errorf("failed to close store: %v", err)
		}
	})
	return repo
}

func testUser(name string) *domain.User {
	now := time.Now().Truncate(time.Second)
	return &domain.User{
		Name:         name,
		LastActivity: now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func TestCreateAndFind(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()

	user := testUser("alice")
	user.Admin = true
	if err := repo.Create(ctx, user); err != nil {
		t.Fatalf("failed to create user: %v", err)
	}

	got, err := repo.FindByName(ctx, "alice")
	if err != nil {
		t.Fatalf("failed to find user: %v", err)
	}
	if got == nil {
		t.Fatal("expected user, got nil")
	}
	if got.Name != "alice" || !got.Admin {
		t.Errorf("unexpected user: %+v", got)
	}
	if !got.LastActivity.Equal(user.LastActivity) {
		t.Errorf("last activity mismatch: want %v, got %v", user.LastActivity, got.LastActivity)
	}
}

func TestFindMissingReturnsNil(t *testing.T) {
	repo := newTestStore(t)

	got, err := repo.FindByName(context.Background(), "ghost")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for missing user, got %+v", got)
	}
}

func TestCreateDuplicateFails(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()

	if err := repo.Create(ctx, testUser("alice")); err != nil {
		t.Fatalf("failed to create user: %v", err)
	}
	if err := repo.Create(ctx, testUser("alice")); err == nil {
		t.Error("expected duplicate insert to fail")
	}
}

func TestListAllOrdered(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()

	for _, name := range []string{"carol", "alice", "bob"} {
		if err := repo.Create(ctx, testUser(name)); err != nil {
			t.Fatalf("failed to create user %s: %v", name, err)
		}
	}

	users, err := repo.ListAll(ctx)
	if err != nil {
		t.Fatalf("failed to list users: %v", err)
	}
	if len(users) != 3 {
		t.Fatalf("expected 3 users, got %d", len(users))
	}
	for i, want := range []string{"alice", "bob", "carol"} {
		if users[i].Name != want {
			t.Errorf("position %d: want %s, got %s", i, want, users[i].Name)
		}
	}
}

func TestSaveRename(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()

	if err := repo.Create(ctx, testUser("alice")); err != nil {
		t.Fatalf("failed to create user: %v", err)
	}

	renamed := testUser("alicia")
	renamed.Admin = true
	if err := repo.Save(ctx, "alice", renamed); err != nil {
		t.Fatalf("failed to save user: %v", err)
	}

	old, err := repo.FindByName(ctx, "alice")
	if err != nil {
		t.Fatalf("failed to look up old name: %v", err)
	}
	if old != nil {
		t.Error("old name must no longer resolve after rename")
	}

	got, err := repo.FindByName(ctx, "alicia")
	if err != nil {
		t.Fatalf("failed to look up new name: %v", err)
	}
	if got == nil || !got.Admin {
		t.Errorf("expected renamed admin user, got %+v", got)
	}
}

func TestSaveMissingReturnsNotFound(t *testing.T) {
	repo := newTestStore(t)

	err := repo.Save(context.Background(), "ghost", testUser("ghost"))
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestDelete(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()

	if err := repo.Create(ctx, testUser("alice")); err != nil {
		t.Fatalf("failed to create user: %v", err)
	}
	if err := repo.Delete(ctx, "alice"); err != nil {
		t.Fatalf("failed to delete user: %v", err)
	}
	if err := repo.Delete(ctx, "alice"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestTouchActivityMonotonic(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()

	user := testUser("alice")
	if err := repo.Create(ctx, user); err != nil {
		t.Fatalf("failed to create user: %v", err)
	}

	later := user.LastActivity.Add(time.Hour)
	if err := repo.TouchActivity(ctx, "alice", later); err != nil {
		t.Fatalf("failed to touch activity: %v", err)
	}

	got, err := repo.FindByName(ctx, "alice")
	if err != nil {
		t.Fatalf("failed to find user: %v", err)
	}
	if !got.LastActivity.Equal(later) {
		t.Errorf("expected last activity %v, got %v", later, got.LastActivity)
	}

	// A stale timestamp must never move last_activity backwards.
	earlier := user.LastActivity.Add(-time.Hour)
	if err := repo.TouchActivity(ctx, "alice", earlier); err != nil {
		t.Fatalf("failed to touch activity: %v", err)
	}
	got, err = repo.FindByName(ctx, "alice")
	if err != nil {
		t.Fatalf("failed to find user: %v", err)
	}
	if !got.LastActivity.Equal(later) {
		t.Errorf("last activity moved backwards: want %v, got %v", later, got.LastActivity)
	}
}
