package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ashureev/dailysolve/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "nested", "test.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testEntry(key string, inserted time.Time, ttl time.Duration) *domain.CacheEntry {
	return &domain.CacheEntry{
		Key: key,
		Artifact: &domain.Artifact{
			ChallengeKey: key,
			ProblemTitle: "Two Sum",
			Code:         "class Solution:\n    def twoSum(self, nums, target):\n        pass",
			Language:     "python3",
			IsSafe:       true,
			QualityScore: 0.8,
			Warnings:     []string{},
		},
		InsertedAt: inserted,
		ExpiresAt:  inserted.Add(ttl),
	}
}

func TestSQLiteStore_PutGetRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	now := time.UnixMilli(time.Now().UnixMilli())
	if err := s.Put(ctx, testEntry("2026-10-16", now, time.Hour)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, err := s.Get(ctx, "2026-10-16")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got == nil {
		t.Fatal("expected entry, got nil")
	}
	if got.Artifact.ProblemTitle != "Two Sum" {
		t.Errorf("unexpected title %q", got.Artifact.ProblemTitle)
	}
	if !got.InsertedAt.Equal(now) || !got.ExpiresAt.Equal(now.Add(time.Hour)) {
		t.Errorf("timestamps not preserved: inserted=%v expires=%v", got.InsertedAt, got.ExpiresAt)
	}
}

func TestSQLiteStore_GetMissingReturnsNil(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	got, err := s.Get(context.Background(), "missing")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil entry, got %+v", got)
	}
}

func TestSQLiteStore_PutReplacesExisting(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	now := time.UnixMilli(time.Now().UnixMilli())
	if err := s.Put(ctx, testEntry("k", now, time.Minute)); err != nil {
		t.Fatalf("first Put failed: %v", err)
	}
	second := testEntry("k", now.Add(time.Second), time.Hour)
	second.Artifact.ProblemTitle = "Three Sum"
	if err := s.Put(ctx, second); err != nil {
		t.Fatalf("second Put failed: %v", err)
	}

	got, err := s.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Artifact.ProblemTitle != "Three Sum" {
		t.Errorf("expected replaced payload, got %q", got.Artifact.ProblemTitle)
	}
	n, err := s.Count(ctx)
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 row, got %d", n)
	}
}

func TestSQLiteStore_DeleteExpired(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	base := time.UnixMilli(time.Now().UnixMilli())
	if err := s.Put(ctx, testEntry("old", base, time.Minute)); err != nil {
		t.Fatalf("Put old failed: %v", err)
	}
	if err := s.Put(ctx, testEntry("new", base, time.Hour)); err != nil {
		t.Fatalf("Put new failed: %v", err)
	}

	removed, err := s.DeleteExpired(ctx, base.Add(time.Minute))
	if err != nil {
		t.Fatalf("DeleteExpired failed: %v", err)
	}
	if removed != 1 {
		t.Errorf("expected 1 row removed, got %d", removed)
	}
	if got, _ := s.Get(ctx, "old"); got != nil {
		t.Error("expired row should be gone")
	}
	if got, _ := s.Get(ctx, "new"); got == nil {
		t.Error("fresh row should remain")
	}
}

func TestSQLiteStore_Ping(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}
}
