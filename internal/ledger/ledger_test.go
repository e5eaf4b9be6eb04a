package ledger

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func testLogger() *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1})
	return slog.New(handler)
}

func TestIncrementAndGet(t *testing.T) {
	s := Open(filepath.Join(t.TempDir(), "unread.db"), testLogger())
	defer s.Close()

	if got := s.Get("alice"); got != 0 {
		t.Fatalf("Get(alice) = %d, want 0", got)
	}
	for i := 1; i <= 5; i++ {
		if got := s.Increment("alice"); got != i {
			t.Fatalf("Increment #%d = %d, want %d", i, got, i)
		}
	}
	if got := s.Get("alice"); got != 5 {
		t.Fatalf("Get(alice) = %d, want 5", got)
	}
}

func TestClearIsIdempotent(t *testing.T) {
	s := Open(filepath.Join(t.TempDir(), "unread.db"), testLogger())
	defer s.Close()

	s.Increment("bob")
	s.Clear("bob")
	s.Clear("bob")
	s.Clear("never-seen")

	if got := s.Get("bob"); got != 0 {
		t.Fatalf("Get(bob) after clear = %d, want 0", got)
	}
	if got := s.Increment("bob"); got != 1 {
		t.Fatalf("Increment after clear = %d, want 1", got)
	}
}

func TestAllSnapshotsNonZeroCounts(t *testing.T) {
	s := Open(filepath.Join(t.TempDir(), "unread.db"), testLogger())
	defer s.Close()

	s.Increment("alice")
	s.Increment("alice")
	s.Increment("bob")
	s.Clear("bob")

	all := s.All()
	if len(all) != 1 || all["alice"] != 2 {
		t.Fatalf("All() = %v, want map[alice:2]", all)
	}

	// The snapshot is a copy; mutating it must not affect the store.
	all["alice"] = 99
	if got := s.Get("alice"); got != 2 {
		t.Fatalf("Get(alice) = %d after snapshot mutation, want 2", got)
	}
}

func TestCountsSurviveReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "unread.db")

	s := Open(path, testLogger())
	s.Increment("alice")
	s.Increment("alice")
	s.Increment("carol")
	s.Clear("carol")
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened := Open(path, testLogger())
	defer reopened.Close()
	if got := reopened.Get("alice"); got != 2 {
		t.Fatalf("Get(alice) after reopen = %d, want 2", got)
	}
	if got := reopened.Get("carol"); got != 0 {
		t.Fatalf("Get(carol) after reopen = %d, want 0", got)
	}
	if got := reopened.Increment("alice"); got != 3 {
		t.Fatalf("Increment after reopen = %d, want 3", got)
	}
}

func TestMemoryOnlyMode(t *testing.T) {
	s := Open("", testLogger())
	defer s.Close()

	if got := s.Increment("alice"); got != 1 {
		t.Fatalf("Increment = %d, want 1", got)
	}
	s.Clear("alice")
	if got := s.Get("alice"); got != 0 {
		t.Fatalf("Get = %d, want 0", got)
	}
}

func TestFailsSoftWhenStorageUnavailable(t *testing.T) {
	// Parent path is a regular file, so the ledger directory cannot be
	// created and the store must degrade instead of failing.
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	s := Open(filepath.Join(blocker, "nested", "unread.db"), testLogger())
	defer s.Close()

	if got := s.Increment("alice"); got != 1 {
		t.Fatalf("Increment in degraded mode = %d, want 1", got)
	}
	if got := s.Get("alice"); got != 1 {
		t.Fatalf("Get in degraded mode = %d, want 1", got)
	}
}
