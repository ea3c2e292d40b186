package lock

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testManager(t *testing.T, wait time.Duration) *Manager {
	t.Helper()
	return NewManager(t.TempDir(), wait, zerolog.Nop())
}

func TestAcquireRelease(t *testing.T) {
	m := testManager(t, time.Second)

	lease, err := m.Acquire(context.Background(), "appdb")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := os.Stat(filepath.Join(m.dir, "appdb.lock")); err != nil {
		t.Fatalf("lock file missing: %v", err)
	}

	if err := lease.Release(); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if err := lease.Release(); err != nil {
		t.Fatalf("second release should be a no-op: %v", err)
	}
	if _, err := os.Stat(filepath.Join(m.dir, "appdb.lock")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("lock file should be gone, stat err: %v", err)
	}
}

func TestContention(t *testing.T) {
	m := testManager(t, 100*time.Millisecond)

	lease, err := m.Acquire(context.Background(), "appdb")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer lease.Release()

	_, err = m.Acquire(context.Background(), "appdb")
	if !errors.Is(err, ErrContention) {
		t.Fatalf("expected ErrContention, got %v", err)
	}
}

func TestDifferentDatabasesDoNotContend(t *testing.T) {
	m := testManager(t, 100*time.Millisecond)

	a, err := m.Acquire(context.Background(), "appdb")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer a.Release()

	b, err := m.Acquire(context.Background(), "authdb")
	if err != nil {
		t.Fatalf("second database should not contend: %v", err)
	}
	defer b.Release()
}

func TestStaleLockTakeover(t *testing.T) {
	m := testManager(t, 2*time.Second)

	// Simulate a dead owner: a pid that cannot exist.
	path := filepath.Join(m.dir, "appdb.lock")
	if err := os.WriteFile(path, []byte("99999999 2025-01-01T00:00:00Z\n"), 0o644); err != nil {
		t.Fatalf("seed lock: %v", err)
	}

	lease, err := m.Acquire(context.Background(), "appdb")
	if err != nil {
		t.Fatalf("expected stale takeover, got %v", err)
	}
	defer lease.Release()
}

func TestAcquireHonorsContext(t *testing.T) {
	m := testManager(t, time.Minute)

	lease, err := m.Acquire(context.Background(), "appdb")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer lease.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = m.Acquire(ctx, "appdb")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context deadline, got %v", err)
	}
}
