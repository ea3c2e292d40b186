// Package lock provides the process-wide advisory lock that keeps
// backup, snapshot, and restore mutually exclusive for a database.
package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// ErrContention is returned when another continuity operation holds the
// lock for the whole acquisition window.
var ErrContention = errors.New("another continuity operation is in progress")

// ClusterScope serializes every operation that mutates the engine's data
// directory. Backup, snapshot, and restore all acquire it, so at most
// one of them runs at a time.
const ClusterScope = "cluster"

const pollInterval = 250 * time.Millisecond

// Manager creates leases under a shared lock directory.
type Manager struct {
	dir    string
	wait   time.Duration
	logger zerolog.Logger
}

// NewManager returns a Manager writing lock files under dir. wait bounds
// how long Acquire blocks before reporting contention.
func NewManager(dir string, wait time.Duration, logger zerolog.Logger) *Manager {
	return &Manager{dir: dir, wait: wait, logger: logger}
}

// Lease is a held advisory lock. Release is idempotent.
type Lease struct {
	path     string
	released bool
}

// Acquire takes the lock named by database, waiting up to the manager's
// budget. A lock file whose owning process no longer exists is treated
// as stale and taken over.
func (m *Manager) Acquire(ctx context.Context, database string) (*Lease, error) {
	if database == "" {
		return nil, errors.New("database name is required")
	}
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}

	path := filepath.Join(m.dir, database+".lock")
	deadline := time.Now().Add(m.wait)

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		acquired, err := tryCreate(path)
		if err != nil {
			return nil, err
		}
		if acquired {
			return &Lease{path: path}, nil
		}

		if owner, stale := staleOwner(path); stale {
			m.logger.Warn().Str("database", database).Int("owner_pid", owner).
				Msg("taking over stale lock")
			if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("remove stale lock: %w", err)
			}
			continue
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: %s held by pid in %s", ErrContention, database, path)
		}

		timer := time.NewTimer(pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// Release drops the lock. Safe to call more than once.
func (l *Lease) Release() error {
	if l == nil || l.released {
		return nil
	}
	l.released = true
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}

func tryCreate(path string) (bool, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return false, nil
		}
		return false, fmt.Errorf("create lock file: %w", err)
	}
	_, writeErr := fmt.Fprintf(file, "%d %s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
	closeErr := file.Close()
	if writeErr != nil || closeErr != nil {
		_ = os.Remove(path)
		return false, fmt.Errorf("write lock file: %w", errors.Join(writeErr, closeErr))
	}
	return true, nil
}

// staleOwner reports the recorded pid and whether that process is gone.
func staleOwner(path string) (int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		// Empty lock file from an interrupted writer; treat as stale.
		return 0, true
	}
	pid, err := strconv.Atoi(fields[0])
	if err != nil || pid <= 0 {
		return 0, true
	}
	if pid == os.Getpid() {
		return pid, false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return pid, true
	}
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		return pid, true
	}
	return pid, false
}
