// Package snapshot takes and catalogs physical base backups. Each
// snapshot is a directory named base_{timestamp} holding the engine's
// tar output plus a metadata file with the log sequence position
// observed at snapshot start. Snapshots are published atomically: a
// partially written snapshot is never visible to the restore engine.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/oplift/continuity/internal/lock"
	"github.com/oplift/continuity/internal/oplog"
	"github.com/oplift/continuity/internal/postgres"
)

// ErrSnapshotFailed is returned when the engine could not finalize the
// hot backup.
var ErrSnapshotFailed = errors.New("base snapshot failed")

const (
	dirPrefix       = "base_"
	timestampLayout = "20060102_150405"
	metadataFile    = "snapshot.json"
)

// Snapshot is one published base backup.
type Snapshot struct {
	ID      string    `json:"id"`
	TakenAt time.Time `json:"taken_at"`
	LSN     string    `json:"lsn"`
	Dir     string    `json:"-"`
	Size    int64     `json:"size_bytes"`
}

// Archive returns the path of the engine's base tarball inside the
// snapshot directory.
func (s Snapshot) Archive() string {
	return filepath.Join(s.Dir, "base.tar.gz")
}

// Taker produces snapshots under a root directory.
type Taker struct {
	driver postgres.Driver
	locks  *lock.Manager
	oplog  *oplog.Log
	logger zerolog.Logger

	root    string
	timeout time.Duration

	now func() time.Time
}

// NewTaker wires a Taker.
func NewTaker(
	driver postgres.Driver,
	locks *lock.Manager,
	opLog *oplog.Log,
	logger zerolog.Logger,
	root string,
	timeout time.Duration,
) *Taker {
	return &Taker{
		driver:  driver,
		locks:   locks,
		oplog:   opLog,
		logger:  logger,
		root:    root,
		timeout: timeout,
		now:     time.Now,
	}
}

// Take produces a consistent physical base backup while the engine keeps
// serving traffic, records the LSN observed at start, and publishes the
// snapshot directory atomically.
func (t *Taker) Take(ctx context.Context) (Snapshot, error) {
	lease, err := t.locks.Acquire(ctx, lock.ClusterScope)
	if err != nil {
		return Snapshot{}, err
	}
	defer lease.Release()

	if err := t.driver.Ping(ctx); err != nil {
		return Snapshot{}, fmt.Errorf("%w: engine unreachable: %v", ErrSnapshotFailed, err)
	}

	takenAt := t.now().UTC()
	id := dirPrefix + takenAt.Format(timestampLayout)
	finalDir := filepath.Join(t.root, id)
	stagingDir := filepath.Join(t.root, "."+id+".staging")

	if err := os.MkdirAll(t.root, 0o755); err != nil {
		return Snapshot{}, fmt.Errorf("create snapshot root: %w", err)
	}

	lsn, err := t.driver.CurrentLSN(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: %v", ErrSnapshotFailed, err)
	}

	t.logger.Info().Str("snapshot", id).Str("lsn", lsn).Msg("starting base snapshot")

	if err := t.driver.BaseBackup(ctx, stagingDir, t.timeout); err != nil {
		_ = os.RemoveAll(stagingDir)
		return Snapshot{}, fmt.Errorf("%w: %v", ErrSnapshotFailed, err)
	}

	snap := Snapshot{
		ID:      id,
		TakenAt: takenAt,
		LSN:     lsn,
		Dir:     finalDir,
		Size:    dirSize(stagingDir),
	}

	if err := writeMetadata(stagingDir, snap); err != nil {
		_ = os.RemoveAll(stagingDir)
		return Snapshot{}, fmt.Errorf("%w: %v", ErrSnapshotFailed, err)
	}

	if err := os.Rename(stagingDir, finalDir); err != nil {
		_ = os.RemoveAll(stagingDir)
		return Snapshot{}, fmt.Errorf("%w: publish snapshot: %v", ErrSnapshotFailed, err)
	}

	t.logger.Info().
		Str("snapshot", id).
		Str("lsn", lsn).
		Int64("bytes", snap.Size).
		Msg("base snapshot published")

	if err := t.oplog.Append(oplog.Entry{Op: "snapshot", Detail: id + " lsn=" + lsn}); err != nil {
		t.logger.Warn().Err(err).Msg("oplog append failed")
	}

	return snap, nil
}

// writeMetadata lands snapshot.json via an fsync'd temp file renamed
// into place so readers never observe a torn metadata file.
func writeMetadata(dir string, snap Snapshot) error {
	temp, err := os.CreateTemp(dir, ".snapshot-*.json")
	if err != nil {
		return err
	}
	cleanup := func() { _ = os.Remove(temp.Name()) }

	encoder := json.NewEncoder(temp)
	if err := encoder.Encode(snap); err != nil {
		_ = temp.Close()
		cleanup()
		return err
	}
	if err := temp.Sync(); err != nil {
		_ = temp.Close()
		cleanup()
		return err
	}
	if err := temp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(temp.Name(), filepath.Join(dir, metadataFile)); err != nil {
		cleanup()
		return err
	}
	return nil
}

// Catalog reads published snapshots.
type Catalog struct {
	root   string
	logger zerolog.Logger
}

// NewCatalog returns a Catalog over root.
func NewCatalog(root string, logger zerolog.Logger) *Catalog {
	return &Catalog{root: root, logger: logger}
}

// List returns published snapshots, newest first. Staging directories
// and anything without readable metadata are skipped with a warning.
func (c *Catalog) List() ([]Snapshot, error) {
	entries, err := os.ReadDir(c.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read snapshot root: %w", err)
	}

	var snapshots []Snapshot
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), dirPrefix) {
			continue
		}
		dir := filepath.Join(c.root, entry.Name())
		snap, err := readMetadata(dir)
		if err != nil {
			c.logger.Warn().Err(err).Str("snapshot", entry.Name()).Msg("skipping snapshot with unreadable metadata")
			continue
		}
		snap.Dir = dir
		snapshots = append(snapshots, snap)
	}

	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].TakenAt.After(snapshots[j].TakenAt)
	})
	return snapshots, nil
}

// Newest returns the most recent snapshot taken at or before target.
func (c *Catalog) Newest(target time.Time) (Snapshot, bool, error) {
	snapshots, err := c.List()
	if err != nil {
		return Snapshot{}, false, err
	}
	for _, snap := range snapshots {
		if !snap.TakenAt.After(target) {
			return snap, true, nil
		}
	}
	return Snapshot{}, false, nil
}

// Prune removes all but the newest keep snapshots. WAL retention is
// handled independently.
func (c *Catalog) Prune(keep int) ([]Snapshot, error) {
	if keep < 1 {
		return nil, fmt.Errorf("must keep at least one snapshot, got %d", keep)
	}
	snapshots, err := c.List()
	if err != nil {
		return nil, err
	}
	if len(snapshots) <= keep {
		return nil, nil
	}

	var pruned []Snapshot
	for _, snap := range snapshots[keep:] {
		if err := os.RemoveAll(snap.Dir); err != nil {
			c.logger.Warn().Err(err).Str("snapshot", snap.ID).Msg("prune failed")
			continue
		}
		c.logger.Info().Str("snapshot", snap.ID).Msg("snapshot pruned")
		pruned = append(pruned, snap)
	}
	return pruned, nil
}

func readMetadata(dir string) (Snapshot, error) {
	data, err := os.ReadFile(filepath.Join(dir, metadataFile))
	if err != nil {
		return Snapshot{}, err
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

func dirSize(dir string) int64 {
	var total int64
	_ = filepath.Walk(dir, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	return total
}
