package backup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/oplift/continuity/internal/lock"
	"github.com/oplift/continuity/internal/oplog"
)

type fakeDriver struct {
	pingErr error
	dumpErr error
	dumped  []string
}

func (f *fakeDriver) Ping(context.Context) error { return f.pingErr }

func (f *fakeDriver) Dump(_ context.Context, database, outPath string, _ time.Duration) error {
	if f.dumpErr != nil {
		return f.dumpErr
	}
	f.dumped = append(f.dumped, database)
	return os.WriteFile(outPath, []byte("PGDMP fake contents for "+database), 0o644)
}

func (f *fakeDriver) CurrentLSN(context.Context) (string, error) { return "0/0", nil }

func (f *fakeDriver) BaseBackup(context.Context, string, time.Duration) error { return nil }

func (f *fakeDriver) ConfigureArchiving(context.Context, string) error { return nil }

func (f *fakeDriver) WaitReady(context.Context, time.Duration, time.Duration) error { return nil }

type fakeRemote struct {
	uploads []string
	err     error
}

func (f *fakeRemote) Upload(_ context.Context, _ string, remoteName string) error {
	if f.err != nil {
		return f.err
	}
	f.uploads = append(f.uploads, remoteName)
	return nil
}

func testManager(t *testing.T, driver *fakeDriver, remote *fakeRemote) (*Manager, string) {
	t.Helper()
	dir := t.TempDir()
	locks := lock.NewManager(filepath.Join(dir, "locks"), 100*time.Millisecond, zerolog.Nop())
	opLog := oplog.New(filepath.Join(dir, "operations.log"))
	m := NewManager(driver, locks, nil, opLog, zerolog.Nop(), filepath.Join(dir, "dumps"), 30, time.Minute)
	if remote != nil {
		m.remote = remote
	}
	return m, dir
}

func TestCreatePublishesArtifact(t *testing.T) {
	driver := &fakeDriver{}
	m, dir := testManager(t, driver, nil)
	m.now = func() time.Time { return time.Date(2025, 11, 10, 10, 0, 0, 0, time.UTC) }

	record, err := m.Create(context.Background(), "appdb")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if filepath.Base(record.Path) != "appdb_20251110_100000.dump.gz" {
		t.Fatalf("unexpected artifact name: %s", record.Path)
	}
	if record.Size <= 0 {
		t.Fatalf("expected positive size, got %d", record.Size)
	}
	if !record.ExpiresAt.Equal(record.CreatedAt.AddDate(0, 0, 30)) {
		t.Fatalf("unexpected expiry: %s", record.ExpiresAt)
	}

	// No temp leftovers.
	entries, _ := os.ReadDir(filepath.Dir(record.Path))
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), ".") {
			t.Fatalf("temp file left behind: %s", entry.Name())
		}
	}

	opLog := oplog.New(filepath.Join(dir, "operations.log"))
	entry, ok, err := opLog.Latest("backup")
	if err != nil || !ok {
		t.Fatalf("expected oplog entry, ok=%v err=%v", ok, err)
	}
	if entry.Database != "appdb" {
		t.Fatalf("unexpected oplog entry: %+v", entry)
	}
}

func TestCreateUnreachableEngine(t *testing.T) {
	driver := &fakeDriver{pingErr: errors.New("connection refused")}
	m, _ := testManager(t, driver, nil)

	_, err := m.Create(context.Background(), "appdb")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}

	entries, _ := os.ReadDir(m.dir)
	if len(entries) != 0 {
		t.Fatalf("expected empty backup dir, got %d entries", len(entries))
	}
}

func TestCreateDumpFailureLeavesNoPartial(t *testing.T) {
	driver := &fakeDriver{dumpErr: errors.New("disk full")}
	m, _ := testManager(t, driver, nil)

	if _, err := m.Create(context.Background(), "appdb"); err == nil {
		t.Fatal("expected dump error")
	}
	entries, _ := os.ReadDir(m.dir)
	if len(entries) != 0 {
		t.Fatalf("expected empty backup dir, got %d entries", len(entries))
	}
}

func TestCreateLockContention(t *testing.T) {
	driver := &fakeDriver{}
	m, _ := testManager(t, driver, nil)

	lease, err := m.locks.Acquire(context.Background(), lock.ClusterScope)
	if err != nil {
		t.Fatalf("seed lock: %v", err)
	}
	defer lease.Release()

	_, err = m.Create(context.Background(), "appdb")
	if !errors.Is(err, lock.ErrContention) {
		t.Fatalf("expected lock contention, got %v", err)
	}
}

func TestCreateRemoteFailureIsBestEffort(t *testing.T) {
	driver := &fakeDriver{}
	remote := &fakeRemote{err: errors.New("bucket gone")}
	m, _ := testManager(t, driver, remote)

	record, err := m.Create(context.Background(), "appdb")
	if err != nil {
		t.Fatalf("remote failure must not fail the backup: %v", err)
	}
	if _, statErr := os.Stat(record.Path); statErr != nil {
		t.Fatalf("local artifact missing: %v", statErr)
	}
}

func TestCreateUploadsToRemote(t *testing.T) {
	driver := &fakeDriver{}
	remote := &fakeRemote{}
	m, _ := testManager(t, driver, remote)

	record, err := m.Create(context.Background(), "appdb")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(remote.uploads) != 1 || remote.uploads[0] != filepath.Base(record.Path) {
		t.Fatalf("unexpected uploads: %v", remote.uploads)
	}
}

func seedArtifact(t *testing.T, dir, db string, ts time.Time) {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, Filename(db, ts))
	if err := os.WriteFile(path, []byte("artifact"), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestEnforceRetentionKeepsWindowPlusNewest(t *testing.T) {
	driver := &fakeDriver{}
	m, _ := testManager(t, driver, nil)
	now := time.Date(2025, 11, 10, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	// 45 daily artifacts spanning 45 days.
	for age := 0; age < 45; age++ {
		seedArtifact(t, m.dir, "appdb", now.AddDate(0, 0, -age))
	}

	deleted, err := m.EnforceRetention(30)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(deleted) != 15 {
		t.Fatalf("expected 15 deletions, got %d", len(deleted))
	}

	remaining, err := m.ListRecords()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(remaining) != 30 {
		t.Fatalf("expected 30 artifacts left, got %d", len(remaining))
	}
}

func TestEnforceRetentionNeverDeletesNewest(t *testing.T) {
	driver := &fakeDriver{}
	m, _ := testManager(t, driver, nil)
	now := time.Date(2025, 11, 10, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	// Single artifact far past the window.
	seedArtifact(t, m.dir, "appdb", now.AddDate(0, 0, -90))

	deleted, err := m.EnforceRetention(30)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(deleted) != 0 {
		t.Fatalf("newest artifact must survive retention, deleted %d", len(deleted))
	}
}

func TestEnforceRetentionPerDatabase(t *testing.T) {
	driver := &fakeDriver{}
	m, _ := testManager(t, driver, nil)
	now := time.Date(2025, 11, 10, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	seedArtifact(t, m.dir, "appdb", now.AddDate(0, 0, -90))
	seedArtifact(t, m.dir, "authdb", now.AddDate(0, 0, -90))
	seedArtifact(t, m.dir, "authdb", now.AddDate(0, 0, -91))

	deleted, err := m.EnforceRetention(30)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(deleted) != 1 || deleted[0].Database != "authdb" {
		t.Fatalf("expected only authdb's older artifact deleted, got %+v", deleted)
	}
}

func TestParseFilenameRoundTrip(t *testing.T) {
	ts := time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC)
	for _, db := range []string{"appdb", "voice_notes", "a_b_c"} {
		name := Filename(db, ts)
		gotDB, gotTS, ok := parseFilename(name)
		if !ok {
			t.Fatalf("parse failed for %s", name)
		}
		if gotDB != db || !gotTS.Equal(ts) {
			t.Fatalf("round trip mismatch: %s -> %s %s", name, gotDB, gotTS)
		}
	}

	for _, bad := range []string{"appdb.sql", "appdb_20250101.dump.gz", fmt.Sprintf("_%s.dump.gz", ts.Format("20060102_150405"))} {
		if _, _, ok := parseFilename(bad); ok {
			t.Fatalf("expected parse failure for %q", bad)
		}
	}
}
