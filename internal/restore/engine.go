// Package restore implements point-in-time recovery: it combines the
// newest eligible base snapshot with archived WAL replay to bring the
// database back to its exact state as of a target timestamp.
package restore

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"

	"github.com/oplift/continuity/internal/lock"
	"github.com/oplift/continuity/internal/oplog"
	"github.com/oplift/continuity/internal/postgres"
	"github.com/oplift/continuity/internal/runtime"
	"github.com/oplift/continuity/internal/snapshot"
	"github.com/oplift/continuity/internal/wal"
)

var (
	// ErrNoEligibleSnapshot means no base snapshot exists at or before
	// the requested target time.
	ErrNoEligibleSnapshot = errors.New("no base snapshot at or before target")
	// ErrReplayTimeout means WAL replay did not finish inside the
	// replay deadline. The data directory is in an unknown state and
	// the safety copy is the recovery path.
	ErrReplayTimeout = errors.New("recovery did not complete in time")
)

// Action selects what the engine does once replay reaches the target.
type Action string

const (
	// ActionPromote promotes to a normal read/write instance.
	ActionPromote Action = "promote"
	// ActionPause halts replay at the target for manual inspection.
	ActionPause Action = "pause"
)

// Target is one restore invocation's goal.
type Target struct {
	Time   time.Time
	Action Action
}

// Report describes how far a restore got.
type Report struct {
	Phase      Phase
	Snapshot   snapshot.Snapshot
	SafetyCopy string
	Elapsed    time.Duration
}

const (
	stopTimeout       = 30 * time.Second
	readyPollInterval = 2 * time.Second
)

// Engine orchestrates the restore. It owns no data of its own; it
// coordinates the snapshot catalog, the WAL archive, the database
// tooling, and the container runtime.
type Engine struct {
	catalog  *snapshot.Catalog
	archiver *wal.Archiver
	driver   postgres.Driver
	docker   runtime.Client
	locks    *lock.Manager
	oplog    *oplog.Log
	logger   zerolog.Logger

	dataDir         string
	safetyDir       string
	engineContainer string
	dependents      []string
	replayTimeout   time.Duration

	now func() time.Time
}

// NewEngine wires an Engine.
func NewEngine(
	catalog *snapshot.Catalog,
	archiver *wal.Archiver,
	driver postgres.Driver,
	docker runtime.Client,
	locks *lock.Manager,
	opLog *oplog.Log,
	logger zerolog.Logger,
	dataDir, safetyDir, engineContainer string,
	dependents []string,
	replayTimeout time.Duration,
) *Engine {
	return &Engine{
		catalog:         catalog,
		archiver:        archiver,
		driver:          driver,
		docker:          docker,
		locks:           locks,
		oplog:           opLog,
		logger:          logger,
		dataDir:         dataDir,
		safetyDir:       safetyDir,
		engineContainer: engineContainer,
		dependents:      dependents,
		replayTimeout:   replayTimeout,
		now:             time.Now,
	}
}

// RestoreToTimestamp rebuilds the data directory from the newest base
// snapshot at or before target.Time and replays archived WAL up to the
// target. Transactions committed after the target do not survive.
// Cancellation is honored only before services are stopped; from that
// point the operation runs to a terminal phase.
func (e *Engine) RestoreToTimestamp(ctx context.Context, target Target) (Report, error) {
	start := e.now()
	m := newMachine()
	report := Report{Phase: m.current()}

	fail := func(err error) (Report, error) {
		_ = m.advance(PhaseFailed)
		report.Phase = m.current()
		report.Elapsed = e.now().Sub(start)
		if report.SafetyCopy != "" {
			e.logger.Error().Err(err).Str("safety_copy", report.SafetyCopy).
				Str("phase", string(report.Phase)).
				Msg("restore failed; safety copy preserved for manual intervention")
		} else {
			e.logger.Error().Err(err).Str("phase", string(report.Phase)).Msg("restore failed")
		}
		return report, err
	}

	if target.Action == "" {
		target.Action = ActionPromote
	}

	lease, err := e.locks.Acquire(ctx, lock.ClusterScope)
	if err != nil {
		return fail(err)
	}
	defer lease.Release()

	// 1. Pick the recovery base.
	snap, ok, err := e.catalog.Newest(target.Time)
	if err != nil {
		return fail(err)
	}
	if !ok {
		return fail(fmt.Errorf("%w: target %s", ErrNoEligibleSnapshot, target.Time.Format(time.RFC3339)))
	}
	if err := m.advance(PhaseSnapshotSelected); err != nil {
		return fail(err)
	}
	report.Snapshot = snap
	e.logger.Info().
		Str("snapshot", snap.ID).
		Str("lsn", snap.LSN).
		Time("target", target.Time).
		Msg("snapshot selected")

	// 2. Safety copy before anything destructive. Hard requirement: the
	// remaining steps are irreversible.
	safetyCopy := filepath.Join(e.safetyDir, "pre_restore_"+start.UTC().Format("20060102_150405"))
	if err := copyTree(e.dataDir, safetyCopy); err != nil {
		return fail(fmt.Errorf("safety copy: %w", err))
	}
	report.SafetyCopy = safetyCopy
	e.logger.Info().Str("safety_copy", safetyCopy).Msg("safety copy of data directory taken")

	// Last cancellation point: beyond here we run to a terminal phase.
	// An interrupt mid-replay must not abort the container and replay
	// steps with the data directory half-rebuilt.
	if err := ctx.Err(); err != nil {
		return fail(err)
	}
	ctx = context.WithoutCancel(ctx)

	// 3. Stop dependents before the engine so they do not thrash on
	// dropped connections during the replacement.
	for _, name := range e.dependents {
		if err := e.docker.Stop(ctx, name, stopTimeout); err != nil {
			return fail(fmt.Errorf("stop dependent %s: %w", name, err))
		}
	}
	if err := e.docker.Stop(ctx, e.engineContainer, stopTimeout); err != nil {
		return fail(fmt.Errorf("stop engine: %w", err))
	}
	if err := m.advance(PhaseExtracting); err != nil {
		return fail(err)
	}

	// 4. Replace the data directory with the snapshot contents and
	// install the recovery directives.
	if err := e.rebuildDataDir(snap, target); err != nil {
		return fail(err)
	}
	if err := m.advance(PhaseReplaying); err != nil {
		return fail(err)
	}

	// 5. Start the engine and wait out WAL replay. Replay time scales
	// with the number of segments since the snapshot; slow is expected,
	// exceeding the deadline is not.
	if err := e.docker.Start(ctx, e.engineContainer); err != nil {
		return fail(fmt.Errorf("start engine: %w", err))
	}
	if err := e.driver.WaitReady(ctx, e.replayTimeout, readyPollInterval); err != nil {
		return fail(fmt.Errorf("%w: %v (safety copy at %s)", ErrReplayTimeout, err, safetyCopy))
	}
	if err := m.advance(PhasePromoted); err != nil {
		return fail(err)
	}

	// 6. Bring dependents back.
	for _, name := range e.dependents {
		if err := e.docker.Start(ctx, name); err != nil {
			e.logger.Warn().Err(err).Str("service", name).Msg("dependent did not restart cleanly")
		}
	}

	report.Phase = m.current()
	report.Elapsed = e.now().Sub(start)

	detail := fmt.Sprintf("target=%s snapshot=%s safety_copy=%s",
		target.Time.UTC().Format(time.RFC3339), snap.ID, safetyCopy)
	if err := e.oplog.Append(oplog.Entry{Op: "restore", Detail: detail}); err != nil {
		e.logger.Warn().Err(err).Msg("oplog append failed")
	}

	e.logger.Info().
		Str("snapshot", snap.ID).
		Time("target", target.Time).
		Dur("elapsed", report.Elapsed).
		Msg("restore promoted")
	return report, nil
}

// rebuildDataDir wipes the data directory, unpacks the base snapshot,
// and writes the recovery configuration for the requested target.
func (e *Engine) rebuildDataDir(snap snapshot.Snapshot, target Target) error {
	if err := os.RemoveAll(e.dataDir); err != nil {
		return fmt.Errorf("clear data dir: %w", err)
	}
	if err := os.MkdirAll(e.dataDir, 0o700); err != nil {
		return fmt.Errorf("recreate data dir: %w", err)
	}

	if err := extractTarGz(snap.Archive(), e.dataDir); err != nil {
		return fmt.Errorf("extract base snapshot: %w", err)
	}
	// pg_basebackup in tar mode ships WAL in a sibling tarball.
	walArchive := filepath.Join(snap.Dir, "pg_wal.tar.gz")
	if _, err := os.Stat(walArchive); err == nil {
		if err := extractTarGz(walArchive, filepath.Join(e.dataDir, "pg_wal")); err != nil {
			return fmt.Errorf("extract wal tarball: %w", err)
		}
	}

	directives := fmt.Sprintf(
		"# continuity point-in-time recovery\n"+
			"restore_command = %s\n"+
			"recovery_target_time = '%s'\n"+
			"recovery_target_action = '%s'\n",
		quoteConf(e.archiver.RestoreCommand()),
		target.Time.UTC().Format("2006-01-02 15:04:05.999999+00"),
		target.Action,
	)
	autoConf := filepath.Join(e.dataDir, "postgresql.auto.conf")
	file, err := os.OpenFile(autoConf, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open recovery config: %w", err)
	}
	if _, err := file.WriteString(directives); err != nil {
		file.Close()
		return fmt.Errorf("write recovery config: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("close recovery config: %w", err)
	}

	if err := os.WriteFile(filepath.Join(e.dataDir, "recovery.signal"), nil, 0o600); err != nil {
		return fmt.Errorf("write recovery signal: %w", err)
	}
	return nil
}

func quoteConf(value string) string {
	return "'" + strings.ReplaceAll(value, "'", "''") + "'"
}

// copyTree recursively copies src to dest, preserving modes. Plain file
// copy keeps the safety-copy guarantee portable; storage-level
// copy-on-write would be faster but is not assumed.
func copyTree(src, dest string) error {
	return filepath.WalkDir(src, func(path string, entry os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		targetPath := filepath.Join(dest, rel)

		info, err := entry.Info()
		if err != nil {
			return err
		}
		switch {
		case entry.IsDir():
			return os.MkdirAll(targetPath, info.Mode().Perm())
		case info.Mode()&os.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, targetPath)
		default:
			return copyFile(path, targetPath, info.Mode().Perm())
		}
	})
}

func copyFile(srcPath, destPath string, perm os.FileMode) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer src.Close()

	dest, err := os.OpenFile(destPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		return err
	}
	defer dest.Close()

	if _, err := io.Copy(dest, src); err != nil {
		return err
	}
	return dest.Sync()
}

func extractTarGz(archivePath, destDir string) error {
	file, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer file.Close()

	gzReader, err := gzip.NewReader(file)
	if err != nil {
		return err
	}
	defer gzReader.Close()

	tarReader := tar.NewReader(gzReader)
	for {
		header, err := tarReader.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		name := filepath.Clean(header.Name)
		if name == "." || strings.HasPrefix(name, ".."+string(os.PathSeparator)) || filepath.IsAbs(name) {
			continue
		}
		targetPath := filepath.Join(destDir, name)

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(targetPath, os.FileMode(header.Mode).Perm()); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
				return err
			}
			if err := os.Symlink(header.Linkname, targetPath); err != nil && !errors.Is(err, os.ErrExist) {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
				return err
			}
			out, err := os.OpenFile(targetPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(header.Mode).Perm())
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, tarReader); err != nil {
				out.Close()
				return err
			}
			if err := out.Close(); err != nil {
				return err
			}
		}
	}
}
