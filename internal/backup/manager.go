// Package backup produces, ships, and expires logical database dumps.
package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"

	"github.com/oplift/continuity/internal/lock"
	"github.com/oplift/continuity/internal/oplog"
	"github.com/oplift/continuity/internal/postgres"
	"github.com/oplift/continuity/internal/storage"
)

// ErrUnavailable is returned when the engine cannot be reached; no
// partial artifact is left behind in that case.
var ErrUnavailable = errors.New("database engine unavailable")

// Manager owns the backup directory.
type Manager struct {
	driver postgres.Driver
	locks  *lock.Manager
	remote storage.RemoteStore // nil disables remote shipping
	oplog  *oplog.Log
	logger zerolog.Logger

	dir           string
	retentionDays int
	timeout       time.Duration

	now func() time.Time
}

// NewManager wires a Manager. remote may be nil.
func NewManager(
	driver postgres.Driver,
	locks *lock.Manager,
	remote storage.RemoteStore,
	opLog *oplog.Log,
	logger zerolog.Logger,
	dir string,
	retentionDays int,
	timeout time.Duration,
) *Manager {
	return &Manager{
		driver:        driver,
		locks:         locks,
		remote:        remote,
		oplog:         opLog,
		logger:        logger,
		dir:           dir,
		retentionDays: retentionDays,
		timeout:       timeout,
		now:           time.Now,
	}
}

// Create takes a full logical dump of database in custom format,
// compresses it, and publishes it atomically under the backup directory.
// Remote upload is best-effort and only logged on failure.
func (m *Manager) Create(ctx context.Context, database string) (Record, error) {
	lease, err := m.locks.Acquire(ctx, lock.ClusterScope)
	if err != nil {
		return Record{}, err
	}
	defer lease.Release()

	if err := m.driver.Ping(ctx); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return Record{}, fmt.Errorf("create backup dir: %w", err)
	}

	createdAt := m.now().UTC()
	filename := Filename(database, createdAt)
	finalPath := filepath.Join(m.dir, filename)
	rawPath := filepath.Join(m.dir, "."+filename+".raw")
	tempPath := filepath.Join(m.dir, "."+filename+".partial")

	m.logger.Info().Str("database", database).Str("artifact", filename).Msg("starting backup")

	if err := m.driver.Dump(ctx, database, rawPath, m.timeout); err != nil {
		_ = os.Remove(rawPath)
		return Record{}, fmt.Errorf("dump %s: %w", database, err)
	}
	defer os.Remove(rawPath)

	if err := compressFile(rawPath, tempPath); err != nil {
		_ = os.Remove(tempPath)
		return Record{}, fmt.Errorf("compress %s: %w", database, err)
	}

	if err := os.Rename(tempPath, finalPath); err != nil {
		_ = os.Remove(tempPath)
		return Record{}, fmt.Errorf("publish artifact: %w", err)
	}

	info, err := os.Stat(finalPath)
	if err != nil {
		return Record{}, fmt.Errorf("stat artifact: %w", err)
	}

	record := Record{
		Database:  database,
		CreatedAt: createdAt,
		Path:      finalPath,
		Size:      info.Size(),
		ExpiresAt: createdAt.AddDate(0, 0, m.retentionDays),
	}

	m.logger.Info().
		Str("database", database).
		Str("artifact", filename).
		Int64("bytes", record.Size).
		Msg("backup created")

	if m.remote != nil {
		if err := m.remote.Upload(ctx, finalPath, filename); err != nil {
			m.logger.Warn().Err(err).Str("artifact", filename).
				Msg("remote upload failed; local artifact remains authoritative")
		} else {
			m.logger.Info().Str("artifact", filename).Msg("artifact shipped to remote storage")
		}
	}

	if err := m.oplog.Append(oplog.Entry{Op: "backup", Database: database, Detail: filename}); err != nil {
		m.logger.Warn().Err(err).Msg("oplog append failed")
	}

	return record, nil
}

// EnforceRetention deletes artifacts older than maxAgeDays. The newest
// artifact of each database is always kept, even past the threshold, so
// a retention run racing a backup schedule can never leave a database
// with zero backups. Returns the deleted records.
func (m *Manager) EnforceRetention(maxAgeDays int) ([]Record, error) {
	records, err := List(m.dir, m.retentionDays)
	if err != nil {
		return nil, err
	}

	cutoff := m.now().UTC().AddDate(0, 0, -maxAgeDays)
	newestSeen := map[string]bool{}
	var deleted []Record

	// records are newest-first, so the first hit per database is its
	// newest artifact.
	for _, record := range records {
		if !newestSeen[record.Database] {
			newestSeen[record.Database] = true
			continue
		}
		if !record.CreatedAt.Before(cutoff) {
			continue
		}
		if err := os.Remove(record.Path); err != nil {
			m.logger.Warn().Err(err).Str("artifact", record.Path).Msg("retention delete failed")
			continue
		}
		m.logger.Info().
			Str("database", record.Database).
			Str("artifact", filepath.Base(record.Path)).
			Time("created_at", record.CreatedAt).
			Msg("expired backup deleted")
		deleted = append(deleted, record)
	}

	return deleted, nil
}

// ListRecords exposes the catalog for the CLI and the verify suite.
func (m *Manager) ListRecords() ([]Record, error) {
	return List(m.dir, m.retentionDays)
}

func compressFile(srcPath, destPath string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer src.Close()

	dest, err := os.Create(destPath)
	if err != nil {
		return err
	}
	defer dest.Close()

	writer, err := gzip.NewWriterLevel(dest, gzip.BestCompression)
	if err != nil {
		return err
	}
	if _, err := io.Copy(writer, src); err != nil {
		_ = writer.Close()
		return err
	}
	if err := writer.Close(); err != nil {
		return err
	}
	return dest.Sync()
}
