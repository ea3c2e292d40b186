// Package wal manages continuous write-ahead log archiving. Archived
// segments are immutable: a segment is copied into the archive exactly
// once, and re-archiving the same segment is a success no-op because the
// engine retries archiving after restarts.
package wal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/oplift/continuity/internal/postgres"
)

// Segment is one archived WAL file.
type Segment struct {
	Name       string
	ArchivedAt time.Time
	Size       int64
}

// segmentNamePattern accepts WAL segment names plus the timeline history
// and backup label files the engine also hands to archive_command.
var segmentNamePattern = regexp.MustCompile(`^[0-9A-F]{24}(\.[0-9A-Fa-f]{8}\.backup)?$|^[0-9A-F]{8}\.history$`)

// Archiver owns the archive directory.
type Archiver struct {
	driver postgres.Driver
	dir    string
	logger zerolog.Logger
}

// NewArchiver returns an Archiver writing segments under dir.
func NewArchiver(driver postgres.Driver, dir string, logger zerolog.Logger) *Archiver {
	return &Archiver{driver: driver, dir: dir, logger: logger}
}

// Configure switches the engine into continuous-archiving mode with an
// archive_command that calls back into this binary. Enabling
// archive_mode takes effect at the next engine restart; everything else
// applies on reload.
func (a *Archiver) Configure(ctx context.Context, selfBinary string) error {
	if err := os.MkdirAll(a.dir, 0o755); err != nil {
		return fmt.Errorf("create archive dir: %w", err)
	}

	command := fmt.Sprintf(`%s archive copy "%%p" "%%f"`, selfBinary)
	if err := a.driver.ConfigureArchiving(ctx, command); err != nil {
		return err
	}

	a.logger.Info().Str("archive_command", command).Str("archive_dir", a.dir).
		Msg("continuous archiving configured; archive_mode applies at next engine restart")
	return nil
}

// CopySegment archives one completed segment. If the destination already
// exists with the same size the copy is skipped and reported as success.
// A size mismatch is an error: archived segments are never overwritten.
func (a *Archiver) CopySegment(sourcePath, name string) error {
	if !segmentNamePattern.MatchString(name) {
		return fmt.Errorf("invalid segment name %q", name)
	}
	if err := os.MkdirAll(a.dir, 0o755); err != nil {
		return fmt.Errorf("create archive dir: %w", err)
	}

	destPath := filepath.Join(a.dir, name)
	srcInfo, err := os.Stat(sourcePath)
	if err != nil {
		return fmt.Errorf("stat segment source: %w", err)
	}

	if destInfo, err := os.Stat(destPath); err == nil {
		if destInfo.Size() == srcInfo.Size() {
			a.logger.Debug().Str("segment", name).Msg("segment already archived")
			return nil
		}
		return fmt.Errorf("segment %s already archived with different size (%d != %d)",
			name, destInfo.Size(), srcInfo.Size())
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat archived segment: %w", err)
	}

	tempPath := destPath + ".partial"
	if err := copyFile(sourcePath, tempPath); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("copy segment %s: %w", name, err)
	}
	if err := os.Rename(tempPath, destPath); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("publish segment %s: %w", name, err)
	}

	a.logger.Debug().Str("segment", name).Int64("bytes", srcInfo.Size()).Msg("segment archived")
	return nil
}

// Segments lists the archive in segment-name order, which for WAL names
// is also log order.
func (a *Archiver) Segments() ([]Segment, error) {
	entries, err := os.ReadDir(a.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read archive dir: %w", err)
	}

	var segments []Segment
	for _, entry := range entries {
		if entry.IsDir() || !segmentNamePattern.MatchString(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		segments = append(segments, Segment{
			Name:       entry.Name(),
			ArchivedAt: info.ModTime().UTC(),
			Size:       info.Size(),
		})
	}

	sort.Slice(segments, func(i, j int) bool { return segments[i].Name < segments[j].Name })
	return segments, nil
}

// RestoreCommand is the restore_command installed during PITR so the
// engine reads segments back from this archive.
func (a *Archiver) RestoreCommand() string {
	return fmt.Sprintf(`cp "%s/%%f" "%%p"`, a.dir)
}

// Dir exposes the archive location for verification checks.
func (a *Archiver) Dir() string {
	return a.dir
}

func copyFile(srcPath, destPath string) error {
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

	if _, err := io.Copy(dest, src); err != nil {
		return err
	}
	return dest.Sync()
}
