package backup

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// timestampLayout is embedded in every artifact filename. Restores and
// retention both parse it back out, so it must never change.
const timestampLayout = "20060102_150405"

const artifactSuffix = ".dump.gz"

// Record describes one finished logical backup artifact.
type Record struct {
	Database  string
	CreatedAt time.Time
	Path      string
	Size      int64
	ExpiresAt time.Time
}

// Filename returns the canonical artifact name for db at ts.
func Filename(db string, ts time.Time) string {
	return fmt.Sprintf("%s_%s%s", db, ts.Format(timestampLayout), artifactSuffix)
}

// parseFilename recovers database and timestamp from an artifact name.
// Database names may themselves contain underscores, so the timestamp is
// taken from the trailing two underscore-separated fields.
func parseFilename(name string) (db string, ts time.Time, ok bool) {
	if !strings.HasSuffix(name, artifactSuffix) {
		return "", time.Time{}, false
	}
	stem := strings.TrimSuffix(name, artifactSuffix)
	parts := strings.Split(stem, "_")
	if len(parts) < 3 {
		return "", time.Time{}, false
	}
	stamp := parts[len(parts)-2] + "_" + parts[len(parts)-1]
	parsed, err := time.ParseInLocation(timestampLayout, stamp, time.UTC)
	if err != nil {
		return "", time.Time{}, false
	}
	db = strings.Join(parts[:len(parts)-2], "_")
	if db == "" {
		return "", time.Time{}, false
	}
	return db, parsed, true
}

// List reads the backup directory into records, newest first. Files that
// do not match the artifact naming convention are ignored.
func List(dir string, retentionDays int) ([]Record, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read backup dir: %w", err)
	}

	var records []Record
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		db, ts, ok := parseFilename(entry.Name())
		if !ok {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		records = append(records, Record{
			Database:  db,
			CreatedAt: ts,
			Path:      filepath.Join(dir, entry.Name()),
			Size:      info.Size(),
			ExpiresAt: ts.AddDate(0, 0, retentionDays),
		})
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
	return records, nil
}
