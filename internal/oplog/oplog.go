// Package oplog keeps the append-only record of completed continuity
// operations. Every successful destructive operation writes here.
package oplog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Entry is one completed operation.
type Entry struct {
	Op       string    `json:"op"`
	Database string    `json:"database,omitempty"`
	Detail   string    `json:"detail,omitempty"`
	At       time.Time `json:"at"`
}

// Log appends entries to a JSONL file.
type Log struct {
	path string
}

// New returns a Log writing to path.
func New(path string) *Log {
	return &Log{path: path}
}

// Append records a completed operation. The timestamp is set here if
// the caller left it zero.
func (l *Log) Append(entry Entry) error {
	if entry.At.IsZero() {
		entry.At = time.Now().UTC()
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("create oplog dir: %w", err)
	}

	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open oplog: %w", err)
	}
	defer file.Close()

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode oplog entry: %w", err)
	}
	if _, err := file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append oplog entry: %w", err)
	}
	return file.Sync()
}

// Entries reads the whole log. Unparseable lines are skipped so a torn
// final line never hides the rest of the history.
func (l *Log) Entries() ([]Entry, error) {
	file, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open oplog: %w", err)
	}
	defer file.Close()

	var entries []Entry
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var entry Entry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read oplog: %w", err)
	}
	return entries, nil
}

// Latest returns the newest entry with the given op, or false.
func (l *Log) Latest(op string) (Entry, bool, error) {
	entries, err := l.Entries()
	if err != nil {
		return Entry{}, false, err
	}
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Op == op {
			return entries[i], true, nil
		}
	}
	return Entry{}, false, nil
}
