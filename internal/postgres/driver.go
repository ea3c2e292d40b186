// Package postgres drives the PostgreSQL client tooling. Orchestration
// code consumes the Driver interface so it can be exercised against a
// fake without a live engine.
package postgres

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/oplift/continuity/internal/config"
	"github.com/oplift/continuity/internal/proc"
)

// Driver is the narrow surface of engine operations the continuity core
// needs. Implementations must block until the underlying tool exits.
type Driver interface {
	// Ping verifies the engine is reachable and accepting connections.
	Ping(ctx context.Context) error
	// Dump writes a custom-format logical dump of database to outPath.
	Dump(ctx context.Context, database, outPath string, timeout time.Duration) error
	// CurrentLSN returns the engine's current write-ahead log position.
	CurrentLSN(ctx context.Context) (string, error)
	// BaseBackup produces a consistent hot physical backup under destDir
	// (base.tar.gz plus pg_wal.tar.gz) while the engine serves traffic.
	BaseBackup(ctx context.Context, destDir string, timeout time.Duration) error
	// ConfigureArchiving switches the engine to continuous archiving
	// with the given archive_command and reloads the configuration.
	ConfigureArchiving(ctx context.Context, archiveCommand string) error
	// WaitReady polls until the engine accepts connections or the
	// timeout elapses. Long waits are expected during WAL replay.
	WaitReady(ctx context.Context, timeout, interval time.Duration) error
}

// ToolDriver shells out to psql, pg_dump, pg_basebackup and pg_isready.
type ToolDriver struct {
	db     config.DB
	runner proc.Runner
}

// NewToolDriver builds a ToolDriver on top of the given process runner.
func NewToolDriver(db config.DB, runner proc.Runner) *ToolDriver {
	return &ToolDriver{db: db, runner: runner}
}

func (d *ToolDriver) connArgs() []string {
	return []string{
		"--host=" + d.db.Host,
		"--port=" + strconv.Itoa(d.db.Port),
		"--username=" + d.db.User,
	}
}

func (d *ToolDriver) env() []string {
	if d.db.Password == "" {
		return nil
	}
	return []string{"PGPASSWORD=" + d.db.Password}
}

func (d *ToolDriver) Ping(ctx context.Context) error {
	args := append(d.connArgs(), "--dbname=postgres", "--no-psqlrc", "--tuples-only", "--command=SELECT 1")
	_, err := d.runner.Run(ctx, proc.Command{
		Name:    "psql",
		Args:    args,
		Env:     d.env(),
		Timeout: 10 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("engine unreachable: %w", err)
	}
	return nil
}

func (d *ToolDriver) Dump(ctx context.Context, database, outPath string, timeout time.Duration) error {
	args := append(d.connArgs(),
		"--format=custom",
		"--file="+outPath,
		database,
	)
	_, err := d.runner.Run(ctx, proc.Command{
		Name:    "pg_dump",
		Args:    args,
		Env:     d.env(),
		Timeout: timeout,
	})
	if err != nil {
		return fmt.Errorf("pg_dump %s: %w", database, err)
	}
	return nil
}

func (d *ToolDriver) CurrentLSN(ctx context.Context) (string, error) {
	args := append(d.connArgs(),
		"--dbname=postgres",
		"--no-psqlrc",
		"--tuples-only",
		"--no-align",
		"--command=SELECT pg_current_wal_lsn()",
	)
	result, err := d.runner.Run(ctx, proc.Command{
		Name:    "psql",
		Args:    args,
		Env:     d.env(),
		Timeout: 10 * time.Second,
	})
	if err != nil {
		return "", fmt.Errorf("read current lsn: %w", err)
	}
	lsn := strings.TrimSpace(string(result.Output))
	if lsn == "" {
		return "", fmt.Errorf("engine returned empty lsn")
	}
	return lsn, nil
}

func (d *ToolDriver) BaseBackup(ctx context.Context, destDir string, timeout time.Duration) error {
	args := append(d.connArgs(),
		"--pgdata="+destDir,
		"--format=tar",
		"--gzip",
		"--wal-method=stream",
		"--checkpoint=fast",
		"--progress",
	)
	_, err := d.runner.Run(ctx, proc.Command{
		Name:    "pg_basebackup",
		Args:    args,
		Env:     d.env(),
		Timeout: timeout,
	})
	if err != nil {
		return fmt.Errorf("pg_basebackup: %w", err)
	}
	return nil
}

func (d *ToolDriver) ConfigureArchiving(ctx context.Context, archiveCommand string) error {
	statements := []string{
		"ALTER SYSTEM SET wal_level = 'replica'",
		"ALTER SYSTEM SET archive_mode = 'on'",
		fmt.Sprintf("ALTER SYSTEM SET archive_command = %s", quoteLiteral(archiveCommand)),
		"SELECT pg_reload_conf()",
	}
	for _, stmt := range statements {
		args := append(d.connArgs(), "--dbname=postgres", "--no-psqlrc", "--command="+stmt)
		if _, err := d.runner.Run(ctx, proc.Command{
			Name:    "psql",
			Args:    args,
			Env:     d.env(),
			Timeout: 10 * time.Second,
		}); err != nil {
			return fmt.Errorf("configure archiving (%s): %w", stmt, err)
		}
	}
	return nil
}

func (d *ToolDriver) WaitReady(ctx context.Context, timeout, interval time.Duration) error {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, err := d.runner.Run(ctx, proc.Command{
			Name:    "pg_isready",
			Args:    d.connArgs(),
			Timeout: 5 * time.Second,
		})
		if err == nil {
			return nil
		}
		lastErr = err

		if time.Now().Add(interval).After(deadline) {
			return fmt.Errorf("engine not ready after %s: %w", timeout, lastErr)
		}
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func quoteLiteral(value string) string {
	return "'" + strings.ReplaceAll(value, "'", "''") + "'"
}
