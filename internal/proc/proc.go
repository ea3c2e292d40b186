// Package proc runs the external database tooling (pg_dump, psql,
// pg_basebackup) that every continuity operation is built on. All
// invocations block until the process exits or the timeout fires;
// nothing in this core is fire-and-forget.
package proc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

const outputExcerptLimit = 2048

// Command describes a single external process invocation.
type Command struct {
	Name    string
	Args    []string
	Env     []string // appended to the parent environment
	Dir     string
	Timeout time.Duration // zero means inherit the context deadline only
}

// Result captures the observable outcome of a finished process.
type Result struct {
	Output   []byte // combined stdout and stderr
	Duration time.Duration
}

// Runner abstracts process execution so orchestration logic can be
// tested without the database tooling installed.
type Runner interface {
	Run(ctx context.Context, cmd Command) (Result, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// Run executes the command, capturing combined output. A non-zero exit
// or a fired timeout is returned as a *Error carrying the tail of the
// process output.
func (ExecRunner) Run(ctx context.Context, cmd Command) (Result, error) {
	if cmd.Name == "" {
		return Result{}, errors.New("command name is empty")
	}

	runCtx := ctx
	if cmd.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, cmd.Timeout)
		defer cancel()
	}

	start := time.Now()
	execCmd := exec.CommandContext(runCtx, cmd.Name, cmd.Args...)
	execCmd.Dir = cmd.Dir
	if len(cmd.Env) > 0 {
		execCmd.Env = append(os.Environ(), cmd.Env...)
	}

	output, err := execCmd.CombinedOutput()
	result := Result{Output: output, Duration: time.Since(start)}
	if err != nil {
		if runCtx.Err() != nil {
			err = runCtx.Err()
		}
		return result, &Error{Name: cmd.Name, Output: excerpt(output), Err: err}
	}
	return result, nil
}

// Error describes a failed process invocation.
type Error struct {
	Name   string
	Output string
	Err    error
}

func (e *Error) Error() string {
	if e.Output == "" {
		return fmt.Sprintf("%s: %v", e.Name, e.Err)
	}
	return fmt.Sprintf("%s: %v: %s", e.Name, e.Err, e.Output)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func excerpt(output []byte) string {
	text := strings.TrimSpace(string(output))
	if len(text) > outputExcerptLimit {
		text = "..." + text[len(text)-outputExcerptLimit:]
	}
	return text
}
