// Package verify runs the post-deployment verification suite: a set of
// independent checks over containers, endpoints, disks, certificates,
// and the continuity artifacts themselves. Checks never mutate
// anything.
package verify

import (
	"context"

	"github.com/rs/zerolog"
)

// Level classifies a check outcome. The suite as a whole fails only on
// LevelFail; warnings are surfaced but do not change the exit status.
type Level string

const (
	LevelPass Level = "pass"
	LevelWarn Level = "warn"
	LevelFail Level = "fail"
)

// CheckResult is one check's verdict.
type CheckResult struct {
	Name   string
	Level  Level
	Detail string
}

// Check is a single verification.
type Check interface {
	Name() string
	Run(ctx context.Context) CheckResult
}

// Report aggregates a suite run.
type Report struct {
	Results []CheckResult
}

// Failed reports whether any check failed.
func (r Report) Failed() bool {
	for _, result := range r.Results {
		if result.Level == LevelFail {
			return true
		}
	}
	return false
}

// Counts returns the number of passes, warnings, and failures.
func (r Report) Counts() (passes, warns, fails int) {
	for _, result := range r.Results {
		switch result.Level {
		case LevelPass:
			passes++
		case LevelWarn:
			warns++
		case LevelFail:
			fails++
		}
	}
	return passes, warns, fails
}

// Suite runs checks in order and logs each verdict.
type Suite struct {
	checks []Check
	logger zerolog.Logger
}

// NewSuite wires a Suite.
func NewSuite(logger zerolog.Logger, checks ...Check) *Suite {
	return &Suite{checks: checks, logger: logger}
}

// Run executes every check, even after failures: the point of the suite
// is a complete picture, not a fast abort.
func (s *Suite) Run(ctx context.Context) Report {
	report := Report{Results: make([]CheckResult, 0, len(s.checks))}

	for _, check := range s.checks {
		result := check.Run(ctx)
		report.Results = append(report.Results, result)

		event := s.logger.Info()
		switch result.Level {
		case LevelWarn:
			event = s.logger.Warn()
		case LevelFail:
			event = s.logger.Error()
		}
		event.Str("check", result.Name).Str("level", string(result.Level)).
			Str("detail", result.Detail).Msg("verification check finished")
	}

	return report
}
