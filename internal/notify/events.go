package notify

import (
	"fmt"
	"time"

	"github.com/oplift/continuity/internal/restore"
	"github.com/oplift/continuity/internal/rollout"
)

// RolloutEvent summarizes a finished rollout, one line per service.
func RolloutEvent(summary rollout.Summary) Event {
	updated := 0
	lines := make([]string, 0, len(summary.Results))
	for _, result := range summary.Results {
		if result.Outcome == rollout.OutcomeUpdated {
			updated++
			if result.Err != nil {
				lines = append(lines, fmt.Sprintf("• *%s* updated to `%s`, needs follow-up: %v",
					result.Service, result.Image, result.Err))
				continue
			}
			lines = append(lines, fmt.Sprintf("• *%s* updated to `%s` (%s)",
				result.Service, result.Image, result.Elapsed.Round(time.Second)))
			continue
		}
		lines = append(lines, fmt.Sprintf("• *%s* rolled back: %v", result.Service, result.Err))
	}

	title := fmt.Sprintf("Rollout complete: %d/%d services updated", updated, len(summary.Results))
	if summary.Failed() {
		title = fmt.Sprintf("Rollout degraded: %d/%d services updated", updated, len(summary.Results))
	}
	return Event{Title: title, Lines: lines, Failed: summary.Failed()}
}

// RestoreEvent summarizes a point-in-time restore attempt.
func RestoreEvent(target time.Time, report restore.Report, err error) Event {
	lines := []string{
		fmt.Sprintf("• Target: `%s`", target.UTC().Format(time.RFC3339)),
	}
	if report.Snapshot.ID != "" {
		lines = append(lines, fmt.Sprintf("• Base snapshot: `%s` (LSN %s)", report.Snapshot.ID, report.Snapshot.LSN))
	}
	if report.SafetyCopy != "" {
		lines = append(lines, fmt.Sprintf("• Safety copy: `%s`", report.SafetyCopy))
	}
	lines = append(lines, fmt.Sprintf("• Elapsed: %s", report.Elapsed.Round(time.Second)))

	if err != nil {
		lines = append(lines, fmt.Sprintf("• Error: %v", err))
		return Event{
			Title:  fmt.Sprintf("Restore FAILED in phase %s", report.Phase),
			Lines:  lines,
			Failed: true,
		}
	}
	return Event{Title: "Restore promoted", Lines: lines}
}
