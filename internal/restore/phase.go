package restore

import "fmt"

// Phase is a state of the point-in-time restore machine. Every restore
// walks IDLE -> SNAPSHOT_SELECTED -> EXTRACTING -> REPLAYING ->
// PROMOTED, or drops into FAILED from any non-terminal phase.
type Phase string

const (
	PhaseIdle             Phase = "IDLE"
	PhaseSnapshotSelected Phase = "SNAPSHOT_SELECTED"
	PhaseExtracting       Phase = "EXTRACTING"
	PhaseReplaying        Phase = "REPLAYING"
	PhasePromoted         Phase = "PROMOTED"
	PhaseFailed           Phase = "FAILED"
)

var phaseSuccessors = map[Phase]Phase{
	PhaseIdle:             PhaseSnapshotSelected,
	PhaseSnapshotSelected: PhaseExtracting,
	PhaseExtracting:       PhaseReplaying,
	PhaseReplaying:        PhasePromoted,
}

// machine enforces legal phase ordering. Illegal jumps (promoting before
// extraction, resuming a terminal restore) are rejected rather than
// silently applied.
type machine struct {
	phase Phase
}

func newMachine() *machine {
	return &machine{phase: PhaseIdle}
}

func (m *machine) current() Phase {
	return m.phase
}

// advance moves to next if next is the legal successor of the current
// phase or, for FAILED, if the current phase is non-terminal.
func (m *machine) advance(next Phase) error {
	if next == PhaseFailed {
		if m.phase == PhasePromoted || m.phase == PhaseFailed {
			return fmt.Errorf("illegal transition %s -> %s", m.phase, next)
		}
		m.phase = PhaseFailed
		return nil
	}
	if phaseSuccessors[m.phase] != next {
		return fmt.Errorf("illegal transition %s -> %s", m.phase, next)
	}
	m.phase = next
	return nil
}

// terminal reports whether the machine can move no further.
func (m *machine) terminal() bool {
	return m.phase == PhasePromoted || m.phase == PhaseFailed
}
