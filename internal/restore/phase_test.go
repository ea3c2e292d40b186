package restore

import "testing"

func TestPhaseHappyPath(t *testing.T) {
	m := newMachine()
	for _, next := range []Phase{PhaseSnapshotSelected, PhaseExtracting, PhaseReplaying, PhasePromoted} {
		if err := m.advance(next); err != nil {
			t.Fatalf("advance to %s: %v", next, err)
		}
	}
	if !m.terminal() {
		t.Fatal("promoted machine should be terminal")
	}
}

func TestPhaseRejectsIllegalJumps(t *testing.T) {
	tests := []struct {
		name string
		walk []Phase
		bad  Phase
	}{
		{"promote before extraction", []Phase{PhaseSnapshotSelected}, PhasePromoted},
		{"skip selection", nil, PhaseExtracting},
		{"replay before extraction", []Phase{PhaseSnapshotSelected}, PhaseReplaying},
		{"backwards", []Phase{PhaseSnapshotSelected, PhaseExtracting}, PhaseSnapshotSelected},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m := newMachine()
			for _, next := range tc.walk {
				if err := m.advance(next); err != nil {
					t.Fatalf("setup advance: %v", err)
				}
			}
			if err := m.advance(tc.bad); err == nil {
				t.Fatalf("expected rejection of %s", tc.bad)
			}
		})
	}
}

func TestPhaseFailedFromAnywhereButTerminal(t *testing.T) {
	m := newMachine()
	if err := m.advance(PhaseFailed); err != nil {
		t.Fatalf("idle -> failed: %v", err)
	}
	if err := m.advance(PhaseFailed); err == nil {
		t.Fatal("failed is terminal; cannot fail again")
	}

	m = newMachine()
	for _, next := range []Phase{PhaseSnapshotSelected, PhaseExtracting, PhaseReplaying, PhasePromoted} {
		if err := m.advance(next); err != nil {
			t.Fatal(err)
		}
	}
	if err := m.advance(PhaseFailed); err == nil {
		t.Fatal("promoted restore cannot become failed")
	}
}
