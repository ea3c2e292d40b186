package cli

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestParseTimestamp(t *testing.T) {
	want := time.Date(2025, 11, 10, 10, 3, 0, 0, time.UTC)

	tests := []string{
		"2025-11-10 10:03:00",
		"2025-11-10T10:03:00",
		"2025-11-10T10:03:00Z",
	}
	for _, value := range tests {
		got, err := parseTimestamp(value)
		if err != nil {
			t.Fatalf("parse %q: %v", value, err)
		}
		if !got.Equal(want) {
			t.Fatalf("parse %q: got %s, want %s", value, got, want)
		}
	}

	if _, err := parseTimestamp("next tuesday"); err == nil {
		t.Fatal("expected error for unparseable timestamp")
	}
}

func TestRestoreRefusesWithoutConfirmation(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{name: "no flag", args: []string{"restore", "pitr", "2025-11-10 10:03:00"}},
		{name: "wrong token", args: []string{"restore", "pitr", "2025-11-10 10:03:00", "--confirm", "wrong"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := New()
			root.SetArgs(tt.args)
			root.SetOut(&bytes.Buffer{})
			root.SetErr(&bytes.Buffer{})

			err := root.Execute()
			if err == nil {
				t.Fatal("expected refusal")
			}
			if !strings.Contains(err.Error(), "refusing to restore") {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestBackupEnforceRetentionRejectsBadDays(t *testing.T) {
	root := New()
	root.SetArgs([]string{"backup", "enforce-retention", "zero"})
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})

	err := root.Execute()
	if err == nil || !strings.Contains(err.Error(), "positive integer") {
		t.Fatalf("expected argument validation error, got %v", err)
	}
}
