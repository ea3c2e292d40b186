package proc

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestRunCapturesOutput(t *testing.T) {
	result, err := ExecRunner{}.Run(context.Background(), Command{
		Name: "sh",
		Args: []string{"-c", "echo hello"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.TrimSpace(string(result.Output)) != "hello" {
		t.Fatalf("unexpected output: %q", result.Output)
	}
	if result.Duration <= 0 {
		t.Fatalf("expected positive duration")
	}
}

func TestRunNonZeroExit(t *testing.T) {
	_, err := ExecRunner{}.Run(context.Background(), Command{
		Name: "sh",
		Args: []string{"-c", "echo broken >&2; exit 3"},
	})
	if err == nil {
		t.Fatal("expected error")
	}
	var procErr *Error
	if !errors.As(err, &procErr) {
		t.Fatalf("expected *Error, got %T", err)
	}
	if procErr.Name != "sh" {
		t.Fatalf("unexpected command name: %q", procErr.Name)
	}
	if !strings.Contains(procErr.Output, "broken") {
		t.Fatalf("expected stderr in excerpt, got %q", procErr.Output)
	}
}

func TestRunTimeout(t *testing.T) {
	_, err := ExecRunner{}.Run(context.Background(), Command{
		Name:    "sleep",
		Args:    []string{"5"},
		Timeout: 50 * time.Millisecond,
	})
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestRunEmptyName(t *testing.T) {
	if _, err := (ExecRunner{}).Run(context.Background(), Command{}); err == nil {
		t.Fatal("expected error for empty command name")
	}
}
