package main

import (
	"errors"
	"testing"

	"github.com/urfave/cli/v2"
)

func TestExitErrHandler_NilError(_ *testing.T) {
	// Should not panic or exit on nil error
	exitErrHandler(nil, nil)
}

func TestExitMessage(t *testing.T) {
	tests := []struct {
		name    string
		err     cli.ExitCoder
		wantMsg string
	}{
		{"success no message", cli.Exit("", 0), ""},
		{"script error suppressed", cli.Exit("", 1), ""},
		{"connection", cli.Exit("control server unreachable: refused", 2), "control server unreachable: refused"},
		{"invalid input", cli.Exit("--code and --file are mutually exclusive", 3), "--code and --file are mutually exclusive"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := exitMessage(tt.err); got != tt.wantMsg {
				t.Errorf("exitMessage() = %q, want %q", got, tt.wantMsg)
			}
		})
	}
}

func TestExitErrHandler_WrappedExitCoder(t *testing.T) {
	wrapped := errors.Join(errors.New("context"), cli.Exit("inner error", 3))

	var exitCoder cli.ExitCoder
	if !errors.As(wrapped, &exitCoder) {
		t.Fatal("wrapped error should still match cli.ExitCoder")
	}
	if exitCoder.ExitCode() != 3 {
		t.Errorf("exit code = %d, want 3", exitCoder.ExitCode())
	}
}

func TestExitErrHandler_RegularError(t *testing.T) {
	var exitCoder cli.ExitCoder
	if errors.As(errors.New("regular error"), &exitCoder) {
		t.Fatal("regular error should not be cli.ExitCoder")
	}
}
