package errors

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"testing"
)

func TestError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *Error
		contains []string
	}{
		{
			name: "full error",
			err: &Error{
				Phase:  PhaseResume,
				Kind:   KindProtocolViolation,
				Site:   "fd_read",
				Handle: "abc",
				Detail: "handle mismatch",
			},
			contains: []string{"[resume]", "protocol_violation", "at fd_read", "handle abc", "handle mismatch"},
		},
		{
			name: "minimal error",
			err: &Error{
				Phase: PhaseSuspend,
				Kind:  KindRegionOverflow,
			},
			contains: []string{"[suspend]", "region_overflow"},
		},
		{
			name: "error with cause",
			err: &Error{
				Phase:  PhaseHost,
				Kind:   KindOperationFailure,
				Detail: "open",
				Cause:  errors.New("underlying error"),
			},
			contains: []string{"[host]", "operation_failure", "open", "caused by", "underlying error"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := tt.err.Error()
			for _, s := range tt.contains {
				if !strings.Contains(msg, s) {
					t.Errorf("error message %q does not contain %q", msg, s)
				}
			}
		})
	}
}

func TestError_Unwrap(t *testing.T) {
	err := OperationFailure("path_open", fs.ErrNotExist)

	if !errors.Is(err, fs.ErrNotExist) {
		t.Error("errors.Is did not reach cause")
	}
	if !errors.Is(errors.Unwrap(err), fs.ErrNotExist) {
		t.Error("errors.Unwrap did not return cause")
	}
}

func TestError_Is(t *testing.T) {
	err := ProtocolViolation(PhaseResume, "fd_read", "stale handle")

	if !errors.Is(err, &Error{Phase: PhaseResume, Kind: KindProtocolViolation}) {
		t.Error("should match same phase and kind")
	}
	if errors.Is(err, &Error{Phase: PhaseSuspend, Kind: KindProtocolViolation}) {
		t.Error("should not match different phase")
	}
	if !errors.Is(err, ErrProtocolViolation) {
		t.Error("sentinel should match by kind")
	}
	if errors.Is(err, ErrRegionOverflow) {
		t.Error("sentinel of another kind should not match")
	}

	wrapped := fmt.Errorf("step: %w", err)
	if !errors.Is(wrapped, ErrProtocolViolation) {
		t.Error("wrapped error should still match")
	}
}

func TestError_As(t *testing.T) {
	wrapped := fmt.Errorf("outer: %w", RegionOverflow("fd_readdir", 56, nil))

	var e *Error
	if !errors.As(wrapped, &e) {
		t.Fatal("errors.As failed")
	}
	if e.Kind != KindRegionOverflow {
		t.Errorf("kind = %s", e.Kind)
	}
	if e.Value != uint32(56) {
		t.Errorf("value = %v", e.Value)
	}
}

func TestBuilder(t *testing.T) {
	err := New(PhaseResume, KindProtocolViolation).
		Site("fd_readdir").
		Handle(stringer("h-1")).
		Value(3).
		Detail("expected %s", "h-0").
		Cause(fs.ErrInvalid).
		Build()

	if err.Site != "fd_readdir" || err.Handle != "h-1" || err.Value != 3 {
		t.Errorf("builder fields not set: %+v", err)
	}
	if err.Detail != "expected h-0" {
		t.Errorf("detail = %q", err.Detail)
	}
	if !errors.Is(err, fs.ErrInvalid) {
		t.Error("cause not set")
	}
}

func TestFatal(t *testing.T) {
	tests := []struct {
		err   error
		fatal bool
	}{
		{ProtocolViolation(PhaseSuspend, "", ""), true},
		{RegionOverflow("", 8, nil), true},
		{Terminated(PhaseRuntime, nil), true},
		{Trap(PhaseRuntime, errors.New("unreachable")), true},
		{OperationFailure("fd_read", fs.ErrNotExist), false},
		{MissingExport("asyncify_get_state", ""), false},
		{fmt.Errorf("wrapped: %w", RegionOverflow("", 8, nil)), true},
		{errors.New("plain"), false},
		{nil, false},
	}

	for _, tt := range tests {
		if got := IsFatal(tt.err); got != tt.fatal {
			t.Errorf("IsFatal(%v) = %v, want %v", tt.err, got, tt.fatal)
		}
	}
}

func TestKindOf(t *testing.T) {
	if k := KindOf(fmt.Errorf("x: %w", OperationFailure("fd_read", nil))); k != KindOperationFailure {
		t.Errorf("KindOf = %q", k)
	}
	if k := KindOf(errors.New("plain")); k != "" {
		t.Errorf("KindOf(plain) = %q", k)
	}
}

func TestMissingExport(t *testing.T) {
	err := MissingExport("get_asyncify_stack_space_ptr", "link asyncify_exports")
	msg := err.Error()
	if !strings.Contains(msg, "get_asyncify_stack_space_ptr") || !strings.Contains(msg, "link asyncify_exports") {
		t.Errorf("unexpected message %q", msg)
	}
}

type stringer string

func (s stringer) String() string { return string(s) }
