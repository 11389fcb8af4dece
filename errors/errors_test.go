package errors

import (
	"errors"
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
				Phase:  PhaseInit,
				Kind:   KindInstantiation,
				Target: "wasm32-unknown-unknown",
				Detail: "run constructors",
				Cause:  errors.New("unreachable"),
			},
			contains: []string{"[init]", "instantiation", "(wasm32-unknown-unknown)", "run constructors", "caused by: unreachable"},
		},
		{
			name:     "minimal error",
			err:      &Error{Phase: PhaseLoad, Kind: KindInvalidData},
			contains: []string{"[load]", "invalid_data"},
		},
		{
			name:     "unknown target",
			err:      UnknownTarget("x86_64-linux"),
			contains: []string{"[config]", "unknown_target", `"x86_64-linux"`},
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

func TestError_Is(t *testing.T) {
	err := Load("read artifact", errors.New("eof"))

	if !errors.Is(err, &Error{Phase: PhaseLoad, Kind: KindInvalidData}) {
		t.Error("Is should match same phase and kind")
	}
	if errors.Is(err, &Error{Phase: PhaseInit, Kind: KindInvalidData}) {
		t.Error("Is should not match different phase")
	}
	if errors.Unwrap(err).Error() != "eof" {
		t.Error("Unwrap did not return cause")
	}
}

func TestBuilder(t *testing.T) {
	cause := errors.New("root")
	err := New(PhaseInit, KindInstantiation).
		Target("asmjs-unknown-emscripten").
		Detail("evaluate %s", "app.js").
		Cause(cause).
		Build()

	if err.Phase != PhaseInit || err.Kind != KindInstantiation {
		t.Errorf("unexpected phase/kind: %v/%v", err.Phase, err.Kind)
	}
	if err.Detail != "evaluate app.js" {
		t.Errorf("Detail = %q", err.Detail)
	}
	if !errors.Is(err, cause) {
		t.Error("errors.Is should find cause")
	}
}

func TestMissingImportsError(t *testing.T) {
	err := NewMissingImportsError([]string{
		"env#__web_on_grow",
		"env#_ZN4core9panicking5panic17h0123456789abcdefE",
		"wbg#__wbindgen_throw",
	})

	msg := err.Error()
	for _, s := range []string{"missing 3 import(s)", "env:", "__web_on_grow", "core::panicking::panic", "wbg:"} {
		if !strings.Contains(msg, s) {
			t.Errorf("message %q does not contain %q", msg, s)
		}
	}
	if strings.Contains(msg, "h0123456789abcdef") {
		t.Error("hash suffix should be stripped")
	}
	if !errors.Is(err, &MissingImportsError{}) {
		t.Error("Is should match MissingImportsError")
	}
}

func TestFailure(t *testing.T) {
	t.Run("timeout", func(t *testing.T) {
		f := Timeout()
		if f.Error() != "Timeout!" {
			t.Errorf("Error() = %q", f.Error())
		}
		if !errors.Is(f, ErrTimeout) {
			t.Error("timeout should match ErrTimeout")
		}
		if errors.Is(f, ErrRejected) {
			t.Error("timeout should not match ErrRejected")
		}
	})

	t.Run("trap keeps cause", func(t *testing.T) {
		cause := errors.New("wasm error: unreachable\nwasm stack trace:\n\t.b()")
		f := Trap(cause)
		if !errors.Is(f, ErrTrap) {
			t.Error("should match ErrTrap")
		}
		if !errors.Is(f, cause) {
			t.Error("should unwrap to cause")
		}
		if f.Reason != cause.Error() {
			t.Errorf("Reason = %q", f.Reason)
		}
	})

	t.Run("trap of failure is identity", func(t *testing.T) {
		r := Rejected("nope", "")
		if Trap(r) != r {
			t.Error("Trap should not rewrap a Failure")
		}
	})
}

func TestFailureText(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"plain", errors.New("boom"), "boom"},
		{"rejected without stack", Rejected("Test explicitly rejected", ""), "Test explicitly rejected"},
		{"rejected with stack", Rejected("Error: x", "Error: x\n    at t (app.js:3:9)"), "Error: x\n    at t (app.js:3:9)"},
		{"timeout", Timeout(), "Timeout!"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FailureText(tt.err); got != tt.want {
				t.Errorf("FailureText() = %q, want %q", got, tt.want)
			}
		})
	}
}
