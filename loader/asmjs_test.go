package loader

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	herrors "github.com/wippyai/wasm-testharness/errors"
)

func loadAsmJS(t *testing.T) (*Handle, *testEnv) {
	t.Helper()
	te := newTestEnv(t)
	h, err := (&AsmJS{}).Instantiate(context.Background(), FileArtifact(filepath.Join("testdata", "runtime.js")), te.env)
	if err != nil {
		t.Fatalf("Instantiate: %v", err)
	}
	t.Cleanup(func() { h.Close(context.Background()) })
	return h, te
}

func TestAsmJS_Exports(t *testing.T) {
	h, te := loadAsmJS(t)

	want := []string{
		"__async_test__ok", "__async_test__rejects", "__async_test__throws", "__async_test__later",
		"__async_test__promise", "__async_test__spin", "__async_test__grow", "helper",
	}
	if diff := cmp.Diff(want, h.Exports.Names()); diff != "" {
		t.Errorf("export order mismatch (-want +got):\n%s", diff)
	}
	if !h.HasMain() {
		t.Error("expected an entry point")
	}
	if strings.Contains(te.stdout.String(), "main argc") {
		t.Errorf("main ran during load: %q", te.stdout.String())
	}
	if h.Memory == nil {
		t.Fatal("expected memory views from HEAPU8")
	}
	if got := h.Memory.Views().Int32.Get(0); got != 42 {
		t.Errorf("HEAP32[0] = %d, want 42", got)
	}
}

func TestAsmJS_Tests(t *testing.T) {
	h, te := loadAsmJS(t)

	t.Run("resolve with output", func(t *testing.T) {
		sink, err := te.env.Channels.Acquire("ok")
		if err != nil {
			t.Fatal(err)
		}
		_, err = invoke(t, h, "__async_test__ok")
		sink.Release()
		if err != nil {
			t.Fatal(err)
		}
		if te.hooks.resolved != 1 {
			t.Errorf("resolved = %d", te.hooks.resolved)
		}
		if sink.String() != "ok stdout\nok stderr\n" {
			t.Errorf("captured = %q", sink.String())
		}
	})

	t.Run("reject keeps stack", func(t *testing.T) {
		if _, err := invoke(t, h, "__async_test__rejects"); err != nil {
			t.Fatal(err)
		}
		if len(te.hooks.rejected) != 1 {
			t.Fatalf("rejected = %v", te.hooks.rejected)
		}
		err := te.hooks.rejected[0]
		if !errors.Is(err, herrors.ErrRejected) {
			t.Errorf("kind = %v", err)
		}
		if err.Error() != "Error: nope" {
			t.Errorf("reason = %q", err.Error())
		}
		if text := herrors.FailureText(err); !strings.Contains(text, "nope") {
			t.Errorf("failure text = %q", text)
		}
	})

	t.Run("synchronous throw", func(t *testing.T) {
		_, err := invoke(t, h, "__async_test__throws")
		if !errors.Is(err, herrors.ErrTrap) {
			t.Fatalf("expected trap, got %v", err)
		}
		if !strings.Contains(err.Error(), "thrown synchronously") {
			t.Errorf("reason = %q", err.Error())
		}
	})

	t.Run("setTimeout", func(t *testing.T) {
		before := te.hooks.resolved
		if _, err := invoke(t, h, "__async_test__later"); err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff([]time.Duration{25 * time.Millisecond}, te.hooks.delays); diff != "" {
			t.Errorf("delays mismatch (-want +got):\n%s", diff)
		}
		te.hooks.fire()
		if te.hooks.resolved != before+1 {
			t.Error("timer callback did not resolve")
		}
		if !strings.Contains(te.stdout.String(), "timer fired x") {
			t.Errorf("stdout = %q", te.stdout.String())
		}
	})

	t.Run("promise", func(t *testing.T) {
		th, err := invoke(t, h, "__async_test__promise")
		if err != nil {
			t.Fatal(err)
		}
		if th == nil {
			t.Fatal("expected a thenable")
		}
		resolved := false
		th.Then(func() { resolved = true }, func(err error) { t.Errorf("rejected: %v", err) })
		if !resolved {
			t.Error("promise did not resolve")
		}
	})

	t.Run("grow", func(t *testing.T) {
		gen := h.Memory.Generation()
		if _, err := invoke(t, h, "__async_test__grow"); err != nil {
			t.Fatal(err)
		}
		if h.Memory.Generation() != gen+1 || h.Memory.Views().Uint8.Len() != 131072 {
			t.Errorf("views not rebuilt: gen %d, len %d", h.Memory.Generation(), h.Memory.Views().Uint8.Len())
		}
	})
}

func TestAsmJS_Interrupt(t *testing.T) {
	h, _ := loadAsmJS(t)

	done := make(chan struct{})
	go func() {
		tick := time.NewTicker(10 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-done:
				return
			case <-tick.C:
				h.Interrupt()
			}
		}
	}()
	_, err := invoke(t, h, "__async_test__spin")
	close(done)
	if err == nil {
		t.Fatal("expected interrupted script to fail")
	}

	// the runtime stays usable after an interrupt
	if _, err := invoke(t, h, "helper"); err != nil {
		t.Errorf("call after interrupt: %v", err)
	}
}

func TestAsmJS_RunMain(t *testing.T) {
	h, te := loadAsmJS(t)

	status, err := h.RunMain(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatal(err)
	}
	if status != 2 {
		t.Errorf("status = %d, want 2", status)
	}
	if !strings.Contains(te.stdout.String(), "main argc=3") {
		t.Errorf("stdout = %q", te.stdout.String())
	}
}

func TestAsmJS_EvaluationError(t *testing.T) {
	_, err := (&AsmJS{}).Instantiate(context.Background(), BytesArtifact{Data: []byte("throw new Error('broken runtime')")}, newTestEnv(t).env)
	if !errors.Is(err, &herrors.Error{Phase: herrors.PhaseInit, Kind: herrors.KindInstantiation}) {
		t.Fatalf("expected instantiation error, got %v", err)
	}
	if !strings.Contains(err.Error(), "broken runtime") {
		t.Errorf("error = %v", err)
	}
}

func TestAsmJS_SettledTimersDropped(t *testing.T) {
	te := newTestEnv(t)
	s, err := load(FileArtifact(filepath.Join("testdata", "runtime.js")), te.env)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	h := s.handle()

	if _, err := invoke(t, h, "__async_test__later"); err != nil {
		t.Fatal(err)
	}
	if len(s.timers) != 1 {
		t.Fatalf("timers = %d, want 1", len(s.timers))
	}

	// The scheduler closed the first test's scope, so its timer never fires.
	te.hooks.deferred = nil
	if _, err := invoke(t, h, "helper"); err != nil {
		t.Fatal(err)
	}
	if len(s.timers) != 0 {
		t.Errorf("timers = %d after next invocation, want 0", len(s.timers))
	}

	if _, err := invoke(t, h, "__async_test__later"); err != nil {
		t.Fatal(err)
	}
	if _, err := h.RunMain(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	if len(s.timers) != 0 {
		t.Errorf("timers = %d after main, want 0", len(s.timers))
	}
}

func TestAsmJS_RunMainArgv(t *testing.T) {
	tests := []struct {
		args   []string
		status int
		out    string
	}{
		{nil, 0, "main argc=1"},
		{[]string{"x"}, 1, "main argc=2"},
		{[]string{"a", "b", "c"}, 3, "main argc=4"},
	}
	for _, tt := range tests {
		t.Run(tt.out, func(t *testing.T) {
			h, te := loadAsmJS(t)
			status, err := h.RunMain(context.Background(), tt.args)
			if err != nil {
				t.Fatal(err)
			}
			if status != tt.status {
				t.Errorf("status = %d, want %d", status, tt.status)
			}
			if !strings.Contains(te.stdout.String(), tt.out) {
				t.Errorf("stdout = %q, want %q", te.stdout.String(), tt.out)
			}
		})
	}
}
