package report

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"

	herrors "github.com/wippyai/wasm-testharness/errors"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		s    Summary
		want int
	}{
		{"empty", Summary{}, 0},
		{"all passed", Summary{Passed: 3}, 0},
		{"one failure", Summary{Passed: 1, Failures: []Failure{{Name: "b"}}}, ExitFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExitCode(tt.s); got != tt.want {
				t.Errorf("ExitCode() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestParseColorMode(t *testing.T) {
	for in, want := range map[string]ColorMode{"": ColorAuto, "auto": ColorAuto, "ALWAYS": ColorAlways, "never": ColorNever} {
		got, err := ParseColorMode(in)
		if err != nil || got != want {
			t.Errorf("ParseColorMode(%q) = %q, %v", in, got, err)
		}
	}
	_, err := ParseColorMode("rainbow")
	if !errors.Is(err, &herrors.Error{Phase: herrors.PhaseConfig, Kind: herrors.KindInvalidInput}) {
		t.Errorf("expected invalid input, got %v", err)
	}
}

func render(fn func(c *Console)) []byte {
	var buf bytes.Buffer
	fn(NewConsole(&buf, ColorNever))
	return buf.Bytes()
}

func TestConsole_Golden(t *testing.T) {
	g := goldie.New(t, goldie.WithFixtureDir("testdata"), goldie.WithNameSuffix(".golden"))

	t.Run("mixed", func(t *testing.T) {
		out := render(func(c *Console) {
			c.Banner(3)
			c.TestStart("a")
			c.Passed()
			c.TestStart("b")
			c.Failed()
			c.TestStart("c")
			c.Failed()
			c.Summary(Summary{
				Passed: 1,
				Failures: []Failure{
					{Name: "b", Output: "printed by b\nexplicit rejection"},
					{Name: "c", Output: "Timeout!\n"},
				},
			})
		})
		g.Assert(t, "mixed", out)
	})

	t.Run("all passed", func(t *testing.T) {
		out := render(func(c *Console) {
			c.Banner(1)
			c.TestStart("ok")
			c.Passed()
			c.Summary(Summary{Passed: 1})
		})
		g.Assert(t, "all_passed", out)
	})

	t.Run("no tests", func(t *testing.T) {
		out := render(func(c *Console) {
			c.Summary(Summary{})
		})
		g.Assert(t, "no_tests", out)
	})
}

func TestConsole_ColorAlways(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsole(&buf, ColorAlways)
	c.Passed()
	if !strings.Contains(buf.String(), "\x1b[") {
		t.Errorf("expected ANSI styling, got %q", buf.String())
	}
	if !strings.Contains(buf.String(), "ok") {
		t.Errorf("missing marker in %q", buf.String())
	}
}

func TestConsole_AutoOnPipe(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsole(&buf, ColorAuto)
	c.Failed()
	if buf.String() != "FAILED\n" {
		t.Errorf("got %q, want plain marker", buf.String())
	}
	if c.Writer() != &buf {
		t.Error("Writer() should return the underlying writer")
	}
}
