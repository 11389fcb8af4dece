// Package report writes the harness's console output: the banner and per-test
// progress lines while tests run, then the failure dumps and the summary line.
//
// The text is a line-oriented contract that build tooling scrapes, so color is
// only ever added around the ok/FAILED markers and never when the output is
// not a terminal unless forced.
package report

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"

	"github.com/wippyai/wasm-testharness/errors"
)

// ExitFailure is the process status when any async test failed.
const ExitFailure = 101

// Failure is one failed test and its captured output.
type Failure struct {
	Name   string
	Output string
}

// Summary is the outcome of a run.
type Summary struct {
	Failures []Failure
	Passed   int
}

// Failed returns the number of failed tests.
func (s Summary) Failed() int { return len(s.Failures) }

// OK reports whether no test failed.
func (s Summary) OK() bool { return len(s.Failures) == 0 }

// ExitCode returns 0 when every test passed and ExitFailure otherwise.
func ExitCode(s Summary) int {
	if s.OK() {
		return 0
	}
	return ExitFailure
}

// ColorMode controls styling of ok/FAILED markers.
type ColorMode string

const (
	ColorAuto   ColorMode = "auto"
	ColorAlways ColorMode = "always"
	ColorNever  ColorMode = "never"
)

// ParseColorMode validates s. The empty string means auto.
func ParseColorMode(s string) (ColorMode, error) {
	switch m := ColorMode(strings.ToLower(s)); m {
	case "":
		return ColorAuto, nil
	case ColorAuto, ColorAlways, ColorNever:
		return m, nil
	}
	return "", errors.InvalidInput(errors.PhaseConfig, fmt.Sprintf("invalid color mode %q (expected auto, always or never)", s))
}

var (
	okColor     = lipgloss.Color("#90EE90")
	failedColor = lipgloss.Color("#FF6B6B")
)

// Console writes progress and the summary to one writer.
type Console struct {
	w      io.Writer
	ok     lipgloss.Style
	failed lipgloss.Style
}

// NewConsole returns a console writing to w.
func NewConsole(w io.Writer, mode ColorMode) *Console {
	r := lipgloss.NewRenderer(w)
	switch {
	case mode == ColorAlways:
		r.SetColorProfile(termenv.ANSI256)
	case mode == ColorNever, !isTerminal(w):
		r.SetColorProfile(termenv.Ascii)
	}
	return &Console{
		w:      w,
		ok:     r.NewStyle().Foreground(okColor),
		failed: r.NewStyle().Foreground(failedColor).Bold(true),
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// Writer returns the underlying writer.
func (c *Console) Writer() io.Writer { return c.w }

// Banner announces n tests. It is written once, before the first test.
func (c *Console) Banner(n int) {
	fmt.Fprintf(c.w, "running %d async test(s)\n", n)
}

// TestStart writes the progress prefix; the outcome completes the line.
func (c *Console) TestStart(name string) {
	fmt.Fprintf(c.w, "test %s ... ", name)
}

// Passed completes a progress line for a passing test.
func (c *Console) Passed() {
	fmt.Fprintln(c.w, c.ok.Render("ok"))
}

// Failed completes a progress line for a failing test.
func (c *Console) Failed() {
	fmt.Fprintln(c.w, c.failed.Render("FAILED"))
}

// Summary dumps each failure's output, lists the failures and ends with the
// result line, which is written even when no test ran.
func (c *Console) Summary(s Summary) {
	if !s.OK() {
		for _, f := range s.Failures {
			fmt.Fprintf(c.w, "\n---- %s stdout ----\n", f.Name)
			io.WriteString(c.w, f.Output)
			if f.Output != "" && !strings.HasSuffix(f.Output, "\n") {
				io.WriteString(c.w, "\n")
			}
		}
		fmt.Fprintf(c.w, "\nfailures (async):\n")
		for _, f := range s.Failures {
			fmt.Fprintf(c.w, "    %s\n", f.Name)
		}
	}

	result := c.ok.Render("ok")
	if !s.OK() {
		result = c.failed.Render("FAILED")
	}
	fmt.Fprintf(c.w, "\ntest result (async): %s. %d passed; %d failed\n", result, s.Passed, s.Failed())
}
