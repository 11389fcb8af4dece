// Package harness wires one test run together: it resolves the artifact,
// loads it for its target, discovers the async tests and drives them through
// the scheduler, returning the process exit code.
//
// All run state lives in a Context created per run. Nothing is kept in
// package-level variables, so several runs may share a process.
package harness

import (
	"context"
	"io"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-testharness/capture"
	"github.com/wippyai/wasm-testharness/discovery"
	"github.com/wippyai/wasm-testharness/errors"
	"github.com/wippyai/wasm-testharness/loader"
	"github.com/wippyai/wasm-testharness/report"
	"github.com/wippyai/wasm-testharness/scheduler"
	"github.com/wippyai/wasm-testharness/target"
)

// Config describes one run.
type Config struct {
	Stdout io.Writer
	Stderr io.Writer
	Logger *zap.Logger

	// Artifact is the path handed over by the build step. For wasm targets a
	// .js path is mapped onto its module, see ResolveArtifact.
	Artifact string
	Color    report.ColorMode

	// Args are passed through to the module's main unchanged. The first
	// positional among them filters tests by name.
	Args []string

	Target  target.Target
	Timeout time.Duration

	MemoryLimitPages uint32
	Streaming        bool
}

// Context is the state of one run, threaded explicitly through loading,
// discovery and scheduling.
type Context struct {
	Channels  *capture.Channels
	Console   *report.Console
	Scheduler *scheduler.Scheduler

	cfg      Config
	log      *zap.Logger
	artifact string
}

// New validates cfg and prepares a run.
func New(cfg Config) (*Context, error) {
	if !cfg.Target.Valid() {
		return nil, errors.UnknownTarget(cfg.Target.String())
	}
	artifact, err := ResolveArtifact(cfg.Target, cfg.Artifact)
	if err != nil {
		return nil, err
	}
	if cfg.Color == "" {
		cfg.Color = report.ColorAuto
	}
	if _, err := report.ParseColorMode(string(cfg.Color)); err != nil {
		return nil, err
	}
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}
	if cfg.Stderr == nil {
		cfg.Stderr = os.Stderr
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.Stringer("target", cfg.Target))

	ch := capture.NewChannels(cfg.Stdout, cfg.Stderr)
	console := report.NewConsole(ch.Console(), cfg.Color)

	sched, err := scheduler.New(scheduler.Options{
		Console:  console,
		Channels: ch,
		Logger:   log.Named("scheduler"),
		Timeout:  cfg.Timeout,
	})
	if err != nil {
		return nil, err
	}

	return &Context{
		Channels:  ch,
		Console:   console,
		Scheduler: sched,
		cfg:       cfg,
		log:       log,
		artifact:  artifact,
	}, nil
}

// Artifact returns the resolved artifact path.
func (c *Context) Artifact() string { return c.artifact }

// Load instantiates the artifact with the scheduler as its async hooks.
func (c *Context) Load(ctx context.Context) (*loader.Handle, error) {
	l, err := loader.For(c.cfg.Target)
	if err != nil {
		return nil, err
	}
	c.log.Debug("loading artifact", zap.String("artifact", c.artifact), zap.Bool("streaming", c.cfg.Streaming))

	return l.Instantiate(ctx, loader.FileArtifact(c.artifact), loader.Env{
		Hooks:            c.Scheduler,
		Channels:         c.Channels,
		Logger:           c.log.Named("loader"),
		Streaming:        c.cfg.Streaming,
		MemoryLimitPages: c.cfg.MemoryLimitPages,
	})
}

// Run loads the module, runs its filtered async tests and then its main.
func (c *Context) Run(ctx context.Context) (*scheduler.State, error) {
	h, err := c.Load(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := h.Close(context.Background()); err != nil {
			c.log.Warn("closing module", zap.Error(err))
		}
	}()

	filter := ParseFilter(c.cfg.Args)
	tests := discovery.Discover(h.Exports, filter)
	c.log.Debug("discovered tests",
		zap.Int("exports", h.Exports.Len()),
		zap.Strings("tests", discovery.Names(tests)),
		zap.String("filter", filter))

	return c.Scheduler.Run(ctx, h, tests, c.cfg.Args)
}

// Run performs a complete run and returns the process exit code. A non-nil
// error means the run could not start or was cut short; the code is then
// report.ExitFailure.
func Run(ctx context.Context, cfg Config) (int, error) {
	hc, err := New(cfg)
	if err != nil {
		return report.ExitFailure, err
	}
	state, err := hc.Run(ctx)
	if err != nil {
		return report.ExitFailure, err
	}
	return state.ExitCode(), nil
}
