// Command wasmtest runs the async tests exported by a compiled artifact, then
// its main, and exits with the combined status.
//
//	wasmtest --target wasm32-unknown-unknown target/app.wasm -- filter
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/alecthomas/kong"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/wippyai/wasm-testharness/harness"
	"github.com/wippyai/wasm-testharness/report"
	"github.com/wippyai/wasm-testharness/target"
)

// exitUsage is returned for configuration errors, before any test ran.
const exitUsage = 2

// CLI is the command line of wasmtest.
type CLI struct {
	Target           target.Target `help:"Target the artifact was built for (asmjs-unknown-emscripten, wasm32-unknown-emscripten, wasm32-unknown-unknown)." env:"WASM_TEST_TARGET" required:""`
	Timeout          time.Duration `help:"Per-test timeout." default:"5s"`
	Streaming        bool          `help:"Compile wasm32-unknown-unknown modules while reading them." default:"true" negatable:""`
	MemoryLimitPages uint32        `help:"Cap linear memory at this many 64KiB pages (0 = runtime default)."`
	Color            string        `help:"Style ok/FAILED markers." enum:"auto,always,never" default:"auto"`
	LogLevel         zapcore.Level `help:"Harness log level." default:"warn"`
	LogFile          string        `help:"Write harness logs to this file instead of stderr." type:"path"`

	Artifact string   `arg:"" help:"Compiled artifact (.js or .wasm)." type:"path"`
	Args     []string `arg:"" optional:"" passthrough:"" help:"Arguments after -- are passed to the module; the first positional filters tests by name."`
}

// Config converts the parsed command line into a harness configuration.
// kong keeps the -- that starts passthrough; the module never sees it.
func (c *CLI) Config(log *zap.Logger) harness.Config {
	args := c.Args
	if len(args) > 0 && args[0] == "--" {
		args = args[1:]
	}
	return harness.Config{
		Stdout:           os.Stdout,
		Stderr:           os.Stderr,
		Logger:           log,
		Artifact:         c.Artifact,
		Color:            report.ColorMode(c.Color),
		Args:             args,
		Target:           c.Target,
		Timeout:          c.Timeout,
		MemoryLimitPages: c.MemoryLimitPages,
		Streaming:        c.Streaming,
	}
}

// newLogger builds the console logger harness diagnostics go to. Test output
// never passes through it.
func newLogger(level zapcore.Level, file string) (*zap.Logger, error) {
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.DisableStacktrace = true
	cfg.OutputPaths = []string{"stderr"}
	if file != "" {
		cfg.OutputPaths = []string{file}
	}
	cfg.ErrorOutputPaths = []string{"stderr"}
	return cfg.Build()
}

func main() {
	var cli CLI
	kong.Parse(&cli,
		kong.Name("wasmtest"),
		kong.Description("Run the async tests of a compiled WebAssembly or asm.js artifact."),
		kong.UsageOnError(),
	)
	os.Exit(run(&cli))
}

func run(cli *CLI) int {
	log, err := newLogger(cli.LogLevel, cli.LogFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitUsage
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	hc, err := harness.New(cli.Config(log))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitUsage
	}

	state, err := hc.Run(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return report.ExitFailure
	}
	log.Debug("run finished",
		zap.Int("passed", state.Passed),
		zap.Int("failed", len(state.Failed)),
		zap.Int("status", state.MainStatus))
	return state.ExitCode()
}
