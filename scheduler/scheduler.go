package scheduler

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-testharness/capture"
	"github.com/wippyai/wasm-testharness/discovery"
	"github.com/wippyai/wasm-testharness/errors"
	"github.com/wippyai/wasm-testharness/loader"
	"github.com/wippyai/wasm-testharness/loop"
	"github.com/wippyai/wasm-testharness/report"
)

// DefaultTimeout bounds each test when Options.Timeout is zero.
const DefaultTimeout = 5000 * time.Millisecond

var errRejectedNil = errors.Rejected("rejected without a reason", "")

// Phase is the scheduler's position in its state machine.
type Phase int

const (
	Idle Phase = iota
	Announcing
	Running
	Passed
	Failed
	Done
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Announcing:
		return "announcing"
	case Running:
		return "running"
	case Passed:
		return "passed"
	case Failed:
		return "failed"
	case Done:
		return "done"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// Event is one transition, recorded in execution order.
type Event struct {
	Name  string
	Phase Phase
}

func (e Event) String() string {
	if e.Name == "" {
		return e.Phase.String()
	}
	return e.Phase.String() + " " + e.Name
}

// Runner is the part of a loaded module the scheduler drives besides the
// tests themselves.
type Runner interface {
	RunMain(ctx context.Context, args []string) (int, error)
	Interrupt()
}

// State is the outcome of a run.
type State struct {
	MainErr    error
	Outputs    map[string]string
	Pending    []discovery.TestCase
	Failed     []string
	Executed   []string
	Events     []Event
	Passed     int
	MainStatus int
}

// Summary returns the report view of s.
func (s *State) Summary() report.Summary {
	sum := report.Summary{Passed: s.Passed}
	for _, name := range s.Failed {
		sum.Failures = append(sum.Failures, report.Failure{Name: name, Output: s.Outputs[name]})
	}
	return sum
}

// ExitCode is 101 when any test failed or main trapped, otherwise main's
// status.
func (s *State) ExitCode() int {
	if code := report.ExitCode(s.Summary()); code != 0 {
		return code
	}
	if s.MainErr != nil {
		return report.ExitFailure
	}
	return s.MainStatus
}

// Options configures a Scheduler.
type Options struct {
	Console  *report.Console
	Channels *capture.Channels
	Logger   *zap.Logger
	// Timeout bounds each test. Zero means DefaultTimeout.
	Timeout time.Duration
}

// Scheduler runs discovered tests one at a time on a cooperative loop, then
// the module's main. It also serves as the module's loader.Hooks.
type Scheduler struct {
	ctx     context.Context
	loop    *loop.Loop
	global  *loop.Scope
	current *run
	state   *State
	runner  Runner
	console *report.Console
	ch      *capture.Channels
	log     *zap.Logger
	args    []string
	timeout time.Duration
	phase   Phase
}

// run is the bookkeeping for the test currently executing.
type run struct {
	result      *Result
	scope       *loop.Scope
	sink        *capture.Sink
	stopTimer   func() bool
	interrupted chan struct{}
	test        discovery.TestCase
}

// New creates a scheduler with its own loop.
func New(opts Options) (*Scheduler, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	l, err := loop.New()
	if err != nil {
		return nil, fmt.Errorf("create event loop: %w", err)
	}
	return &Scheduler{
		loop:    l,
		global:  l.Scope(),
		console: opts.Console,
		ch:      opts.Channels,
		log:     opts.Logger,
		timeout: opts.Timeout,
		state:   &State{Outputs: make(map[string]string)},
	}, nil
}

// Loop returns the loop every module call runs on.
func (s *Scheduler) Loop() *loop.Loop { return s.loop }

// Phase returns the current state machine phase. Only meaningful on the loop
// goroutine or after Run returns.
func (s *Scheduler) Phase() Phase { return s.phase }

// Run executes tests in order, then runner's main with mainArgs, then prints
// the summary. It returns when the run is done or ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context, runner Runner, tests []discovery.TestCase, mainArgs []string) (*State, error) {
	s.ctx = ctx
	s.runner = runner
	s.args = mainArgs
	s.state.Pending = append([]discovery.TestCase(nil), tests...)

	s.loop.Post(s.next)
	err := s.loop.Run(ctx)
	if s.current != nil {
		s.cleanup(s.current)
		s.current = nil
	}
	s.global.Close()
	return s.state, err
}

func (s *Scheduler) transition(p Phase, name string) {
	s.phase = p
	s.state.Events = append(s.state.Events, Event{Name: name, Phase: p})
}

// next starts the next pending test or finishes the run.
func (s *Scheduler) next() {
	s.transition(Idle, "")
	if len(s.state.Pending) == 0 {
		s.finish()
		return
	}

	if len(s.state.Executed) == 0 {
		s.transition(Announcing, "")
		s.console.Banner(len(s.state.Pending))
	}

	tc := s.state.Pending[0]
	s.state.Pending = s.state.Pending[1:]
	s.transition(Running, tc.Name)
	s.console.TestStart(tc.Name)

	r := &run{
		test:        tc,
		result:      NewResult(),
		scope:       s.loop.Scope(),
		interrupted: make(chan struct{}),
	}
	sink, err := s.ch.Acquire(tc.Name)
	if err != nil {
		// A leaked sink is a harness bug; fail the test rather than lose output.
		s.log.Error("acquire capture", zap.String("test", tc.Name), zap.Error(err))
		sink = nil
		r.result.Reject(err)
	}
	r.sink = sink
	s.current = r

	timer := time.AfterFunc(s.timeout, func() {
		defer close(r.interrupted)
		if r.result.Reject(errors.Timeout()) {
			s.log.Debug("test timed out", zap.String("test", tc.Name), zap.Duration("timeout", s.timeout))
			s.runner.Interrupt()
		}
	})
	r.stopTimer = timer.Stop

	go s.wait(r)

	s.loop.Post(func() { s.invoke(r) })
}

// wait posts the settlement of r once its result is known. A timed out test
// settles only after the interrupt went out, so it cannot hit the next test.
func (s *Scheduler) wait(r *run) {
	select {
	case <-r.result.Done():
	case <-s.loop.Done():
		return
	}
	if stderrors.Is(r.result.Err(), errors.ErrTimeout) {
		select {
		case <-r.interrupted:
		case <-s.loop.Done():
			return
		}
	}
	s.loop.Post(func() { s.settle(r) })
}

// invoke runs the test body on its own turn. Synchronous failures go through
// the same Result as asynchronous ones.
func (s *Scheduler) invoke(r *run) {
	if r.result.Settled() {
		return
	}
	s.log.Debug("invoking test", zap.String("test", r.test.Name), zap.String("export", r.test.Export))

	th, err := call(s.ctx, r.test)
	if err != nil {
		s.reject(r, errors.Trap(err))
		return
	}
	if th != nil {
		th.Then(
			func() { s.resolve(r) },
			func(err error) { s.reject(r, err) },
		)
	}
}

func call(ctx context.Context, tc discovery.TestCase) (th loader.Thenable, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic in %s: %v", tc.Export, p)
		}
	}()
	if tc.Invoke == nil {
		return nil, errors.NotFound(errors.PhaseRun, "export", tc.Export)
	}
	return tc.Invoke(ctx)
}

func (s *Scheduler) resolve(r *run) {
	if !r.result.Resolve() {
		s.log.Warn("ignoring resolve of settled test", zap.String("test", r.test.Name))
	}
}

func (s *Scheduler) reject(r *run, err error) {
	if !r.result.Reject(err) {
		s.log.Warn("ignoring reject of settled test", zap.String("test", r.test.Name), zap.Error(err))
	}
}

// settle records the outcome of r and advances.
func (s *Scheduler) settle(r *run) {
	if s.current != r {
		return
	}
	s.cleanup(r)
	s.current = nil

	name := r.test.Name
	s.state.Executed = append(s.state.Executed, name)

	if err := r.result.Err(); err != nil {
		s.transition(Failed, name)
		s.state.Failed = append(s.state.Failed, name)
		s.console.Failed()
		s.state.Outputs[name] = failureOutput(r.sink, err)
		s.log.Debug("test failed", zap.String("test", name), zap.Error(err))
	} else {
		s.transition(Passed, name)
		s.state.Passed++
		s.console.Passed()
		if r.sink != nil {
			s.state.Outputs[name] = r.sink.String()
		}
		s.log.Debug("test passed", zap.String("test", name))
	}

	s.loop.Post(s.next)
}

// cleanup disarms the timer, drops the test's pending callbacks and restores
// the console.
func (s *Scheduler) cleanup(r *run) {
	if r.stopTimer != nil {
		r.stopTimer()
	}
	r.scope.Close()
	if r.sink != nil {
		r.sink.Release()
	}
}

// failureOutput appends the failure reason to the test's capture and returns
// the full text.
func failureOutput(sink *capture.Sink, err error) string {
	text := errors.FailureText(err)
	if sink == nil {
		return text
	}
	if out := sink.String(); out != "" && !strings.HasSuffix(out, "\n") {
		text = "\n" + text
	}
	sink.Append(text)
	return sink.String()
}

// finish runs main and prints the summary.
func (s *Scheduler) finish() {
	s.transition(Done, "")

	status, err := s.runMain()
	s.state.MainStatus = status
	s.state.MainErr = err
	if err != nil {
		s.log.Error("main failed", zap.Error(err))
	} else {
		s.log.Debug("main returned", zap.Int("status", status))
	}

	s.console.Summary(s.state.Summary())
	s.loop.Stop()
}

func (s *Scheduler) runMain() (status int, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errors.Trap(fmt.Errorf("panic in main: %v", p))
		}
	}()
	return s.runner.RunMain(s.ctx, s.args)
}

// Resolve implements loader.Hooks.
func (s *Scheduler) Resolve() {
	if s.current == nil {
		s.log.Warn("resolve with no test running")
		return
	}
	s.resolve(s.current)
}

// Reject implements loader.Hooks.
func (s *Scheduler) Reject(err error) {
	if s.current == nil {
		s.log.Warn("reject with no test running", zap.Error(err))
		return
	}
	s.reject(s.current, err)
}

// Defer implements loader.Hooks. Callbacks scheduled while a test runs are
// dropped when it settles.
func (s *Scheduler) Defer(delay time.Duration, fn func()) func() {
	scope := s.global
	if s.current != nil {
		scope = s.current.scope
	}
	return scope.After(delay, fn)
}
