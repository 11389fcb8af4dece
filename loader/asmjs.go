package loader

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-testharness/errors"
	"github.com/wippyai/wasm-testharness/memview"
	"github.com/wippyai/wasm-testharness/target"
)

// JavaScript globals the harness defines before evaluating the runtime.
const (
	jsModule     = "Module"
	jsPrivate    = "ASYNC_TEST_PRIVATE"
	jsOnGrow     = "__web_on_grow"
	exitStatusJS = "ExitStatus"
)

// AsmJS loads asmjs-unknown-emscripten artifacts: a JavaScript runtime that
// instantiates itself when evaluated.
//
// A Module object is prepared before evaluation. Its preRun hook records every
// Module._<name> function as export <name> and swaps _main for a no-op, so the
// runtime initializes without running the program.
type AsmJS struct{}

func (*AsmJS) Target() target.Target { return target.AsmjsEmscripten }

func (l *AsmJS) Instantiate(ctx context.Context, a Artifact, env Env) (*Handle, error) {
	s, err := load(a, env)
	if err != nil {
		return nil, err
	}
	return s.handle(), nil
}

func load(a Artifact, env Env) (*script, error) {
	src, err := ReadAll(a)
	if err != nil {
		return nil, err
	}

	s := &script{
		vm:     goja.New(),
		env:    &env,
		log:    env.logger().With(zap.Stringer("target", target.AsmjsEmscripten)),
		views:  memview.New(),
		timers: make(map[int64]jsTimer),
	}
	if err := s.prepare(); err != nil {
		return nil, err
	}

	s.log.Debug("evaluating runtime", zap.String("artifact", a.Name()))
	if err := s.run(func() error {
		_, err := s.vm.RunScript(a.Name(), string(src))
		return err
	}); err != nil && !s.isExit(err) {
		return nil, errors.Instantiation("evaluate "+a.Name(), s.failure(errors.KindTrap, err))
	}

	if !s.captured {
		// Runtime never ran preRun; take what is on Module now.
		s.capture()
	}
	s.rebuild()
	return s, nil
}

func (s *script) handle() *Handle {
	h := &Handle{
		Target:    target.AsmjsEmscripten,
		Exports:   s.exports,
		interrupt: s.interrupt,
		close: func(context.Context) error {
			s.vm.ClearInterrupt()
			return nil
		},
	}
	if s.views.Views() != nil {
		h.Memory = s.views
	}
	if s.main != nil || s.callMain() != nil {
		h.main = s.runMain
	}
	s.log.Debug("runtime loaded", zap.Int("exports", s.exports.Len()))
	return h
}

// script is one evaluated runtime. The goja runtime is confined to the loop
// goroutine; only interrupt may be called from elsewhere.
type script struct {
	vm       *goja.Runtime
	module   *goja.Object
	main     goja.Callable
	mainFn   goja.Value
	exports  *Exports
	views    *memview.Manager
	env      *Env
	log      *zap.Logger
	timers   map[int64]jsTimer
	nextID   int64
	calls    int64
	owner    int64
	depth    int
	mu       sync.Mutex
	captured bool
}

// jsTimer is a pending setTimeout. owner is the export invocation that armed
// it, or 0 outside any test.
type jsTimer struct {
	cancel func()
	owner  int64
}

func (s *script) hooks() Hooks {
	if s.env.Hooks == nil {
		return nopHooks{log: s.log}
	}
	return s.env.Hooks
}

// prepare defines Module, console, timers and the harness globals.
func (s *script) prepare() error {
	vm := s.vm
	ch := s.env.channels()

	s.module = vm.NewObject()
	preRun := vm.NewArray(vm.ToValue(func(goja.FunctionCall) goja.Value {
		s.capture()
		return goja.Undefined()
	}))
	set := []struct {
		obj  *goja.Object
		name string
		val  any
	}{
		{s.module, "preRun", preRun},
		{s.module, "print", s.printer(ch.Stdout())},
		{s.module, "printErr", s.printer(ch.Stderr())},
		{s.module, "noExitRuntime", true},
	}
	for _, kv := range set {
		if err := kv.obj.Set(kv.name, kv.val); err != nil {
			return s.prepareErr(kv.name, err)
		}
	}

	console := vm.NewObject()
	for name, w := range map[string]io.Writer{
		"log":   ch.Log(),
		"info":  ch.Log(),
		"debug": ch.Log(),
		"warn":  ch.Stderr(),
		"error": ch.Stderr(),
	} {
		if err := console.Set(name, s.printer(w)); err != nil {
			return s.prepareErr("console."+name, err)
		}
	}

	private := vm.NewObject()
	if err := private.Set("resolve", func(goja.FunctionCall) goja.Value {
		s.hooks().Resolve()
		return goja.Undefined()
	}); err != nil {
		return s.prepareErr(jsPrivate+".resolve", err)
	}
	if err := private.Set("reject", func(c goja.FunctionCall) goja.Value {
		s.hooks().Reject(s.reason(errors.KindRejected, c.Argument(0)))
		return goja.Undefined()
	}); err != nil {
		return s.prepareErr(jsPrivate+".reject", err)
	}

	globals := map[string]any{
		jsModule:       s.module,
		"console":      console,
		jsPrivate:      private,
		jsOnGrow:       func(goja.FunctionCall) goja.Value { s.rebuild(); return goja.Undefined() },
		"setTimeout":   s.setTimeout,
		"clearTimeout": s.clearTimeout,
	}
	for name, v := range globals {
		if err := vm.Set(name, v); err != nil {
			return s.prepareErr(name, err)
		}
	}
	return nil
}

func (s *script) prepareErr(name string, err error) error {
	return errors.New(errors.PhaseInit, errors.KindInstantiation).
		Target(target.AsmjsEmscripten.String()).
		Cause(err).
		Detail("define %s", name).
		Build()
}

func (s *script) printer(w io.Writer) func(goja.FunctionCall) goja.Value {
	return func(c goja.FunctionCall) goja.Value {
		parts := make([]string, len(c.Arguments))
		for i, arg := range c.Arguments {
			parts[i] = arg.String()
		}
		_, _ = fmt.Fprintln(w, strings.Join(parts, " "))
		return goja.Undefined()
	}
}

// capture records Module._<name> functions in key order and neutralizes _main.
func (s *script) capture() {
	s.captured = true
	s.exports = NewExports()
	for _, key := range s.module.Keys() {
		if !strings.HasPrefix(key, "_") {
			continue
		}
		fn, ok := goja.AssertFunction(s.module.Get(key))
		if !ok {
			continue
		}
		name := strings.TrimPrefix(key, "_")
		if name == "main" {
			s.main = fn
			s.mainFn = s.module.Get(key)
			continue
		}
		s.exports.Add(name, s.export(fn))
	}
	if s.main != nil {
		noop := func(goja.FunctionCall) goja.Value { return s.vm.ToValue(0) }
		if err := s.module.Set("_main", noop); err != nil {
			s.log.Warn("replace _main", zap.Error(err))
		}
	}
}

func (s *script) export(fn goja.Callable) Func {
	return func(ctx context.Context) (Thenable, error) {
		s.calls++
		s.enter(s.calls)
		var res goja.Value
		err := s.run(func() error {
			var err error
			res, err = fn(goja.Undefined())
			return err
		})
		if err != nil {
			return nil, s.failure(errors.KindTrap, err)
		}
		if t := s.thenable(res); t != nil {
			return t, nil
		}
		return nil, nil
	}
}

// enter makes owner the current timer owner. A settled test's deferred
// callbacks never fire, so timers armed by earlier invocations are dropped.
func (s *script) enter(owner int64) {
	s.owner = owner
	for id, t := range s.timers {
		if t.owner != 0 && t.owner != owner {
			delete(s.timers, id)
		}
	}
}

// run executes JavaScript with interrupt bookkeeping. Nested calls share the
// outermost frame.
func (s *script) run(fn func() error) error {
	s.mu.Lock()
	if s.depth == 0 {
		s.vm.ClearInterrupt()
	}
	s.depth++
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.depth--
		s.mu.Unlock()
	}()
	return fn()
}

func (s *script) interrupt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.depth > 0 {
		s.log.Debug("interrupting script")
		s.vm.Interrupt(errors.TimeoutReason)
	}
}

func (s *script) thenable(v goja.Value) Thenable {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	obj, ok := v.(*goja.Object)
	if !ok {
		return nil
	}
	then, ok := goja.AssertFunction(obj.Get("then"))
	if !ok {
		return nil
	}
	return &jsThenable{s: s, obj: obj, then: then}
}

type jsThenable struct {
	s    *script
	obj  *goja.Object
	then goja.Callable
}

func (t *jsThenable) Then(resolve func(), reject func(error)) {
	vm := t.s.vm
	onResolve := vm.ToValue(func(goja.FunctionCall) goja.Value {
		resolve()
		return goja.Undefined()
	})
	onReject := vm.ToValue(func(c goja.FunctionCall) goja.Value {
		reject(t.s.reason(errors.KindRejected, c.Argument(0)))
		return goja.Undefined()
	})
	err := t.s.run(func() error {
		_, err := t.then(t.obj, onResolve, onReject)
		return err
	})
	if err != nil {
		reject(t.s.failure(errors.KindTrap, err))
	}
}

func (s *script) setTimeout(c goja.FunctionCall) goja.Value {
	fn, ok := goja.AssertFunction(c.Argument(0))
	if !ok {
		panic(s.vm.NewTypeError("setTimeout: callback is not a function"))
	}
	delay := c.Argument(1).ToInteger()
	if delay < 0 {
		delay = 0
	}
	var args []goja.Value
	if len(c.Arguments) > 2 {
		args = append(args, c.Arguments[2:]...)
	}

	s.nextID++
	id := s.nextID
	cancel := s.hooks().Defer(time.Duration(delay)*time.Millisecond, func() {
		delete(s.timers, id)
		err := s.run(func() error {
			_, err := fn(goja.Undefined(), args...)
			return err
		})
		if err != nil {
			s.hooks().Reject(s.failure(errors.KindTrap, err))
		}
	})
	s.timers[id] = jsTimer{cancel: cancel, owner: s.owner}
	return s.vm.ToValue(id)
}

func (s *script) clearTimeout(c goja.FunctionCall) goja.Value {
	id := c.Argument(0).ToInteger()
	if t, ok := s.timers[id]; ok {
		t.cancel()
		delete(s.timers, id)
	}
	return goja.Undefined()
}

// rebuild refreshes the views from Module.HEAPU8.buffer when the runtime
// exposes it.
func (s *script) rebuild() {
	heap := s.module.Get("HEAPU8")
	if heap == nil || goja.IsUndefined(heap) || goja.IsNull(heap) {
		return
	}
	obj, ok := heap.(*goja.Object)
	if !ok {
		return
	}
	buf, ok := obj.Get("buffer").Export().(goja.ArrayBuffer)
	if !ok {
		return
	}
	s.views.Rebuild(buf.Bytes())
	s.log.Debug("memory views rebuilt", zap.Int("size", len(buf.Bytes())), zap.Uint64("generation", s.views.Generation()))
}

func (s *script) callMain() goja.Callable {
	fn, ok := goja.AssertFunction(s.module.Get("callMain"))
	if !ok {
		return nil
	}
	return fn
}

func (s *script) runMain(_ context.Context, args []string) (int, error) {
	s.enter(0)
	if s.mainFn != nil {
		if err := s.module.Set("_main", s.mainFn); err != nil {
			return 0, errors.New(errors.PhaseMain, errors.KindInstantiation).Cause(err).Detail("restore _main").Build()
		}
	}

	jsArgs := make([]any, len(args))
	for i, a := range args {
		jsArgs[i] = a
	}

	var res goja.Value
	err := s.run(func() error {
		var err error
		if callMain := s.callMain(); callMain != nil {
			res, err = callMain(goja.Undefined(), s.vm.NewArray(jsArgs...))
		} else {
			res, err = s.main(goja.Undefined())
		}
		return err
	})
	if err != nil {
		if status, ok := s.exitCode(err); ok {
			return status, nil
		}
		return 0, s.failure(errors.KindTrap, err)
	}
	if res != nil && !goja.IsUndefined(res) && !goja.IsNull(res) {
		return int(res.ToInteger()), nil
	}
	return 0, nil
}

// exitCode extracts the status of a thrown ExitStatus.
func (s *script) exitCode(err error) (int, bool) {
	var exc *goja.Exception
	if !stderrors.As(err, &exc) {
		return 0, false
	}
	obj, ok := exc.Value().(*goja.Object)
	if !ok {
		return 0, false
	}
	if name := obj.Get("name"); name == nil || name.String() != exitStatusJS {
		return 0, false
	}
	status := obj.Get("status")
	if status == nil {
		return 0, true
	}
	return int(status.ToInteger()), true
}

func (s *script) isExit(err error) bool {
	_, ok := s.exitCode(err)
	return ok
}

// failure converts an error from a JavaScript call into a test failure,
// keeping the thrown value's stack.
func (s *script) failure(kind errors.Kind, err error) *errors.Failure {
	var exc *goja.Exception
	if stderrors.As(err, &exc) {
		f := s.reason(kind, exc.Value())
		f.Cause = err
		return f
	}
	f := errors.Trap(err)
	f.Kind = kind
	return f
}

// reason describes a thrown or rejected JavaScript value.
func (s *script) reason(kind errors.Kind, v goja.Value) *errors.Failure {
	f := &errors.Failure{Kind: kind, Reason: "undefined"}
	if v == nil {
		return f
	}
	f.Reason = v.String()
	if obj, ok := v.(*goja.Object); ok {
		if stack := obj.Get("stack"); stack != nil && !goja.IsUndefined(stack) {
			f.Stack = stack.String()
		}
	}
	return f
}
