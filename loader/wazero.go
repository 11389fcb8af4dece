package loader

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"reflect"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/sys"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-testharness/errors"
	"github.com/wippyai/wasm-testharness/memview"
	"github.com/wippyai/wasm-testharness/target"
	"github.com/wippyai/wasm-testharness/wasmbin"
)

// Harness import names, all in module "env".
const (
	EnvModule = "env"

	ImportWebOnGrow      = "__web_on_grow"
	ImportNotifyGrowth   = "emscripten_notify_memory_growth"
	ImportResolve        = "__async_test_resolve"
	ImportReject         = "__async_test_reject"
	ImportDefer          = "__async_test_defer"
	ImportConsoleLog     = "__web_console_log"
	ImportConsoleError   = "__web_console_error"
	wasiModule           = "wasi_snapshot_preview1"
	emscriptenInvokePref = "invoke_"
	ctorsExport          = "__wasm_call_ctors"
	memoryExport         = "memory"
	programName          = "this.program"
)

var (
	i32 = api.ValueTypeI32

	harnessImports = map[string]bool{
		ImportWebOnGrow:    true,
		ImportNotifyGrowth: true,
		ImportResolve:      true,
		ImportReject:       true,
		ImportDefer:        true,
		ImportConsoleLog:   true,
		ImportConsoleError: true,
	}
)

// wasmInstance is the state shared by both wazero-backed flavors.
type wasmInstance struct {
	ctx      context.Context
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
	mod      api.Module
	views    *memview.Manager
	env      *Env
	log      *zap.Logger
	cancel   context.CancelFunc
	target   target.Target
	mu       sync.Mutex
}

func newWasmInstance(ctx context.Context, t target.Target, env *Env) *wasmInstance {
	cfg := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if env.MemoryLimitPages > 0 {
		cfg = cfg.WithMemoryLimitPages(env.MemoryLimitPages)
	}
	return &wasmInstance{
		ctx:     ctx,
		runtime: wazero.NewRuntimeWithConfig(ctx, cfg),
		views:   memview.New(),
		env:     env,
		log:     env.logger().With(zap.Stringer("target", t)),
		target:  t,
	}
}

func (w *wasmInstance) hooks() Hooks {
	if w.env.Hooks == nil {
		return nopHooks{log: w.log}
	}
	return w.env.Hooks
}

// compile checks the binary and compiles it on the calling goroutine.
func (w *wasmInstance) compile(ctx context.Context, name string, bin []byte) error {
	compiled, err := compileModule(ctx, w.runtime, w.target, name, bin)
	if err != nil {
		return err
	}
	w.compiled = compiled
	return nil
}

func compileModule(ctx context.Context, r wazero.Runtime, t target.Target, name string, bin []byte) (wazero.CompiledModule, error) {
	if !wasmbin.IsModule(bin) {
		return nil, errors.New(errors.PhaseLoad, errors.KindInvalidData).
			Target(t.String()).
			Detail("%s is not a core wasm module", name).
			Build()
	}
	compiled, err := r.CompileModule(ctx, bin)
	if err != nil {
		return nil, errors.Load("compile "+name, err)
	}
	return compiled, nil
}

// checkImports reports imports that no host will provide and returns the
// import section. allow decides whether a non-harness function import is
// satisfied. With envData set, memories, tables and globals imported from env
// are accepted; the env shim defines them.
func (w *wasmInstance) checkImports(bin []byte, envData bool, allow func(module, name string) bool) ([]wasmbin.Import, error) {
	imports, err := wasmbin.ReadImports(bin)
	if err != nil {
		return nil, errors.New(errors.PhaseLoad, errors.KindInvalidData).
			Target(w.target.String()).
			Cause(err).
			Detail("read import section").
			Build()
	}

	var missing []string
	for _, imp := range imports {
		switch {
		case imp.Kind == wasmbin.KindFunc:
			if imp.Module == EnvModule && harnessImports[imp.Name] {
				continue
			}
			if allow != nil && allow(imp.Module, imp.Name) {
				continue
			}
		case envData && imp.Module == EnvModule:
			continue
		case imp.Kind == wasmbin.KindMemory:
			e := errors.Unsupported(errors.PhaseLink, "imported linear memory "+imp.Module+"."+imp.Name+" is not supported")
			e.Target = w.target.String()
			return nil, e
		}
		missing = append(missing, imp.Key())
	}
	if len(missing) > 0 {
		return nil, errors.NewMissingImportsError(missing)
	}
	return imports, nil
}

// exportHarness adds the harness import object to b.
func (w *wasmInstance) exportHarness(b wazero.HostModuleBuilder) wazero.HostModuleBuilder {
	onGrow := api.GoModuleFunc(func(_ context.Context, m api.Module, _ []uint64) {
		w.rebuild(guestMemory(m))
	})

	b = b.NewFunctionBuilder().
		WithGoModuleFunction(onGrow, nil, nil).
		Export(ImportWebOnGrow)

	b = b.NewFunctionBuilder().
		WithGoModuleFunction(onGrow, []api.ValueType{i32}, nil).
		Export(ImportNotifyGrowth)

	b = b.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(func(_ context.Context, _ api.Module, _ []uint64) {
			w.hooks().Resolve()
		}), nil, nil).
		Export(ImportResolve)

	b = b.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(func(_ context.Context, m api.Module, stack []uint64) {
			reason := w.mustString(m, stack[0], stack[1])
			w.hooks().Reject(errors.Rejected(reason, ""))
		}), []api.ValueType{i32, i32}, nil).
		Export(ImportReject)

	b = b.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(func(_ context.Context, m api.Module, stack []uint64) {
			name := w.mustString(m, stack[0], stack[1])
			delay := time.Duration(api.DecodeU32(stack[2])) * time.Millisecond
			w.log.Debug("deferred export", zap.String("export", name), zap.Duration("delay", delay))
			w.hooks().Defer(delay, func() {
				w.callDeferred(name)
			})
		}), []api.ValueType{i32, i32, i32}, nil).
		Export(ImportDefer)

	b = b.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(func(_ context.Context, m api.Module, stack []uint64) {
			w.writeLine(w.env.channels().Log(), w.mustString(m, stack[0], stack[1]))
		}), []api.ValueType{i32, i32}, nil).
		Export(ImportConsoleLog)

	b = b.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(func(_ context.Context, m api.Module, stack []uint64) {
			w.writeLine(w.env.channels().Stderr(), w.mustString(m, stack[0], stack[1]))
		}), []api.ValueType{i32, i32}, nil).
		Export(ImportConsoleError)

	return b
}

// exportTrapStubs satisfies every remaining import of module with a function
// that traps when called.
func (w *wasmInstance) exportTrapStubs(b wazero.HostModuleBuilder, module string, provided func(name string) bool) wazero.HostModuleBuilder {
	for _, def := range w.compiled.ImportedFunctions() {
		mod, name, _ := def.Import()
		if mod != module || harnessImports[name] || provided(name) {
			continue
		}
		fn := name
		w.log.Debug("stubbing unresolved import", zap.String("export", fn))
		b = b.NewFunctionBuilder().
			WithGoModuleFunction(api.GoModuleFunc(func(_ context.Context, _ api.Module, _ []uint64) {
				panic("unresolved host import " + module + "." + fn + " called")
			}), def.ParamTypes(), def.ResultTypes()).
			Export(fn)
	}
	return b
}

// instantiate creates the guest instance without running any start export.
func (w *wasmInstance) instantiate(ctx context.Context) error {
	ch := w.env.channels()
	cfg := wazero.NewModuleConfig().
		WithName("").
		WithStartFunctions().
		WithStdout(ch.Stdout()).
		WithStderr(ch.Stderr())

	mod, err := w.runtime.InstantiateModule(ctx, w.compiled, cfg)
	if err != nil {
		return errors.Instantiation("instantiate "+w.target.String()+" module", err)
	}
	w.mod = mod
	if mem := w.memory(); mem != nil {
		w.rebuild(mem)
	}
	return nil
}

// memory returns the guest's exported memory, falling back to its first
// defined one. It is nil when the guest has no memory.
func (w *wasmInstance) memory() api.Memory {
	if w.mod == nil {
		return nil
	}
	return guestMemory(w.mod)
}

func guestMemory(m api.Module) api.Memory {
	if mem := m.ExportedMemory(memoryExport); isValidMemory(mem) {
		return mem
	}
	if mem := m.Memory(); isValidMemory(mem) {
		return mem
	}
	return nil
}

// isValidMemory checks if a memory interface is non-nil and not a typed nil.
func isValidMemory(mem api.Memory) bool {
	if mem == nil {
		return false
	}
	return !reflect.ValueOf(mem).IsNil()
}

func (w *wasmInstance) rebuild(mem api.Memory) *memview.Views {
	if mem == nil {
		return nil
	}
	buf, _ := mem.Read(0, mem.Size())
	v := w.views.Rebuild(buf)
	w.log.Debug("memory views rebuilt", zap.Int("size", len(buf)), zap.Uint64("generation", w.views.Generation()))
	return v
}

// current returns views over mem, rebuilding them when the memory grew
// without a notification.
func (w *wasmInstance) current(mem api.Memory) *memview.Views {
	buf, _ := mem.Read(0, mem.Size())
	if w.views.Stale(buf) {
		return w.rebuild(mem)
	}
	return w.views.Views()
}

func (w *wasmInstance) readString(m api.Module, ptr, n uint64) (string, error) {
	mem := guestMemory(m)
	if mem == nil {
		return "", errors.New(errors.PhaseRun, errors.KindNotInitialized).
			Detail("module has no linear memory").
			Build()
	}
	v := w.current(mem)
	b, ok := v.Uint8.Slice(int(api.DecodeU32(ptr)), int(api.DecodeU32(n)))
	if !ok {
		return "", errors.OutOfBounds(errors.PhaseRun, api.DecodeU32(ptr), api.DecodeU32(n), v.Uint8.Len())
	}
	return string(b), nil
}

// mustString reads a guest string inside a host function. Failures trap the
// calling module.
func (w *wasmInstance) mustString(m api.Module, ptr, n uint64) string {
	s, err := w.readString(m, ptr, n)
	if err != nil {
		panic(err)
	}
	return s
}

func (w *wasmInstance) writeLine(dst io.Writer, s string) {
	if !strings.HasSuffix(s, "\n") {
		s += "\n"
	}
	_, _ = dst.Write([]byte(s))
}

// call runs fn on the calling goroutine with a context Interrupt can cancel.
func (w *wasmInstance) call(ctx context.Context, fn api.Function, params ...uint64) ([]uint64, error) {
	callCtx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	prev := w.cancel
	w.cancel = cancel
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		w.cancel = prev
		w.mu.Unlock()
		cancel()
	}()

	return fn.Call(callCtx, params...)
}

func (w *wasmInstance) interrupt() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		w.log.Debug("interrupting guest call")
		w.cancel()
	}
}

func (w *wasmInstance) callDeferred(name string) {
	fn := w.mod.ExportedFunction(name)
	if fn == nil {
		w.hooks().Reject(errors.Trap(errors.NotFound(errors.PhaseRun, "deferred export", name)))
		return
	}
	if _, err := w.call(w.ctx, fn); err != nil {
		w.hooks().Reject(errors.Trap(err))
	}
}

// exports captures the guest's function exports in binary order, skipping
// names the loader keeps for itself.
func (w *wasmInstance) exports(bin []byte, skip ...string) (*Exports, error) {
	names, err := wasmbin.FuncExportNames(bin)
	if err != nil {
		return nil, errors.New(errors.PhaseDiscover, errors.KindInvalidData).
			Target(w.target.String()).
			Cause(err).
			Detail("read export section").
			Build()
	}

	out := NewExports()
	for _, name := range names {
		if slices.Contains(skip, name) {
			continue
		}
		fn := w.mod.ExportedFunction(name)
		if fn == nil {
			continue
		}
		out.Add(name, func(ctx context.Context) (Thenable, error) {
			_, err := w.call(ctx, fn)
			return nil, err
		})
	}
	return out, nil
}

// lookup returns the first exported function among names.
func (w *wasmInstance) lookup(names ...string) (api.Function, string) {
	for _, name := range names {
		if fn := w.mod.ExportedFunction(name); fn != nil {
			return fn, name
		}
	}
	return nil, ""
}

// runMain calls the entry point. When it takes (argc, argv) and malloc is
// available the arguments are copied into guest memory.
func (w *wasmInstance) runMain(ctx context.Context, fn api.Function, malloc api.Function, args []string) (int, error) {
	var params []uint64
	switch len(fn.Definition().ParamTypes()) {
	case 0:
	case 2:
		if malloc == nil || w.memory() == nil {
			params = []uint64{0, 0}
			break
		}
		argc, argv, err := w.writeArgs(ctx, malloc, append([]string{programName}, args...))
		if err != nil {
			return 0, err
		}
		params = []uint64{api.EncodeU32(argc), api.EncodeU32(argv)}
	default:
		e := errors.Unsupported(errors.PhaseMain, fmt.Sprintf("entry point %s takes %d params", fn.Definition().Name(), len(fn.Definition().ParamTypes())))
		e.Target = w.target.String()
		return 0, e
	}

	w.log.Debug("running main", zap.Strings("args", args))
	results, err := w.call(ctx, fn, params...)
	if err != nil {
		return exitStatus(err)
	}
	if len(results) > 0 {
		return int(api.DecodeI32(results[0])), nil
	}
	return 0, nil
}

func (w *wasmInstance) malloc(ctx context.Context, malloc api.Function, size uint32) (uint32, error) {
	res, err := w.call(ctx, malloc, api.EncodeU32(size))
	if err != nil {
		return 0, errors.New(errors.PhaseMain, errors.KindTrap).Cause(err).Detail("malloc(%d)", size).Build()
	}
	if len(res) == 0 || api.DecodeU32(res[0]) == 0 {
		return 0, errors.New(errors.PhaseMain, errors.KindOutOfBounds).Detail("malloc(%d) returned null", size).Build()
	}
	return api.DecodeU32(res[0]), nil
}

// writeArgs copies NUL-terminated args and a NULL-terminated pointer array into
// guest memory. Views are refetched after every allocation since malloc may
// grow memory.
func (w *wasmInstance) writeArgs(ctx context.Context, malloc api.Function, args []string) (argc, argv uint32, err error) {
	ptrs := make([]uint32, 0, len(args)+1)
	for _, arg := range args {
		n := uint32(len(arg) + 1)
		p, err := w.malloc(ctx, malloc, n)
		if err != nil {
			return 0, 0, err
		}
		v := w.current(w.memory())
		b, ok := v.Uint8.Slice(int(p), int(n))
		if !ok {
			return 0, 0, errors.OutOfBounds(errors.PhaseMain, p, n, v.Uint8.Len())
		}
		copy(b, arg)
		b[len(arg)] = 0
		ptrs = append(ptrs, p)
	}
	ptrs = append(ptrs, 0)

	size := uint32(4 * len(ptrs))
	base, err := w.malloc(ctx, malloc, size)
	if err != nil {
		return 0, 0, err
	}
	if base%4 != 0 {
		return 0, 0, errors.New(errors.PhaseMain, errors.KindInvalidData).Detail("malloc returned unaligned argv %#x", base).Build()
	}
	v := w.current(w.memory())
	first := int(base / 4)
	if first+len(ptrs) > v.Uint32.Len() {
		return 0, 0, errors.OutOfBounds(errors.PhaseMain, base, size, v.Uint8.Len())
	}
	for i, p := range ptrs {
		v.Uint32.Set(first+i, p)
	}
	return uint32(len(args)), base, nil
}

func (w *wasmInstance) handle(exports *Exports, main func(ctx context.Context, args []string) (int, error)) *Handle {
	h := &Handle{
		Target:    w.target,
		Exports:   exports,
		main:      main,
		interrupt: w.interrupt,
		close:     w.runtime.Close,
	}
	if w.memory() != nil {
		h.Memory = w.views
	}
	return h
}

func (w *wasmInstance) closeOnError(ctx context.Context) {
	if err := w.runtime.Close(ctx); err != nil {
		w.log.Debug("close runtime", zap.Error(err))
	}
}

// exitStatus converts a proc_exit into a status. Cancellation and deadline
// exits stay errors.
func exitStatus(err error) (int, error) {
	var exit *sys.ExitError
	if stderrors.As(err, &exit) {
		switch exit.ExitCode() {
		case sys.ExitCodeContextCanceled, sys.ExitCodeDeadlineExceeded:
			return 0, err
		}
		return int(int32(exit.ExitCode())), nil
	}
	return 0, err
}

type nopHooks struct {
	log *zap.Logger
}

func (h nopHooks) Resolve() {
	h.log.Warn("resolve called with no test running")
}

func (h nopHooks) Reject(err error) {
	h.log.Warn("reject called with no test running", zap.Error(err))
}

func (h nopHooks) Defer(time.Duration, func()) func() {
	h.log.Warn("defer called with no scheduler")
	return func() {}
}
