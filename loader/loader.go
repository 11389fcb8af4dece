package loader

import (
	"bytes"
	"context"
	"io"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-testharness/capture"
	"github.com/wippyai/wasm-testharness/errors"
	"github.com/wippyai/wasm-testharness/memview"
	"github.com/wippyai/wasm-testharness/target"
)

// Hooks is the harness side of the async-test imports a module calls into.
// All methods are invoked on the loop goroutine.
type Hooks interface {
	// Resolve settles the running test as passed.
	Resolve()
	// Reject settles the running test as failed with err as the reason.
	Reject(err error)
	// Defer runs fn on a later loop turn once delay has elapsed. The callback
	// belongs to the running test and is dropped when that test settles.
	Defer(delay time.Duration, fn func()) (cancel func())
}

// Thenable is an asynchronous completion returned by a test body.
type Thenable interface {
	Then(resolve func(), reject func(error))
}

// Func invokes one export. A non-nil error is a synchronous throw or trap; a
// non-nil Thenable reports completion later.
type Func func(ctx context.Context) (Thenable, error)

// Exports is the export table of a loaded module in declaration order.
type Exports struct {
	funcs map[string]Func
	names []string
}

// NewExports returns an empty table.
func NewExports() *Exports {
	return &Exports{funcs: make(map[string]Func)}
}

// Add appends name. A repeated name replaces the function but keeps its
// original position.
func (e *Exports) Add(name string, fn Func) {
	if _, ok := e.funcs[name]; !ok {
		e.names = append(e.names, name)
	}
	e.funcs[name] = fn
}

// Names returns export names in order.
func (e *Exports) Names() []string {
	return append([]string(nil), e.names...)
}

// Lookup returns the export called name.
func (e *Exports) Lookup(name string) (Func, bool) {
	fn, ok := e.funcs[name]
	return fn, ok
}

// Len returns the number of exports.
func (e *Exports) Len() int {
	return len(e.names)
}

// Env carries what a loader needs from the harness.
type Env struct {
	Hooks    Hooks
	Channels *capture.Channels
	Logger   *zap.Logger

	// Streaming selects streaming instantiation where the target supports
	// both paths.
	Streaming bool

	// MemoryLimitPages caps linear memory in 64KiB pages. 0 keeps the runtime
	// default.
	MemoryLimitPages uint32
}

func (e *Env) logger() *zap.Logger {
	if e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger
}

func (e *Env) channels() *capture.Channels {
	if e.Channels == nil {
		e.Channels = capture.NewChannels(os.Stdout, os.Stderr)
	}
	return e.Channels
}

// Handle is a loaded, pre-initialized module.
type Handle struct {
	Exports *Exports
	// Memory is nil when the module exposes no linear memory to the harness.
	Memory *memview.Manager
	Target target.Target

	main      func(ctx context.Context, args []string) (int, error)
	interrupt func()
	close     func(ctx context.Context) error
	closeOnce sync.Once
	closeErr  error
}

// RunMain runs the module's real entry point with args and returns its exit
// status. A module without an entry point returns 0.
func (h *Handle) RunMain(ctx context.Context, args []string) (int, error) {
	if h.main == nil {
		return 0, nil
	}
	return h.main(ctx, args)
}

// HasMain reports whether the module exported an entry point.
func (h *Handle) HasMain() bool {
	return h.main != nil
}

// Interrupt aborts module code currently executing on the loop goroutine. It
// may be called from any goroutine and is a no-op when nothing is running.
func (h *Handle) Interrupt() {
	if h.interrupt != nil {
		h.interrupt()
	}
}

// Close releases the module and its runtime.
func (h *Handle) Close(ctx context.Context) error {
	h.closeOnce.Do(func() {
		if h.close != nil {
			h.closeErr = h.close(ctx)
		}
	})
	return h.closeErr
}

// Artifact is the compiled build output handed to a loader.
type Artifact interface {
	// Name identifies the artifact in messages, usually its path.
	Name() string
	Open() (io.ReadCloser, error)
}

// FileArtifact is an artifact on disk.
type FileArtifact string

func (f FileArtifact) Name() string { return string(f) }

func (f FileArtifact) Open() (io.ReadCloser, error) {
	return os.Open(string(f))
}

// BytesArtifact is an artifact already in memory.
type BytesArtifact struct {
	Label string
	Data  []byte
}

func (b BytesArtifact) Name() string {
	if b.Label == "" {
		return "<memory>"
	}
	return b.Label
}

func (b BytesArtifact) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(b.Data)), nil
}

// ReadAll reads the whole artifact.
func ReadAll(a Artifact) ([]byte, error) {
	if b, ok := a.(BytesArtifact); ok {
		return b.Data, nil
	}
	r, err := a.Open()
	if err != nil {
		return nil, errors.Load("open "+a.Name(), err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Load("read "+a.Name(), err)
	}
	return data, nil
}

// Loader instantiates artifacts of one target flavor.
type Loader interface {
	Target() target.Target
	Instantiate(ctx context.Context, a Artifact, env Env) (*Handle, error)
}

// For returns the loader for t.
func For(t target.Target) (Loader, error) {
	switch t {
	case target.AsmjsEmscripten:
		return &AsmJS{}, nil
	case target.WasmEmscripten:
		return &Emscripten{}, nil
	case target.WasmUnknown:
		return &Unknown{}, nil
	}
	return nil, errors.UnknownTarget(t.String())
}
