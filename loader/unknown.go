package loader

import (
	"context"
	"io"

	"github.com/tetratelabs/wazero"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-testharness/errors"
	"github.com/wippyai/wasm-testharness/target"
)

// Unknown loads wasm32-unknown-unknown modules. The only imports offered are
// the harness's own.
//
// Env.Streaming picks the instantiation path: streaming reads and compiles the
// artifact on a separate goroutine and waits for it with ctx, the synchronous
// path compiles in-memory bytes inline.
type Unknown struct{}

func (*Unknown) Target() target.Target { return target.WasmUnknown }

func (l *Unknown) Instantiate(ctx context.Context, a Artifact, env Env) (*Handle, error) {
	w := newWasmInstance(ctx, target.WasmUnknown, &env)

	var (
		bin []byte
		err error
	)
	if env.Streaming {
		bin, err = l.compileStreaming(ctx, w, a)
	} else {
		bin, err = l.compileSync(ctx, w, a)
	}
	if err == nil {
		var h *Handle
		if h, err = l.instantiate(ctx, w, bin); err == nil {
			return h, nil
		}
	}
	w.closeOnError(ctx)
	return nil, err
}

func (l *Unknown) compileSync(ctx context.Context, w *wasmInstance, a Artifact) ([]byte, error) {
	bin, err := ReadAll(a)
	if err != nil {
		return nil, err
	}
	w.log.Debug("compiling module", zap.String("artifact", a.Name()), zap.Bool("streaming", false))
	if err := w.compile(ctx, a.Name(), bin); err != nil {
		return nil, err
	}
	return bin, nil
}

type compileResult struct {
	compiled wazero.CompiledModule
	err      error
	bin      []byte
}

func (l *Unknown) compileStreaming(ctx context.Context, w *wasmInstance, a Artifact) ([]byte, error) {
	w.log.Debug("compiling module", zap.String("artifact", a.Name()), zap.Bool("streaming", true))
	if err := ctx.Err(); err != nil {
		return nil, errors.Load("streaming compile of "+a.Name()+" cancelled", err)
	}

	done := make(chan compileResult, 1)
	go func() {
		done <- streamCompile(ctx, w, a)
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return nil, res.err
		}
		w.compiled = res.compiled
		return res.bin, nil
	case <-ctx.Done():
		return nil, errors.Load("streaming compile of "+a.Name()+" cancelled", ctx.Err())
	}
}

// streamCompile runs off the loop goroutine. It only touches the runtime.
func streamCompile(ctx context.Context, w *wasmInstance, a Artifact) compileResult {
	r, err := a.Open()
	if err != nil {
		return compileResult{err: errors.Load("open "+a.Name(), err)}
	}
	defer r.Close()

	bin, err := io.ReadAll(r)
	if err != nil {
		return compileResult{err: errors.Load("read "+a.Name(), err)}
	}

	compiled, err := compileModule(ctx, w.runtime, w.target, a.Name(), bin)
	if err != nil {
		return compileResult{err: err}
	}
	return compileResult{compiled: compiled, bin: bin}
}

func (l *Unknown) instantiate(ctx context.Context, w *wasmInstance, bin []byte) (*Handle, error) {
	if _, err := w.checkImports(bin, false, nil); err != nil {
		return nil, err
	}

	b := w.exportHarness(w.runtime.NewHostModuleBuilder(EnvModule))
	if _, err := b.Instantiate(ctx); err != nil {
		return nil, errors.Instantiation("instantiate "+EnvModule, err)
	}

	if err := w.instantiate(ctx); err != nil {
		return nil, err
	}

	mainFn, mainName := w.lookup("main", "__web_main")
	exports, err := w.exports(bin, mainName)
	if err != nil {
		return nil, err
	}
	w.log.Debug("module loaded", zap.Int("exports", exports.Len()), zap.String("main", mainName))

	var main func(ctx context.Context, args []string) (int, error)
	if mainFn != nil {
		main = func(ctx context.Context, args []string) (int, error) {
			return w.runMain(ctx, mainFn, nil, args)
		}
	}
	return w.handle(exports, main), nil
}
