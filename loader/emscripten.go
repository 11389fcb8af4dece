package loader

import (
	"context"
	"strings"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/emscripten"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-testharness/errors"
	"github.com/wippyai/wasm-testharness/target"
)

// Emscripten loads wasm32-unknown-emscripten modules.
//
// The env module is assembled from wazero's emscripten exporter (invoke_*
// trampolines), the harness imports and trap stubs for any other env function
// the module names. When the module also imports its memory, table or globals
// from env, those functions move to env.host and a generated env module
// defines the data and forwards the functions. WASI preview1 backs stdout and
// stderr.
type Emscripten struct{}

func (*Emscripten) Target() target.Target { return target.WasmEmscripten }

func (l *Emscripten) Instantiate(ctx context.Context, a Artifact, env Env) (*Handle, error) {
	bin, err := ReadAll(a)
	if err != nil {
		return nil, err
	}

	w := newWasmInstance(ctx, target.WasmEmscripten, &env)
	h, err := l.instantiate(ctx, w, a.Name(), bin)
	if err != nil {
		w.closeOnError(ctx)
		return nil, err
	}
	return h, nil
}

func (l *Emscripten) instantiate(ctx context.Context, w *wasmInstance, name string, bin []byte) (*Handle, error) {
	if err := w.compile(ctx, name, bin); err != nil {
		return nil, err
	}

	imports, err := w.checkImports(bin, true, func(module, _ string) bool {
		return module == EnvModule || module == wasiModule
	})
	if err != nil {
		return nil, err
	}
	shim := needsEnvShim(imports)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, w.runtime); err != nil {
		return nil, errors.Instantiation("instantiate "+wasiModule, err)
	}

	exporter, err := emscripten.NewFunctionExporterForModule(w.compiled)
	if err != nil {
		return nil, errors.New(errors.PhaseLink, errors.KindInstantiation).
			Target(w.target.String()).
			Cause(err).
			Detail("emscripten imports").
			Build()
	}

	host := EnvModule
	if shim {
		host = envHostModule
	}
	b := w.runtime.NewHostModuleBuilder(host)
	exporter.ExportFunctions(b)
	// Exported after the exporter so the harness's growth hook is the one bound.
	b = w.exportHarness(b)
	b = w.exportTrapStubs(b, EnvModule, func(name string) bool {
		return strings.HasPrefix(name, emscriptenInvokePref)
	})
	if _, err := b.Instantiate(ctx); err != nil {
		return nil, errors.Instantiation("instantiate "+host, err)
	}

	if shim {
		w.log.Debug("linking env data through shim")
		cfg := wazero.NewModuleConfig().WithName(EnvModule)
		if _, err := w.runtime.InstantiateWithConfig(ctx, buildEnvShim(w.compiled, imports, host), cfg); err != nil {
			return nil, errors.Instantiation("instantiate "+EnvModule+" shim", err)
		}
	}

	if err := w.instantiate(ctx); err != nil {
		return nil, err
	}

	if ctors := w.mod.ExportedFunction(ctorsExport); ctors != nil {
		w.log.Debug("running constructors")
		if _, err := w.call(ctx, ctors); err != nil {
			return nil, errors.New(errors.PhaseInit, errors.KindTrap).
				Target(w.target.String()).
				Cause(err).
				Detail("%s", ctorsExport).
				Build()
		}
	}

	mainFn, mainName := w.lookup("main", "_main")
	malloc, _ := w.lookup("malloc", "_malloc")

	exports, err := w.exports(bin, mainName, ctorsExport)
	if err != nil {
		return nil, err
	}
	w.log.Debug("module loaded", zap.Int("exports", exports.Len()), zap.String("main", mainName))

	var main func(ctx context.Context, args []string) (int, error)
	if mainFn != nil {
		main = func(ctx context.Context, args []string) (int, error) {
			return w.runMain(ctx, mainFn, malloc, args)
		}
	}
	return w.handle(exports, main), nil
}
