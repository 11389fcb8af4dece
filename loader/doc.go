// Package loader instantiates a compiled test artifact and exposes a uniform
// Handle over it, whatever build-target flavor produced it.
//
// Three flavors are supported:
//
//   - asmjs-unknown-emscripten: a self-instantiating JavaScript runtime,
//     evaluated with goja
//   - wasm32-unknown-emscripten: a core module with emscripten and WASI
//     imports, executed with wazero
//   - wasm32-unknown-unknown: a core module with only the harness imports,
//     executed with wazero through either a synchronous or a streaming path
//
// Loading never runs the module's entry point. Constructors run during
// instantiation, exports are captured in declaration order, and the real
// entry point is kept aside for Handle.RunMain:
//
//	l, err := loader.For(target.WasmUnknown)
//	if err != nil {
//		return err
//	}
//	h, err := l.Instantiate(ctx, loader.FileArtifact("tests.wasm"), loader.Env{Hooks: sched})
//	if err != nil {
//		return err
//	}
//	defer h.Close(ctx)
//
// The wasm flavors resolve these harness functions from the "env" module:
//
//	__web_on_grow()                          rebuild memory views
//	emscripten_notify_memory_growth(i32)     same, emscripten spelling
//	__async_test_resolve()                   settle the running test as passed
//	__async_test_reject(ptr, len)            settle as failed with a UTF-8 reason
//	__async_test_defer(ptr, len, delay_ms)   call the named export on a later turn
//	__web_console_log(ptr, len)              write a line to the log channel
//	__web_console_error(ptr, len)            write a line to stderr
package loader
