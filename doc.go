// Package wasmtestharness runs asynchronous tests exported by compiled
// WebAssembly and asm.js artifacts.
//
// A test is any export named __async_test__<name> (one extra leading
// underscore is tolerated). Each test is invoked in turn on a single
// cooperative loop and settles by calling the harness resolve or reject hook,
// by returning a promise, or by running out of time. After the last test the
// module's own main runs, and the process exits 101 if anything failed.
//
// # Architecture Overview
//
//	wasmtestharness/
//	├── cmd/wasmtest/  Command line front end
//	├── harness/       Per-run context: artifact resolution, filter, wiring
//	├── target/        The three supported build targets
//	├── loader/        One loader per target (wazero for wasm, goja for asm.js)
//	├── memview/       Typed views over linear memory, rebuilt on growth
//	├── discovery/     Test export scan and name filter
//	├── capture/       Per-test console output capture
//	├── scheduler/     Sequential async scheduler with per-test timeout
//	├── loop/          Cooperative event loop and cancellable timers
//	├── report/        Console progress lines and summary
//	├── errors/        Structured errors and test failure reasons
//	└── wasmbin/       Minimal wasm binary reader and fixture builder
//
// # Targets
//
//	asmjs-unknown-emscripten   self-instantiating JS runtime, evaluated in goja
//	wasm32-unknown-emscripten  core module with emscripten and WASI imports
//	wasm32-unknown-unknown     bare core module, sync or streaming compile
package wasmtestharness
