// Package wasmbin reads and writes the small slice of the core WebAssembly
// binary format the harness needs.
//
// ReadExports walks the section headers and decodes only the export section,
// which gives the export table in the order the toolchain emitted it. wazero
// reports exports as a map, so this is the source of truth for discovery order.
//
// Module is a minimal builder used to assemble fixture modules:
//
//	m := wasmbin.NewModule()
//	resolve := m.ImportFunc("env", "__async_test_resolve", nil, nil)
//	ok := m.Func(nil, nil, nil, wasmbin.Code{}.Call(resolve))
//	m.ExportFunc("__async_test__ok", ok)
//	bin := m.Encode()
package wasmbin
