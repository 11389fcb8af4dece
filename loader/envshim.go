package loader

import (
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/wasm-testharness/wasmbin"
)

// envHostModule names the host module when env is served by a shim.
const envHostModule = "env.host"

// needsEnvShim reports whether the guest imports a memory, table or global
// from env. Host modules can only export functions, so such a guest links
// against a wasm env module instead.
func needsEnvShim(imports []wasmbin.Import) bool {
	for _, imp := range imports {
		if imp.Module == EnvModule && imp.Kind != wasmbin.KindFunc {
			return true
		}
	}
	return false
}

// buildEnvShim encodes the env module for a guest that imports data from env.
// Every env function the guest imports is forwarded from host. Memories,
// tables and globals are defined with the guest's import types and exported
// under the imported names. Globals start at zero.
func buildEnvShim(compiled wazero.CompiledModule, imports []wasmbin.Import, host string) []byte {
	m := wasmbin.NewModule()

	seen := make(map[string]bool)
	for _, def := range compiled.ImportedFunctions() {
		mod, name, _ := def.Import()
		if mod != EnvModule || seen[name] {
			continue
		}
		seen[name] = true
		idx := m.ImportFunc(host, name, valTypes(def.ParamTypes()), valTypes(def.ResultTypes()))
		m.ExportFunc(name, idx)
	}

	for _, imp := range imports {
		if imp.Module != EnvModule || seen[imp.Name] {
			continue
		}
		switch imp.Kind {
		case wasmbin.KindMemory:
			m.Memory(imp.Limits.Min, imp.Limits.Max).ExportMemory(imp.Name)
		case wasmbin.KindTable:
			m.ExportTable(imp.Name, m.Table(imp.Limits))
		case wasmbin.KindGlobal:
			m.ExportGlobal(imp.Name, m.Global(imp.Global, 0))
		default:
			continue
		}
		seen[imp.Name] = true
	}
	return m.Encode()
}

func valTypes(ts []api.ValueType) []wasmbin.ValType {
	out := make([]wasmbin.ValType, len(ts))
	for i, t := range ts {
		out[i] = wasmbin.ValType(t)
	}
	return out
}
