package wasmbin

import (
	"encoding/binary"
	"fmt"
	"math"
	"slices"
)

// ValType is a core value type.
type ValType byte

const (
	I32 ValType = 0x7f
	I64 ValType = 0x7e
	F32 ValType = 0x7d
	F64 ValType = 0x7c
)

// Code is a sequence of encoded instructions. Builders return a new slice so
// calls chain: Code{}.I32Const(1).Drop().
type Code []byte

func (c Code) op(b ...byte) Code { return append(slices.Clip(c), b...) }

func (c Code) Unreachable() Code { return c.op(0x00) }
func (c Code) Nop() Code { return c.op(0x01) }
func (c Code) Loop() Code { return c.op(0x03, 0x40) }
func (c Code) End() Code { return c.op(0x0b) }
func (c Code) Br(depth uint32) Code {
	return appendU32(c.op(0x0c), depth)
}
func (c Code) Return() Code { return c.op(0x0f) }
func (c Code) Call(fn uint32) Code {
	return appendU32(c.op(0x10), fn)
}
func (c Code) Drop() Code { return c.op(0x1a) }
func (c Code) LocalGet(i uint32) Code {
	return appendU32(c.op(0x20), i)
}
func (c Code) LocalSet(i uint32) Code {
	return appendU32(c.op(0x21), i)
}
func (c Code) I32Load(offset uint32) Code {
	return appendU32(c.op(0x28, 0x02), offset)
}
func (c Code) GlobalGet(i uint32) Code {
	return appendU32(c.op(0x23), i)
}
func (c Code) I32Const(v int32) Code {
	return appendS32(c.op(0x41), v)
}
func (c Code) I32Store(offset uint32) Code {
	return appendU32(c.op(0x36, 0x02), offset)
}
func (c Code) MemorySize() Code { return c.op(0x3f, 0x00) }
func (c Code) I32Add() Code { return c.op(0x6a) }
func (c Code) I32And() Code { return c.op(0x71) }
func (c Code) MemoryGrow() Code { return c.op(0x40, 0x00) }

type funcType struct {
	params  []ValType
	results []ValType
}

func (f funcType) equal(o funcType) bool {
	return slices.Equal(f.params, o.params) && slices.Equal(f.results, o.results)
}

type funcImport struct {
	module string
	name   string
	typ    uint32
}

type memImport struct {
	module string
	name   string
	min    uint32
}

type tableImport struct {
	module string
	name   string
	limits Limits
}

type globalImport struct {
	module string
	name   string
	typ    GlobalType
}

type global struct {
	typ  GlobalType
	init int64
}

type function struct {
	typ    uint32
	locals []ValType
	body   Code
}

type dataSegment struct {
	offset uint32
	data   []byte
}

// Module assembles a small core module. It is meant for fixtures: imports must
// be declared before any function is defined so indices stay stable.
type Module struct {
	memMax     *uint32
	types      []funcType
	imports    []funcImport
	memImps    []memImport
	tableImps  []tableImport
	globalImps []globalImport
	tables     []Limits
	globals    []global
	funcs      []function
	exports    []Export
	data       []dataSegment
	memMin     uint32
	hasMem     bool
}

// NewModule returns an empty module builder.
func NewModule() *Module {
	return &Module{}
}

func (m *Module) typeIndex(params, results []ValType) uint32 {
	ft := funcType{params: params, results: results}
	for i, t := range m.types {
		if t.equal(ft) {
			return uint32(i)
		}
	}
	m.types = append(m.types, ft)
	return uint32(len(m.types) - 1)
}

// ImportFunc declares a function import and returns its function index.
func (m *Module) ImportFunc(module, name string, params, results []ValType) uint32 {
	if len(m.funcs) > 0 {
		panic("wasmbin: imports must be declared before functions")
	}
	m.imports = append(m.imports, funcImport{
		module: module,
		name:   name,
		typ:    m.typeIndex(params, results),
	})
	return uint32(len(m.imports) - 1)
}

// ImportMemory declares an imported linear memory with min pages.
func (m *Module) ImportMemory(module, name string, minPages uint32) *Module {
	m.memImps = append(m.memImps, memImport{module: module, name: name, min: minPages})
	return m
}

// ImportTable declares an imported funcref table.
func (m *Module) ImportTable(module, name string, l Limits) *Module {
	m.tableImps = append(m.tableImps, tableImport{module: module, name: name, limits: l})
	return m
}

// ImportGlobal declares an imported global and returns its global index.
func (m *Module) ImportGlobal(module, name string, g GlobalType) uint32 {
	if len(m.globals) > 0 {
		panic("wasmbin: imports must be declared before globals")
	}
	m.globalImps = append(m.globalImps, globalImport{module: module, name: name, typ: g})
	return uint32(len(m.globalImps) - 1)
}

// Table defines a funcref table and returns its table index.
func (m *Module) Table(l Limits) uint32 {
	m.tables = append(m.tables, l)
	return uint32(len(m.tableImps) + len(m.tables) - 1)
}

// ExportTable exports table idx under name.
func (m *Module) ExportTable(name string, idx uint32) *Module {
	m.exports = append(m.exports, Export{Name: name, Kind: KindTable, Index: idx})
	return m
}

// Global defines a global initialized to init and returns its global index.
// Float globals get init converted to their type.
func (m *Module) Global(g GlobalType, init int64) uint32 {
	m.globals = append(m.globals, global{typ: g, init: init})
	return uint32(len(m.globalImps) + len(m.globals) - 1)
}

// ExportGlobal exports global idx under name.
func (m *Module) ExportGlobal(name string, idx uint32) *Module {
	m.exports = append(m.exports, Export{Name: name, Kind: KindGlobal, Index: idx})
	return m
}

// Func defines a function and returns its function index. The trailing end
// opcode is added by Encode.
func (m *Module) Func(params, results, locals []ValType, body Code) uint32 {
	m.funcs = append(m.funcs, function{
		typ:    m.typeIndex(params, results),
		locals: locals,
		body:   body,
	})
	return uint32(len(m.imports) + len(m.funcs) - 1)
}

// ExportFunc exports function idx under name.
func (m *Module) ExportFunc(name string, idx uint32) *Module {
	m.exports = append(m.exports, Export{Name: name, Kind: KindFunc, Index: idx})
	return m
}

// Memory declares the single linear memory with min pages and an optional max.
func (m *Module) Memory(minPages uint32, maxPages *uint32) *Module {
	m.hasMem = true
	m.memMin = minPages
	m.memMax = maxPages
	return m
}

// ExportMemory exports memory 0 under name.
func (m *Module) ExportMemory(name string) *Module {
	m.exports = append(m.exports, Export{Name: name, Kind: KindMemory, Index: 0})
	return m
}

// Data places bytes at offset in memory 0 at instantiation.
func (m *Module) Data(offset uint32, data []byte) *Module {
	m.data = append(m.data, dataSegment{offset: offset, data: data})
	return m
}

// Encode produces the binary module.
func (m *Module) Encode() []byte {
	out := slices.Clone(header)

	if len(m.types) > 0 {
		sec := appendU32(nil, uint32(len(m.types)))
		for _, t := range m.types {
			sec = append(sec, 0x60)
			sec = appendValTypes(sec, t.params)
			sec = appendValTypes(sec, t.results)
		}
		out = appendSection(out, SectionType, sec)
	}

	if n := len(m.imports) + len(m.memImps) + len(m.tableImps) + len(m.globalImps); n > 0 {
		sec := appendU32(nil, uint32(n))
		for _, imp := range m.imports {
			sec = appendName(sec, imp.module)
			sec = appendName(sec, imp.name)
			sec = append(sec, KindFunc)
			sec = appendU32(sec, imp.typ)
		}
		for _, imp := range m.memImps {
			sec = appendName(sec, imp.module)
			sec = appendName(sec, imp.name)
			sec = append(sec, KindMemory, 0x00)
			sec = appendU32(sec, imp.min)
		}
		for _, imp := range m.tableImps {
			sec = appendName(sec, imp.module)
			sec = appendName(sec, imp.name)
			sec = append(sec, KindTable, funcRef)
			sec = appendLimits(sec, imp.limits)
		}
		for _, imp := range m.globalImps {
			sec = appendName(sec, imp.module)
			sec = appendName(sec, imp.name)
			sec = append(sec, KindGlobal)
			sec = appendGlobalType(sec, imp.typ)
		}
		out = appendSection(out, SectionImport, sec)
	}

	if len(m.funcs) > 0 {
		sec := appendU32(nil, uint32(len(m.funcs)))
		for _, f := range m.funcs {
			sec = appendU32(sec, f.typ)
		}
		out = appendSection(out, SectionFunction, sec)
	}

	if len(m.tables) > 0 {
		sec := appendU32(nil, uint32(len(m.tables)))
		for _, l := range m.tables {
			sec = append(sec, funcRef)
			sec = appendLimits(sec, l)
		}
		out = appendSection(out, SectionTable, sec)
	}

	if m.hasMem {
		sec := appendU32(nil, 1)
		sec = appendLimits(sec, Limits{Min: m.memMin, Max: m.memMax})
		out = appendSection(out, SectionMemory, sec)
	}

	if len(m.globals) > 0 {
		sec := appendU32(nil, uint32(len(m.globals)))
		for _, g := range m.globals {
			sec = appendGlobalType(sec, g.typ)
			sec = appendConst(sec, g.typ.Type, g.init)
			sec = append(sec, 0x0b)
		}
		out = appendSection(out, SectionGlobal, sec)
	}

	if len(m.exports) > 0 {
		sec := appendU32(nil, uint32(len(m.exports)))
		for _, e := range m.exports {
			sec = appendName(sec, e.Name)
			sec = append(sec, e.Kind)
			sec = appendU32(sec, e.Index)
		}
		out = appendSection(out, SectionExport, sec)
	}

	if len(m.funcs) > 0 {
		sec := appendU32(nil, uint32(len(m.funcs)))
		for _, f := range m.funcs {
			body := appendU32(nil, uint32(len(f.locals)))
			for _, l := range f.locals {
				body = appendU32(body, 1)
				body = append(body, byte(l))
			}
			body = append(body, f.body...)
			body = append(body, 0x0b)
			sec = appendU32(sec, uint32(len(body)))
			sec = append(sec, body...)
		}
		out = appendSection(out, SectionCode, sec)
	}

	if len(m.data) > 0 {
		sec := appendU32(nil, uint32(len(m.data)))
		for _, d := range m.data {
			sec = append(sec, 0x00) // active, memory 0
			sec = append(sec, 0x41)
			sec = appendS32(sec, int32(d.offset))
			sec = append(sec, 0x0b)
			sec = appendU32(sec, uint32(len(d.data)))
			sec = append(sec, d.data...)
		}
		out = appendSection(out, SectionData, sec)
	}

	return out
}

func appendSection(dst []byte, id byte, payload []byte) []byte {
	dst = append(dst, id)
	dst = appendU32(dst, uint32(len(payload)))
	return append(dst, payload...)
}

func appendName(dst []byte, s string) []byte {
	dst = appendU32(dst, uint32(len(s)))
	return append(dst, s...)
}

// funcRef is the funcref reference type.
const funcRef byte = 0x70

func appendLimits(dst []byte, l Limits) []byte {
	if l.Max == nil {
		dst = append(dst, 0x00)
		return appendU32(dst, l.Min)
	}
	dst = append(dst, 0x01)
	dst = appendU32(dst, l.Min)
	return appendU32(dst, *l.Max)
}

func appendGlobalType(dst []byte, g GlobalType) []byte {
	mut := byte(0x00)
	if g.Mutable {
		mut = 0x01
	}
	return append(dst, byte(g.Type), mut)
}

func appendConst(dst []byte, t ValType, v int64) []byte {
	switch t {
	case I64:
		return appendS64(append(dst, 0x42), v)
	case F32:
		return binary.LittleEndian.AppendUint32(append(dst, 0x43), math.Float32bits(float32(v)))
	case F64:
		return binary.LittleEndian.AppendUint64(append(dst, 0x44), math.Float64bits(float64(v)))
	}
	return appendS32(append(dst, 0x41), int32(v))
}

func appendValTypes(dst []byte, ts []ValType) []byte {
	dst = appendU32(dst, uint32(len(ts)))
	for _, t := range ts {
		dst = append(dst, byte(t))
	}
	return dst
}

// String describes the module shape, for test failure messages.
func (m *Module) String() string {
	imports := len(m.imports) + len(m.memImps) + len(m.tableImps) + len(m.globalImps)
	return fmt.Sprintf("module{types:%d imports:%d funcs:%d exports:%d}", len(m.types), imports, len(m.funcs), len(m.exports))
}
