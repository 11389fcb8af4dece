// Package memview maintains typed views over a module's linear memory.
//
// A view aliases the memory buffer it was built from. When the module grows its
// memory the buffer is replaced, so the Manager rebuilds every view and callers
// must re-fetch them through Views instead of holding on to an old set.
package memview

import (
	"encoding/binary"
	"math"
	"sync"
)

// Int8 is a signed byte view.
type Int8 struct{ b []byte }

func (v Int8) Len() int { return len(v.b) }
func (v Int8) Get(i int) int8 { return int8(v.b[i]) }
func (v Int8) Set(i int, x int8) { v.b[i] = byte(x) }

// Uint8 is an unsigned byte view.
type Uint8 struct{ b []byte }

func (v Uint8) Len() int { return len(v.b) }
func (v Uint8) Get(i int) uint8 { return v.b[i] }
func (v Uint8) Set(i int, x uint8) { v.b[i] = x }

// Slice returns the bytes in [off, off+n). It aliases memory.
func (v Uint8) Slice(off, n int) ([]byte, bool) {
	if off < 0 || n < 0 || off+n > len(v.b) {
		return nil, false
	}
	return v.b[off : off+n], true
}

// Int16 is a signed little-endian 16-bit view indexed by element.
type Int16 struct{ b []byte }

func (v Int16) Len() int { return len(v.b) / 2 }
func (v Int16) Get(i int) int16 {
	return int16(binary.LittleEndian.Uint16(v.b[i*2:]))
}
func (v Int16) Set(i int, x int16) {
	binary.LittleEndian.PutUint16(v.b[i*2:], uint16(x))
}

// Uint16 is an unsigned little-endian 16-bit view indexed by element.
type Uint16 struct{ b []byte }

func (v Uint16) Len() int { return len(v.b) / 2 }
func (v Uint16) Get(i int) uint16 {
	return binary.LittleEndian.Uint16(v.b[i*2:])
}
func (v Uint16) Set(i int, x uint16) {
	binary.LittleEndian.PutUint16(v.b[i*2:], x)
}

// Int32 is a signed little-endian 32-bit view indexed by element.
type Int32 struct{ b []byte }

func (v Int32) Len() int { return len(v.b) / 4 }
func (v Int32) Get(i int) int32 {
	return int32(binary.LittleEndian.Uint32(v.b[i*4:]))
}
func (v Int32) Set(i int, x int32) {
	binary.LittleEndian.PutUint32(v.b[i*4:], uint32(x))
}

// Uint32 is an unsigned little-endian 32-bit view indexed by element.
type Uint32 struct{ b []byte }

func (v Uint32) Len() int { return len(v.b) / 4 }
func (v Uint32) Get(i int) uint32 {
	return binary.LittleEndian.Uint32(v.b[i*4:])
}
func (v Uint32) Set(i int, x uint32) {
	binary.LittleEndian.PutUint32(v.b[i*4:], x)
}

// Float32 is a little-endian IEEE 754 single precision view indexed by element.
type Float32 struct{ b []byte }

func (v Float32) Len() int { return len(v.b) / 4 }
func (v Float32) Get(i int) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(v.b[i*4:]))
}
func (v Float32) Set(i int, x float32) {
	binary.LittleEndian.PutUint32(v.b[i*4:], math.Float32bits(x))
}

// Float64 is a little-endian IEEE 754 double precision view indexed by element.
type Float64 struct{ b []byte }

func (v Float64) Len() int { return len(v.b) / 8 }
func (v Float64) Get(i int) float64 {
	return math.Float64frombits(binary.LittleEndian.Uint64(v.b[i*8:]))
}
func (v Float64) Set(i int, x float64) {
	binary.LittleEndian.PutUint64(v.b[i*8:], math.Float64bits(x))
}

// Views is the full set of typed views over one buffer.
type Views struct {
	Int8    Int8
	Uint8   Uint8
	Int16   Int16
	Uint16  Uint16
	Int32   Int32
	Uint32  Uint32
	Float32 Float32
	Float64 Float64
}

func newViews(buf []byte) *Views {
	return &Views{
		Int8:    Int8{buf},
		Uint8:   Uint8{buf},
		Int16:   Int16{buf},
		Uint16:  Uint16{buf},
		Int32:   Int32{buf},
		Uint32:  Uint32{buf},
		Float32: Float32{buf},
		Float64: Float64{buf},
	}
}

// Manager holds the current view set.
type Manager struct {
	views      *Views
	buf        []byte
	generation uint64
	mu         sync.RWMutex
}

// New returns a Manager with no views built yet.
func New() *Manager {
	return &Manager{}
}

// Rebuild recreates all views over buf.
func (m *Manager) Rebuild(buf []byte) *Views {
	v := newViews(buf)
	m.mu.Lock()
	m.views = v
	m.buf = buf
	m.generation++
	m.mu.Unlock()
	return v
}

// Views returns the current view set, or nil before the first Rebuild.
func (m *Manager) Views() *Views {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.views
}

// Generation counts rebuilds. It changes every time previously fetched views
// become invalid.
func (m *Manager) Generation() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.generation
}

// Stale reports whether the views were built over a different buffer than buf.
func (m *Manager) Stale(buf []byte) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.views == nil {
		return true
	}
	if len(buf) != len(m.buf) {
		return true
	}
	if len(buf) == 0 {
		return false
	}
	return &buf[0] != &m.buf[0]
}

// Size returns the byte length of the buffer the views were built over.
func (m *Manager) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.buf)
}
