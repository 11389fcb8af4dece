package wasmbin

import (
	"bytes"
	"fmt"
)

// Section ids
const (
	SectionCustom   byte = 0
	SectionType     byte = 1
	SectionImport   byte = 2
	SectionFunction byte = 3
	SectionTable    byte = 4
	SectionMemory   byte = 5
	SectionGlobal   byte = 6
	SectionExport   byte = 7
	SectionStart    byte = 8
	SectionElement  byte = 9
	SectionCode     byte = 10
	SectionData     byte = 11
)

// External kinds
const (
	KindFunc   byte = 0x00
	KindTable  byte = 0x01
	KindMemory byte = 0x02
	KindGlobal byte = 0x03
)

var header = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

// Export is one entry of the export section.
type Export struct {
	Name  string
	Kind  byte
	Index uint32
}

// IsModule reports whether b starts with the core wasm module header.
func IsModule(b []byte) bool {
	return bytes.HasPrefix(b, header)
}

// ReadExports returns the export section entries of a core module in the order
// they appear in the binary. Other sections are skipped without decoding.
func ReadExports(b []byte) ([]Export, error) {
	sec, err := section(b, SectionExport)
	if err != nil || sec == nil {
		return nil, err
	}
	return decodeExports(sec)
}

// section returns the payload of the first section with id, or nil if the
// module has none.
func section(b []byte, want byte) ([]byte, error) {
	if !IsModule(b) {
		return nil, fmt.Errorf("not a core wasm module")
	}
	b = b[len(header):]

	for len(b) > 0 {
		id := b[0]
		size, n, err := readU32(b[1:])
		if err != nil {
			return nil, fmt.Errorf("section %d size: %w", id, err)
		}
		start := 1 + n
		end := start + int(size)
		if end > len(b) {
			return nil, fmt.Errorf("section %d: %w", id, ErrTruncated)
		}
		if id == want {
			return b[start:end], nil
		}
		b = b[end:]
	}
	return nil, nil
}

func decodeExports(b []byte) ([]Export, error) {
	count, n, err := readU32(b)
	if err != nil {
		return nil, fmt.Errorf("export count: %w", err)
	}
	b = b[n:]

	// Each entry takes at least three bytes, so count cannot exceed len(b).
	exports := make([]Export, 0, min(int(count), len(b)))
	for i := uint32(0); i < count; i++ {
		nameLen, n, err := readU32(b)
		if err != nil {
			return nil, fmt.Errorf("export %d name: %w", i, err)
		}
		b = b[n:]
		if int(nameLen) > len(b) {
			return nil, fmt.Errorf("export %d name: %w", i, ErrTruncated)
		}
		name := string(b[:nameLen])
		b = b[nameLen:]

		if len(b) == 0 {
			return nil, fmt.Errorf("export %d kind: %w", i, ErrTruncated)
		}
		kind := b[0]
		idx, n, err := readU32(b[1:])
		if err != nil {
			return nil, fmt.Errorf("export %d index: %w", i, err)
		}
		b = b[1+n:]

		exports = append(exports, Export{Name: name, Kind: kind, Index: idx})
	}
	return exports, nil
}

// FuncExportNames returns the names of exported functions in binary order.
func FuncExportNames(b []byte) ([]string, error) {
	exports, err := ReadExports(b)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range exports {
		if e.Kind == KindFunc {
			names = append(names, e.Name)
		}
	}
	return names, nil
}
