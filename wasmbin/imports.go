package wasmbin

import "fmt"

// Limits bounds a table or memory. Max is nil when unbounded.
type Limits struct {
	Max *uint32
	Min uint32
}

// GlobalType is the type of a global.
type GlobalType struct {
	Type    ValType
	Mutable bool
}

// Import is one entry of the import section. Only the field matching Kind is
// set.
type Import struct {
	Module string
	Name   string
	Limits Limits     // KindTable, KindMemory
	Global GlobalType // KindGlobal
	Type   uint32     // KindFunc: type index
	Elem   byte       // KindTable: reference type
	Kind   byte
}

// Key is the module#name form used in missing-import reports.
func (i Import) Key() string { return i.Module + "#" + i.Name }

// ReadImports returns the import section entries in binary order.
func ReadImports(b []byte) ([]Import, error) {
	sec, err := section(b, SectionImport)
	if err != nil || sec == nil {
		return nil, err
	}
	return decodeImports(sec)
}

func decodeImports(b []byte) ([]Import, error) {
	count, n, err := readU32(b)
	if err != nil {
		return nil, fmt.Errorf("import count: %w", err)
	}
	b = b[n:]

	imports := make([]Import, 0, min(int(count), len(b)))
	for i := uint32(0); i < count; i++ {
		var imp Import
		if imp.Module, b, err = readName(b); err != nil {
			return nil, fmt.Errorf("import %d module: %w", i, err)
		}
		if imp.Name, b, err = readName(b); err != nil {
			return nil, fmt.Errorf("import %d name: %w", i, err)
		}
		if len(b) == 0 {
			return nil, fmt.Errorf("import %d kind: %w", i, ErrTruncated)
		}
		imp.Kind, b = b[0], b[1:]

		switch imp.Kind {
		case KindFunc:
			imp.Type, n, err = readU32(b)
			b = b[min(n, len(b)):]
		case KindTable:
			if len(b) == 0 {
				return nil, fmt.Errorf("import %d table type: %w", i, ErrTruncated)
			}
			imp.Elem = b[0]
			imp.Limits, b, err = readLimits(b[1:])
		case KindMemory:
			imp.Limits, b, err = readLimits(b)
		case KindGlobal:
			if len(b) < 2 {
				return nil, fmt.Errorf("import %d global type: %w", i, ErrTruncated)
			}
			imp.Global = GlobalType{Type: ValType(b[0]), Mutable: b[1] == 0x01}
			b = b[2:]
		default:
			return nil, fmt.Errorf("import %d: unknown kind %#x", i, imp.Kind)
		}
		if err != nil {
			return nil, fmt.Errorf("import %d %s.%s: %w", i, imp.Module, imp.Name, err)
		}
		imports = append(imports, imp)
	}
	return imports, nil
}

func readName(b []byte) (string, []byte, error) {
	size, n, err := readU32(b)
	if err != nil {
		return "", nil, err
	}
	b = b[n:]
	if int(size) > len(b) {
		return "", nil, ErrTruncated
	}
	return string(b[:size]), b[size:], nil
}

func readLimits(b []byte) (Limits, []byte, error) {
	if len(b) == 0 {
		return Limits{}, nil, ErrTruncated
	}
	flags := b[0]
	minimum, n, err := readU32(b[1:])
	if err != nil {
		return Limits{}, nil, err
	}
	b = b[1+n:]
	l := Limits{Min: minimum}
	if flags&0x01 != 0 {
		maximum, n, err := readU32(b)
		if err != nil {
			return Limits{}, nil, err
		}
		b = b[n:]
		l.Max = &maximum
	}
	return l, b, nil
}
