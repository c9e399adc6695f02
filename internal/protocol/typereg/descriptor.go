package typereg

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	// MaxFixedElements bounds the static extent of a fixed-size array.
	MaxFixedElements = 1 << 20
	// MaxRank bounds the number of dimensions of any array field.
	MaxRank = 8
	// nativePointerSize is the in-memory size used for strings, pointers and
	// variable-length arrays when computing TypeDescriptor.Size.
	nativePointerSize = 8
)

var ErrInvalidDescriptor = errors.New("typereg: invalid descriptor")

// FieldDescriptor describes one field of a structure.
type FieldDescriptor struct {
	Name     string
	Kind     Kind
	Elem     Elem
	TypeName string
	// Shape holds the static extents of a fixed-size array.
	Shape []int
	// Rank is the number of runtime extents of a variable-length array.
	Rank         int
	PointerDepth int
	// Width is the declared element width in bytes; 0 means canonical.
	Width int
	// AddedIn and RemovedAfter gate the field by protocol version. Zero means
	// unbounded on that side.
	AddedIn      uint32
	RemovedAfter uint32
	// Default is the textual value used when the field is absent for the
	// decode version.
	Default string
}

func Scalar(name string, e Elem) FieldDescriptor {
	return FieldDescriptor{Name: name, Kind: KindScalar, Elem: e}
}

func String(name string) FieldDescriptor {
	return FieldDescriptor{Name: name, Kind: KindString, Elem: ElemString}
}

func Struct(name, typeName string) FieldDescriptor {
	return FieldDescriptor{Name: name, Kind: KindStruct, Elem: ElemStruct, TypeName: typeName}
}

func FixedArray(name string, e Elem, shape ...int) FieldDescriptor {
	return FieldDescriptor{Name: name, Kind: KindFixedArray, Elem: e, Shape: append([]int(nil), shape...)}
}

func FixedStructArray(name, typeName string, shape ...int) FieldDescriptor {
	f := FixedArray(name, ElemStruct, shape...)
	f.TypeName = typeName
	return f
}

func VarArray(name string, e Elem) FieldDescriptor {
	return FieldDescriptor{Name: name, Kind: KindVarArray, Elem: e, Rank: 1}
}

func VarStructArray(name, typeName string) FieldDescriptor {
	f := VarArray(name, ElemStruct)
	f.TypeName = typeName
	return f
}

func Pointer(name string, e Elem) FieldDescriptor {
	return FieldDescriptor{Name: name, Kind: KindPointer, Elem: e, PointerDepth: 1}
}

func StructPointer(name, typeName string) FieldDescriptor {
	f := Pointer(name, ElemStruct)
	f.TypeName = typeName
	return f
}

func (f FieldDescriptor) WithRank(rank int) FieldDescriptor {
	f.Rank = rank
	return f
}

func (f FieldDescriptor) WithWidth(width int) FieldDescriptor {
	f.Width = width
	return f
}

func (f FieldDescriptor) Added(version uint32) FieldDescriptor {
	f.AddedIn = version
	return f
}

func (f FieldDescriptor) Removed(version uint32) FieldDescriptor {
	f.RemovedAfter = version
	return f
}

func (f FieldDescriptor) WithDefault(v string) FieldDescriptor {
	f.Default = v
	return f
}

// PresentIn reports whether the field is on the wire at version.
func (f FieldDescriptor) PresentIn(version uint32) bool {
	if f.AddedIn != 0 && version < f.AddedIn {
		return false
	}
	if f.RemovedAfter != 0 && version > f.RemovedAfter {
		return false
	}
	return true
}

// Count is the element count of a fixed-size array, 1 for single values.
func (f FieldDescriptor) Count() int {
	if f.Kind != KindFixedArray {
		return 1
	}
	n := 1
	for _, d := range f.Shape {
		n *= d
	}
	return n
}

// ElemWidth is the declared element width, falling back to canonical.
func (f FieldDescriptor) ElemWidth() int {
	if f.Width != 0 {
		return f.Width
	}
	return f.Elem.Width()
}

// ParsedDefault returns the typed Go value of Default, or nil when unset.
func (f FieldDescriptor) ParsedDefault() (any, error) {
	if f.Default == "" {
		return nil, nil
	}
	switch f.Kind {
	case KindString:
		return f.Default, nil
	case KindScalar:
		return parseScalar(f.Elem, f.Default)
	default:
		return nil, fmt.Errorf("%w: field %q: default not allowed on %s", ErrInvalidDescriptor, f.Name, f.Kind)
	}
}

func parseScalar(e Elem, raw string) (any, error) {
	raw = strings.TrimSpace(raw)
	var (
		v   any
		err error
	)
	switch e {
	case ElemBool:
		v, err = strconv.ParseBool(raw)
	case ElemInt8, ElemInt16, ElemInt32, ElemInt64:
		var n int64
		n, err = strconv.ParseInt(raw, 0, e.Width()*8)
		v = signedOf(e, n)
	case ElemUint8, ElemUint16, ElemUint32, ElemUint64:
		var n uint64
		n, err = strconv.ParseUint(raw, 0, e.Width()*8)
		v = unsignedOf(e, n)
	case ElemFloat32:
		var f float64
		f, err = strconv.ParseFloat(raw, 32)
		v = float32(f)
	case ElemFloat64:
		v, err = strconv.ParseFloat(raw, 64)
	default:
		err = fmt.Errorf("no scalar form for %s", e)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: default %q for %s: %v", ErrInvalidDescriptor, raw, e, err)
	}
	return v, nil
}

func signedOf(e Elem, n int64) any {
	switch e {
	case ElemInt8:
		return int8(n)
	case ElemInt16:
		return int16(n)
	case ElemInt32:
		return int32(n)
	default:
		return n
	}
}

func unsignedOf(e Elem, n uint64) any {
	switch e {
	case ElemUint8:
		return uint8(n)
	case ElemUint16:
		return uint16(n)
	case ElemUint32:
		return uint32(n)
	default:
		return n
	}
}

func (f FieldDescriptor) validate() error {
	if strings.TrimSpace(f.Name) == "" {
		return fmt.Errorf("%w: empty field name", ErrInvalidDescriptor)
	}
	bad := func(format string, args ...any) error {
		return fmt.Errorf("%w: field %q: %s", ErrInvalidDescriptor, f.Name, fmt.Sprintf(format, args...))
	}
	if !f.Kind.Valid() {
		return bad("invalid kind %d", f.Kind)
	}
	if !f.Elem.Valid() {
		return bad("invalid element %d", f.Elem)
	}
	switch f.Kind {
	case KindScalar:
		if !f.Elem.IsPrimitive() {
			return bad("scalar of %s", f.Elem)
		}
	case KindString:
		if f.Elem != ElemString {
			return bad("string kind with element %s", f.Elem)
		}
	case KindStruct:
		if f.Elem != ElemStruct {
			return bad("struct kind with element %s", f.Elem)
		}
	case KindFixedArray:
		if len(f.Shape) == 0 || len(f.Shape) > MaxRank {
			return bad("fixed array rank %d outside [1,%d]", len(f.Shape), MaxRank)
		}
		total := 1
		for _, d := range f.Shape {
			if d <= 0 {
				return bad("non-positive extent %d", d)
			}
			total *= d
			if total > MaxFixedElements {
				return bad("fixed extent exceeds %d elements", MaxFixedElements)
			}
		}
	case KindVarArray:
		if f.Rank < 1 || f.Rank > MaxRank {
			return bad("var array rank %d outside [1,%d]", f.Rank, MaxRank)
		}
		if len(f.Shape) != 0 {
			return bad("var array with static shape")
		}
	}
	if f.Kind != KindFixedArray && len(f.Shape) != 0 {
		return bad("shape on %s", f.Kind)
	}
	if f.Kind != KindVarArray && f.Rank != 0 {
		return bad("rank on %s", f.Kind)
	}
	if f.Kind == KindPointer {
		if f.PointerDepth != 1 {
			return bad("pointer depth %d unsupported", f.PointerDepth)
		}
	} else if f.PointerDepth != 0 {
		return bad("pointer depth on %s", f.Kind)
	}
	if f.Elem == ElemStruct && strings.TrimSpace(f.TypeName) == "" {
		return bad("nested type name required")
	}
	if f.Elem != ElemStruct && f.TypeName != "" {
		return bad("type name on %s element", f.Elem)
	}
	if f.Width != 0 && f.Width != f.Elem.Width() {
		return bad("primitive width mismatch: declared %d, %s is %d", f.Width, f.Elem, f.Elem.Width())
	}
	if f.RemovedAfter != 0 && f.RemovedAfter < f.AddedIn {
		return bad("removed after %d before added in %d", f.RemovedAfter, f.AddedIn)
	}
	if _, err := f.ParsedDefault(); err != nil {
		return err
	}
	return nil
}

func (f FieldDescriptor) equal(o FieldDescriptor) bool {
	if f.Name != o.Name || f.Kind != o.Kind || f.Elem != o.Elem || f.TypeName != o.TypeName ||
		f.Rank != o.Rank || f.PointerDepth != o.PointerDepth || f.ElemWidth() != o.ElemWidth() ||
		f.AddedIn != o.AddedIn || f.RemovedAfter != o.RemovedAfter || f.Default != o.Default {
		return false
	}
	if len(f.Shape) != len(o.Shape) {
		return false
	}
	for i := range f.Shape {
		if f.Shape[i] != o.Shape[i] {
			return false
		}
	}
	return true
}

// TypeDescriptor is the runtime layout of one structure.
type TypeDescriptor struct {
	Name    string
	Size    int
	Version uint32
	Fields  []FieldDescriptor
}

// New builds a descriptor and computes the size of its self-contained fields.
func New(name string, fields ...FieldDescriptor) *TypeDescriptor {
	d := &TypeDescriptor{Name: name, Fields: append([]FieldDescriptor(nil), fields...)}
	d.Size = d.localSize()
	return d
}

// FieldIndex returns the position of the named field, or -1.
func (t *TypeDescriptor) FieldIndex(name string) int {
	for i := range t.Fields {
		if t.Fields[i].Name == name {
			return i
		}
	}
	return -1
}

// Nested lists the distinct nested type names in declaration order.
func (t *TypeDescriptor) Nested() []string {
	var out []string
	seen := make(map[string]bool)
	for _, f := range t.Fields {
		if f.Elem == ElemStruct && !seen[f.TypeName] {
			seen[f.TypeName] = true
			out = append(out, f.TypeName)
		}
	}
	return out
}

// Equal compares layouts. Size is derived and ignored.
func (t *TypeDescriptor) Equal(o *TypeDescriptor) bool {
	if t == nil || o == nil {
		return t == o
	}
	if t.Name != o.Name || t.Version != o.Version || len(t.Fields) != len(o.Fields) {
		return false
	}
	for i := range t.Fields {
		if !t.Fields[i].equal(o.Fields[i]) {
			return false
		}
	}
	return true
}

func (t *TypeDescriptor) Validate() error {
	if t == nil {
		return fmt.Errorf("%w: nil descriptor", ErrInvalidDescriptor)
	}
	if strings.TrimSpace(t.Name) == "" || strings.ContainsAny(t.Name, " \t\r\n") {
		return fmt.Errorf("%w: invalid type name %q", ErrInvalidDescriptor, t.Name)
	}
	seen := make(map[string]bool, len(t.Fields))
	for _, f := range t.Fields {
		if err := f.validate(); err != nil {
			return fmt.Errorf("type %q: %w", t.Name, err)
		}
		if seen[f.Name] {
			return fmt.Errorf("%w: type %q: duplicate field %q", ErrInvalidDescriptor, t.Name, f.Name)
		}
		seen[f.Name] = true
	}
	return nil
}

func (t *TypeDescriptor) clone() *TypeDescriptor {
	c := *t
	c.Fields = make([]FieldDescriptor, len(t.Fields))
	for i, f := range t.Fields {
		f.Shape = append([]int(nil), f.Shape...)
		c.Fields[i] = f
	}
	return &c
}

func (t *TypeDescriptor) localSize() int {
	size := 0
	for _, f := range t.Fields {
		switch f.Kind {
		case KindScalar:
			size += f.Elem.Width()
		case KindFixedArray:
			if f.Elem.IsPrimitive() {
				size += f.Elem.Width() * f.Count()
			} else if f.Elem == ElemString {
				size += nativePointerSize * f.Count()
			}
		case KindString, KindVarArray, KindPointer:
			size += nativePointerSize
		}
	}
	return size
}
