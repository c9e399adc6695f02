package typereg

import "fmt"

// Elem is the element type of a field: a fixed-width primitive, a string, or
// a nested structure named by FieldDescriptor.TypeName.
type Elem uint8

const (
	ElemInvalid Elem = iota
	ElemBool
	ElemInt8
	ElemUint8
	ElemInt16
	ElemUint16
	ElemInt32
	ElemUint32
	ElemInt64
	ElemUint64
	ElemFloat32
	ElemFloat64
	ElemString
	ElemStruct
	elemCount
)

var elemNames = [...]string{
	ElemInvalid: "invalid",
	ElemBool:    "bool",
	ElemInt8:    "int8",
	ElemUint8:   "uint8",
	ElemInt16:   "int16",
	ElemUint16:  "uint16",
	ElemInt32:   "int32",
	ElemUint32:  "uint32",
	ElemInt64:   "int64",
	ElemUint64:  "uint64",
	ElemFloat32: "float32",
	ElemFloat64: "float64",
	ElemString:  "string",
	ElemStruct:  "struct",
}

var elemWidths = [...]int{
	ElemBool:    1,
	ElemInt8:    1,
	ElemUint8:   1,
	ElemInt16:   2,
	ElemUint16:  2,
	ElemInt32:   4,
	ElemUint32:  4,
	ElemInt64:   8,
	ElemUint64:  8,
	ElemFloat32: 4,
	ElemFloat64: 8,
	ElemString:  0,
	ElemStruct:  0,
}

func (e Elem) String() string {
	if e < elemCount {
		return elemNames[e]
	}
	return fmt.Sprintf("elem(%d)", uint8(e))
}

// Width is the canonical wire width of a primitive, 0 otherwise.
func (e Elem) Width() int {
	if e > ElemInvalid && e < elemCount {
		return elemWidths[e]
	}
	return 0
}

func (e Elem) IsPrimitive() bool {
	return e >= ElemBool && e <= ElemFloat64
}

func (e Elem) Valid() bool {
	return e > ElemInvalid && e < elemCount
}

// Kind is the container form of a field.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindScalar
	KindString
	KindStruct
	KindFixedArray
	KindVarArray
	KindPointer
	kindCount
)

var kindNames = [...]string{
	KindInvalid:    "invalid",
	KindScalar:     "scalar",
	KindString:     "string",
	KindStruct:     "struct",
	KindFixedArray: "fixed_array",
	KindVarArray:   "var_array",
	KindPointer:    "pointer",
}

func (k Kind) String() string {
	if k < kindCount {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

func (k Kind) Valid() bool {
	return k > KindInvalid && k < kindCount
}

// IsArray reports whether values of this kind hold a sequence of elements.
func (k Kind) IsArray() bool {
	return k == KindFixedArray || k == KindVarArray || k == KindPointer
}
