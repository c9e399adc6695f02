package nodetree

import (
	"fmt"
	"math"

	"github.com/danmuck/udactl/internal/protocol/typereg"
)

// ValueKind tags which variant a Value holds.
type ValueKind uint8

const (
	ValueEmpty ValueKind = iota
	ValueScalar
	ValueString
	ValueArray
	ValueStrings
	ValueNode
	ValueNodes
)

func (k ValueKind) String() string {
	switch k {
	case ValueEmpty:
		return "empty"
	case ValueScalar:
		return "scalar"
	case ValueString:
		return "string"
	case ValueArray:
		return "array"
	case ValueStrings:
		return "strings"
	case ValueNode:
		return "node"
	case ValueNodes:
		return "nodes"
	default:
		return fmt.Sprintf("value(%d)", uint8(k))
	}
}

// Number is the set of Go element types a primitive array may hold.
type Number interface {
	bool | int8 | uint8 | int16 | uint16 | int32 | uint32 | int64 | uint64 | float32 | float64
}

// Value is one field slot: empty, a primitive, a string, a primitive array,
// a string array, one nested node, or a sequence of nested nodes.
type Value struct {
	kind  ValueKind
	elem  typereg.Elem
	bits  uint64
	str   string
	data  any
	node  *Node
	nodes []Node
	shape []int
}

func Empty() Value { return Value{} }

func Bool(b bool) Value {
	var bits uint64
	if b {
		bits = 1
	}
	return Value{kind: ValueScalar, elem: typereg.ElemBool, bits: bits}
}

func Int8(v int8) Value     { return Bits(typereg.ElemInt8, uint64(v)) }
func Uint8(v uint8) Value   { return Bits(typereg.ElemUint8, uint64(v)) }
func Int16(v int16) Value   { return Bits(typereg.ElemInt16, uint64(v)) }
func Uint16(v uint16) Value { return Bits(typereg.ElemUint16, uint64(v)) }
func Int32(v int32) Value   { return Bits(typereg.ElemInt32, uint64(v)) }
func Uint32(v uint32) Value { return Bits(typereg.ElemUint32, uint64(v)) }
func Int64(v int64) Value   { return Bits(typereg.ElemInt64, uint64(v)) }
func Uint64(v uint64) Value { return Bits(typereg.ElemUint64, v) }

func Float32(v float32) Value {
	return Bits(typereg.ElemFloat32, uint64(math.Float32bits(v)))
}

func Float64(v float64) Value {
	return Bits(typereg.ElemFloat64, math.Float64bits(v))
}

// Bits builds a scalar from its wire representation, masked to the
// element's width.
func Bits(e typereg.Elem, bits uint64) Value {
	if w := e.Width(); w > 0 && w < 8 {
		bits &= (uint64(1) << (8 * w)) - 1
	}
	return Value{kind: ValueScalar, elem: e, bits: bits}
}

// Scalar converts a Go primitive into a Value.
func Scalar(v any) (Value, error) {
	switch x := v.(type) {
	case bool:
		return Bool(x), nil
	case int8:
		return Int8(x), nil
	case uint8:
		return Uint8(x), nil
	case int16:
		return Int16(x), nil
	case uint16:
		return Uint16(x), nil
	case int32:
		return Int32(x), nil
	case uint32:
		return Uint32(x), nil
	case int64:
		return Int64(x), nil
	case uint64:
		return Uint64(x), nil
	case float32:
		return Float32(x), nil
	case float64:
		return Float64(x), nil
	default:
		return Value{}, fmt.Errorf("nodetree: no scalar form for %T", v)
	}
}

func Str(s string) Value {
	return Value{kind: ValueString, elem: typereg.ElemString, str: s}
}

// Array wraps a primitive slice. shape gives runtime extents for rank > 1.
func Array[T Number](vals []T, shape ...int) Value {
	return Value{kind: ValueArray, elem: ElemOf[T](), data: vals, shape: copyShape(shape)}
}

func Strings(vals []string, shape ...int) Value {
	return Value{kind: ValueStrings, elem: typereg.ElemString, data: vals, shape: copyShape(shape)}
}

// Child wraps a single nested node.
func Child(n *Node) Value {
	return Value{kind: ValueNode, elem: typereg.ElemStruct, node: n}
}

// Children wraps a contiguous sequence of nested nodes.
func Children(ns []Node, shape ...int) Value {
	return Value{kind: ValueNodes, elem: typereg.ElemStruct, nodes: ns, shape: copyShape(shape)}
}

func copyShape(shape []int) []int {
	if len(shape) == 0 {
		return nil
	}
	return append([]int(nil), shape...)
}

// ElemOf maps a Go element type to its wire element.
func ElemOf[T Number]() typereg.Elem {
	var zero T
	switch any(zero).(type) {
	case bool:
		return typereg.ElemBool
	case int8:
		return typereg.ElemInt8
	case uint8:
		return typereg.ElemUint8
	case int16:
		return typereg.ElemInt16
	case uint16:
		return typereg.ElemUint16
	case int32:
		return typereg.ElemInt32
	case uint32:
		return typereg.ElemUint32
	case int64:
		return typereg.ElemInt64
	case uint64:
		return typereg.ElemUint64
	case float32:
		return typereg.ElemFloat32
	case float64:
		return typereg.ElemFloat64
	default:
		return typereg.ElemInvalid
	}
}

func (v Value) Kind() ValueKind    { return v.kind }
func (v Value) Elem() typereg.Elem { return v.elem }
func (v Value) IsEmpty() bool      { return v.kind == ValueEmpty }

// Raw returns the masked wire bits of a scalar.
func (v Value) Raw() uint64 { return v.bits }

func (v Value) Bool() bool { return v.bits != 0 }

// Int returns a signed or unsigned integer scalar as int64.
func (v Value) Int() int64 {
	switch v.elem {
	case typereg.ElemInt8:
		return int64(int8(v.bits))
	case typereg.ElemInt16:
		return int64(int16(v.bits))
	case typereg.ElemInt32:
		return int64(int32(v.bits))
	case typereg.ElemFloat32, typereg.ElemFloat64:
		return int64(v.Float())
	default:
		return int64(v.bits)
	}
}

func (v Value) Uint() uint64 {
	switch v.elem {
	case typereg.ElemFloat32, typereg.ElemFloat64:
		return uint64(v.Float())
	case typereg.ElemInt8, typereg.ElemInt16, typereg.ElemInt32, typereg.ElemInt64:
		return uint64(v.Int())
	default:
		return v.bits
	}
}

// Float returns any numeric scalar as float64.
func (v Value) Float() float64 {
	switch v.elem {
	case typereg.ElemFloat32:
		return float64(math.Float32frombits(uint32(v.bits)))
	case typereg.ElemFloat64:
		return math.Float64frombits(v.bits)
	case typereg.ElemInt8, typereg.ElemInt16, typereg.ElemInt32, typereg.ElemInt64:
		return float64(v.Int())
	default:
		return float64(v.bits)
	}
}

// Interface returns the scalar as its natural Go type.
func (v Value) Interface() any {
	switch v.kind {
	case ValueScalar:
		switch v.elem {
		case typereg.ElemBool:
			return v.Bool()
		case typereg.ElemInt8:
			return int8(v.bits)
		case typereg.ElemUint8:
			return uint8(v.bits)
		case typereg.ElemInt16:
			return int16(v.bits)
		case typereg.ElemUint16:
			return uint16(v.bits)
		case typereg.ElemInt32:
			return int32(v.bits)
		case typereg.ElemUint32:
			return uint32(v.bits)
		case typereg.ElemInt64:
			return int64(v.bits)
		case typereg.ElemUint64:
			return v.bits
		case typereg.ElemFloat32:
			return math.Float32frombits(uint32(v.bits))
		case typereg.ElemFloat64:
			return math.Float64frombits(v.bits)
		}
	case ValueString:
		return v.str
	case ValueArray, ValueStrings:
		return v.data
	case ValueNode:
		return v.node
	case ValueNodes:
		return v.nodes
	}
	return nil
}

func (v Value) String() string {
	if v.kind == ValueString {
		return v.str
	}
	if v.kind == ValueEmpty {
		return ""
	}
	return fmt.Sprint(v.Interface())
}

// Data returns the typed slice of a primitive or string array.
func (v Value) Data() any { return v.data }

func (v Value) Node() *Node   { return v.node }
func (v Value) Nodes() []Node { return v.nodes }
func (v Value) Strings() []string {
	s, _ := v.data.([]string)
	return s
}

// ArrayOf returns the typed slice held by v.
func ArrayOf[T Number](v Value) ([]T, bool) {
	s, ok := v.data.([]T)
	return s, ok
}

// Len is the element count of an array value, 1 for a single value, 0 when empty.
func (v Value) Len() int {
	switch v.kind {
	case ValueEmpty:
		return 0
	case ValueArray:
		return sliceLen(v.data)
	case ValueStrings:
		return len(v.Strings())
	case ValueNodes:
		return len(v.nodes)
	default:
		return 1
	}
}

// Shape returns the runtime extents; rank-1 arrays report [Len].
func (v Value) Shape() []int {
	if len(v.shape) > 0 {
		return append([]int(nil), v.shape...)
	}
	switch v.kind {
	case ValueArray, ValueStrings, ValueNodes:
		return []int{v.Len()}
	}
	return nil
}

func sliceLen(data any) int {
	switch s := data.(type) {
	case []bool:
		return len(s)
	case []int8:
		return len(s)
	case []uint8:
		return len(s)
	case []int16:
		return len(s)
	case []uint16:
		return len(s)
	case []int32:
		return len(s)
	case []uint32:
		return len(s)
	case []int64:
		return len(s)
	case []uint64:
		return len(s)
	case []float32:
		return len(s)
	case []float64:
		return len(s)
	}
	return 0
}

// blank reports empty slots and zero-length arrays, which share one wire form.
func (v Value) blank() bool {
	switch v.kind {
	case ValueEmpty:
		return true
	case ValueArray, ValueStrings, ValueNodes:
		return v.Len() == 0
	}
	return false
}
