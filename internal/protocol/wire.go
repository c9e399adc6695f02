package protocol

import (
	"encoding/binary"
	"math"

	"github.com/danmuck/udactl/internal/fault"
	"github.com/danmuck/udactl/internal/protocol/heaplog"
	"github.com/danmuck/udactl/internal/protocol/nodetree"
	"github.com/danmuck/udactl/internal/protocol/typereg"
)

func appendBits(buf []byte, width int, bits uint64) []byte {
	switch width {
	case 1:
		return append(buf, byte(bits))
	case 2:
		return binary.BigEndian.AppendUint16(buf, uint16(bits))
	case 4:
		return binary.BigEndian.AppendUint32(buf, uint32(bits))
	default:
		return binary.BigEndian.AppendUint64(buf, bits)
	}
}

func (w *Writer) putU32(v uint32) {
	w.buf = binary.BigEndian.AppendUint32(w.buf, v)
}

func (w *Writer) putString(s string) error {
	if uint64(len(s)) > math.MaxUint32 {
		return fault.Malformed("encode", w.path, "string of %d bytes exceeds u32 prefix", len(s))
	}
	w.putU32(uint32(len(s)))
	w.buf = append(w.buf, s...)
	return nil
}

func (w *Writer) putCount(n int) error {
	if n > w.lim.MaxElements {
		return fault.Malformed("encode", w.path, "element count %d exceeds bound %d", n, w.lim.MaxElements)
	}
	w.putU32(uint32(n))
	return nil
}

func (r *Reader) need(n int) error {
	if n < 0 || len(r.buf)-r.off < n {
		return fault.New(fault.KindMalformedMessage, "decode").
			Path(r.path...).
			Detail("short read: need %d bytes, %d left", n, len(r.buf)-r.off).
			Build()
	}
	return nil
}

func (r *Reader) bits(width int) (uint64, error) {
	if err := r.need(width); err != nil {
		return 0, err
	}
	return r.bitsUnchecked(width), nil
}

func (r *Reader) bitsUnchecked(width int) uint64 {
	b := r.buf[r.off : r.off+width]
	r.off += width
	switch width {
	case 1:
		return uint64(b[0])
	case 2:
		return uint64(binary.BigEndian.Uint16(b))
	case 4:
		return uint64(binary.BigEndian.Uint32(b))
	default:
		return binary.BigEndian.Uint64(b)
	}
}

func (r *Reader) u32() (uint32, error) {
	v, err := r.bits(4)
	return uint32(v), err
}

// count reads an element count and applies the sanity bound.
func (r *Reader) count() (int, error) {
	n, err := r.u32()
	if err != nil {
		return 0, err
	}
	if int64(n) > int64(r.lim.MaxElements) {
		return 0, fault.Malformed("decode", r.path, "element count %d exceeds bound %d", n, r.lim.MaxElements)
	}
	return int(n), nil
}

func (r *Reader) rawString() ([]byte, error) {
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	if int64(n) > int64(r.lim.MaxStringBytes) {
		return nil, fault.Malformed("decode", r.path, "string length %d exceeds bound %d", n, r.lim.MaxStringBytes)
	}
	if err := r.need(int(n)); err != nil {
		return nil, err
	}
	s := r.buf[r.off : r.off+int(n)]
	r.off += int(n)
	return s, nil
}

// string decodes into a logged length+1 allocation.
func (r *Reader) string() (string, error) {
	raw, err := r.rawString()
	if err != nil {
		return "", err
	}
	return heaplog.String(r.log, raw), nil
}

// checkWidth rejects descriptors whose declared width disagrees with the
// canonical width of their primitive.
func checkWidth(op string, path []string, f typereg.FieldDescriptor) error {
	if f.Elem.IsPrimitive() && f.ElemWidth() != f.Elem.Width() {
		return fault.New(fault.KindMalformedMessage, op).
			Path(path...).
			Expected("%s of width %d", f.Elem, f.Elem.Width()).
			Found("width %d", f.ElemWidth()).
			Detail("primitive width mismatch").
			Build()
	}
	return nil
}

func boolBits(v bool) uint64 {
	if v {
		return 1
	}
	return 0
}

func appendSlice[T nodetree.Number](w *Writer, width int, vals []T, bits func(T) uint64) {
	for _, v := range vals {
		w.buf = appendBits(w.buf, width, bits(v))
	}
}

func readSlice[T nodetree.Number](r *Reader, n, width int, e typereg.Elem, from func(uint64) T) ([]T, error) {
	if err := r.need(n * width); err != nil {
		return nil, err
	}
	if e == typereg.ElemBool {
		for _, b := range r.buf[r.off : r.off+n] {
			if b > 1 {
				return nil, fault.Malformed("decode", r.path, "bool byte %#x", b)
			}
		}
	}
	out := heaplog.MakeSlice[T](r.log, n, e.String())
	for i := range out {
		out[i] = from(r.bitsUnchecked(width))
	}
	return out, nil
}

// appendArray writes the elements of a typed primitive slice.
func (w *Writer) appendArray(e typereg.Elem, data any) error {
	width := e.Width()
	switch s := data.(type) {
	case []bool:
		appendSlice(w, width, s, boolBits)
	case []int8:
		appendSlice(w, width, s, func(v int8) uint64 { return uint64(v) })
	case []uint8:
		w.buf = append(w.buf, s...)
	case []int16:
		appendSlice(w, width, s, func(v int16) uint64 { return uint64(v) })
	case []uint16:
		appendSlice(w, width, s, func(v uint16) uint64 { return uint64(v) })
	case []int32:
		appendSlice(w, width, s, func(v int32) uint64 { return uint64(v) })
	case []uint32:
		appendSlice(w, width, s, func(v uint32) uint64 { return uint64(v) })
	case []int64:
		appendSlice(w, width, s, func(v int64) uint64 { return uint64(v) })
	case []uint64:
		appendSlice(w, width, s, func(v uint64) uint64 { return v })
	case []float32:
		appendSlice(w, width, s, func(v float32) uint64 { return uint64(math.Float32bits(v)) })
	case []float64:
		appendSlice(w, width, s, math.Float64bits)
	default:
		return fault.New(fault.KindMalformedMessage, "encode").
			Path(w.path...).
			Expected("[]%s", e).
			Found("%T", data).
			Build()
	}
	return nil
}

// readArray decodes n primitives of e into a logged typed slice.
func (r *Reader) readArray(e typereg.Elem, n int) (any, error) {
	width := e.Width()
	switch e {
	case typereg.ElemBool:
		return readSlice(r, n, width, e, func(b uint64) bool { return b != 0 })
	case typereg.ElemInt8:
		return readSlice(r, n, width, e, func(b uint64) int8 { return int8(b) })
	case typereg.ElemUint8:
		return readSlice(r, n, width, e, func(b uint64) uint8 { return uint8(b) })
	case typereg.ElemInt16:
		return readSlice(r, n, width, e, func(b uint64) int16 { return int16(b) })
	case typereg.ElemUint16:
		return readSlice(r, n, width, e, func(b uint64) uint16 { return uint16(b) })
	case typereg.ElemInt32:
		return readSlice(r, n, width, e, func(b uint64) int32 { return int32(b) })
	case typereg.ElemUint32:
		return readSlice(r, n, width, e, func(b uint64) uint32 { return uint32(b) })
	case typereg.ElemInt64:
		return readSlice(r, n, width, e, func(b uint64) int64 { return int64(b) })
	case typereg.ElemUint64:
		return readSlice(r, n, width, e, func(b uint64) uint64 { return b })
	case typereg.ElemFloat32:
		return readSlice(r, n, width, e, func(b uint64) float32 { return math.Float32frombits(uint32(b)) })
	case typereg.ElemFloat64:
		return readSlice(r, n, width, e, math.Float64frombits)
	}
	return nil, fault.Malformed("decode", r.path, "no array form for %s", e)
}

// arrayValue wraps a typed slice returned by readArray.
func arrayValue(data any, shape []int) nodetree.Value {
	switch s := data.(type) {
	case []bool:
		return nodetree.Array(s, shape...)
	case []int8:
		return nodetree.Array(s, shape...)
	case []uint8:
		return nodetree.Array(s, shape...)
	case []int16:
		return nodetree.Array(s, shape...)
	case []uint16:
		return nodetree.Array(s, shape...)
	case []int32:
		return nodetree.Array(s, shape...)
	case []uint32:
		return nodetree.Array(s, shape...)
	case []int64:
		return nodetree.Array(s, shape...)
	case []uint64:
		return nodetree.Array(s, shape...)
	case []float32:
		return nodetree.Array(s, shape...)
	case []float64:
		return nodetree.Array(s, shape...)
	}
	return nodetree.Empty()
}
