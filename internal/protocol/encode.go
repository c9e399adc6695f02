package protocol

import (
	"encoding/binary"
	"io"
	"math"

	"github.com/danmuck/udactl/internal/fault"
	"github.com/danmuck/udactl/internal/protocol/heaplog"
	"github.com/danmuck/udactl/internal/protocol/nodetree"
	"github.com/danmuck/udactl/internal/protocol/typereg"
)

// Writer accumulates one BODY.
type Writer struct {
	eng     *Engine
	lim     Limits
	version uint32
	buf     []byte
	path    []string
	depth   int
}

func (w *Writer) Version() uint32 { return w.version }

// Len is the number of BODY bytes written so far.
func (w *Writer) Len() int { return len(w.buf) - HeaderSize }

func (w *Writer) PutUint32(v uint32) { w.putU32(v) }

func (w *Writer) PutString(s string) error { return w.putString(s) }

func (w *Writer) enter(name string) error {
	w.path = append(w.path, name)
	w.depth++
	if w.depth > w.lim.MaxDepth {
		return fault.Malformed("encode", w.path, "nesting deeper than %d", w.lim.MaxDepth)
	}
	return nil
}

func (w *Writer) leave() {
	w.path = w.path[:len(w.path)-1]
	w.depth--
}

type flusher interface {
	Flush() error
}

// AppendHeader encodes h.
func AppendHeader(buf []byte, h Header) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(h.Type))
	buf = binary.BigEndian.AppendUint32(buf, h.Version)
	return binary.BigEndian.AppendUint32(buf, h.Length)
}

// WriteMessage encodes HEADER, the BODY produced by body, and the ERROR-TAIL
// when t carries one, as a single write to dst. dst is flushed when it
// supports it.
func (e *Engine) WriteMessage(dst io.Writer, t MessageType, tail []fault.Record, body func(*Writer) error) (err error) {
	const op = "protocol.write"
	n := 0
	defer func() { e.encoded(t, n, err) }()

	if !t.Valid() {
		return fault.Malformed(op, nil, "unknown message type %d", uint32(t))
	}
	if !SupportedVersion(e.Version) {
		return fault.VersionUnsupported(op, e.Version, MinVersion, CurrentVersion)
	}
	if len(tail) > 0 && !t.HasTail() {
		return fault.Malformed(op, nil, "%s carries no error tail", t)
	}

	scratch := heaplog.New()
	defer scratch.ReleaseAll()
	w := &Writer{
		eng:     e,
		lim:     e.limits(),
		version: e.Version,
		buf:     heaplog.Scratch(scratch, HeaderSize),
	}
	if body != nil {
		if err := body(w); err != nil {
			return err
		}
	}
	size := w.Len()
	if uint64(size) > uint64(w.lim.MaxPayloadBytes) {
		return fault.Malformed(op, nil, "body of %d bytes exceeds bound %d", size, w.lim.MaxPayloadBytes)
	}
	AppendHeader(w.buf[:0], Header{Type: t, Version: e.Version, Length: uint32(size)})
	if t.HasTail() {
		if err := w.appendTail(tail); err != nil {
			return err
		}
	}

	if _, err := dst.Write(w.buf); err != nil {
		return transportErr(op, err)
	}
	if f, ok := dst.(flusher); ok {
		if err := f.Flush(); err != nil {
			return transportErr(op, err)
		}
	}
	n = len(w.buf)
	return nil
}

// EncodeTree writes one message whose BODY is root.
func (e *Engine) EncodeTree(dst io.Writer, t MessageType, root *nodetree.Node, tail []fault.Record) error {
	return e.WriteMessage(dst, t, tail, func(w *Writer) error {
		return w.EncodeNode(root)
	})
}

// EncodeNode appends n in field declaration order, skipping fields absent at
// the writer's version.
func (w *Writer) EncodeNode(n *nodetree.Node) error {
	if n == nil || n.Type() == nil {
		return fault.Malformed("encode", w.path, "nil node")
	}
	desc := n.Type()
	if desc.Name != "" {
		if _, err := w.eng.lookup("encode", w.path, desc.Name); err != nil {
			return err
		}
	}
	return w.encodeNode(desc, n)
}

// encodeNode writes n, or the defaults of desc when n is nil.
func (w *Writer) encodeNode(desc *typereg.TypeDescriptor, n *nodetree.Node) error {
	for i, f := range desc.Fields {
		if !f.PresentIn(w.version) {
			continue
		}
		var v nodetree.Value
		if n != nil {
			v = n.At(i)
		}
		if err := w.enter(f.Name); err != nil {
			return err
		}
		if err := w.encodeField(f, v); err != nil {
			return err
		}
		w.leave()
	}
	return nil
}

func (w *Writer) encodeField(f typereg.FieldDescriptor, v nodetree.Value) error {
	if err := checkWidth("encode", w.path, f); err != nil {
		return err
	}
	if err := nodetree.Compatible(f, v); err != nil {
		return fault.New(fault.KindMalformedMessage, "encode").Path(w.path...).Detail("%v", err).Build()
	}
	switch f.Kind {
	case typereg.KindScalar:
		bits, err := scalarBits(f, v)
		if err != nil {
			return fault.New(fault.KindMalformedMessage, "encode").Path(w.path...).Detail("%v", err).Build()
		}
		w.buf = appendBits(w.buf, f.Elem.Width(), bits)
		return nil
	case typereg.KindString:
		s := f.Default
		if !v.IsEmpty() {
			s = v.String()
		}
		return w.putString(s)
	case typereg.KindStruct:
		desc, err := w.eng.lookup("encode", w.path, f.TypeName)
		if err != nil {
			return err
		}
		return w.encodeNode(desc, v.Node())
	case typereg.KindFixedArray:
		return w.encodeElements(f, v, f.Count())
	case typereg.KindVarArray, typereg.KindPointer:
		return w.encodeCounted(f, v)
	}
	return fault.Malformed("encode", w.path, "unsupported field kind %s", f.Kind)
}

// encodeCounted writes runtime extents then the elements. An empty slot is a
// null pointer or an empty array.
func (w *Writer) encodeCounted(f typereg.FieldDescriptor, v nodetree.Value) error {
	n := v.Len()
	if f.Kind == typereg.KindPointer || f.Rank <= 1 {
		if err := w.putCount(n); err != nil {
			return err
		}
	} else {
		shape := v.Shape()
		if v.IsEmpty() {
			shape = make([]int, f.Rank)
		}
		if len(shape) != f.Rank {
			return fault.New(fault.KindMalformedMessage, "encode").
				Path(w.path...).
				Expected("rank %d", f.Rank).
				Found("shape %v", shape).
				Build()
		}
		for _, d := range shape {
			if err := w.putCount(d); err != nil {
				return err
			}
		}
	}
	if n == 0 {
		return nil
	}
	return w.encodeElements(f, v, n)
}

// encodeElements writes n elements of v, or n zero elements when v is empty.
func (w *Writer) encodeElements(f typereg.FieldDescriptor, v nodetree.Value, n int) error {
	switch f.Elem {
	case typereg.ElemString:
		strs := v.Strings()
		for i := 0; i < n; i++ {
			s := ""
			if i < len(strs) {
				s = strs[i]
			}
			if err := w.putString(s); err != nil {
				return err
			}
		}
		return nil
	case typereg.ElemStruct:
		desc, err := w.eng.lookup("encode", w.path, f.TypeName)
		if err != nil {
			return err
		}
		nodes := v.Nodes()
		for i := 0; i < n; i++ {
			var child *nodetree.Node
			if i < len(nodes) {
				child = &nodes[i]
			}
			if err := w.encodeNode(desc, child); err != nil {
				return err
			}
		}
		return nil
	}
	if v.IsEmpty() {
		for i := 0; i < n; i++ {
			w.buf = appendBits(w.buf, f.Elem.Width(), 0)
		}
		return nil
	}
	return w.appendArray(f.Elem, v.Data())
}

// scalarBits returns the wire bits of a scalar slot, applying the field
// default when the slot is empty.
func scalarBits(f typereg.FieldDescriptor, v nodetree.Value) (uint64, error) {
	if !v.IsEmpty() {
		return v.Raw(), nil
	}
	def, err := f.ParsedDefault()
	if err != nil || def == nil {
		return 0, err
	}
	dv, err := nodetree.Scalar(def)
	if err != nil {
		return 0, err
	}
	return dv.Raw(), nil
}

// float bits are used by the typed codec as well.
func floatBits(e typereg.Elem, f float64) uint64 {
	if e == typereg.ElemFloat32 {
		return uint64(math.Float32bits(float32(f)))
	}
	return math.Float64bits(f)
}
