package protocol

import (
	"fmt"
	"io"
	"reflect"
	"strings"
	"sync"

	"github.com/danmuck/udactl/internal/fault"
	"github.com/danmuck/udactl/internal/protocol/heaplog"
	"github.com/danmuck/udactl/internal/protocol/nodetree"
	"github.com/danmuck/udactl/internal/protocol/typereg"
)

// Go structs bind to descriptor fields by the `uda` struct tag, or by a
// case-insensitive name match that ignores underscores. Descriptor fields
// with no Go counterpart are written with their defaults and skipped on
// decode. Variable arrays of rank above one need a node tree.

type bindingKey struct {
	t    reflect.Type
	desc *typereg.TypeDescriptor
}

type binding struct {
	fields []int
}

var bindings sync.Map

func normalizeName(s string) string {
	return strings.ToLower(strings.ReplaceAll(s, "_", ""))
}

func bindingFor(t reflect.Type, desc *typereg.TypeDescriptor) *binding {
	key := bindingKey{t: t, desc: desc}
	if b, ok := bindings.Load(key); ok {
		return b.(*binding)
	}
	byName := make(map[string]int, t.NumField())
	var untagged []int
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if !sf.IsExported() {
			continue
		}
		tag, _, _ := strings.Cut(sf.Tag.Get("uda"), ",")
		switch tag {
		case "-":
		case "":
			untagged = append(untagged, i)
		default:
			byName[normalizeName(tag)] = i
		}
	}
	for _, i := range untagged {
		name := normalizeName(t.Field(i).Name)
		if _, taken := byName[name]; !taken {
			byName[name] = i
		}
	}
	b := &binding{fields: make([]int, len(desc.Fields))}
	for i, f := range desc.Fields {
		idx, ok := byName[normalizeName(f.Name)]
		if !ok {
			idx = -1
		}
		b.fields[i] = idx
	}
	actual, _ := bindings.LoadOrStore(key, b)
	return actual.(*binding)
}

type category uint8

const (
	categoryNone category = iota
	categoryBool
	categoryInt
	categoryUint
	categoryFloat
)

func elemCategory(e typereg.Elem) category {
	switch e {
	case typereg.ElemBool:
		return categoryBool
	case typereg.ElemInt8, typereg.ElemInt16, typereg.ElemInt32, typereg.ElemInt64:
		return categoryInt
	case typereg.ElemUint8, typereg.ElemUint16, typereg.ElemUint32, typereg.ElemUint64:
		return categoryUint
	case typereg.ElemFloat32, typereg.ElemFloat64:
		return categoryFloat
	}
	return categoryNone
}

func kindCategory(k reflect.Kind) category {
	switch k {
	case reflect.Bool:
		return categoryBool
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return categoryInt
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return categoryUint
	case reflect.Float32, reflect.Float64:
		return categoryFloat
	}
	return categoryNone
}

// elemGoTypes are the slice element types decoded without per-element
// reflection.
var elemGoTypes = map[typereg.Elem]reflect.Type{
	typereg.ElemBool:    reflect.TypeFor[bool](),
	typereg.ElemInt8:    reflect.TypeFor[int8](),
	typereg.ElemUint8:   reflect.TypeFor[uint8](),
	typereg.ElemInt16:   reflect.TypeFor[int16](),
	typereg.ElemUint16:  reflect.TypeFor[uint16](),
	typereg.ElemInt32:   reflect.TypeFor[int32](),
	typereg.ElemUint32:  reflect.TypeFor[uint32](),
	typereg.ElemInt64:   reflect.TypeFor[int64](),
	typereg.ElemUint64:  reflect.TypeFor[uint64](),
	typereg.ElemFloat32: reflect.TypeFor[float32](),
	typereg.ElemFloat64: reflect.TypeFor[float64](),
}

func reflectBits(e typereg.Elem, v reflect.Value) (uint64, error) {
	if elemCategory(e) != kindCategory(v.Kind()) {
		return 0, fmt.Errorf("%s cannot carry %s", v.Type(), e)
	}
	width := e.Width()
	switch elemCategory(e) {
	case categoryBool:
		return boolBits(v.Bool()), nil
	case categoryInt:
		x := v.Int()
		if width < 8 {
			bound := int64(1) << (8*width - 1)
			if x < -bound || x >= bound {
				return 0, fmt.Errorf("%d overflows %s", x, e)
			}
		}
		return uint64(x), nil
	case categoryUint:
		x := v.Uint()
		if width < 8 && x >= uint64(1)<<(8*width) {
			return 0, fmt.Errorf("%d overflows %s", x, e)
		}
		return x, nil
	default:
		return floatBits(e, v.Float()), nil
	}
}

func setBits(e typereg.Elem, v reflect.Value, bits uint64) error {
	if elemCategory(e) != kindCategory(v.Kind()) {
		return fmt.Errorf("%s cannot hold %s", v.Type(), e)
	}
	val := nodetree.Bits(e, bits)
	switch elemCategory(e) {
	case categoryBool:
		if bits > 1 {
			return fmt.Errorf("bool byte %#x", bits)
		}
		v.SetBool(bits == 1)
	case categoryInt:
		if v.OverflowInt(val.Int()) {
			return fmt.Errorf("%d overflows %s", val.Int(), v.Type())
		}
		v.SetInt(val.Int())
	case categoryUint:
		if v.OverflowUint(val.Uint()) {
			return fmt.Errorf("%d overflows %s", val.Uint(), v.Type())
		}
		v.SetUint(val.Uint())
	default:
		if v.OverflowFloat(val.Float()) {
			return fmt.Errorf("%g overflows %s", val.Float(), v.Type())
		}
		v.SetFloat(val.Float())
	}
	return nil
}

func (w *Writer) typeErr(err error) error {
	return fault.New(fault.KindMalformedMessage, "encode").Path(w.path...).Detail("%v", err).Build()
}

func (r *Reader) typeErr(err error) error {
	return fault.New(fault.KindMalformedMessage, "decode").Path(r.path...).Detail("%v", err).Build()
}

// EncodeValue writes one message whose BODY is the Go struct src laid out
// as typeName.
func (e *Engine) EncodeValue(dst io.Writer, t MessageType, typeName string, src any, tail []fault.Record) error {
	return e.WriteMessage(dst, t, tail, func(w *Writer) error {
		return w.EncodeValue(typeName, src)
	})
}

func (w *Writer) EncodeValue(typeName string, src any) error {
	desc, err := w.eng.lookup("encode", w.path, typeName)
	if err != nil {
		return err
	}
	rv := reflect.ValueOf(src)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return fault.Malformed("encode", w.path, "nil %s", rv.Type())
		}
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return fault.Malformed("encode", w.path, "%s is not a struct", rv.Type())
	}
	return w.encodeStruct(desc, rv)
}

func (w *Writer) encodeStruct(desc *typereg.TypeDescriptor, rv reflect.Value) error {
	b := bindingFor(rv.Type(), desc)
	for i, f := range desc.Fields {
		if !f.PresentIn(w.version) {
			continue
		}
		if err := w.enter(f.Name); err != nil {
			return err
		}
		var err error
		if b.fields[i] < 0 {
			err = w.encodeField(f, nodetree.Empty())
		} else {
			err = w.encodeReflect(f, rv.Field(b.fields[i]))
		}
		if err != nil {
			return err
		}
		w.leave()
	}
	return nil
}

func (w *Writer) encodeReflect(f typereg.FieldDescriptor, v reflect.Value) error {
	if err := checkWidth("encode", w.path, f); err != nil {
		return err
	}
	switch f.Kind {
	case typereg.KindScalar, typereg.KindString, typereg.KindStruct:
		desc, err := w.elemDesc(f)
		if err != nil {
			return err
		}
		return w.encodeElem(f, desc, v)
	case typereg.KindFixedArray:
		switch {
		case v.Kind() == reflect.Slice && v.IsNil():
			return w.encodeField(f, nodetree.Empty())
		case v.Kind() != reflect.Slice && v.Kind() != reflect.Array:
			return w.typeErr(fmt.Errorf("%s is not an array", v.Type()))
		case v.Len() != f.Count():
			return fault.New(fault.KindMalformedMessage, "encode").
				Path(w.path...).
				Expected("%d elements", f.Count()).
				Found("%d", v.Len()).
				Build()
		}
		return w.encodeSeq(f, v)
	case typereg.KindVarArray:
		if f.Rank > 1 {
			return fault.Malformed("encode", w.path, "rank %d array needs a node tree", f.Rank)
		}
		if v.Kind() != reflect.Slice && v.Kind() != reflect.Array {
			return w.typeErr(fmt.Errorf("%s is not a slice", v.Type()))
		}
		if err := w.putCount(v.Len()); err != nil {
			return err
		}
		return w.encodeSeq(f, v)
	case typereg.KindPointer:
		switch v.Kind() {
		case reflect.Pointer:
			if v.IsNil() {
				return w.putCount(0)
			}
			w.putU32(1)
			desc, err := w.elemDesc(f)
			if err != nil {
				return err
			}
			return w.encodeElem(f, desc, v.Elem())
		case reflect.Slice, reflect.Array:
			if err := w.putCount(v.Len()); err != nil {
				return err
			}
			return w.encodeSeq(f, v)
		}
		return w.typeErr(fmt.Errorf("%s is not a pointer or slice", v.Type()))
	}
	return fault.Malformed("encode", w.path, "unsupported field kind %s", f.Kind)
}

func (w *Writer) elemDesc(f typereg.FieldDescriptor) (*typereg.TypeDescriptor, error) {
	if f.Elem != typereg.ElemStruct {
		return nil, nil
	}
	return w.eng.lookup("encode", w.path, f.TypeName)
}

func (w *Writer) encodeSeq(f typereg.FieldDescriptor, v reflect.Value) error {
	if v.Len() == 0 {
		return nil
	}
	if goType, ok := elemGoTypes[f.Elem]; ok && v.Kind() == reflect.Slice && v.Type().Elem() == goType {
		return w.appendArray(f.Elem, v.Convert(reflect.SliceOf(goType)).Interface())
	}
	desc, err := w.elemDesc(f)
	if err != nil {
		return err
	}
	for i := 0; i < v.Len(); i++ {
		if err := w.encodeElem(f, desc, v.Index(i)); err != nil {
			return err
		}
	}
	return nil
}

// encodeElem writes one element of f's element type.
func (w *Writer) encodeElem(f typereg.FieldDescriptor, desc *typereg.TypeDescriptor, v reflect.Value) error {
	switch f.Elem {
	case typereg.ElemString:
		if v.Kind() != reflect.String {
			return w.typeErr(fmt.Errorf("%s cannot carry string", v.Type()))
		}
		return w.putString(v.String())
	case typereg.ElemStruct:
		if v.Kind() == reflect.Pointer {
			if v.IsNil() {
				return w.encodeNode(desc, nil)
			}
			v = v.Elem()
		}
		if v.Kind() != reflect.Struct {
			return w.typeErr(fmt.Errorf("%s cannot carry %s", v.Type(), desc.Name))
		}
		return w.encodeStruct(desc, v)
	}
	bits, err := reflectBits(f.Elem, v)
	if err != nil {
		return w.typeErr(err)
	}
	w.buf = appendBits(w.buf, f.Elem.Width(), bits)
	return nil
}

// DecodeValue reads one message whose BODY is a typeName structure into the
// Go struct dst points to. The returned log owns the strings and slices
// stored in dst.
func (e *Engine) DecodeValue(src io.Reader, typeName string, dst any) (*heaplog.Log, []fault.Record, error) {
	in, err := e.ReadMessage(src, func(h Header, r *Reader) error {
		return r.DecodeInto(typeName, dst)
	})
	if err != nil {
		var tail []fault.Record
		if in != nil {
			tail = in.Tail
		}
		return nil, tail, err
	}
	return in.Log, in.Tail, nil
}

// DecodeInto fills the struct dst points to. On failure dst is reset to its
// zero value.
func (r *Reader) DecodeInto(typeName string, dst any) error {
	rv := reflect.ValueOf(dst)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return fault.Malformed("decode", r.path, "target %T is not a non-nil pointer", dst)
	}
	rv = rv.Elem()
	if rv.Kind() != reflect.Struct {
		return fault.Malformed("decode", r.path, "target %s is not a struct", rv.Type())
	}
	desc, err := r.eng.lookup("decode", r.path, typeName)
	if err != nil {
		return err
	}
	if err := r.decodeStruct(desc, rv); err != nil {
		rv.Set(reflect.Zero(rv.Type()))
		return err
	}
	return nil
}

func (r *Reader) decodeStruct(desc *typereg.TypeDescriptor, rv reflect.Value) error {
	b := bindingFor(rv.Type(), desc)
	for i, f := range desc.Fields {
		if err := r.enter(f.Name); err != nil {
			return err
		}
		idx := b.fields[i]
		var err error
		switch {
		case !f.PresentIn(r.version):
			if idx >= 0 {
				err = r.setDefault(f, rv.Field(idx))
			}
		case idx < 0:
			err = r.skipField(f)
		default:
			err = r.decodeReflect(f, rv.Field(idx))
		}
		if err != nil {
			return err
		}
		r.leave()
	}
	return nil
}

func (r *Reader) setDefault(f typereg.FieldDescriptor, v reflect.Value) error {
	def, err := defaultValue(f)
	if err != nil {
		return r.typeErr(err)
	}
	switch def.Kind() {
	case nodetree.ValueScalar:
		if err := setBits(f.Elem, v, def.Raw()); err != nil {
			return r.typeErr(err)
		}
	case nodetree.ValueString:
		if v.Kind() != reflect.String {
			return r.typeErr(fmt.Errorf("%s cannot hold string", v.Type()))
		}
		v.SetString(def.String())
	default:
		v.Set(reflect.Zero(v.Type()))
	}
	return nil
}

// skipField consumes a field the target has no slot for.
func (r *Reader) skipField(f typereg.FieldDescriptor) error {
	saved := r.log
	r.log = heaplog.New()
	_, err := r.decodeField(f)
	r.log.ReleaseAll()
	r.log = saved
	return err
}

func (r *Reader) decodeReflect(f typereg.FieldDescriptor, v reflect.Value) error {
	if err := checkWidth("decode", r.path, f); err != nil {
		return err
	}
	desc, err := r.elemDesc(f)
	if err != nil {
		return err
	}
	switch f.Kind {
	case typereg.KindScalar, typereg.KindString, typereg.KindStruct:
		return r.decodeElem(f, desc, v)
	case typereg.KindFixedArray:
		return r.decodeSeq(f, desc, v, f.Count())
	case typereg.KindVarArray:
		if f.Rank > 1 {
			return fault.Malformed("decode", r.path, "rank %d array needs a node tree", f.Rank)
		}
		n, err := r.count()
		if err != nil {
			return err
		}
		return r.decodeSeq(f, desc, v, n)
	case typereg.KindPointer:
		n, err := r.count()
		if err != nil {
			return err
		}
		if v.Kind() != reflect.Pointer {
			return r.decodeSeq(f, desc, v, n)
		}
		switch n {
		case 0:
			v.Set(reflect.Zero(v.Type()))
			return nil
		case 1:
			p := reflect.New(v.Type().Elem())
			r.recordValue(p, 1, f.Elem.String())
			if err := r.decodeElem(f, desc, p.Elem()); err != nil {
				return err
			}
			v.Set(p)
			return nil
		}
		return fault.New(fault.KindMalformedMessage, "decode").
			Path(r.path...).
			Expected("at most one element for %s", v.Type()).
			Found("%d", n).
			Build()
	}
	return fault.Malformed("decode", r.path, "unsupported field kind %s", f.Kind)
}

func (r *Reader) elemDesc(f typereg.FieldDescriptor) (*typereg.TypeDescriptor, error) {
	if f.Elem != typereg.ElemStruct {
		return nil, nil
	}
	return r.eng.lookup("decode", r.path, f.TypeName)
}

// decodeSeq fills an array or allocates a slice of n elements as one log
// entry before decoding them.
func (r *Reader) decodeSeq(f typereg.FieldDescriptor, desc *typereg.TypeDescriptor, v reflect.Value, n int) error {
	switch v.Kind() {
	case reflect.Array:
		if v.Len() != n {
			return fault.New(fault.KindMalformedMessage, "decode").
				Path(r.path...).
				Expected("%d elements", v.Len()).
				Found("%d", n).
				Build()
		}
	case reflect.Slice:
		if n == 0 {
			v.Set(reflect.Zero(v.Type()))
			return nil
		}
		if goType, ok := elemGoTypes[f.Elem]; ok && v.Type().Elem() == goType {
			data, err := r.readArray(f.Elem, n)
			if err != nil {
				return err
			}
			v.Set(reflect.ValueOf(data).Convert(v.Type()))
			return nil
		}
		if err := r.needEach(n, r.elemSize(f, desc)); err != nil {
			return err
		}
		s := reflect.MakeSlice(v.Type(), n, n)
		r.recordValue(s, n, "[]"+f.Elem.String())
		v.Set(s)
	default:
		return r.typeErr(fmt.Errorf("%s is not an array or slice", v.Type()))
	}
	for i := 0; i < n; i++ {
		if err := r.decodeElem(f, desc, v.Index(i)); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reader) decodeElem(f typereg.FieldDescriptor, desc *typereg.TypeDescriptor, v reflect.Value) error {
	switch f.Elem {
	case typereg.ElemString:
		if v.Kind() != reflect.String {
			return r.typeErr(fmt.Errorf("%s cannot hold string", v.Type()))
		}
		s, err := r.string()
		if err != nil {
			return err
		}
		v.SetString(s)
		return nil
	case typereg.ElemStruct:
		if v.Kind() == reflect.Pointer {
			p := reflect.New(v.Type().Elem())
			r.recordValue(p, 1, desc.Name)
			v.Set(p)
			v = p.Elem()
		}
		if v.Kind() != reflect.Struct {
			return r.typeErr(fmt.Errorf("%s cannot hold %s", v.Type(), desc.Name))
		}
		return r.decodeStruct(desc, v)
	}
	b, err := r.bits(f.Elem.Width())
	if err != nil {
		return err
	}
	if err := setBits(f.Elem, v, b); err != nil {
		return r.typeErr(err)
	}
	return nil
}

// recordValue logs a reflect-made slice or pointer.
func (r *Reader) recordValue(v reflect.Value, n int, typeName string) {
	size := n * int(v.Type().Elem().Size())
	var addr uintptr
	if size > 0 {
		addr = v.Pointer()
	}
	r.log.Record(heaplog.Allocation{
		Ref:      v.Interface(),
		Addr:     addr,
		Size:     size,
		Source:   heaplog.SourceHeap,
		TypeName: typeName,
	})
}
