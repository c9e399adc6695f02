package protocol

import (
	"encoding/binary"
	"errors"
	"io"

	"github.com/danmuck/udactl/internal/fault"
	"github.com/danmuck/udactl/internal/protocol/heaplog"
	"github.com/danmuck/udactl/internal/protocol/nodetree"
	"github.com/danmuck/udactl/internal/protocol/typereg"
)

// Reader walks one BODY held in memory. Every allocation it makes for the
// caller is recorded in its log.
type Reader struct {
	eng     *Engine
	lim     Limits
	version uint32
	buf     []byte
	off     int
	log     *heaplog.Log
	path    []string
	depth   int
}

func (r *Reader) Version() uint32   { return r.version }
func (r *Reader) Log() *heaplog.Log { return r.log }
func (r *Reader) Remaining() int    { return len(r.buf) - r.off }

func (r *Reader) ReadUint32() (uint32, error) { return r.u32() }

// Discard consumes the rest of the BODY unread.
func (r *Reader) Discard() { r.off = len(r.buf) }

// ReadString reads a length-prefixed string into the log.
func (r *Reader) ReadString() (string, error) { return r.string() }

func (r *Reader) enter(name string) error {
	r.path = append(r.path, name)
	r.depth++
	if r.depth > r.lim.MaxDepth {
		return fault.Malformed("decode", r.path, "nesting deeper than %d", r.lim.MaxDepth)
	}
	return nil
}

func (r *Reader) leave() {
	r.path = r.path[:len(r.path)-1]
	r.depth--
}

// Inbound is a decoded message. Log owns everything the body callback
// allocated and must be released by the consumer.
type Inbound struct {
	Header Header
	Tail   []fault.Record
	Log    *heaplog.Log
}

type skipper interface {
	Skip() error
}

// ParseHeader decodes and validates a HEADER.
func ParseHeader(b []byte, lim Limits) (Header, error) {
	const op = "protocol.header"
	if len(b) < HeaderSize {
		return Header{}, fault.Malformed(op, nil, "header of %d bytes", len(b))
	}
	h := Header{
		Type:    MessageType(binary.BigEndian.Uint32(b[0:4])),
		Version: binary.BigEndian.Uint32(b[4:8]),
		Length:  binary.BigEndian.Uint32(b[8:12]),
	}
	if !h.Type.Valid() {
		return h, fault.Malformed(op, nil, "unknown message type %d", uint32(h.Type))
	}
	if !SupportedVersion(h.Version) {
		return h, fault.VersionUnsupported(op, h.Version, MinVersion, CurrentVersion)
	}
	if lim = lim.withDefaults(); h.Length > lim.MaxPayloadBytes {
		return h, fault.Malformed(op, nil, "payload length %d exceeds bound %d", h.Length, lim.MaxPayloadBytes)
	}
	return h, nil
}

// ReadMessage reads one message from src. body decodes the BODY and may
// allocate through the Reader's log; it must consume the BODY exactly. On
// failure the log is released and the error reports how many entries were
// discarded. Unless the transport itself failed, src is left at the start of
// the next message, and any ERROR-TAIL records that could still be read are
// returned in the Inbound alongside the error.
func (e *Engine) ReadMessage(src io.Reader, body func(Header, *Reader) error) (*Inbound, error) {
	const op = "protocol.read"
	lim := e.limits()
	_, record := src.(skipper)

	var hdr [HeaderSize]byte
	got, err := io.ReadFull(src, hdr[:])
	if err != nil {
		err = readErr(op, err, got, record)
		return nil, e.finish(src, MessageType(0), 0, nil, err)
	}
	h, err := ParseHeader(hdr[:], lim)
	if err != nil {
		return nil, e.finish(src, h.Type, HeaderSize, nil, err)
	}

	scratch := heaplog.New()
	defer scratch.ReleaseAll()
	payload := heaplog.Scratch(scratch, int(h.Length))
	if got, err := io.ReadFull(src, payload); err != nil {
		err = readErr(op, err, got+HeaderSize, true)
		return nil, e.finish(src, h.Type, HeaderSize+got, nil, err)
	}

	r := &Reader{eng: e, lim: lim, version: h.Version, buf: payload, log: heaplog.New()}
	in := &Inbound{Header: h}
	var bodyErr error
	if body != nil {
		bodyErr = body(h, r)
	} else {
		r.off = len(payload)
	}
	if bodyErr == nil && r.off != len(payload) {
		bodyErr = fault.New(fault.KindMalformedMessage, "decode").
			Expected("%d body bytes", len(payload)).
			Found("%d consumed", r.off).
			Cause(ErrTrailingBytes).
			Build()
	}

	size := HeaderSize + len(payload)
	if h.Type.HasTail() && fault.KindOf(bodyErr) != fault.KindTransport {
		tail, n, err := readTail(src, lim)
		size += n
		in.Tail = tail
		if bodyErr == nil {
			bodyErr = err
		}
	}

	if bodyErr != nil {
		released, _ := r.log.ReleaseAll()
		return in, e.finish(src, h.Type, size, nil, withReleased(bodyErr, released))
	}
	if err := r.log.Err(); err != nil {
		released, _ := r.log.ReleaseAll()
		return in, e.finish(src, h.Type, size, nil, withReleased(err, released))
	}
	in.Log = r.log
	return in, e.finish(src, h.Type, size, r.log, nil)
}

// finish realigns a record stream for the next message and reports to the
// observer.
func (e *Engine) finish(src io.Reader, t MessageType, n int, log *heaplog.Log, err error) error {
	if fault.KindOf(err) != fault.KindTransport {
		if s, ok := src.(skipper); ok {
			if serr := s.Skip(); serr != nil && err == nil {
				err = serr
			}
		}
	}
	e.decoded(t, n, log, err)
	return err
}

// ExpectType rejects a header whose type is not one of want.
func ExpectType(h Header, want ...MessageType) error {
	for _, t := range want {
		if h.Type == t {
			return nil
		}
	}
	if len(want) == 1 {
		return fault.New(fault.KindMalformedMessage, "protocol.read").
			Expected("%s", want[0]).
			Found("%s", h.Type).
			Build()
	}
	return fault.New(fault.KindMalformedMessage, "protocol.read").
		Expected("one of %v", want).
		Found("%s", h.Type).
		Build()
}

// DecodeTree reads one message whose BODY is a rootType structure.
func (e *Engine) DecodeTree(src io.Reader, rootType string) (*nodetree.Tree, []fault.Record, error) {
	var root *nodetree.Node
	in, err := e.ReadMessage(src, func(h Header, r *Reader) error {
		n, err := r.DecodeNode(rootType)
		root = n
		return err
	})
	if err != nil {
		var tail []fault.Record
		if in != nil {
			tail = in.Tail
		}
		return nil, tail, err
	}
	tree := nodetree.NewTree(root, in.Log)
	tree.Version = in.Header.Version
	return tree, in.Tail, nil
}

// DecodeNode reads a typeName structure at the current offset.
func (r *Reader) DecodeNode(typeName string) (*nodetree.Node, error) {
	desc, err := r.eng.lookup("decode", r.path, typeName)
	if err != nil {
		return nil, err
	}
	n := nodetree.NewNode(desc)
	if err := r.decodeNode(desc, n); err != nil {
		return nil, err
	}
	return n, nil
}

func (r *Reader) decodeNode(desc *typereg.TypeDescriptor, n *nodetree.Node) error {
	for i, f := range desc.Fields {
		if err := r.enter(f.Name); err != nil {
			return err
		}
		var (
			v   nodetree.Value
			err error
		)
		if f.PresentIn(r.version) {
			v, err = r.decodeField(f)
		} else {
			v, err = defaultValue(f)
		}
		if err != nil {
			return err
		}
		if err := n.SetAt(i, v); err != nil {
			return fault.New(fault.KindMalformedMessage, "decode").Path(r.path...).Detail("%v", err).Build()
		}
		r.leave()
	}
	return nil
}

func (r *Reader) decodeField(f typereg.FieldDescriptor) (nodetree.Value, error) {
	if err := checkWidth("decode", r.path, f); err != nil {
		return nodetree.Value{}, err
	}
	switch f.Kind {
	case typereg.KindScalar:
		b, err := r.bits(f.Elem.Width())
		if err != nil {
			return nodetree.Value{}, err
		}
		if f.Elem == typereg.ElemBool && b > 1 {
			return nodetree.Value{}, fault.Malformed("decode", r.path, "bool byte %#x", b)
		}
		return nodetree.Bits(f.Elem, b), nil
	case typereg.KindString:
		s, err := r.string()
		if err != nil {
			return nodetree.Value{}, err
		}
		return nodetree.Str(s), nil
	case typereg.KindStruct:
		desc, err := r.eng.lookup("decode", r.path, f.TypeName)
		if err != nil {
			return nodetree.Value{}, err
		}
		child := nodetree.NewNode(desc)
		if err := r.decodeNode(desc, child); err != nil {
			return nodetree.Value{}, err
		}
		return nodetree.Child(child), nil
	case typereg.KindFixedArray:
		var shape []int
		if len(f.Shape) > 1 {
			shape = f.Shape
		}
		return r.decodeElements(f, f.Count(), shape)
	case typereg.KindVarArray, typereg.KindPointer:
		rank := 1
		if f.Kind == typereg.KindVarArray && f.Rank > 1 {
			rank = f.Rank
		}
		total := 1
		shape := make([]int, rank)
		for i := range shape {
			d, err := r.count()
			if err != nil {
				return nodetree.Value{}, err
			}
			shape[i] = d
			total *= d
			if total > r.lim.MaxElements {
				return nodetree.Value{}, fault.Malformed("decode", r.path, "element count exceeds bound %d", r.lim.MaxElements)
			}
		}
		if total == 0 {
			return nodetree.Empty(), nil
		}
		if rank == 1 {
			shape = nil
		}
		return r.decodeElements(f, total, shape)
	}
	return nodetree.Value{}, fault.Malformed("decode", r.path, "unsupported field kind %s", f.Kind)
}

// decodeElements allocates all n elements as one log entry, then fills them.
func (r *Reader) decodeElements(f typereg.FieldDescriptor, n int, shape []int) (nodetree.Value, error) {
	switch f.Elem {
	case typereg.ElemString:
		// Each element needs at least its length prefix.
		if err := r.need(4 * n); err != nil {
			return nodetree.Value{}, err
		}
		strs := heaplog.MakeSlice[string](r.log, n, "[]string")
		for i := range strs {
			s, err := r.string()
			if err != nil {
				return nodetree.Value{}, err
			}
			strs[i] = s
		}
		return nodetree.Strings(strs, shape...), nil
	case typereg.ElemStruct:
		desc, err := r.eng.lookup("decode", r.path, f.TypeName)
		if err != nil {
			return nodetree.Value{}, err
		}
		if err := r.needEach(n, r.structSize(desc, 0)); err != nil {
			return nodetree.Value{}, err
		}
		nodes := heaplog.MakeSlice[nodetree.Node](r.log, n, "[]"+desc.Name)
		for i := range nodes {
			nodes[i].Init(desc)
			if err := r.decodeNode(desc, &nodes[i]); err != nil {
				return nodetree.Value{}, err
			}
		}
		return nodetree.Children(nodes, shape...), nil
	}
	data, err := r.readArray(f.Elem, n)
	if err != nil {
		return nodetree.Value{}, err
	}
	return arrayValue(data, shape), nil
}

// needEach checks that n elements of at least size bytes each fit in what
// is left of the BODY.
func (r *Reader) needEach(n, size int) error {
	if size > 0 && n > r.Remaining()/size {
		return fault.New(fault.KindMalformedMessage, "decode").
			Path(r.path...).
			Detail("short read: %d elements of at least %d bytes, %d left", n, size, r.Remaining()).
			Build()
	}
	return nil
}

// elemSize is the fewest BODY bytes one element of f occupies.
func (r *Reader) elemSize(f typereg.FieldDescriptor, desc *typereg.TypeDescriptor) int {
	switch f.Elem {
	case typereg.ElemString:
		return 4
	case typereg.ElemStruct:
		return r.structSize(desc, 0)
	}
	return f.Elem.Width()
}

// structSize is the fewest BODY bytes one desc structure occupies at the
// reader's version. Anything larger than the BODY is reported as len+1.
func (r *Reader) structSize(desc *typereg.TypeDescriptor, depth int) int {
	if desc == nil || depth > r.lim.MaxDepth {
		return 0
	}
	limit := len(r.buf) + 1
	size := 0
	for _, f := range desc.Fields {
		if !f.PresentIn(r.version) {
			continue
		}
		var n int
		switch f.Kind {
		case typereg.KindScalar:
			n = f.Elem.Width()
		case typereg.KindString, typereg.KindVarArray, typereg.KindPointer:
			n = 4
		case typereg.KindStruct:
			child, _ := r.eng.Registry.Lookup(f.TypeName)
			n = r.structSize(child, depth+1)
		case typereg.KindFixedArray:
			var child *typereg.TypeDescriptor
			if f.Elem == typereg.ElemStruct {
				child, _ = r.eng.Registry.Lookup(f.TypeName)
			}
			each := 0
			switch f.Elem {
			case typereg.ElemString:
				each = 4
			case typereg.ElemStruct:
				each = r.structSize(child, depth+1)
			default:
				each = f.Elem.Width()
			}
			if each > 0 && f.Count() > limit/each {
				return limit
			}
			n = each * f.Count()
		}
		if size += n; size >= limit {
			return limit
		}
	}
	return size
}

// defaultValue fills a slot for a field that is absent at the decode version.
func defaultValue(f typereg.FieldDescriptor) (nodetree.Value, error) {
	def, err := f.ParsedDefault()
	if err != nil {
		return nodetree.Value{}, err
	}
	switch f.Kind {
	case typereg.KindScalar:
		if def == nil {
			return nodetree.Bits(f.Elem, 0), nil
		}
		return nodetree.Scalar(def)
	case typereg.KindString:
		s, _ := def.(string)
		return nodetree.Str(s), nil
	}
	return nodetree.Empty(), nil
}

// readTail reads an ERROR-TAIL directly from src.
func readTail(src io.Reader, lim Limits) ([]fault.Record, int, error) {
	const op = "protocol.tail"
	tr := tailReader{src: src, lim: lim}
	count, err := tr.u32()
	if err != nil {
		return nil, tr.n, err
	}
	if int64(count) > int64(lim.MaxTailRecords) {
		return nil, tr.n, fault.Malformed(op, nil, "%d tail records exceed bound %d", count, lim.MaxTailRecords)
	}
	var out []fault.Record
	for i := uint32(0); i < count; i++ {
		var rec fault.Record
		sev, err := tr.readByte()
		if err != nil {
			return out, tr.n, err
		}
		if !fault.Severity(sev).Valid() {
			return out, tr.n, fault.Malformed(op, nil, "severity %d", sev)
		}
		rec.Severity = fault.Severity(sev)
		code, err := tr.u32()
		if err != nil {
			return out, tr.n, err
		}
		rec.Code = int32(code)
		if rec.Location, err = tr.readString(); err != nil {
			return out, tr.n, err
		}
		if rec.Message, err = tr.readString(); err != nil {
			return out, tr.n, err
		}
		out = append(out, rec)
	}
	return out, tr.n, nil
}

type tailReader struct {
	src io.Reader
	lim Limits
	n   int
	b   [4]byte
}

func (t *tailReader) read(p []byte) error {
	got, err := io.ReadFull(t.src, p)
	t.n += got
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return fault.New(fault.KindMalformedMessage, "protocol.tail").Detail("truncated error tail").Cause(err).Build()
		}
		return transportErr("protocol.tail", err)
	}
	return nil
}

func (t *tailReader) readByte() (byte, error) {
	err := t.read(t.b[:1])
	return t.b[0], err
}

func (t *tailReader) u32() (uint32, error) {
	err := t.read(t.b[:4])
	return binary.BigEndian.Uint32(t.b[:4]), err
}

func (t *tailReader) readString() (string, error) {
	n, err := t.u32()
	if err != nil {
		return "", err
	}
	if int64(n) > int64(t.lim.MaxStringBytes) {
		return "", fault.Malformed("protocol.tail", nil, "string length %d exceeds bound %d", n, t.lim.MaxStringBytes)
	}
	buf := make([]byte, n)
	if err := t.read(buf); err != nil {
		return "", err
	}
	return string(buf), nil
}
