package protocol

import (
	"bytes"
	"errors"
	"testing"

	"github.com/danmuck/udactl/internal/fault"
	"github.com/danmuck/udactl/internal/protocol/heaplog"
	"github.com/danmuck/udactl/internal/protocol/nodetree"
	"github.com/danmuck/udactl/internal/protocol/typereg"
	"github.com/danmuck/udactl/internal/testutil/testlog"
)

type point struct {
	X float64
	Y float64
}

type row struct {
	Name   string    `uda:"name"`
	Values []float64 `uda:"values"`
}

type channel struct {
	ShotNumber int32
	Label      string `uda:"tag"`
	Window     [3]uint16
	Samples    []float32
	Origin     point
	Trace      []point
	Peak       *point
	Note       *string `uda:"-"`
	ignored    int
}

func channelType() *typereg.TypeDescriptor {
	return typereg.New("Channel",
		typereg.Scalar("shot_number", typereg.ElemInt32),
		typereg.String("tag"),
		typereg.FixedArray("window", typereg.ElemUint16, 3),
		typereg.VarArray("samples", typereg.ElemFloat32),
		typereg.Struct("origin", "Point"),
		typereg.VarStructArray("trace", "Point"),
		typereg.StructPointer("peak", "Point"),
		typereg.Scalar("extra", typereg.ElemInt64).WithDefault("42"),
	)
}

func TestTypedRoundTrip(t *testing.T) {
	testlog.Start(t)

	eng := newEngine(t, pointType(), channelType())
	in := channel{
		ShotNumber: 30420,
		Label:      "ip",
		Window:     [3]uint16{1, 2, 3},
		Samples:    []float32{0.5, 1.5},
		Origin:     point{X: 1, Y: 2},
		Trace:      []point{{X: 3, Y: 4}, {X: 5, Y: 6}},
		Peak:       &point{X: 7, Y: 8},
	}
	var buf bytes.Buffer
	if err := eng.EncodeValue(&buf, MessageStructure, "Channel", &in, nil); err != nil {
		t.Fatalf("encode: %v", err)
	}

	var out channel
	log, _, err := eng.DecodeValue(&buf, "Channel", &out)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	defer log.ReleaseAll()
	if out.ShotNumber != in.ShotNumber || out.Label != in.Label || out.Window != in.Window {
		t.Fatalf("scalars: got %+v", out)
	}
	if len(out.Samples) != 2 || out.Samples[1] != 1.5 {
		t.Fatalf("samples: %v", out.Samples)
	}
	if out.Origin != in.Origin || len(out.Trace) != 2 || out.Trace[1] != in.Trace[1] {
		t.Fatalf("nested: %+v", out)
	}
	if out.Peak == nil || *out.Peak != *in.Peak {
		t.Fatalf("peak: %v", out.Peak)
	}
	// tag, samples, trace and peak are logged; the unbound extra field is not.
	if log.Len() != 4 {
		t.Fatalf("expected 4 entries, got %v", log.Entries())
	}
}

func TestTypedMatchesTreeEncoding(t *testing.T) {
	testlog.Start(t)

	eng := newEngine(t, rowType())
	var fromValue, fromTree bytes.Buffer
	if err := eng.EncodeValue(&fromValue, MessageStructure, "Row", row{Name: "shot1", Values: []float64{1, 2, 3}}, nil); err != nil {
		t.Fatalf("encode value: %v", err)
	}
	root := nodetree.NewNode(eng.Registry.MustLookup("Row")).
		MustSet("name", nodetree.Str("shot1")).
		MustSet("values", nodetree.Array([]float64{1, 2, 3}))
	if err := eng.EncodeTree(&fromTree, MessageStructure, root, nil); err != nil {
		t.Fatalf("encode tree: %v", err)
	}
	if !bytes.Equal(fromValue.Bytes(), fromTree.Bytes()) {
		t.Fatalf("typed and tree encodings differ:\n%x\n%x", fromValue.Bytes(), fromTree.Bytes())
	}

	var out row
	log, _, err := eng.DecodeValue(&fromTree, "Row", &out)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	defer log.ReleaseAll()
	if log.Len() != 2 || out.Name != "shot1" || len(out.Values) != 3 {
		t.Fatalf("got %+v with %d entries", out, log.Len())
	}
}

func TestTypedNullPointerAndDefaults(t *testing.T) {
	testlog.Start(t)

	desc := typereg.New("Sensor",
		typereg.Scalar("id", typereg.ElemUint8),
		typereg.Pointer("gain", typereg.ElemFloat64),
		typereg.Scalar("scale", typereg.ElemInt16).Added(3).WithDefault("-7"),
	)
	type sensor struct {
		ID    uint8
		Gain  *float64
		Scale int
	}
	eng := newEngine(t, desc)
	old, _ := eng.WithVersion(1)

	var buf bytes.Buffer
	if err := old.EncodeValue(&buf, MessageStructure, "Sensor", sensor{ID: 3, Scale: 99}, nil); err != nil {
		t.Fatalf("encode: %v", err)
	}
	out := sensor{Gain: new(float64)}
	log, _, err := eng.DecodeValue(&buf, "Sensor", &out)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	defer log.ReleaseAll()
	if out.ID != 3 || out.Gain != nil || out.Scale != -7 {
		t.Fatalf("got %+v", out)
	}
	if log.Len() != 0 {
		t.Fatalf("null pointer allocated %v", log.Entries())
	}
}

func TestTypedRejectsOverflowAndResetsTarget(t *testing.T) {
	testlog.Start(t)

	desc := typereg.New("Small", typereg.Scalar("v", typereg.ElemInt8), typereg.String("s"))
	eng := newEngine(t, desc)

	type wide struct {
		V int
		S string
	}
	err := eng.EncodeValue(&bytes.Buffer{}, MessageStructure, "Small", wide{V: 300}, nil)
	if !errors.Is(err, fault.ErrMalformedMessage) {
		t.Fatalf("expected overflow, got %v", err)
	}

	type narrow struct {
		V int8
		S int
	}
	var buf bytes.Buffer
	if err := eng.EncodeValue(&buf, MessageStructure, "Small", wide{V: -5, S: "x"}, nil); err != nil {
		t.Fatalf("encode: %v", err)
	}
	before := heaplog.Live()
	out := narrow{V: 1, S: 2}
	if _, _, err := eng.DecodeValue(&buf, "Small", &out); !errors.Is(err, fault.ErrMalformedMessage) {
		t.Fatalf("expected type mismatch, got %v", err)
	}
	if out != (narrow{}) {
		t.Fatalf("target not reset: %+v", out)
	}
	if heaplog.Live() != before {
		t.Fatalf("leaked entries")
	}
}
