package nodetree

import (
	"bytes"
	"strings"
	"testing"

	"github.com/danmuck/udactl/internal/protocol/heaplog"
	"github.com/danmuck/udactl/internal/protocol/typereg"
	"github.com/danmuck/udactl/internal/testutil/testlog"
)

var (
	pointType = typereg.New("Point", typereg.Scalar("x", typereg.ElemFloat64), typereg.Scalar("y", typereg.ElemFloat64))
	shotType  = typereg.New("Shot",
		typereg.String("label"),
		typereg.Struct("origin", "Point"),
		typereg.VarStructArray("trace", "Point"),
		typereg.Pointer("gains", typereg.ElemFloat32),
		typereg.Scalar("count", typereg.ElemInt16),
	)
)

func point(x, y float64) *Node {
	return NewNode(pointType).MustSet("x", Float64(x)).MustSet("y", Float64(y))
}

func shot() *Node {
	trace := make([]Node, 2)
	for i := range trace {
		trace[i].Init(pointType)
		trace[i].MustSet("x", Float64(float64(i))).MustSet("y", Float64(-float64(i)))
	}
	return NewNode(shotType).
		MustSet("label", Str("pulse-7")).
		MustSet("origin", Child(point(1.5, -2))).
		MustSet("trace", Children(trace)).
		MustSet("count", Int16(-3))
}

func TestSlotsMirrorDescriptor(t *testing.T) {
	testlog.Start(t)

	n := shot()
	if n.Len() != len(shotType.Fields) {
		t.Fatalf("expected %d slots, got %d", len(shotType.Fields), n.Len())
	}
	if !n.MustGet("gains").IsEmpty() {
		t.Fatalf("unset pointer slot must be empty")
	}
	if got := n.MustGet("count").Int(); got != -3 {
		t.Fatalf("count = %d", got)
	}
	origin := n.Child("origin")
	if origin.Parent() != n || origin.Name() != "origin" {
		t.Fatalf("nested node not adopted: parent=%p name=%q", origin.Parent(), origin.Name())
	}
	trace := n.Children("trace")
	if trace[1].Parent() != n || trace[1].Path() != "Shot.trace" {
		t.Fatalf("unexpected path %q", trace[1].Path())
	}
}

func TestSetRejectsMismatches(t *testing.T) {
	testlog.Start(t)

	n := NewNode(shotType)
	bad := map[string]Value{
		"label":  Float64(1),
		"origin": Child(NewNode(shotType)),
		"gains":  Array([]float64{1}),
		"count":  Int32(1),
	}
	for field, v := range bad {
		if err := n.Set(field, v); err == nil {
			t.Fatalf("expected %s to reject %s", field, v.Kind())
		}
	}
	if err := n.Set("missing", Empty()); err == nil {
		t.Fatalf("expected unknown field error")
	}

	grid := typereg.New("Grid", typereg.FixedArray("cells", typereg.ElemUint8, 2, 2))
	g := NewNode(grid)
	if err := g.Set("cells", Array([]uint8{1, 2, 3})); err == nil {
		t.Fatalf("expected fixed extent mismatch")
	}
	if err := g.Set("cells", Array([]uint8{1, 2, 3, 4})); err != nil {
		t.Fatalf("set cells: %v", err)
	}
}

func TestFindAndEqual(t *testing.T) {
	testlog.Start(t)

	a, b := shot(), shot()
	if !Equal(a, b) {
		t.Fatalf("identical trees must be equal")
	}
	v, ok := a.Find("trace[1].y")
	if !ok || v.Float() != -1 {
		t.Fatalf("find trace[1].y = %v %v", v.Float(), ok)
	}
	if _, ok := a.Find("origin.z"); ok {
		t.Fatalf("unexpected hit for origin.z")
	}

	b.MustSet("gains", Array([]float32{}))
	if !Equal(a, b) {
		t.Fatalf("zero-length array and empty slot share a wire form")
	}
	b.Child("origin").MustSet("y", Float64(2))
	if Equal(a, b) {
		t.Fatalf("modified nested value must break equality")
	}
}

func TestScalarWidthMasking(t *testing.T) {
	v := Int8(-1)
	if v.Raw() != 0xff || v.Int() != -1 || v.Uint() != uint64(1<<64-1) {
		t.Fatalf("int8 bits=%#x int=%d", v.Raw(), v.Int())
	}
	if got := Bits(typereg.ElemInt16, 0xfffe).Int(); got != -2 {
		t.Fatalf("int16 sign extension = %d", got)
	}
	if got := Float32(0.5).Float(); got != 0.5 {
		t.Fatalf("float32 = %v", got)
	}
	if _, err := Scalar("nope"); err == nil {
		t.Fatalf("expected error for string scalar")
	}
}

func TestTreeReleaseDetachesRoot(t *testing.T) {
	testlog.Start(t)

	log := heaplog.New()
	_ = heaplog.MakeSlice[float64](log, 4, "float64")
	tree := NewTree(shot(), log)
	if err := tree.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	if tree.Root != nil || !tree.Log().Released() {
		t.Fatalf("release must detach root and release log")
	}
	if err := tree.Release(); err == nil {
		t.Fatalf("second release must report a tracking error")
	}
}

func TestDump(t *testing.T) {
	var buf bytes.Buffer
	Dump(&buf, shot())
	out := buf.String()
	for _, want := range []string{"Shot (Shot)", `label = "pulse-7"`, "origin (Point)", "trace [2]", "gains = <empty>"} {
		if !strings.Contains(out, want) {
			t.Fatalf("dump missing %q:\n%s", want, out)
		}
	}
}
