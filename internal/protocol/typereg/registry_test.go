package typereg

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/danmuck/udactl/internal/fault"
	"github.com/danmuck/udactl/internal/testutil/testlog"
)

func point() *TypeDescriptor {
	return New("Point", Scalar("x", ElemFloat64), Scalar("y", ElemFloat64))
}

func TestRegisterIdempotentAndDuplicate(t *testing.T) {
	testlog.Start(t)

	reg := NewRegistry()
	if err := reg.Register(point()); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Register(point()); err != nil {
		t.Fatalf("identical re-register must succeed: %v", err)
	}

	conflicting := New("Point", Scalar("x", ElemFloat32), Scalar("y", ElemFloat64))
	err := reg.Register(conflicting)
	if !errors.Is(err, fault.ErrDuplicateType) {
		t.Fatalf("expected DuplicateType, got %v", err)
	}
	got, _ := reg.Lookup("Point")
	if got.Fields[0].Elem != ElemFloat64 {
		t.Fatalf("conflicting registration must not overwrite")
	}
	if reg.Len() != 1 {
		t.Fatalf("expected 1 type, got %d", reg.Len())
	}
}

func TestRegisterAllIsAtomic(t *testing.T) {
	testlog.Start(t)

	reg := NewRegistry()
	if err := reg.Register(point()); err != nil {
		t.Fatalf("register: %v", err)
	}
	line := New("Line", Struct("a", "Point"), Struct("b", "Point"))
	clash := New("Point", Scalar("x", ElemInt32))
	if err := reg.RegisterAll(line, clash); !errors.Is(err, fault.ErrDuplicateType) {
		t.Fatalf("expected duplicate, got %v", err)
	}
	if _, ok := reg.Lookup("Line"); ok {
		t.Fatalf("Line must not be published when the batch fails")
	}
}

func TestRegisteredDescriptorIsIsolated(t *testing.T) {
	testlog.Start(t)

	reg := NewRegistry()
	d := New("Grid", FixedArray("cells", ElemInt16, 2, 3))
	if err := reg.Register(d); err != nil {
		t.Fatalf("register: %v", err)
	}
	d.Fields[0].Shape[0] = 99
	got, _ := reg.Lookup("Grid")
	if got.Fields[0].Shape[0] != 2 {
		t.Fatalf("registry must hold its own copy")
	}
	if got.Size != 12 {
		t.Fatalf("expected size 12, got %d", got.Size)
	}
}

func TestSizeResolvesNestedStructs(t *testing.T) {
	testlog.Start(t)

	reg := NewRegistry()
	seg := New("Segment", FixedStructArray("ends", "Point", 2), Scalar("id", ElemInt32))
	if err := reg.RegisterAll(seg, point()); err != nil {
		t.Fatalf("register: %v", err)
	}
	got, _ := reg.Lookup("Segment")
	if got.Size != 2*16+4 {
		t.Fatalf("expected size 36, got %d", got.Size)
	}
}

func TestValidateRejectsBadDescriptors(t *testing.T) {
	cases := map[string]*TypeDescriptor{
		"empty name":      New("", Scalar("x", ElemInt8)),
		"dup field":       New("T", Scalar("x", ElemInt8), Scalar("x", ElemInt16)),
		"scalar string":   New("T", Scalar("x", ElemString)),
		"width mismatch":  New("T", Scalar("x", ElemInt32).WithWidth(8)),
		"no nested name":  New("T", Struct("x", "")),
		"zero extent":     New("T", FixedArray("x", ElemInt8, 0)),
		"deep pointer":    New("T", FieldDescriptor{Name: "x", Kind: KindPointer, Elem: ElemInt8, PointerDepth: 2}),
		"bad versions":    New("T", Scalar("x", ElemInt8).Added(3).Removed(2)),
		"bad default":     New("T", Scalar("x", ElemInt8).WithDefault("300")),
		"array default":   New("T", VarArray("x", ElemInt8).WithDefault("1")),
		"rank too high":   New("T", VarArray("x", ElemInt8).WithRank(MaxRank+1)),
		"shape on scalar": New("T", FieldDescriptor{Name: "x", Kind: KindScalar, Elem: ElemInt8, Shape: []int{2}}),
	}
	for name, d := range cases {
		if err := d.Validate(); !errors.Is(err, ErrInvalidDescriptor) {
			t.Fatalf("%s: expected ErrInvalidDescriptor, got %v", name, err)
		}
	}
}

func TestPresentInAndDefaults(t *testing.T) {
	f := Scalar("gain", ElemFloat64).Added(2).Removed(4).WithDefault("1.5")
	for v, want := range map[uint32]bool{1: false, 2: true, 4: true, 5: false} {
		if f.PresentIn(v) != want {
			t.Fatalf("PresentIn(%d) = %v", v, !want)
		}
	}
	def, err := f.ParsedDefault()
	if err != nil || def.(float64) != 1.5 {
		t.Fatalf("default = %v, %v", def, err)
	}
	i8, err := Scalar("n", ElemInt8).WithDefault("-7").ParsedDefault()
	if err != nil || i8.(int8) != -7 {
		t.Fatalf("int8 default = %v, %v", i8, err)
	}
}

func TestClosureLeavesFirst(t *testing.T) {
	testlog.Start(t)

	reg := NewRegistry()
	err := reg.RegisterAll(
		New("Shot", VarStructArray("rows", "Row"), Struct("origin", "Point")),
		New("Row", String("name"), Struct("at", "Point")),
		point(),
	)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	got, err := reg.Closure("Shot")
	if err != nil {
		t.Fatalf("closure: %v", err)
	}
	var names []string
	for _, d := range got {
		names = append(names, d.Name)
	}
	if fmt.Sprint(names) != "[Point Row Shot]" {
		t.Fatalf("unexpected closure order %v", names)
	}

	if err := reg.Register(New("Orphan", Struct("x", "Missing"))); err != nil {
		t.Fatalf("nested names resolve lazily: %v", err)
	}
	if _, err := reg.Closure("Orphan"); !errors.Is(err, fault.ErrUnknownType) {
		t.Fatalf("expected unknown type, got %v", err)
	}
}

func TestConcurrentLookupDuringRegister(t *testing.T) {
	testlog.Start(t)

	reg := NewRegistry()
	if err := reg.Register(point()); err != nil {
		t.Fatalf("register: %v", err)
	}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_ = reg.Register(New(fmt.Sprintf("T%d", i), Scalar("v", ElemInt32)))
		}(i)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if _, ok := reg.Lookup("Point"); !ok {
					t.Errorf("Point vanished")
					return
				}
			}
		}()
	}
	wg.Wait()
	if reg.Len() != 9 {
		t.Fatalf("expected 9 types, got %d", reg.Len())
	}
}
