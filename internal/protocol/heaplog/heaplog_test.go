package heaplog

import (
	"errors"
	"testing"

	"github.com/danmuck/udactl/internal/fault"
	"github.com/danmuck/udactl/internal/testutil/testlog"
)

func TestReleaseEmptyAndTwice(t *testing.T) {
	testlog.Start(t)

	l := New()
	n, err := l.ReleaseAll()
	if err != nil || n != 0 {
		t.Fatalf("empty release = (%d, %v)", n, err)
	}
	n, err = l.ReleaseAll()
	if !errors.Is(err, fault.ErrAllocationTracking) || n != 0 {
		t.Fatalf("second release = (%d, %v)", n, err)
	}
}

func TestRecordAndRelease(t *testing.T) {
	testlog.Start(t)

	before := Live()
	l := New()
	name := String(l, []byte("shot1"))
	vals := MakeSlice[float64](l, 3, "float64")
	none := MakeSlice[int32](l, 0, "int32")

	if name != "shot1" || len(vals) != 3 || none != nil {
		t.Fatalf("unexpected allocations %q %v %v", name, vals, none)
	}
	if l.Len() != 2 {
		t.Fatalf("expected 2 entries, got %d", l.Len())
	}
	if l.Bytes() != 6+24 {
		t.Fatalf("expected 30 bytes, got %d", l.Bytes())
	}
	e, ok := l.Lookup(2)
	if !ok || e.TypeName != "float64" || e.Source != SourceHeap {
		t.Fatalf("unexpected entry %v", e)
	}
	if Live() != before+2 {
		t.Fatalf("live gauge did not track records")
	}

	n, err := l.ReleaseAll()
	if err != nil || n != 2 {
		t.Fatalf("release = (%d, %v)", n, err)
	}
	if Live() != before {
		t.Fatalf("live gauge leaked: %d vs %d", Live(), before)
	}
	if _, ok := l.Lookup(1); ok {
		t.Fatalf("handles must be invalid after release")
	}
}

func TestRecordAfterReleaseIsViolation(t *testing.T) {
	testlog.Start(t)

	l := New()
	_, _ = l.ReleaseAll()
	if h := l.Record(Allocation{Size: 8, TypeName: "late"}); h != InvalidHandle {
		t.Fatalf("expected invalid handle, got %d", h)
	}
	if !errors.Is(l.Err(), fault.ErrAllocationTracking) {
		t.Fatalf("expected tracking violation, got %v", l.Err())
	}
}

func TestDuplicateAddressIsViolation(t *testing.T) {
	testlog.Start(t)

	l := New()
	buf := MakeSlice[byte](l, 16, "bytes")
	h := l.Record(Allocation{Ref: buf, Addr: l.Entries()[0].Addr, Size: 16})
	if h != InvalidHandle {
		t.Fatalf("double ownership must be refused")
	}
	n, err := l.ReleaseAll()
	if n != 1 || !errors.Is(err, fault.ErrAllocationTracking) {
		t.Fatalf("release = (%d, %v)", n, err)
	}
}

func TestScratchIsPoolSourced(t *testing.T) {
	testlog.Start(t)

	l := New()
	buf := Scratch(l, 128)
	if len(buf) != 128 {
		t.Fatalf("expected 128-byte scratch, got %d", len(buf))
	}
	entries := l.Entries()
	if len(entries) != 1 || entries[0].Source != SourcePool {
		t.Fatalf("unexpected entries %v", entries)
	}
	if _, err := l.ReleaseAll(); err != nil {
		t.Fatalf("release: %v", err)
	}
}
