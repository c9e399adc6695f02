// Package heaplog keeps the ownership ledger of allocations made while one
// message is decoded (or encoded), so the whole graph is released as a unit.
package heaplog

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/danmuck/udactl/internal/fault"
)

// Source tags where an allocation came from and how it is given back.
type Source uint8

const (
	SourceHeap Source = iota
	SourcePool
)

func (s Source) String() string {
	if s == SourcePool {
		return "pool"
	}
	return "heap"
}

// Handle identifies one entry within its log. Zero is never issued.
type Handle uint32

const InvalidHandle Handle = 0

// Allocation describes one recorded allocation.
type Allocation struct {
	Ref      any
	Addr     uintptr
	Size     int
	Source   Source
	TypeName string
}

// Entry is a recorded allocation and its handle.
type Entry struct {
	Handle Handle
	Allocation
}

var live atomic.Int64

// Live reports entries recorded and not yet released across all logs.
func Live() int64 {
	return live.Load()
}

// Log is append-only until ReleaseAll. It is not safe for concurrent use.
type Log struct {
	entries  []Entry
	addrs    map[uintptr]Handle
	bytes    int
	released bool
	err      error
}

func New() *Log {
	return &Log{entries: make([]Entry, 0, 8)}
}

// Record takes ownership of a. Recording into a released log, or recording a
// live address twice, is an AllocationTracking violation reported by Err and
// ReleaseAll; the returned handle is then InvalidHandle.
func (l *Log) Record(a Allocation) Handle {
	if l.released {
		l.fail("record after release type=%q size=%d", a.TypeName, a.Size)
		return InvalidHandle
	}
	if a.Addr != 0 {
		if l.addrs == nil {
			l.addrs = make(map[uintptr]Handle)
		}
		if prev, ok := l.addrs[a.Addr]; ok {
			l.fail("address %#x already owned by handle %d", a.Addr, prev)
			return InvalidHandle
		}
	}
	h := Handle(len(l.entries) + 1)
	l.entries = append(l.entries, Entry{Handle: h, Allocation: a})
	if a.Addr != 0 {
		l.addrs[a.Addr] = h
	}
	l.bytes += a.Size
	live.Add(1)
	return h
}

func (l *Log) Lookup(h Handle) (Entry, bool) {
	if h == InvalidHandle || int(h) > len(l.entries) || l.released {
		return Entry{}, false
	}
	return l.entries[h-1], true
}

func (l *Log) Len() int {
	return len(l.entries)
}

// Bytes is the total recorded size.
func (l *Log) Bytes() int {
	return l.bytes
}

// Entries returns a snapshot of the ledger.
func (l *Log) Entries() []Entry {
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

func (l *Log) Released() bool {
	return l.released
}

// Err returns the first tracking violation, if any.
func (l *Log) Err() error {
	return l.err
}

// ReleaseAll gives back every recorded allocation and invalidates all
// handles. It returns the number of entries released. Releasing an empty log
// is a no-op; a second release is reported as AllocationTracking and does
// nothing.
func (l *Log) ReleaseAll() (int, error) {
	if l.released {
		return 0, fault.New(fault.KindAllocationTracking, "heaplog.release").
			Detail("log already released").
			Build()
	}
	l.released = true
	n := len(l.entries)
	for i := range l.entries {
		e := &l.entries[i]
		if e.Source == SourcePool {
			if buf, ok := e.Ref.(*[]byte); ok {
				putBuffer(buf)
			}
		}
		e.Ref = nil
	}
	l.entries = nil
	l.addrs = nil
	live.Add(-int64(n))
	return n, l.err
}

func (l *Log) fail(format string, args ...any) {
	if l.err != nil {
		return
	}
	l.err = fault.New(fault.KindAllocationTracking, "heaplog.record").Detail(format, args...).Build()
}

// MakeSlice allocates n elements from the general heap and records them as
// one entry. n == 0 allocates and records nothing.
func MakeSlice[T any](l *Log, n int, typeName string) []T {
	if n <= 0 {
		return nil
	}
	s := make([]T, n)
	var zero T
	l.Record(Allocation{
		Ref:      s,
		Addr:     uintptr(unsafe.Pointer(unsafe.SliceData(s))),
		Size:     n * int(unsafe.Sizeof(zero)),
		Source:   SourceHeap,
		TypeName: typeName,
	})
	return s
}

// String allocates length+1 bytes, copies src and NUL-terminates it, and
// returns a string view of the first length bytes.
func String(l *Log, src []byte) string {
	buf := MakeSlice[byte](l, len(src)+1, "string")
	copy(buf, src)
	if len(src) == 0 {
		return ""
	}
	return unsafe.String(&buf[0], len(src))
}

func (e Entry) String() string {
	return fmt.Sprintf("#%d %s %s %dB", e.Handle, e.Source, e.TypeName, e.Size)
}
