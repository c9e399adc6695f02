package heaplog

import (
	"sync"
	"unsafe"
)

const (
	poolInitCap = 4096
	// Larger buffers are left to the GC.
	poolMaxCap = 1 << 16
)

var bufferPool = sync.Pool{
	New: func() any {
		buf := make([]byte, 0, poolInitCap)
		return &buf
	},
}

// Scratch borrows a pooled buffer of length n and records it as a pool entry;
// ReleaseAll returns it to the pool.
func Scratch(l *Log, n int) []byte {
	bp := bufferPool.Get().(*[]byte)
	if cap(*bp) < n {
		*bp = make([]byte, n)
	}
	*bp = (*bp)[:n]
	l.Record(Allocation{
		Ref:      bp,
		Addr:     uintptr(unsafe.Pointer(bp)),
		Size:     cap(*bp),
		Source:   SourcePool,
		TypeName: "scratch",
	})
	return *bp
}

func putBuffer(bp *[]byte) {
	if bp == nil || cap(*bp) > poolMaxCap {
		return
	}
	*bp = (*bp)[:0]
	bufferPool.Put(bp)
}
