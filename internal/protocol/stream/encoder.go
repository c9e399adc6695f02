package stream

import (
	"encoding/binary"

	"github.com/danmuck/udactl/internal/fault"
)

const (
	markSize     = 4
	lastFragment = uint32(1) << 31
)

// Encoder is the outbound half. Bytes are staged in one block and shipped as
// record-marked fragments; Flush terminates the current record.
type Encoder struct {
	c     *conn
	block []byte
	n     int
	err   error
	sent  int64
}

func newEncoder(c *conn, blockSize int) *Encoder {
	return &Encoder{c: c, block: make([]byte, blockSize)}
}

func (e *Encoder) Write(p []byte) (int, error) {
	if e.err != nil {
		return 0, e.err
	}
	written := 0
	for len(p) > 0 {
		room := len(e.block) - markSize - e.n
		if room == 0 {
			if err := e.emit(false); err != nil {
				return written, err
			}
			continue
		}
		k := copy(e.block[markSize+e.n:], p)
		e.n += k
		written += k
		p = p[k:]
	}
	return written, nil
}

// Flush writes the buffered block as the final fragment of the current record.
func (e *Encoder) Flush() error {
	if e.err != nil {
		return e.err
	}
	return e.emit(true)
}

// Buffered reports bytes staged but not yet sent.
func (e *Encoder) Buffered() int {
	return e.n
}

// Sent reports bytes handed to the transport, record marks included.
func (e *Encoder) Sent() int64 {
	return e.sent
}

// Err returns the sticky transport failure, if any.
func (e *Encoder) Err() error {
	return e.err
}

func (e *Encoder) Close() error {
	return e.c.close()
}

func (e *Encoder) emit(last bool) error {
	mark := uint32(e.n)
	if last {
		mark |= lastFragment
	}
	binary.BigEndian.PutUint32(e.block[:markSize], mark)
	n, err := e.c.write(e.block[:markSize+e.n])
	e.sent += int64(n)
	if err != nil {
		e.err = fault.Transport("stream.write", err)
		return e.err
	}
	e.n = 0
	return nil
}
