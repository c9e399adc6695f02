package stream

import (
	"encoding/binary"
	"io"

	"github.com/danmuck/udactl/internal/fault"
)

// Decoder is the inbound half. Read serves bytes of the current record and
// returns io.EOF at its end; Skip moves to the next record.
type Decoder struct {
	c     *conn
	block []byte
	r, w  int

	left    uint32
	last    bool
	started bool

	err  error
	recv int64
}

func newDecoder(c *conn, blockSize int) *Decoder {
	return &Decoder{c: c, block: make([]byte, blockSize)}
}

func (d *Decoder) Read(p []byte) (int, error) {
	if d.err != nil {
		return 0, d.err
	}
	if len(p) == 0 {
		return 0, nil
	}
	for d.left == 0 {
		if d.started && d.last {
			return 0, io.EOF
		}
		if err := d.nextFragment(); err != nil {
			return 0, err
		}
	}
	if uint32(len(p)) > d.left {
		p = p[:d.left]
	}
	n, err := d.readRaw(p)
	d.left -= uint32(n)
	return n, err
}

// Skip discards the unread remainder of the current record so the next Read
// starts a fresh one. It is a no-op before the first byte of a record.
func (d *Decoder) Skip() error {
	if d.err != nil {
		return d.err
	}
	if !d.started {
		return nil
	}
	for {
		for d.left > 0 {
			if d.r == d.w {
				if err := d.fill(); err != nil {
					return err
				}
			}
			k := d.w - d.r
			if uint32(k) > d.left {
				k = int(d.left)
			}
			d.r += k
			d.left -= uint32(k)
		}
		if d.last {
			break
		}
		if err := d.nextFragment(); err != nil {
			return err
		}
	}
	d.started = false
	d.last = false
	return nil
}

// AtRecordEnd reports whether every byte of the current record was consumed.
func (d *Decoder) AtRecordEnd() bool {
	return d.started && d.last && d.left == 0
}

func (d *Decoder) Received() int64 {
	return d.recv
}

func (d *Decoder) Err() error {
	return d.err
}

func (d *Decoder) Close() error {
	return d.c.close()
}

func (d *Decoder) nextFragment() error {
	var mark [markSize]byte
	if _, err := d.readFullRaw(mark[:]); err != nil {
		return err
	}
	v := binary.BigEndian.Uint32(mark[:])
	d.last = v&lastFragment != 0
	d.left = v &^ lastFragment
	d.started = true
	if d.left > MaxFragment {
		d.err = fault.Malformed("stream.read", nil, "fragment length %d exceeds %d", d.left, MaxFragment)
		return d.err
	}
	return nil
}

func (d *Decoder) readFullRaw(p []byte) (int, error) {
	got := 0
	for got < len(p) {
		n, err := d.readRaw(p[got:])
		got += n
		if err != nil {
			return got, err
		}
	}
	return got, nil
}

func (d *Decoder) readRaw(p []byte) (int, error) {
	if d.r == d.w {
		if err := d.fill(); err != nil {
			return 0, err
		}
	}
	n := copy(p, d.block[d.r:d.w])
	d.r += n
	return n, nil
}

func (d *Decoder) fill() error {
	d.r, d.w = 0, 0
	for d.w == 0 {
		n, err := d.c.read(d.block)
		d.w = n
		d.recv += int64(n)
		if n > 0 {
			return nil
		}
		if err == nil {
			continue
		}
		if err == io.EOF && d.started {
			err = io.ErrUnexpectedEOF
		}
		d.err = fault.Transport("stream.read", err)
		return d.err
	}
	return nil
}
