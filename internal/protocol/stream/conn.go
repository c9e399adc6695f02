package stream

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

var ErrClosed = errors.New("stream: closed")

type deadliner interface {
	SetReadDeadline(time.Time) error
	SetWriteDeadline(time.Time) error
}

// conn is the transport shared by the two directional halves of a pair.
type conn struct {
	rw      io.ReadWriteCloser
	timeout time.Duration
	once    sync.Once
	closed  atomic.Bool
	err     error
}

func (c *conn) close() error {
	c.once.Do(func() {
		c.closed.Store(true)
		c.err = c.rw.Close()
	})
	return c.err
}

func (c *conn) read(p []byte) (int, error) {
	if c.closed.Load() {
		return 0, ErrClosed
	}
	if d, ok := c.rw.(deadliner); ok && c.timeout > 0 {
		if err := d.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
			return 0, err
		}
	}
	n, err := c.rw.Read(p)
	if err != nil && c.closed.Load() {
		return n, ErrClosed
	}
	return n, err
}

func (c *conn) write(p []byte) (int, error) {
	if c.closed.Load() {
		return 0, ErrClosed
	}
	if d, ok := c.rw.(deadliner); ok && c.timeout > 0 {
		if err := d.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
			return 0, err
		}
	}
	n, err := c.rw.Write(p)
	if err == nil && n < len(p) {
		err = io.ErrShortWrite
	}
	if err != nil && c.closed.Load() {
		return n, ErrClosed
	}
	return n, err
}

// Pair is the per-connection stream pair: In decodes, Out encodes.
type Pair struct {
	In  *Decoder
	Out *Encoder
	c   *conn
}

// NewPair splits rw into an inbound decoder and an outbound encoder sharing
// one transport. Closing either half closes the transport.
func NewPair(rw io.ReadWriteCloser, cfg Config) (*Pair, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	c := &conn{rw: rw, timeout: cfg.Timeout}
	return &Pair{
		In:  newDecoder(c, cfg.ReadBlockSize),
		Out: newEncoder(c, cfg.WriteBlockSize),
		c:   c,
	}, nil
}

// Close is idempotent and unblocks any in-flight read or write.
func (p *Pair) Close() error {
	return p.c.close()
}

func (p *Pair) Closed() bool {
	return p.c.closed.Load()
}
