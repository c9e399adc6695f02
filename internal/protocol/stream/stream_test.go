package stream

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"os"
	"testing"
	"time"

	"github.com/danmuck/udactl/internal/fault"
	"github.com/danmuck/udactl/internal/testutil/testlog"
)

// loopConn feeds everything written back to the reader.
type loopConn struct {
	bytes.Buffer
	writes int
	closes int
}

func (l *loopConn) Write(p []byte) (int, error) {
	l.writes++
	return l.Buffer.Write(p)
}

func (l *loopConn) Close() error {
	l.closes++
	return nil
}

func newLoop(t *testing.T, block int) (*Pair, *loopConn) {
	t.Helper()
	lc := &loopConn{}
	p, err := NewPair(lc, Config{ReadBlockSize: block, WriteBlockSize: block})
	if err != nil {
		t.Fatalf("new pair: %v", err)
	}
	return p, lc
}

func TestRecordSpansBlocks(t *testing.T) {
	testlog.Start(t)

	p, lc := newLoop(t, MinBlockSize)
	payload := bytes.Repeat([]byte("0123456789"), 50)
	if _, err := p.Out.Write(payload); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := p.Out.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if lc.writes < len(payload)/MinBlockSize {
		t.Fatalf("expected several block transfers, got %d", lc.writes)
	}

	got, err := io.ReadAll(p.In)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload mismatch: got %d bytes", len(got))
	}
	if !p.In.AtRecordEnd() {
		t.Fatalf("expected record end")
	}
}

func TestSkipRealignsOnNextRecord(t *testing.T) {
	testlog.Start(t)

	p, _ := newLoop(t, MinBlockSize)
	for _, rec := range []string{"first record with a long tail that is never read", "second"} {
		if _, err := io.WriteString(p.Out, rec); err != nil {
			t.Fatalf("write: %v", err)
		}
		if err := p.Out.Flush(); err != nil {
			t.Fatalf("flush: %v", err)
		}
	}

	head := make([]byte, 5)
	if _, err := io.ReadFull(p.In, head); err != nil {
		t.Fatalf("read head: %v", err)
	}
	if string(head) != "first" {
		t.Fatalf("unexpected head %q", head)
	}
	if err := p.In.Skip(); err != nil {
		t.Fatalf("skip: %v", err)
	}
	rest, err := io.ReadAll(p.In)
	if err != nil {
		t.Fatalf("read second: %v", err)
	}
	if string(rest) != "second" {
		t.Fatalf("expected second record, got %q", rest)
	}
	if err := p.In.Skip(); err != nil {
		t.Fatalf("skip at end: %v", err)
	}
}

func TestShortRecordIsUnexpectedEOF(t *testing.T) {
	testlog.Start(t)

	p, _ := newLoop(t, MinBlockSize)
	_, _ = p.Out.Write([]byte{1, 2})
	_ = p.Out.Flush()

	buf := make([]byte, 4)
	_, err := io.ReadFull(p.In, buf)
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected unexpected EOF inside record, got %v", err)
	}
	if p.In.Err() != nil {
		t.Fatalf("a short record must not poison the stream: %v", p.In.Err())
	}
}

func TestOversizedFragmentIsMalformed(t *testing.T) {
	testlog.Start(t)

	lc := &loopConn{}
	var mark [4]byte
	binary.BigEndian.PutUint32(mark[:], MaxFragment+1)
	lc.Buffer.Write(mark[:])
	p, err := NewPair(lc, DefaultConfig())
	if err != nil {
		t.Fatalf("new pair: %v", err)
	}
	_, err = p.In.Read(make([]byte, 8))
	if !errors.Is(err, fault.ErrMalformedMessage) {
		t.Fatalf("expected malformed, got %v", err)
	}
}

func TestCloseIsIdempotentAndUnblocksRead(t *testing.T) {
	testlog.Start(t)

	a, b := net.Pipe()
	defer b.Close()
	p, err := NewPair(a, Config{Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("new pair: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := p.In.Read(make([]byte, 1))
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}

	select {
	case err := <-done:
		if !errors.Is(err, fault.ErrTransport) || !errors.Is(err, ErrClosed) {
			t.Fatalf("expected closed transport error, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("read did not unblock after close")
	}

	if _, err := p.Out.Write([]byte("x")); err != nil {
		t.Fatalf("staging a write needs no transport: %v", err)
	}
	if err := p.Out.Flush(); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected flush after close to fail, got %v", err)
	}
	if !p.Closed() {
		t.Fatalf("pair must report closed")
	}
}

func TestTimeoutIsFatal(t *testing.T) {
	testlog.Start(t)

	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	p, err := NewPair(a, Config{Timeout: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("new pair: %v", err)
	}

	_, err = p.In.Read(make([]byte, 1))
	if !errors.Is(err, os.ErrDeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	_, again := p.In.Read(make([]byte, 1))
	if again != err {
		t.Fatalf("transport failure must be sticky: %v vs %v", again, err)
	}
}

func TestConfigValidate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if err := (Config{}).Validate(); err != nil {
		t.Fatalf("zero config should take defaults: %v", err)
	}
	bad := []Config{
		{ReadBlockSize: 8},
		{WriteBlockSize: MaxBlockSize + 1},
		{Timeout: -time.Second},
	}
	for _, cfg := range bad {
		if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
			t.Fatalf("expected invalid config for %+v, got %v", cfg, err)
		}
	}
}
