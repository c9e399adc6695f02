package protocol

import (
	"errors"
	"fmt"
	"io"

	"github.com/danmuck/udactl/internal/fault"
)

// ErrTrailingBytes marks a BODY longer than its descriptor walk.
var ErrTrailingBytes = errors.New("protocol: trailing body bytes")

// transportErr keeps core errors intact and wraps everything else as a
// transport failure.
func transportErr(op string, err error) error {
	if fault.KindOf(err) != 0 {
		return err
	}
	return fault.Transport(op, err)
}

// readErr classifies a failed read of n expected bytes. A record that ends
// early is malformed; a plain reader that is exhausted before the first byte
// means the transport is gone.
func readErr(op string, err error, got int, record bool) error {
	if fault.KindOf(err) != 0 {
		return err
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		if got == 0 && !record && errors.Is(err, io.EOF) {
			return fault.Transport(op, err)
		}
		return fault.New(fault.KindMalformedMessage, op).Detail("short read after %d bytes", got).Cause(err).Build()
	}
	return fault.Transport(op, err)
}

// withReleased stamps the number of heap log entries discarded on abort.
func withReleased(err error, n int) error {
	var fe *fault.Error
	if !errors.As(err, &fe) {
		return fmt.Errorf("%w (released %d entries)", err, n)
	}
	cp := *fe
	cp.Released = n
	if fe == err {
		return &cp
	}
	return &wrapped{outer: err, inner: &cp}
}

// wrapped preserves an outer message around a stamped inner fault.
type wrapped struct {
	outer error
	inner *fault.Error
}

func (w *wrapped) Error() string { return w.outer.Error() }
func (w *wrapped) Unwrap() error { return w.inner }
