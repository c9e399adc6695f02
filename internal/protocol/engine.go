package protocol

import (
	"github.com/danmuck/udactl/internal/fault"
	"github.com/danmuck/udactl/internal/protocol/heaplog"
	"github.com/danmuck/udactl/internal/protocol/typereg"
)

// Observer receives one callback per completed or aborted message.
type Observer interface {
	MessageEncoded(t MessageType, bytes int, err error)
	MessageDecoded(t MessageType, bytes int, entries int, err error)
}

// Engine walks type descriptors to move structures across a byte stream.
// An Engine is safe for concurrent use when each goroutine uses its own
// stream pair; the registry is the only shared state.
type Engine struct {
	Registry *typereg.Registry
	// Version is the negotiated version used for encoding.
	Version  uint32
	Limits   Limits
	Observer Observer
}

func NewEngine(reg *typereg.Registry) *Engine {
	return &Engine{
		Registry: reg,
		Version:  CurrentVersion,
		Limits:   DefaultLimits(),
	}
}

// WithVersion returns a copy that encodes at v.
func (e *Engine) WithVersion(v uint32) (*Engine, error) {
	if !SupportedVersion(v) {
		return nil, fault.VersionUnsupported("protocol.version", v, MinVersion, CurrentVersion)
	}
	cp := *e
	cp.Version = v
	return &cp, nil
}

func (e *Engine) lookup(op string, path []string, name string) (*typereg.TypeDescriptor, error) {
	if e.Registry == nil {
		return nil, fault.UnknownType(op, path, name)
	}
	desc, ok := e.Registry.Lookup(name)
	if !ok {
		return nil, fault.UnknownType(op, path, name)
	}
	return desc, nil
}

func (e *Engine) limits() Limits {
	return e.Limits.withDefaults()
}

func (e *Engine) encoded(t MessageType, n int, err error) {
	if e.Observer != nil {
		e.Observer.MessageEncoded(t, n, err)
	}
}

func (e *Engine) decoded(t MessageType, n int, log *heaplog.Log, err error) {
	if e.Observer == nil {
		return
	}
	entries := 0
	if log != nil {
		entries = log.Len()
	}
	e.Observer.MessageDecoded(t, n, entries, err)
}
