// Package fault is the closed error taxonomy shared by the stream, marshaler,
// registries and dispatcher, plus the ERROR-TAIL record model.
package fault

import (
	"errors"
	"fmt"
	"strings"
)

// Kind categorizes a core failure. The set is closed.
type Kind uint8

const (
	KindTransport Kind = iota + 1
	KindMalformedMessage
	KindUnknownType
	KindVersionUnsupported
	KindAllocationTracking
	KindDuplicateType
	KindModuleLoad
	KindSymbolNotFound
	KindInterfaceTooNew
	KindDispatch
)

var kindNames = [...]string{
	KindTransport:          "transport_error",
	KindMalformedMessage:   "malformed_message",
	KindUnknownType:        "unknown_type",
	KindVersionUnsupported: "version_unsupported",
	KindAllocationTracking: "allocation_tracking_error",
	KindDuplicateType:      "duplicate_type",
	KindModuleLoad:         "module_load_error",
	KindSymbolNotFound:     "symbol_not_found",
	KindInterfaceTooNew:    "interface_too_new",
	KindDispatch:           "dispatch_error",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) && kindNames[k] != "" {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Sentinels for errors.Is matching by kind.
var (
	ErrTransport          = &Error{Kind: KindTransport}
	ErrMalformedMessage   = &Error{Kind: KindMalformedMessage}
	ErrUnknownType        = &Error{Kind: KindUnknownType}
	ErrVersionUnsupported = &Error{Kind: KindVersionUnsupported}
	ErrAllocationTracking = &Error{Kind: KindAllocationTracking}
	ErrDuplicateType      = &Error{Kind: KindDuplicateType}
	ErrModuleLoad         = &Error{Kind: KindModuleLoad}
	ErrSymbolNotFound     = &Error{Kind: KindSymbolNotFound}
	ErrInterfaceTooNew    = &Error{Kind: KindInterfaceTooNew}
	ErrDispatch           = &Error{Kind: KindDispatch}
)

// Error is the structured error carried by every core failure.
type Error struct {
	Kind     Kind
	Op       string
	Path     []string
	Expected string
	Found    string
	Detail   string
	Module   string
	Symbol   string
	Code     int32
	// Released counts heap log entries discarded when a decode aborted.
	Released int
	Cause    error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteByte('[')
		b.WriteString(e.Op)
		b.WriteString("] ")
	}
	b.WriteString(e.Kind.String())
	if len(e.Path) > 0 {
		b.WriteString(" at ")
		b.WriteString(strings.Join(e.Path, "."))
	}
	if e.Module != "" {
		b.WriteString(" module=")
		b.WriteString(e.Module)
	}
	if e.Symbol != "" {
		b.WriteString(" symbol=")
		b.WriteString(e.Symbol)
	}
	if e.Expected != "" || e.Found != "" {
		fmt.Fprintf(&b, ": expected %s, found %s", orNone(e.Expected), orNone(e.Found))
	}
	if e.Detail != "" {
		if e.Expected != "" || e.Found != "" {
			b.WriteString(" - ")
		} else {
			b.WriteString(": ")
		}
		b.WriteString(e.Detail)
	}
	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

func orNone(s string) string {
	if s == "" {
		return "<none>"
	}
	return s
}

// KindOf returns the kind of the first *Error in err's chain, or 0.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return 0
}

// Label is KindOf rendered for metric labels.
func Label(err error) string {
	if err == nil {
		return "ok"
	}
	if k := KindOf(err); k != 0 {
		return k.String()
	}
	return "other"
}
