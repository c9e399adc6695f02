package fault

import "fmt"

// Builder assembles an *Error one attribute at a time.
type Builder struct {
	err Error
}

func New(kind Kind, op string) *Builder {
	return &Builder{err: Error{Kind: kind, Op: op}}
}

func (b *Builder) Path(path ...string) *Builder {
	b.err.Path = append([]string(nil), path...)
	return b
}

func (b *Builder) Expected(format string, args ...any) *Builder {
	b.err.Expected = fmt.Sprintf(format, args...)
	return b
}

func (b *Builder) Found(format string, args ...any) *Builder {
	b.err.Found = fmt.Sprintf(format, args...)
	return b
}

func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

func (b *Builder) Module(name string) *Builder {
	b.err.Module = name
	return b
}

func (b *Builder) Symbol(name string) *Builder {
	b.err.Symbol = name
	return b
}

func (b *Builder) Code(code int32) *Builder {
	b.err.Code = code
	return b
}

func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

func (b *Builder) Build() *Error {
	e := b.err
	return &e
}

// Transport wraps a failed transport call.
func Transport(op string, cause error) *Error {
	return &Error{Kind: KindTransport, Op: op, Cause: cause}
}

// Malformed reports a framing or body violation.
func Malformed(op string, path []string, detail string, args ...any) *Error {
	return New(KindMalformedMessage, op).Path(path...).Detail(detail, args...).Build()
}

// UnknownType reports a type name absent from the registry.
func UnknownType(op string, path []string, name string) *Error {
	return New(KindUnknownType, op).Path(path...).Expected("registered type %q", name).Found("none").Build()
}

// VersionUnsupported reports a protocol version outside [min, max].
func VersionUnsupported(op string, got, min, max uint32) *Error {
	return New(KindVersionUnsupported, op).
		Expected("version in [%d,%d]", min, max).
		Found("version %d", got).
		Build()
}
