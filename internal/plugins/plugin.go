// Package plugins resolves named plugins into capability tables and
// dispatches requests to them.
//
// A plugin is a table of {method name -> handler}. The Registry loads each
// declared plugin at most once per process, caches failures as well as
// successes, and publishes the result without locking readers. The
// Dispatcher maps a request envelope onto a handler, serving the standard
// methods every plugin answers.
package plugins

import (
	"context"
	"strconv"
	"strings"

	"github.com/danmuck/udactl/internal/fault"
	"github.com/danmuck/udactl/internal/protocol/nodetree"
	"github.com/danmuck/udactl/internal/protocol/typereg"
)

// InterfaceVersion is the highest plugin interface this build understands.
const InterfaceVersion uint32 = 1

// Source tags how a plugin reaches the registry.
const (
	SourceBuiltin = "builtin"
	SourceWasm    = "wasm"
)

// Metadata is a plugin's registration record.
type Metadata struct {
	Name             string
	File             string
	Source           string
	Version          uint32
	InterfaceVersion uint32
	DefaultMethod    string
	Description      string
	Example          string
	BuildDate        string
	Private          bool
	CachePermission  uint8
}

// Handler serves one method. Results go into out; a returned error becomes
// a dispatch failure.
type Handler func(ctx context.Context, req *Request, out *Output) error

// Method is one entry of a capability table.
type Method struct {
	Name        string
	Description string
	Handler     Handler
}

// Plugin is a loaded capability table.
type Plugin interface {
	Metadata() Metadata
	Methods() []Method
}

// Typed plugins publish the descriptors their payloads use. They are
// registered into the shared type registry when the plugin loads.
type Typed interface {
	Types() []*typereg.TypeDescriptor
}

// Entrypoint plugins receive every method their table and the standard set
// do not name, and sub-dispatch internally.
type Entrypoint interface {
	Entry(ctx context.Context, req *Request, out *Output) error
}

// Closer plugins run housekeeping when the registry shuts down.
type Closer interface {
	Close(ctx context.Context) error
}

// Request is the envelope handed to a handler.
type Request struct {
	Plugin string
	Method string
	// Raw is the request text as the client sent it.
	Raw  string
	Args map[string]string
}

// Arg looks up an argument by name, ignoring case.
func (r *Request) Arg(name string) (string, bool) {
	if v, ok := r.Args[name]; ok {
		return v, true
	}
	for k, v := range r.Args {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return "", false
}

// String returns the trimmed argument or def when absent.
func (r *Request) String(name, def string) string {
	v, ok := r.Arg(name)
	if !ok {
		return def
	}
	return strings.TrimSpace(v)
}

// Int parses an integer argument. Absent arguments yield def.
func (r *Request) Int(name string, def int64) (int64, error) {
	v, ok := r.Arg(name)
	if !ok || strings.TrimSpace(v) == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return def, Errorf(CodeBadArgument, "argument %s: %v", name, err)
	}
	return n, nil
}

// Bool treats a bare flag (present, empty value) as true.
func (r *Request) Bool(name string) (bool, error) {
	v, ok := r.Arg(name)
	if !ok {
		return false, nil
	}
	v = strings.TrimSpace(v)
	if v == "" {
		return true, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, Errorf(CodeBadArgument, "argument %s: %v", name, err)
	}
	return b, nil
}

// Output is the sink a handler writes its result into. Payload is encoded
// after the DataBlock; Tail is appended as ERROR-TAIL records.
type Output struct {
	Payload *nodetree.Node
	Message string
	Tail    fault.Stack
}

// Text sets a string payload.
func (o *Output) Text(value, description string) {
	n := nodetree.NewNode(textType)
	n.MustSet("value", nodetree.Str(value))
	n.MustSet("description", nodetree.Str(description))
	o.Payload = n
}

// Int sets an integer payload.
func (o *Output) Int(value int32, description string) {
	n := nodetree.NewNode(intType)
	n.MustSet("value", nodetree.Int32(value))
	n.MustSet("description", nodetree.Str(description))
	o.Payload = n
}

// Handler codes carried by dispatch errors.
const (
	CodeFailed      int32 = 1
	CodeBadArgument int32 = 2
	CodeNotFound    int32 = 3
)

// Errorf reports an application failure with a handler code.
func Errorf(code int32, format string, args ...any) error {
	return fault.New(fault.KindDispatch, "plugins.handler").Code(code).Detail(format, args...).Build()
}
