package session

import (
	"github.com/danmuck/udactl/internal/protocol/typereg"
)

// Names of the built-in message descriptors. Both peers register them before
// the handshake.
const (
	TypeClientBlock  = "ClientBlock"
	TypeServerBlock  = "ServerBlock"
	TypeRequestBlock = "RequestBlock"
	TypeArgument     = "Argument"
	TypeDataBlock    = "DataBlock"
	TypeTypeTable    = "TypeTable"
	TypeWireType     = "WireType"
	TypeWireField    = "WireField"
)

// Status codes carried by ServerBlock and DataBlock.
const (
	StatusOK    int32 = 0
	StatusError int32 = 1
)

// Cache permissions carried by DataBlock. A client may keep a result only
// when the server sent CacheOK.
const (
	CacheNotOK uint8 = 0
	CacheOK    uint8 = 1
)

// ClientBlock opens a connection.
type ClientBlock struct {
	Client    string
	Version   uint32
	TimeoutMS uint32 `uda:"timeout_ms"`
	Flags     uint32
	OSName    string `uda:"os_name"`
	DOI       string `uda:"doi"`
}

// ServerBlock answers a ClientBlock with the negotiated version.
type ServerBlock struct {
	Version uint32
	Status  int32
	Message string
	PID     uint32 `uda:"pid"`
	OSName  string `uda:"os_name"`
	DOI     string `uda:"doi"`
}

// Argument is one keyed request argument in textual form.
type Argument struct {
	Name  string
	Value string
}

// RequestBlock names a plugin method and its arguments.
type RequestBlock struct {
	Plugin  string
	Method  string
	Request string
	Args    []Argument
}

// Arg returns the value of the named argument.
func (r RequestBlock) Arg(name string) (string, bool) {
	for _, a := range r.Args {
		if a.Name == name {
			return a.Value, true
		}
	}
	return "", false
}

// ArgMap flattens Args; later duplicates win.
func (r RequestBlock) ArgMap() map[string]string {
	out := make(map[string]string, len(r.Args))
	for _, a := range r.Args {
		out[a.Name] = a.Value
	}
	return out
}

// DataBlock prefixes a result payload. TypeName is empty when no payload
// follows.
type DataBlock struct {
	Handle          uint32
	Status          int32
	Message         string
	TypeName        string `uda:"type_name"`
	CachePermission uint8  `uda:"cache_permission"`
}

// TypeTable carries descriptors the receiver needs before a DataBlock.
type TypeTable struct {
	Types []WireType
}

// Descriptors returns the built-in message layouts.
func Descriptors() []*typereg.TypeDescriptor {
	return []*typereg.TypeDescriptor{
		typereg.New(TypeClientBlock,
			typereg.String("client"),
			typereg.Scalar("version", typereg.ElemUint32),
			typereg.Scalar("timeout_ms", typereg.ElemUint32),
			typereg.Scalar("flags", typereg.ElemUint32),
			typereg.String("os_name"),
			typereg.String("doi").Added(2),
		),
		typereg.New(TypeServerBlock,
			typereg.Scalar("version", typereg.ElemUint32),
			typereg.Scalar("status", typereg.ElemInt32),
			typereg.String("message"),
			typereg.Scalar("pid", typereg.ElemUint32),
			typereg.String("os_name"),
			typereg.String("doi").Added(2),
		),
		typereg.New(TypeArgument,
			typereg.String("name"),
			typereg.String("value"),
		),
		typereg.New(TypeRequestBlock,
			typereg.String("plugin"),
			typereg.String("method"),
			typereg.String("request"),
			typereg.VarStructArray("args", TypeArgument),
		),
		typereg.New(TypeDataBlock,
			typereg.Scalar("handle", typereg.ElemUint32),
			typereg.Scalar("status", typereg.ElemInt32),
			typereg.String("message"),
			typereg.String("type_name"),
			typereg.Scalar("cache_permission", typereg.ElemUint8).Added(2).WithDefault("0"),
		),
		typereg.New(TypeWireField,
			typereg.String("name"),
			typereg.Scalar("kind", typereg.ElemUint8),
			typereg.Scalar("elem", typereg.ElemUint8),
			typereg.String("type_name"),
			typereg.VarArray("shape", typereg.ElemUint32),
			typereg.Scalar("rank", typereg.ElemUint8),
			typereg.Scalar("pointer_depth", typereg.ElemUint8),
			typereg.Scalar("width", typereg.ElemUint8),
			typereg.Scalar("added_in", typereg.ElemUint32),
			typereg.Scalar("removed_after", typereg.ElemUint32),
			typereg.String("default"),
		),
		typereg.New(TypeWireType,
			typereg.String("name"),
			typereg.Scalar("version", typereg.ElemUint32),
			typereg.VarStructArray("fields", TypeWireField),
		),
		typereg.New(TypeTypeTable,
			typereg.VarStructArray("types", TypeWireType),
		),
	}
}

// RegisterBuiltins adds the message layouts to reg.
func RegisterBuiltins(reg *typereg.Registry) error {
	return reg.RegisterAll(Descriptors()...)
}
