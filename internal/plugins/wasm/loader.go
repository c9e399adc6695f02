// Package wasm loads plugin modules compiled to WebAssembly.
//
// A module exports linear memory plus a small ABI:
//
//	uda_alloc(size i32) i32           scratch space for the request
//	uda_interface_version() i32       interface the module was built against
//	uda_version() i32                 optional plugin version
//	uda_entry(ptr i32, len i32) i32   entry symbol, returns a status code
//	uda_output() i64                  ptr<<32 | len of the reply
//
// The request is one encoded RequestBlock message. The reply is zero or more
// TypeTable messages followed by one DataBlock message.
package wasm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/danmuck/udactl/internal/fault"
	logs "github.com/danmuck/udactl/internal/logging"
	"github.com/danmuck/udactl/internal/plugins"
	"github.com/danmuck/udactl/internal/protocol"
	"github.com/danmuck/udactl/internal/protocol/session"
	"github.com/danmuck/udactl/internal/protocol/typereg"
)

const (
	ExportMemory           = "memory"
	ExportAlloc            = "uda_alloc"
	ExportInterfaceVersion = "uda_interface_version"
	ExportVersion          = "uda_version"
	ExportOutput           = "uda_output"
	DefaultEntrySymbol     = "uda_entry"
)

// Config for a Loader. Dir is the plugin search directory.
type Config struct {
	Dir                 string
	EntrySymbol         string
	MaxInterfaceVersion uint32
	// MemoryLimitPages caps each module's memory in 64KiB pages; 0 keeps the
	// runtime default.
	MemoryLimitPages uint32
}

func (c Config) withDefaults() Config {
	if c.EntrySymbol == "" {
		c.EntrySymbol = DefaultEntrySymbol
	}
	if c.MaxInterfaceVersion == 0 {
		c.MaxInterfaceVersion = plugins.InterfaceVersion
	}
	return c
}

// Loader opens modules from Config.Dir into one shared runtime.
type Loader struct {
	cfg     Config
	runtime wazero.Runtime
	engine  *protocol.Engine
	mu      sync.Mutex
	closed  bool
}

// NewLoader builds the runtime. types must be the registry the server
// encodes with; the built-in message layouts are added to it.
func NewLoader(ctx context.Context, cfg Config, types *typereg.Registry) (*Loader, error) {
	if err := session.RegisterBuiltins(types); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	rc := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if cfg.MemoryLimitPages > 0 {
		rc = rc.WithMemoryLimitPages(cfg.MemoryLimitPages)
	}
	return &Loader{
		cfg:     cfg,
		runtime: wazero.NewRuntimeWithConfig(ctx, rc),
		engine:  protocol.NewEngine(types),
	}, nil
}

// Path composes the module path for a spec file. A missing extension
// defaults to .wasm.
func (l *Loader) Path(file string) string {
	if filepath.Ext(file) == "" {
		file += ".wasm"
	}
	if filepath.IsAbs(file) {
		return file
	}
	return filepath.Join(l.cfg.Dir, file)
}

func (l *Loader) Load(ctx context.Context, spec plugins.ModuleSpec) (plugins.Plugin, error) {
	const op = "wasm.Load"
	path := l.Path(spec.File)
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fault.New(fault.KindModuleLoad, op).Module(spec.Name).
			Detail("read %s", path).Cause(err).Build()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, fault.New(fault.KindModuleLoad, op).Module(spec.Name).Detail("loader closed").Build()
	}
	compiled, err := l.runtime.CompileModule(ctx, raw)
	if err != nil {
		return nil, fault.New(fault.KindModuleLoad, op).Module(spec.Name).
			Detail("compile %s", path).Cause(err).Build()
	}
	if err := l.checkExports(spec.Name, compiled); err != nil {
		_ = compiled.Close(ctx)
		return nil, err
	}

	mod, err := l.runtime.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName(spec.Name))
	if err != nil {
		_ = compiled.Close(ctx)
		return nil, fault.New(fault.KindModuleLoad, op).Module(spec.Name).
			Detail("instantiate %s", path).Cause(err).Build()
	}
	m := &module{
		name:     spec.Name,
		path:     path,
		mod:      mod,
		compiled: compiled,
		engine:   l.engine,
		alloc:    mod.ExportedFunction(ExportAlloc),
		entry:    mod.ExportedFunction(l.cfg.EntrySymbol),
		output:   mod.ExportedFunction(ExportOutput),
		symbol:   l.cfg.EntrySymbol,
	}

	iv, err := callU32(ctx, mod.ExportedFunction(ExportInterfaceVersion))
	if err != nil {
		_ = m.Close(ctx)
		return nil, fault.New(fault.KindModuleLoad, op).Module(spec.Name).
			Symbol(ExportInterfaceVersion).Cause(err).Build()
	}
	if iv > l.cfg.MaxInterfaceVersion {
		_ = m.Close(ctx)
		return nil, fault.New(fault.KindInterfaceTooNew, op).Module(spec.Name).
			Expected("interface <= %d", l.cfg.MaxInterfaceVersion).Found("interface %d", iv).Build()
	}
	m.meta = plugins.Metadata{File: path, InterfaceVersion: iv}
	if fn := mod.ExportedFunction(ExportVersion); fn != nil {
		if v, err := callU32(ctx, fn); err == nil {
			m.meta.Version = v
		}
	}
	logs.Debugf("wasm.Load name=%q path=%q interface=%d version=%d", spec.Name, path, iv, m.meta.Version)
	return m, nil
}

type signature struct {
	params  []api.ValueType
	results []api.ValueType
}

var i32, i64 = api.ValueTypeI32, api.ValueTypeI64

// checkExports verifies every required symbol and its signature before the
// module runs any code.
func (l *Loader) checkExports(name string, compiled wazero.CompiledModule) error {
	const op = "wasm.Load"
	if _, ok := compiled.ExportedMemories()[ExportMemory]; !ok {
		return fault.New(fault.KindSymbolNotFound, op).Module(name).Symbol(ExportMemory).Build()
	}
	required := []struct {
		symbol string
		sig    signature
	}{
		{ExportAlloc, signature{[]api.ValueType{i32}, []api.ValueType{i32}}},
		{ExportInterfaceVersion, signature{nil, []api.ValueType{i32}}},
		{l.cfg.EntrySymbol, signature{[]api.ValueType{i32, i32}, []api.ValueType{i32}}},
		{ExportOutput, signature{nil, []api.ValueType{i64}}},
	}
	fns := compiled.ExportedFunctions()
	for _, req := range required {
		def, ok := fns[req.symbol]
		if !ok {
			return fault.New(fault.KindSymbolNotFound, op).Module(name).Symbol(req.symbol).Build()
		}
		if !sameTypes(def.ParamTypes(), req.sig.params) || !sameTypes(def.ResultTypes(), req.sig.results) {
			return fault.New(fault.KindSymbolNotFound, op).Module(name).Symbol(req.symbol).
				Expected("%s", sigString(req.sig.params, req.sig.results)).
				Found("%s", sigString(def.ParamTypes(), def.ResultTypes())).Build()
		}
	}
	if def, ok := fns[ExportVersion]; ok && (len(def.ParamTypes()) != 0 || !sameTypes(def.ResultTypes(), []api.ValueType{i32})) {
		return fault.New(fault.KindSymbolNotFound, op).Module(name).Symbol(ExportVersion).
			Detail("optional export has the wrong signature").Build()
	}
	return nil
}

func sameTypes(a, b []api.ValueType) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func sigString(params, results []api.ValueType) string {
	name := func(ts []api.ValueType) string {
		parts := make([]string, len(ts))
		for i, t := range ts {
			parts[i] = api.ValueTypeName(t)
		}
		return strings.Join(parts, ",")
	}
	return fmt.Sprintf("(%s)->(%s)", name(params), name(results))
}

func callU32(ctx context.Context, fn api.Function) (uint32, error) {
	if fn == nil {
		return 0, errors.New("function not exported")
	}
	res, err := fn.Call(ctx)
	if err != nil {
		return 0, err
	}
	if len(res) != 1 {
		return 0, fmt.Errorf("expected 1 result, got %d", len(res))
	}
	return api.DecodeU32(res[0]), nil
}

// Close releases the runtime and every module instantiated in it.
func (l *Loader) Close(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.runtime.Close(ctx)
}
