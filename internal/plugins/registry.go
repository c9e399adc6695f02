package plugins

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/danmuck/udactl/internal/fault"
	logs "github.com/danmuck/udactl/internal/logging"
	"github.com/danmuck/udactl/internal/protocol/typereg"
)

// Config is threaded in by the caller; the registry never reads the
// environment.
type Config struct {
	// FailOnLoad makes load failures hard errors. When false a failed plugin
	// resolves to ErrUnavailable joined with the load error.
	FailOnLoad bool
	// MaxInterfaceVersion is the ceiling a plugin may declare.
	MaxInterfaceVersion uint32
	Modules             []ModuleSpec
}

func DefaultConfig() Config {
	return Config{FailOnLoad: true, MaxInterfaceVersion: InterfaceVersion}
}

// Registration is a successfully loaded plugin.
type Registration struct {
	Meta    Metadata
	plugin  Plugin
	methods map[string]Method
	names   []string
}

func (r *Registration) Plugin() Plugin { return r.plugin }

// Methods lists the plugin's own methods in declaration order.
func (r *Registration) Methods() []string {
	return append([]string(nil), r.names...)
}

func (r *Registration) method(name string) (Method, bool) {
	m, ok := r.methods[strings.ToLower(name)]
	return m, ok
}

// entry is a cached resolution: exactly one of reg and err is set.
type entry struct {
	reg        *Registration
	err        error
	undeclared bool
}

// Status describes one declared plugin for listings.
type Status struct {
	Spec   ModuleSpec
	Loaded bool
	Meta   Metadata
	Err    string
}

// Registry resolves declared plugins. Lookups of already resolved names take
// no lock; loads are serialized per name.
type Registry struct {
	cfg     Config
	types   *typereg.Registry
	group   singleflight.Group
	cache   sync.Map // name -> *entry
	loads   atomic.Int64
	mu      sync.RWMutex
	specs   map[string]ModuleSpec
	loaders map[string]Loader
}

// NewRegistry declares cfg.Modules and installs the standard payload types
// into types.
func NewRegistry(cfg Config, types *typereg.Registry) (*Registry, error) {
	if cfg.MaxInterfaceVersion == 0 {
		cfg.MaxInterfaceVersion = InterfaceVersion
	}
	if err := types.RegisterAll(Descriptors()...); err != nil {
		return nil, err
	}
	r := &Registry{
		cfg:     cfg,
		types:   types,
		specs:   make(map[string]ModuleSpec),
		loaders: make(map[string]Loader),
	}
	for _, spec := range cfg.Modules {
		if err := r.Declare(spec); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) Types() *typereg.Registry { return r.types }
func (r *Registry) Strict() bool             { return r.cfg.FailOnLoad }

// Loads counts load attempts, successful or not.
func (r *Registry) Loads() int64 { return r.loads.Load() }

// Use routes specs with the given source to l.
func (r *Registry) Use(source string, l Loader) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loaders[source] = l
}

// Declare adds a spec. Names are matched case-insensitively.
func (r *Registry) Declare(spec ModuleSpec) error {
	spec.Name = normalizeName(spec.Name)
	if spec.Source == "" {
		spec.Source = SourceBuiltin
	}
	if err := ValidateSpec(spec); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.specs[spec.Name]; ok {
		return fmt.Errorf("%w: %s", ErrPluginExists, spec.Name)
	}
	r.specs[spec.Name] = spec
	return nil
}

// Declared reports whether name has a spec.
func (r *Registry) Declared(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.specs[normalizeName(name)]
	return ok
}

// Resolve returns the registration for name, loading it on first use.
// Concurrent first calls share one load; a failed load is cached and not
// retried. The load runs detached from any one caller, so a caller that
// gives up gets its own ctx error while the load carries on for the rest.
func (r *Registry) Resolve(ctx context.Context, name string) (*Registration, error) {
	key := normalizeName(name)
	if e, ok := r.cached(key); ok {
		return r.result(e)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch := r.group.DoChan(key, func() (any, error) {
		if e, ok := r.cached(key); ok {
			return e, nil
		}
		e := r.load(context.WithoutCancel(ctx), key)
		// Unknown names say nothing about a module.
		if !e.undeclared {
			r.cache.Store(key, e)
		}
		return e, nil
	})
	select {
	case res := <-ch:
		return r.result(res.Val.(*entry))
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Registry) cached(key string) (*entry, bool) {
	v, ok := r.cache.Load(key)
	if !ok {
		return nil, false
	}
	return v.(*entry), true
}

func (r *Registry) result(e *entry) (*Registration, error) {
	if e.err == nil {
		return e.reg, nil
	}
	if r.cfg.FailOnLoad {
		return nil, e.err
	}
	return nil, errors.Join(ErrUnavailable, e.err)
}

func (r *Registry) load(ctx context.Context, key string) *entry {
	r.mu.RLock()
	spec, ok := r.specs[key]
	loader := r.loaders[spec.Source]
	r.mu.RUnlock()
	if !ok {
		return &entry{undeclared: true, err: fault.New(fault.KindModuleLoad, "plugins.Resolve").
			Module(key).Detail("plugin is not declared").Build()}
	}
	if loader == nil {
		return &entry{err: fault.New(fault.KindModuleLoad, "plugins.Resolve").
			Module(key).Detail("no loader for source %q", spec.Source).Build()}
	}

	r.loads.Add(1)
	p, err := loader.Load(ctx, spec)
	if err != nil {
		err = loadErr(key, err)
		logs.Warnf("plugins.Resolve name=%q source=%s err=%v", key, spec.Source, err)
		return &entry{err: err}
	}
	reg, err := r.register(spec, p)
	if err != nil {
		logs.Warnf("plugins.Resolve name=%q source=%s err=%v", key, spec.Source, err)
		closePlugin(ctx, key, p)
		return &entry{err: err}
	}
	logs.Infof("plugins.Resolve name=%q source=%s version=%d methods=%d",
		key, spec.Source, reg.Meta.Version, len(reg.names))
	return &entry{reg: reg}
}

func loadErr(name string, err error) error {
	var fe *fault.Error
	if errors.As(err, &fe) {
		return err
	}
	return fault.New(fault.KindModuleLoad, "plugins.Resolve").Module(name).Cause(err).Build()
}

// register validates the loaded table and merges declared metadata over what
// the plugin reports.
func (r *Registry) register(spec ModuleSpec, p Plugin) (*Registration, error) {
	meta := p.Metadata()
	meta.Name = spec.Name
	meta.Source = spec.Source
	if spec.File != "" {
		meta.File = spec.File
	}
	if spec.DefaultMethod != "" {
		meta.DefaultMethod = spec.DefaultMethod
	}
	if spec.Description != "" {
		meta.Description = spec.Description
	}
	if spec.Example != "" {
		meta.Example = spec.Example
	}
	meta.Private = meta.Private || spec.Private
	if spec.CachePermission != 0 {
		meta.CachePermission = spec.CachePermission
	}
	if meta.InterfaceVersion == 0 {
		meta.InterfaceVersion = InterfaceVersion
	}
	if meta.InterfaceVersion > r.cfg.MaxInterfaceVersion {
		return nil, fault.New(fault.KindInterfaceTooNew, "plugins.Resolve").Module(spec.Name).
			Expected("interface <= %d", r.cfg.MaxInterfaceVersion).
			Found("interface %d", meta.InterfaceVersion).Build()
	}

	reg := &Registration{Meta: meta, plugin: p, methods: make(map[string]Method)}
	for _, m := range p.Methods() {
		key := strings.ToLower(strings.TrimSpace(m.Name))
		if key == "" || m.Handler == nil {
			return nil, fault.New(fault.KindSymbolNotFound, "plugins.Resolve").Module(spec.Name).
				Symbol(m.Name).Detail("method has no name or handler").Build()
		}
		if _, dup := reg.methods[key]; dup {
			return nil, fault.New(fault.KindModuleLoad, "plugins.Resolve").Module(spec.Name).
				Symbol(m.Name).Detail("method declared twice").Build()
		}
		reg.methods[key] = m
		reg.names = append(reg.names, m.Name)
	}
	if meta.DefaultMethod != "" {
		_, entry := p.(Entrypoint)
		if _, ok := reg.method(meta.DefaultMethod); !ok && !entry && !isStandard(meta.DefaultMethod) {
			return nil, fault.New(fault.KindSymbolNotFound, "plugins.Resolve").Module(spec.Name).
				Symbol(meta.DefaultMethod).Detail("default method is not in the capability table").Build()
		}
	}
	if typed, ok := p.(Typed); ok {
		if err := r.types.RegisterAll(typed.Types()...); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// Preload resolves every declared plugin. In strict mode the failures are
// returned; otherwise they are logged and the plugins stay unavailable.
func (r *Registry) Preload(ctx context.Context) error {
	var errs []error
	for _, name := range r.names() {
		if _, err := r.Resolve(ctx, name); err != nil {
			if r.cfg.FailOnLoad {
				errs = append(errs, err)
				continue
			}
			logs.Warnf("plugins.Preload name=%q skipped err=%v", name, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Registry) names() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.specs))
	for name := range r.specs {
		out = append(out, name)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// List reports every declared plugin sorted by name. It does not trigger
// loads.
func (r *Registry) List() []Status {
	names := r.names()
	out := make([]Status, 0, len(names))
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, name := range names {
		st := Status{Spec: r.specs[name]}
		if e, ok := r.cached(name); ok {
			if e.err != nil {
				st.Err = e.err.Error()
			} else {
				st.Loaded = true
				st.Meta = e.reg.Meta
			}
		}
		out = append(out, st)
	}
	return out
}

// Close runs plugin housekeeping, then closes any loader holding resources.
func (r *Registry) Close(ctx context.Context) error {
	var errs []error
	r.cache.Range(func(k, v any) bool {
		e := v.(*entry)
		if e.reg == nil {
			return true
		}
		if c, ok := e.reg.plugin.(Closer); ok {
			if err := c.Close(ctx); err != nil {
				errs = append(errs, fmt.Errorf("plugin %s: %w", k, err))
			}
		}
		return true
	})
	r.mu.RLock()
	loaders := make([]Loader, 0, len(r.loaders))
	for _, l := range r.loaders {
		loaders = append(loaders, l)
	}
	r.mu.RUnlock()
	for _, l := range loaders {
		if c, ok := l.(Closer); ok {
			if err := c.Close(ctx); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func closePlugin(ctx context.Context, name string, p Plugin) {
	c, ok := p.(Closer)
	if !ok {
		return
	}
	if err := c.Close(ctx); err != nil {
		logs.Warnf("plugins.Resolve name=%q close err=%v", name, err)
	}
}
