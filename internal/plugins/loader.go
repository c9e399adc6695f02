package plugins

import (
	"context"
	"sync"

	"github.com/danmuck/udactl/internal/fault"
)

// ModuleSpec declares a plugin the registry may load on first use.
type ModuleSpec struct {
	Name   string
	Source string
	// File is resolved against the plugin directory by file-backed loaders.
	File            string
	DefaultMethod   string
	Description     string
	Example         string
	Private         bool
	CachePermission uint8
}

// Loader opens the module behind a spec and returns its capability table.
// Failures should be *fault.Error of kind ModuleLoad, SymbolNotFound or
// InterfaceTooNew; anything else is wrapped as ModuleLoad.
type Loader interface {
	Load(ctx context.Context, spec ModuleSpec) (Plugin, error)
}

// Factory builds a fresh built-in plugin.
type Factory func() Plugin

// Builtins loads plugins compiled into the binary.
type Builtins struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewBuiltins() *Builtins {
	return &Builtins{factories: make(map[string]Factory)}
}

// Add makes a factory available under name.
func (b *Builtins) Add(name string, f Factory) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.factories[name]; ok {
		return ErrPluginExists
	}
	b.factories[name] = f
	return nil
}

// Names lists the available built-ins.
func (b *Builtins) Names() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.factories))
	for name := range b.factories {
		out = append(out, name)
	}
	return out
}

func (b *Builtins) Load(_ context.Context, spec ModuleSpec) (Plugin, error) {
	b.mu.RLock()
	f, ok := b.factories[spec.Name]
	b.mu.RUnlock()
	if !ok {
		return nil, fault.New(fault.KindModuleLoad, "plugins.Builtins.Load").
			Module(spec.Name).Detail("no built-in plugin with this name").Build()
	}
	p := f()
	if p == nil {
		return nil, fault.New(fault.KindSymbolNotFound, "plugins.Builtins.Load").
			Module(spec.Name).Symbol("factory").Detail("factory returned no plugin").Build()
	}
	return p, nil
}
