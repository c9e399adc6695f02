package server

import (
	"context"
	"fmt"

	"github.com/danmuck/udactl/internal/config"
	"github.com/danmuck/udactl/internal/observability"
	"github.com/danmuck/udactl/internal/plugins"
	fsplugin "github.com/danmuck/udactl/internal/plugins/fs"
	"github.com/danmuck/udactl/internal/plugins/kv"
	"github.com/danmuck/udactl/internal/plugins/wasm"
	"github.com/danmuck/udactl/internal/protocol/session"
	"github.com/danmuck/udactl/internal/protocol/typereg"
)

// NewRegistry builds the plugin registry cfg describes: the selected
// built-ins plus a wasm loader for manifest modules.
func NewRegistry(ctx context.Context, cfg config.ServerConfig) (*plugins.Registry, error) {
	types := typereg.NewRegistry()
	if err := session.RegisterBuiltins(types); err != nil {
		return nil, err
	}
	reg, err := plugins.NewRegistry(cfg.Plugins.Registry(), types)
	if err != nil {
		return nil, err
	}

	builtins := plugins.NewBuiltins()
	for _, name := range cfg.Plugins.Builtins {
		var f plugins.Factory
		switch name {
		case kv.Name:
			f = kv.Factory()
		case fsplugin.Name:
			f = fsplugin.Factory(cfg.Plugins.FSRoot)
		default:
			return nil, fmt.Errorf("%w: unknown builtin %q", plugins.ErrInvalidMetadata, name)
		}
		if err := builtins.Add(name, f); err != nil {
			return nil, err
		}
		if err := reg.Declare(plugins.ModuleSpec{Name: name, Source: plugins.SourceBuiltin}); err != nil {
			return nil, err
		}
	}
	reg.Use(plugins.SourceBuiltin, builtins)

	loader, err := wasm.NewLoader(ctx, cfg.Plugins.Wasm(), types)
	if err != nil {
		return nil, err
	}
	reg.Use(plugins.SourceWasm, loader)
	return reg, nil
}

// NewFromConfig wires the registry, a dispatcher carrying the metrics and
// tracing hooks, and the service. Plugins are preloaded so a strict
// configuration fails at startup rather than on first use.
func NewFromConfig(ctx context.Context, cfg config.ServerConfig) (*Service, *plugins.Registry, error) {
	reg, err := NewRegistry(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	if err := reg.Preload(ctx); err != nil {
		_ = reg.Close(ctx)
		return nil, nil, err
	}
	disp := plugins.NewDispatcher(reg, cfg.BuildDate,
		observability.MetricsHook{},
		observability.NewTracingHook(nil),
	)
	svc, err := New(cfg, disp)
	if err != nil {
		_ = reg.Close(ctx)
		return nil, nil, err
	}
	return svc, reg, nil
}
