// Package kv is a built-in in-memory key-value plugin.
package kv

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/danmuck/udactl/internal/plugins"
	"github.com/danmuck/udactl/internal/protocol/nodetree"
	"github.com/danmuck/udactl/internal/protocol/typereg"
)

const (
	// Name is the canonical plugin name.
	Name = "kv"

	TypeEntry = "KVEntry"
	TypeKeys  = "KVKeys"
)

var (
	entryType = typereg.New(TypeEntry,
		typereg.String("key"),
		typereg.String("value"),
		typereg.Scalar("found", typereg.ElemBool),
	)
	keysType = typereg.New(TypeKeys,
		typereg.String("prefix"),
		typereg.VarArray("keys", typereg.ElemString),
	)
)

// Plugin is a process-local key-value store.
type Plugin struct {
	mu    sync.RWMutex
	store map[string]string
}

// New constructs an empty store.
func New() *Plugin {
	return &Plugin{store: make(map[string]string)}
}

// Factory adapts New for plugins.Builtins.
func Factory() plugins.Factory {
	return func() plugins.Plugin { return New() }
}

func (p *Plugin) Metadata() plugins.Metadata {
	return plugins.Metadata{
		Name:          Name,
		Version:       1,
		DefaultMethod: "get",
		Description:   "In-memory key-value store",
		Example:       "kv::get(key=shot/last)",
	}
}

func (p *Plugin) Types() []*typereg.TypeDescriptor {
	return []*typereg.TypeDescriptor{entryType, keysType}
}

func (p *Plugin) Methods() []plugins.Method {
	return []plugins.Method{
		{Name: "put", Description: "upsert key=value", Handler: p.put},
		{Name: "get", Description: "get value by key", Handler: p.get},
		{Name: "delete", Description: "delete key", Handler: p.delete},
		{Name: "list", Description: "list keys (optional prefix)", Handler: p.list},
	}
}

func key(req *plugins.Request) (string, error) {
	k := req.String("key", "")
	if k == "" {
		return "", plugins.Errorf(plugins.CodeBadArgument, "missing key")
	}
	return k, nil
}

func (p *Plugin) put(_ context.Context, req *plugins.Request, out *plugins.Output) error {
	k, err := key(req)
	if err != nil {
		return err
	}
	v, _ := req.Arg("value")
	p.mu.Lock()
	p.store[k] = v
	p.mu.Unlock()
	out.Payload = entry(k, v, true)
	out.Message = "ok put key=" + k
	return nil
}

func (p *Plugin) get(_ context.Context, req *plugins.Request, out *plugins.Output) error {
	k, err := key(req)
	if err != nil {
		return err
	}
	p.mu.RLock()
	v, ok := p.store[k]
	p.mu.RUnlock()
	if !ok {
		return plugins.Errorf(plugins.CodeNotFound, "missing key=%s", k)
	}
	out.Payload = entry(k, v, true)
	return nil
}

func (p *Plugin) delete(_ context.Context, req *plugins.Request, out *plugins.Output) error {
	k, err := key(req)
	if err != nil {
		return err
	}
	p.mu.Lock()
	v, ok := p.store[k]
	delete(p.store, k)
	p.mu.Unlock()
	out.Payload = entry(k, v, ok)
	out.Message = "ok delete key=" + k
	return nil
}

func (p *Plugin) list(_ context.Context, req *plugins.Request, out *plugins.Output) error {
	prefix := req.String("prefix", "")
	p.mu.RLock()
	keys := make([]string, 0, len(p.store))
	for k := range p.store {
		if prefix == "" || strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	p.mu.RUnlock()
	sort.Strings(keys)
	out.Payload = nodetree.NewNode(keysType).
		MustSet("prefix", nodetree.Str(prefix)).
		MustSet("keys", nodetree.Strings(keys))
	return nil
}

func entry(k, v string, found bool) *nodetree.Node {
	return nodetree.NewNode(entryType).
		MustSet("key", nodetree.Str(k)).
		MustSet("value", nodetree.Str(v)).
		MustSet("found", nodetree.Bool(found))
}
