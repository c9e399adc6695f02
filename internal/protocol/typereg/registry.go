package typereg

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/danmuck/udactl/internal/fault"
	logs "github.com/danmuck/udactl/internal/logging"
)

// Registry maps type names to immutable descriptors. Lookups read a published
// snapshot without locking; registrations copy and republish under a mutex.
type Registry struct {
	mu    sync.Mutex
	types atomic.Pointer[map[string]*TypeDescriptor]
}

func NewRegistry() *Registry {
	r := &Registry{}
	empty := make(map[string]*TypeDescriptor)
	r.types.Store(&empty)
	return r
}

// Register adds desc. Re-registering an identical layout is a no-op; a
// conflicting layout under the same name fails with DuplicateType.
func (r *Registry) Register(desc *TypeDescriptor) error {
	return r.RegisterAll(desc)
}

// RegisterAll adds descs atomically: either all are published or none.
func (r *Registry) RegisterAll(descs ...*TypeDescriptor) error {
	for _, d := range descs {
		if err := d.Validate(); err != nil {
			logs.Debugf("typereg.Register invalid err=%v", err)
			return err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cur := *r.types.Load()
	next := make(map[string]*TypeDescriptor, len(cur)+len(descs))
	for k, v := range cur {
		next[k] = v
	}
	added := 0
	for _, d := range descs {
		if existing, ok := next[d.Name]; ok {
			if existing.Equal(d) {
				continue
			}
			return fault.New(fault.KindDuplicateType, "register").
				Path(d.Name).
				Detail("type %q already registered with a different layout", d.Name).
				Build()
		}
		next[d.Name] = d.clone()
		added++
	}
	if added == 0 {
		return nil
	}
	for name, d := range next {
		if size := sizeOf(next, d, 0); size != d.Size {
			c := d.clone()
			c.Size = size
			next[name] = c
		}
	}
	r.types.Store(&next)
	logs.Debugf("typereg.Register added=%d total=%d", added, len(next))
	return nil
}

// Lookup returns the registered descriptor. Callers must not mutate it.
func (r *Registry) Lookup(name string) (*TypeDescriptor, bool) {
	d, ok := (*r.types.Load())[name]
	return d, ok
}

// MustLookup is Lookup for names the caller registered itself.
func (r *Registry) MustLookup(name string) *TypeDescriptor {
	d, ok := r.Lookup(name)
	if !ok {
		panic("typereg: unregistered type " + name)
	}
	return d
}

func (r *Registry) Len() int {
	return len(*r.types.Load())
}

// Names returns registered type names in sorted order.
func (r *Registry) Names() []string {
	snap := *r.types.Load()
	out := make([]string, 0, len(snap))
	for name := range snap {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Closure returns name and every type it nests, leaves first.
func (r *Registry) Closure(name string) ([]*TypeDescriptor, error) {
	snap := *r.types.Load()
	var (
		out   []*TypeDescriptor
		visit func(n string, path []string) error
	)
	state := make(map[string]int)
	visit = func(n string, path []string) error {
		switch state[n] {
		case 1, 2:
			return nil
		}
		d, ok := snap[n]
		if !ok {
			return fault.UnknownType("closure", path, n)
		}
		state[n] = 1
		for _, child := range d.Nested() {
			if err := visit(child, append(path, n)); err != nil {
				return err
			}
		}
		state[n] = 2
		out = append(out, d)
		return nil
	}
	if err := visit(name, nil); err != nil {
		return nil, err
	}
	return out, nil
}

// sizeOf resolves inline nested structures against the snapshot. Unresolved
// or self-referential nesting contributes nothing.
func sizeOf(snap map[string]*TypeDescriptor, d *TypeDescriptor, depth int) int {
	size := d.localSize()
	if depth > MaxRank*4 {
		return size
	}
	for _, f := range d.Fields {
		if f.Elem != ElemStruct || (f.Kind != KindStruct && f.Kind != KindFixedArray) {
			continue
		}
		if nested, ok := snap[f.TypeName]; ok && nested != d {
			size += sizeOf(snap, nested, depth+1) * f.Count()
		}
	}
	return size
}
