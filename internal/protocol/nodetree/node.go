// Package nodetree materializes decoded structures whose type is only known
// at runtime. Each Node mirrors its TypeDescriptor: one value slot per field.
package nodetree

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/danmuck/udactl/internal/protocol/heaplog"
	"github.com/danmuck/udactl/internal/protocol/typereg"
)

// Node is one structure instance. parent is a non-owning back reference.
type Node struct {
	desc   *typereg.TypeDescriptor
	name   string
	parent *Node
	values []Value
}

// NewNode returns a node for desc with every slot empty.
func NewNode(desc *typereg.TypeDescriptor) *Node {
	n := &Node{}
	n.Init(desc)
	return n
}

// Init prepares n in place, for nodes stored contiguously in a []Node.
func (n *Node) Init(desc *typereg.TypeDescriptor) {
	n.desc = desc
	n.values = make([]Value, len(desc.Fields))
}

func (n *Node) Type() *typereg.TypeDescriptor { return n.desc }
func (n *Node) TypeName() string              { return n.desc.Name }
func (n *Node) Parent() *Node                 { return n.parent }

// Name is the field this node occupies in its parent, or the type name at the root.
func (n *Node) Name() string {
	if n.name == "" {
		return n.desc.Name
	}
	return n.name
}

// Len is the number of field slots.
func (n *Node) Len() int { return len(n.values) }

func (n *Node) FieldNames() []string {
	out := make([]string, len(n.desc.Fields))
	for i, f := range n.desc.Fields {
		out[i] = f.Name
	}
	return out
}

// At returns slot i.
func (n *Node) At(i int) Value { return n.values[i] }

func (n *Node) Get(name string) (Value, bool) {
	i := n.desc.FieldIndex(name)
	if i < 0 {
		return Value{}, false
	}
	return n.values[i], true
}

// MustGet panics on an unknown field name.
func (n *Node) MustGet(name string) Value {
	v, ok := n.Get(name)
	if !ok {
		panic(fmt.Sprintf("nodetree: %s has no field %q", n.desc.Name, name))
	}
	return v
}

// Child returns the nested node stored under name.
func (n *Node) Child(name string) *Node {
	v, _ := n.Get(name)
	return v.node
}

// Children returns the nested node sequence stored under name.
func (n *Node) Children(name string) []Node {
	v, _ := n.Get(name)
	return v.nodes
}

func (n *Node) Set(name string, v Value) error {
	i := n.desc.FieldIndex(name)
	if i < 0 {
		return fmt.Errorf("nodetree: %s has no field %q", n.desc.Name, name)
	}
	return n.SetAt(i, v)
}

// MustSet is Set for trees the caller builds by hand.
func (n *Node) MustSet(name string, v Value) *Node {
	if err := n.Set(name, v); err != nil {
		panic(err)
	}
	return n
}

// SetAt checks v against field i and stores it, adopting nested nodes.
func (n *Node) SetAt(i int, v Value) error {
	f := n.desc.Fields[i]
	if err := Compatible(f, v); err != nil {
		return fmt.Errorf("nodetree: %s.%s: %w", n.desc.Name, f.Name, err)
	}
	switch v.kind {
	case ValueNode:
		v.node.parent = n
		v.node.name = f.Name
	case ValueNodes:
		for j := range v.nodes {
			v.nodes[j].parent = n
			v.nodes[j].name = f.Name
		}
	}
	n.values[i] = v
	return nil
}

// Compatible reports whether v may occupy a slot described by f.
func Compatible(f typereg.FieldDescriptor, v Value) error {
	if v.kind == ValueEmpty {
		return nil
	}
	mismatch := func() error {
		return fmt.Errorf("%s of %s cannot hold %s of %s", f.Kind, f.Elem, v.kind, v.elem)
	}
	switch f.Kind {
	case typereg.KindScalar:
		if v.kind != ValueScalar || v.elem != f.Elem {
			return mismatch()
		}
	case typereg.KindString:
		if v.kind != ValueString {
			return mismatch()
		}
	case typereg.KindStruct:
		if v.kind != ValueNode || v.node == nil {
			return mismatch()
		}
		if v.node.desc.Name != f.TypeName {
			return fmt.Errorf("expected node of %s, found %s", f.TypeName, v.node.desc.Name)
		}
	default:
		want := ValueArray
		switch f.Elem {
		case typereg.ElemString:
			want = ValueStrings
		case typereg.ElemStruct:
			want = ValueNodes
		}
		if v.kind != want || (want == ValueArray && v.elem != f.Elem) {
			return mismatch()
		}
		if want == ValueNodes {
			for j := range v.nodes {
				if v.nodes[j].desc == nil || v.nodes[j].desc.Name != f.TypeName {
					return fmt.Errorf("element %d is not a %s", j, f.TypeName)
				}
			}
		}
		if f.Kind == typereg.KindFixedArray && v.Len() != f.Count() {
			return fmt.Errorf("fixed extent %d, found %d elements", f.Count(), v.Len())
		}
		if len(v.shape) > 0 {
			total := 1
			for _, d := range v.shape {
				total *= d
			}
			if total != v.Len() {
				return fmt.Errorf("shape %v does not cover %d elements", v.shape, v.Len())
			}
		}
	}
	return nil
}

// Find resolves a dotted path such as "rows[1].name" from n.
func (n *Node) Find(path string) (Value, bool) {
	cur := n
	parts := strings.Split(path, ".")
	for i, part := range parts {
		name, idx, hasIdx := splitIndex(part)
		v, ok := cur.Get(name)
		if !ok {
			return Value{}, false
		}
		if hasIdx {
			if v.kind != ValueNodes || idx < 0 || idx >= len(v.nodes) {
				return Value{}, false
			}
			v = Child(&v.nodes[idx])
		}
		if i == len(parts)-1 {
			return v, true
		}
		if v.kind != ValueNode {
			return Value{}, false
		}
		cur = v.node
	}
	return Value{}, false
}

func splitIndex(part string) (string, int, bool) {
	open := strings.IndexByte(part, '[')
	if open < 0 || !strings.HasSuffix(part, "]") {
		return part, 0, false
	}
	idx, err := strconv.Atoi(part[open+1 : len(part)-1])
	if err != nil {
		return part, 0, false
	}
	return part[:open], idx, true
}

// Path is the dotted location of n from the root.
func (n *Node) Path() string {
	var parts []string
	for cur := n; cur != nil; cur = cur.parent {
		parts = append(parts, cur.Name())
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return strings.Join(parts, ".")
}

// Tree is a decoded root plus the heap log that owns its storage.
type Tree struct {
	Root    *Node
	Version uint32
	log     *heaplog.Log
}

func NewTree(root *Node, log *heaplog.Log) *Tree {
	if log == nil {
		log = heaplog.New()
	}
	return &Tree{Root: root, log: log}
}

func (t *Tree) Log() *heaplog.Log { return t.log }

// Release gives back every allocation behind the tree and detaches the root.
func (t *Tree) Release() error {
	t.Root = nil
	_, err := t.log.ReleaseAll()
	return err
}
