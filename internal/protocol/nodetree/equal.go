package nodetree

import (
	"fmt"
	"io"
	"reflect"
	"strings"
)

// Equal compares two trees field for field. Empty slots and zero-length
// arrays compare equal because they share one wire form.
func Equal(a, b *Node) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.desc.Name != b.desc.Name || len(a.values) != len(b.values) {
		return false
	}
	for i := range a.values {
		if !valueEqual(a.values[i], b.values[i]) {
			return false
		}
	}
	return true
}

func valueEqual(a, b Value) bool {
	if a.blank() || b.blank() {
		return a.blank() && b.blank()
	}
	if a.kind != b.kind || a.elem != b.elem {
		return false
	}
	switch a.kind {
	case ValueScalar:
		return a.bits == b.bits
	case ValueString:
		return a.str == b.str
	case ValueArray, ValueStrings:
		return shapeEqual(a, b) && reflect.DeepEqual(a.data, b.data)
	case ValueNode:
		return Equal(a.node, b.node)
	case ValueNodes:
		if !shapeEqual(a, b) || len(a.nodes) != len(b.nodes) {
			return false
		}
		for i := range a.nodes {
			if !Equal(&a.nodes[i], &b.nodes[i]) {
				return false
			}
		}
		return true
	}
	return false
}

func shapeEqual(a, b Value) bool {
	as, bs := a.Shape(), b.Shape()
	if len(as) != len(bs) {
		return false
	}
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}

// Dump writes an indented listing of n.
func Dump(w io.Writer, n *Node) {
	dump(w, n, 0)
}

func dump(w io.Writer, n *Node, depth int) {
	pad := strings.Repeat("  ", depth)
	fmt.Fprintf(w, "%s%s (%s)\n", pad, n.Name(), n.desc.Name)
	for i, f := range n.desc.Fields {
		v := n.values[i]
		switch v.kind {
		case ValueNode:
			dump(w, v.node, depth+1)
		case ValueNodes:
			fmt.Fprintf(w, "%s  %s [%d]\n", pad, f.Name, len(v.nodes))
			for j := range v.nodes {
				dump(w, &v.nodes[j], depth+2)
			}
		case ValueEmpty:
			fmt.Fprintf(w, "%s  %s = <empty>\n", pad, f.Name)
		case ValueString:
			fmt.Fprintf(w, "%s  %s = %q\n", pad, f.Name, v.str)
		default:
			fmt.Fprintf(w, "%s  %s = %v\n", pad, f.Name, v.Interface())
		}
	}
}
