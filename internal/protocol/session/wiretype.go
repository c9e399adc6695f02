package session

import (
	"fmt"

	"github.com/danmuck/udactl/internal/fault"
	"github.com/danmuck/udactl/internal/protocol/typereg"
)

// WireField is the transmitted form of a FieldDescriptor.
type WireField struct {
	Name         string
	Kind         uint8
	Elem         uint8
	TypeName     string `uda:"type_name"`
	Shape        []uint32
	Rank         uint8
	PointerDepth uint8 `uda:"pointer_depth"`
	Width        uint8
	AddedIn      uint32 `uda:"added_in"`
	RemovedAfter uint32 `uda:"removed_after"`
	Default      string
}

// WireType is the transmitted form of a TypeDescriptor.
type WireType struct {
	Name    string
	Version uint32
	Fields  []WireField
}

func ToWire(d *typereg.TypeDescriptor) WireType {
	wt := WireType{Name: d.Name, Version: d.Version, Fields: make([]WireField, len(d.Fields))}
	for i, f := range d.Fields {
		wf := WireField{
			Name:         f.Name,
			Kind:         uint8(f.Kind),
			Elem:         uint8(f.Elem),
			TypeName:     f.TypeName,
			Rank:         uint8(f.Rank),
			PointerDepth: uint8(f.PointerDepth),
			Width:        uint8(f.Width),
			AddedIn:      f.AddedIn,
			RemovedAfter: f.RemovedAfter,
			Default:      f.Default,
		}
		for _, d := range f.Shape {
			wf.Shape = append(wf.Shape, uint32(d))
		}
		wt.Fields[i] = wf
	}
	return wt
}

// FromWire rebuilds and validates a descriptor received from a peer.
func FromWire(wt WireType) (*typereg.TypeDescriptor, error) {
	fields := make([]typereg.FieldDescriptor, len(wt.Fields))
	for i, wf := range wt.Fields {
		f := typereg.FieldDescriptor{
			Name:         wf.Name,
			Kind:         typereg.Kind(wf.Kind),
			Elem:         typereg.Elem(wf.Elem),
			TypeName:     wf.TypeName,
			Rank:         int(wf.Rank),
			PointerDepth: int(wf.PointerDepth),
			Width:        int(wf.Width),
			AddedIn:      wf.AddedIn,
			RemovedAfter: wf.RemovedAfter,
			Default:      wf.Default,
		}
		for _, d := range wf.Shape {
			f.Shape = append(f.Shape, int(d))
		}
		fields[i] = f
	}
	d := typereg.New(wt.Name, fields...)
	d.Version = wt.Version
	if err := d.Validate(); err != nil {
		return nil, fault.New(fault.KindMalformedMessage, "session.type_table").
			Path(wt.Name).
			Detail("%v", err).
			Cause(err).
			Build()
	}
	return d, nil
}

// TableFor collects the descriptors of name and everything it nests, leaves
// first, skipping names in sent. Collected names are added to sent.
func TableFor(reg *typereg.Registry, name string, sent map[string]struct{}) (TypeTable, error) {
	closure, err := reg.Closure(name)
	if err != nil {
		return TypeTable{}, err
	}
	var table TypeTable
	for _, d := range closure {
		if _, ok := sent[d.Name]; ok {
			continue
		}
		sent[d.Name] = struct{}{}
		table.Types = append(table.Types, ToWire(d))
	}
	return table, nil
}

// Install registers every descriptor of table in one step.
func Install(reg *typereg.Registry, table TypeTable) error {
	descs := make([]*typereg.TypeDescriptor, 0, len(table.Types))
	for _, wt := range table.Types {
		d, err := FromWire(wt)
		if err != nil {
			return err
		}
		descs = append(descs, d)
	}
	if err := reg.RegisterAll(descs...); err != nil {
		return fmt.Errorf("session: install type table: %w", err)
	}
	return nil
}
