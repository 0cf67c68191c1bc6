package layer

import (
	"fmt"
	"slices"

	"github.com/goliatone/go-scene/sdfpath"
)

// ChangeKind classifies one recorded layer edit.
type ChangeKind uint8

const (
	SpecAdded ChangeKind = iota + 1
	SpecRemoved
	SpecMoved
	FieldChanged
	ChildrenReordered
	ContentReplaced
)

func (k ChangeKind) String() string {
	switch k {
	case SpecAdded:
		return "spec_added"
	case SpecRemoved:
		return "spec_removed"
	case SpecMoved:
		return "spec_moved"
	case FieldChanged:
		return "field_changed"
	case ChildrenReordered:
		return "children_reordered"
	case ContentReplaced:
		return "content_replaced"
	default:
		return fmt.Sprintf("ChangeKind(%d)", uint8(k))
	}
}

// ChangeEntry records one edit applied to a layer.
type ChangeEntry struct {
	Kind ChangeKind
	Path sdfpath.Path
	// OldPath is the source path of a move.
	OldPath sdfpath.Path
	// Field names the edited field of a FieldChanged entry.
	Field string
	// Type is the spec type at Path (or at OldPath for removals).
	Type SpecType
}

func (e ChangeEntry) String() string {
	switch e.Kind {
	case SpecMoved:
		return fmt.Sprintf("%s %s -> %s", e.Kind, e.OldPath, e.Path)
	case FieldChanged:
		return fmt.Sprintf("%s %s %s", e.Kind, e.Path, e.Field)
	default:
		return fmt.Sprintf("%s %s", e.Kind, e.Path)
	}
}

// LayerChanges groups the entries recorded for one layer.
type LayerChanges struct {
	Layer   *Layer
	Entries []ChangeEntry
}

// Notice is the batch of changes produced by one outermost change block.
// Layers appear in the order they were first edited within the block.
type Notice struct {
	BlockID string
	Layers  []LayerChanges
}

// IsEmpty reports whether the notice carries no entries.
func (n Notice) IsEmpty() bool {
	for _, lc := range n.Layers {
		if len(lc.Entries) > 0 {
			return false
		}
	}
	return true
}

// For returns the entries recorded for l.
func (n Notice) For(l *Layer) []ChangeEntry {
	for _, lc := range n.Layers {
		if lc.Layer == l {
			return lc.Entries
		}
	}
	return nil
}

// Count returns the total number of entries.
func (n Notice) Count() int {
	total := 0
	for _, lc := range n.Layers {
		total += len(lc.Entries)
	}
	return total
}

// pendingChanges accumulates entries for a block, collapsing repeated field
// edits on the same spec.
type pendingChanges struct {
	order  []*Layer
	byLyr  map[*Layer][]ChangeEntry
	fields map[fieldKey]struct{}
}

type fieldKey struct {
	layer *Layer
	path  sdfpath.Path
	field string
}

func newPendingChanges() *pendingChanges {
	return &pendingChanges{
		byLyr:  make(map[*Layer][]ChangeEntry),
		fields: make(map[fieldKey]struct{}),
	}
}

func (p *pendingChanges) add(l *Layer, entries []ChangeEntry) {
	if len(entries) == 0 {
		return
	}
	if _, seen := p.byLyr[l]; !seen {
		p.order = append(p.order, l)
	}
	for _, e := range entries {
		if e.Kind == FieldChanged {
			key := fieldKey{layer: l, path: e.Path, field: e.Field}
			if _, dup := p.fields[key]; dup {
				continue
			}
			p.fields[key] = struct{}{}
		}
		p.byLyr[l] = append(p.byLyr[l], e)
	}
}

func (p *pendingChanges) notice(blockID string) Notice {
	n := Notice{BlockID: blockID}
	for _, l := range p.order {
		n.Layers = append(n.Layers, LayerChanges{Layer: l, Entries: slices.Clone(p.byLyr[l])})
	}
	return n
}
