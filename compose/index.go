package compose

import (
	"maps"
	"slices"

	"github.com/goliatone/go-scene/layer"
	"github.com/goliatone/go-scene/listop"
	"github.com/goliatone/go-scene/sdfpath"
)

// Dependency records that an index consumed the site Path of layer Layer.
type Dependency struct {
	Layer string
	Path  sdfpath.Path
}

// Opinion is one layer spec contributing to a prim index.
type Opinion struct {
	Layer *layer.Layer
	Path  sdfpath.Path
	// Offset maps the layer's times to root stack time.
	Offset layer.LayerOffset
	Node   *Node
}

// PrimIndex is the composed result for one prim path: the graph of
// contributing sites and their strength order.
type PrimIndex struct {
	path            sdfpath.Path
	root            *Node
	nodes           []*Node
	errors          []*CompositionError
	hasPayload      bool
	payloadIncluded bool
	selections      map[string]string
	deps            []Dependency
}

// Path returns the prim path the index was computed for.
func (idx *PrimIndex) Path() sdfpath.Path { return idx.path }

// Root returns the root node of the graph.
func (idx *PrimIndex) Root() *Node { return idx.root }

// Nodes returns every node, strongest first.
func (idx *PrimIndex) Nodes() []*Node { return slices.Clone(idx.nodes) }

// Errors returns the composition errors recorded for this prim's arcs.
func (idx *PrimIndex) Errors() []*CompositionError { return slices.Clone(idx.errors) }

// HasErrors reports whether any arc of the index failed to compose.
func (idx *PrimIndex) HasErrors() bool { return len(idx.errors) > 0 }

// HasPayload reports whether the prim authors payload arcs.
func (idx *PrimIndex) HasPayload() bool { return idx.hasPayload }

// PayloadIncluded reports whether the payload arcs were composed.
func (idx *PrimIndex) PayloadIncluded() bool { return idx.payloadIncluded }

// VariantSelections returns the selection applied for each variant set.
func (idx *PrimIndex) VariantSelections() map[string]string { return maps.Clone(idx.selections) }

// Dependencies returns the layer sites the index consumed.
func (idx *PrimIndex) Dependencies() []Dependency { return slices.Clone(idx.deps) }

// HasSpecs reports whether any layer authors an opinion for the prim.
func (idx *PrimIndex) HasSpecs() bool {
	for _, n := range idx.nodes {
		if n.HasSpecs {
			return true
		}
	}
	return false
}

// Opinions returns every layer spec contributing to the prim, strongest
// first.
func (idx *PrimIndex) Opinions() []Opinion {
	var out []Opinion
	for _, n := range idx.nodes {
		if !n.HasSpecs {
			continue
		}
		stack := n.Site.Stack
		for i := range stack.Len() {
			l, offset := stack.LayerAt(i)
			if !l.HasSpec(n.Site.Path) {
				continue
			}
			out = append(out, Opinion{Layer: l, Path: n.Site.Path, Offset: n.Offset.Compose(offset), Node: n})
		}
	}
	return out
}

// PropertyOpinions returns the layer specs for the named property, strongest
// first.
func (idx *PrimIndex) PropertyOpinions(name string) []Opinion {
	var out []Opinion
	for _, n := range idx.nodes {
		if !n.HasSpecs {
			continue
		}
		prop := n.Site.Path.AppendProperty(name)
		if prop.IsEmpty() {
			continue
		}
		stack := n.Site.Stack
		for i := range stack.Len() {
			l, offset := stack.LayerAt(i)
			if !l.HasSpec(prop) {
				continue
			}
			out = append(out, Opinion{Layer: l, Path: prop, Offset: n.Offset.Compose(offset), Node: n})
		}
	}
	return out
}

// ChildNames composes the prim's child names. Names are gathered from the
// weakest opinion up so that stronger primOrder statements apply last.
// Relocated sources are removed and relocation targets added.
func (idx *PrimIndex) ChildNames() []string {
	opinions := idx.Opinions()
	var names []string
	seen := map[string]bool{}
	for i := len(opinions) - 1; i >= 0; i-- {
		op := opinions[i]
		for _, name := range op.Layer.ChildNames(op.Path) {
			if !seen[name] {
				seen[name] = true
				names = append(names, name)
			}
		}
		if v, ok := op.Layer.ReadField(op.Path, layer.FieldPrimOrder); ok {
			if order, ok := v.([]string); ok && len(order) > 0 {
				names = listop.Order(order...).ApplyOperations(names)
			}
		}
	}
	root := idx.root.Site.Stack
	out := names[:0:0]
	for _, name := range names {
		if root.IsRelocationSource(idx.path.AppendChild(name)) {
			continue
		}
		out = append(out, name)
	}
	for _, r := range root.Relocates() {
		if r.Target.Parent() == idx.path && !slices.Contains(out, r.Target.Name()) {
			out = append(out, r.Target.Name())
		}
	}
	return out
}

// PropertyNames composes the prim's property names, weakest opinion first.
func (idx *PrimIndex) PropertyNames() []string {
	opinions := idx.Opinions()
	var names []string
	seen := map[string]bool{}
	for i := len(opinions) - 1; i >= 0; i-- {
		op := opinions[i]
		for _, name := range op.Layer.PropertyNames(op.Path) {
			if !seen[name] {
				seen[name] = true
				names = append(names, name)
			}
		}
	}
	return names
}

// Signature describes the strength ordered nodes, one line per node.
func (idx *PrimIndex) Signature() []string {
	out := make([]string, len(idx.nodes))
	for i, n := range idx.nodes {
		out[i] = n.String()
	}
	return out
}

// flatten orders the graph strongest first: depth first over strength
// ordered siblings, with specialize subtrees moved after everything else.
func flatten(root *Node) []*Node {
	var main, specializes []*Node
	var visit func(n *Node, out *[]*Node, inSpecialize bool)
	visit = func(n *Node, out *[]*Node, inSpecialize bool) {
		*out = append(*out, n)
		for _, child := range n.sortedChildren() {
			if child.Arc == ArcSpecialize && !inSpecialize {
				var sub []*Node
				visit(child, &sub, true)
				specializes = append(specializes, sub...)
				continue
			}
			visit(child, out, inSpecialize)
		}
	}
	visit(root, &main, false)
	return append(main, specializes...)
}
