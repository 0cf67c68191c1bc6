package compose

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/goliatone/go-scene/layer"
	"github.com/goliatone/go-scene/sdfpath"
)

// ArcType is the kind of composition arc that introduced a node. Constants
// are declared strongest first.
type ArcType int

const (
	ArcRoot ArcType = iota
	ArcInherit
	ArcVariant
	ArcRelocate
	ArcReference
	ArcPayload
	ArcSpecialize
)

func (a ArcType) String() string {
	switch a {
	case ArcRoot:
		return "root"
	case ArcInherit:
		return "inherit"
	case ArcVariant:
		return "variant"
	case ArcRelocate:
		return "relocate"
	case ArcReference:
		return "reference"
	case ArcPayload:
		return "payload"
	case ArcSpecialize:
		return "specialize"
	default:
		return "unknown"
	}
}

// IsClassBased reports whether the arc targets a class: inherits and
// specializes.
func (a ArcType) IsClassBased() bool { return a == ArcInherit || a == ArcSpecialize }

// Site is a location in a layer stack.
type Site struct {
	Stack *LayerStack
	Path  sdfpath.Path
}

func (s Site) String() string {
	if s.Stack == nil {
		return "<" + s.Path.String() + ">"
	}
	return s.Stack.Identifier() + "<" + s.Path.String() + ">"
}

func (s Site) sameAs(o Site) bool {
	return s.Path == o.Path && sameStack(s.Stack, o.Stack)
}

func sameStack(a, b *LayerStack) bool {
	if a == b {
		return true
	}
	return a != nil && b != nil && a.key == b.key
}

// PathPair maps a source namespace prefix to a target prefix.
type PathPair struct {
	Source sdfpath.Path
	Target sdfpath.Path
}

// MapFunction translates paths from a node's namespace into its parent's.
// The longest matching source prefix wins.
type MapFunction struct {
	pairs []PathPair
}

// NewMapFunction builds a map function from prefix pairs.
func NewMapFunction(pairs ...PathPair) MapFunction {
	out := slices.Clone(pairs)
	slices.SortStableFunc(out, func(a, b PathPair) int { return cmp.Compare(b.Source.Depth(), a.Source.Depth()) })
	return MapFunction{pairs: out}
}

func rootIdentity() PathPair {
	return PathPair{Source: sdfpath.AbsoluteRoot(), Target: sdfpath.AbsoluteRoot()}
}

// Pairs returns the prefix pairs, longest source first.
func (m MapFunction) Pairs() []PathPair { return slices.Clone(m.pairs) }

// Map translates p, returning the empty path when no pair applies.
func (m MapFunction) Map(p sdfpath.Path) sdfpath.Path {
	for _, pair := range m.pairs {
		if p.HasPrefix(pair.Source) {
			return p.ReplacePrefix(pair.Source, pair.Target)
		}
	}
	return sdfpath.Path{}
}

// MapInverse translates p from the parent namespace back into the node's.
func (m MapFunction) MapInverse(p sdfpath.Path) sdfpath.Path {
	best := -1
	for i, pair := range m.pairs {
		if !p.HasPrefix(pair.Target) {
			continue
		}
		if best < 0 || pair.Target.Depth() > m.pairs[best].Target.Depth() {
			best = i
		}
	}
	if best < 0 {
		return sdfpath.Path{}
	}
	return p.ReplacePrefix(m.pairs[best].Target, m.pairs[best].Source)
}

// Node is one contributing site of a prim index.
type Node struct {
	Arc    ArcType
	Site   Site
	Parent *Node
	// Children are kept in the order they were added; strength order is
	// derived by PrimIndex.
	Children []*Node
	// MapToParent translates this node's namespace into the parent's.
	MapToParent MapFunction
	// Offset maps times in the node's layer stack to root stack time.
	Offset layer.LayerOffset
	// OriginDepth is the namespace depth of the prim the arc was authored on.
	OriginDepth int
	// SiblingNum orders arcs of one type authored on one site.
	SiblingNum int
	// Implied marks class arcs propagated from a weaker layer stack.
	Implied bool
	HasSpecs bool
}

// MapToRoot translates p from the node's namespace into the root node's.
func (n *Node) MapToRoot(p sdfpath.Path) sdfpath.Path {
	for cur := n; cur.Parent != nil && !p.IsEmpty(); cur = cur.Parent {
		p = cur.MapToParent.Map(p)
	}
	return p
}

// MapFromRoot translates p from the root namespace into the node's.
func (n *Node) MapFromRoot(p sdfpath.Path) sdfpath.Path {
	var chain []*Node
	for cur := n; cur.Parent != nil; cur = cur.Parent {
		chain = append(chain, cur)
	}
	for i := len(chain) - 1; i >= 0 && !p.IsEmpty(); i-- {
		p = chain[i].MapToParent.MapInverse(p)
	}
	return p
}

func (n *Node) String() string {
	return fmt.Sprintf("%s %s", n.Arc, n.Site)
}

// compareSiblings orders children of one node: arc type, then arcs authored
// deeper in namespace before ancestral ones, then authored order.
func compareSiblings(a, b *Node) int {
	if c := cmp.Compare(a.Arc, b.Arc); c != 0 {
		return c
	}
	if c := cmp.Compare(b.OriginDepth, a.OriginDepth); c != 0 {
		return c
	}
	return cmp.Compare(a.SiblingNum, b.SiblingNum)
}

func (n *Node) sortedChildren() []*Node {
	out := slices.Clone(n.Children)
	slices.SortStableFunc(out, compareSiblings)
	return out
}

// cloneForChild copies the subtree rooted at n with every site extended by
// the child name.
func (n *Node) cloneForChild(parent *Node, name string) *Node {
	c := &Node{
		Arc:         n.Arc,
		Site:        Site{Stack: n.Site.Stack, Path: n.Site.Path.AppendChild(name)},
		Parent:      parent,
		MapToParent: n.MapToParent,
		Offset:      n.Offset,
		OriginDepth: n.OriginDepth,
		SiblingNum:  n.SiblingNum,
		Implied:     n.Implied,
	}
	if c.Site.Path.IsEmpty() {
		return nil
	}
	c.HasSpecs = c.Site.Stack.HasSpec(c.Site.Path)
	for _, child := range n.Children {
		if cc := child.cloneForChild(c, name); cc != nil {
			c.Children = append(c.Children, cc)
		}
	}
	return c
}

// graft copies the subtree rooted at n under parent unchanged.
func (n *Node) graft(parent *Node) *Node {
	c := *n
	c.Parent = parent
	c.Children = nil
	for _, child := range n.Children {
		c.Children = append(c.Children, child.graft(&c))
	}
	return &c
}
