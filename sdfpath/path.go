package sdfpath

import (
	"errors"
	"fmt"
	"strings"
	"unique"
)

// ErrInvalidPath reports a path string or path operation that violates the
// namespace syntax.
var ErrInvalidPath = errors.New("sdfpath: invalid path")

type elemKind uint8

const (
	kindAbsoluteRoot elemKind = iota + 1
	kindRelativeRoot
	kindParent
	kindPrim
	kindProperty
	kindVariant
	kindTarget
)

// node is the interned representation of one path element together with its
// parent. All fields derive from (parent, kind, name, sel, target), so two
// equal nodes always describe the same path.
type node struct {
	parent     Path
	kind       elemKind
	name       string
	sel        string
	target     Path
	depth      int
	absolute   bool
	hasVariant bool
	text       string
}

// Path identifies a location in a scene namespace. Paths are interned: two
// paths are equal exactly when their handles are equal, which makes them cheap
// map keys. The zero value is the empty path.
type Path struct {
	h unique.Handle[node]
}

var (
	absoluteRoot = Path{h: unique.Make(node{kind: kindAbsoluteRoot, absolute: true, text: "/"})}
	relativeRoot = Path{h: unique.Make(node{kind: kindRelativeRoot, text: "."})}
)

// AbsoluteRoot returns the path "/".
func AbsoluteRoot() Path { return absoluteRoot }

// ReflexiveRelative returns the path ".".
func ReflexiveRelative() Path { return relativeRoot }

// Empty returns the empty path.
func Empty() Path { return Path{} }

func (p Path) n() node {
	if p.IsEmpty() {
		return node{}
	}
	return p.h.Value()
}

// IsEmpty reports whether p is the empty path.
func (p Path) IsEmpty() bool {
	return p.h == unique.Handle[node]{}
}

// String renders p in canonical text form. The empty path renders as "".
func (p Path) String() string {
	return p.n().text
}

// IsAbsolute reports whether p is rooted at "/".
func (p Path) IsAbsolute() bool { return p.n().absolute }

// IsAbsoluteRoot reports whether p is "/".
func (p Path) IsAbsoluteRoot() bool { return p.n().kind == kindAbsoluteRoot }

// IsPrimPath reports whether p addresses a prim (including prims nested under
// a variant selection). Root paths are not prim paths.
func (p Path) IsPrimPath() bool {
	k := p.n().kind
	return k == kindPrim || k == kindParent
}

// IsPrimOrVariantPath reports whether p addresses a prim or a variant
// selection of a prim.
func (p Path) IsPrimOrVariantPath() bool {
	return p.IsPrimPath() || p.IsVariantSelectionPath()
}

// IsPropertyPath reports whether the last element of p is a property.
func (p Path) IsPropertyPath() bool { return p.n().kind == kindProperty }

// IsVariantSelectionPath reports whether the last element of p is a variant
// selection, e.g. "/A{shading=red}".
func (p Path) IsVariantSelectionPath() bool { return p.n().kind == kindVariant }

// ContainsVariantSelection reports whether any element of p is a variant
// selection.
func (p Path) ContainsVariantSelection() bool { return p.n().hasVariant }

// IsTargetPath reports whether the last element of p is a target, e.g.
// "/A.rel[/B]".
func (p Path) IsTargetPath() bool { return p.n().kind == kindTarget }

// Depth returns the number of elements below the root.
func (p Path) Depth() int { return p.n().depth }

// Name returns the text of the last element: a prim or property name, ".."
// for parent elements, "{set=sel}" for variant selections and "[target]" for
// targets.
func (p Path) Name() string {
	n := p.n()
	switch n.kind {
	case kindPrim, kindProperty:
		return n.name
	case kindParent:
		return ".."
	case kindVariant:
		return "{" + n.name + "=" + n.sel + "}"
	case kindTarget:
		return "[" + n.target.String() + "]"
	case kindRelativeRoot:
		return "."
	default:
		return ""
	}
}

// Parent returns the path with the last element removed. The parent of a
// relative path made only of ".." elements gains one more "..". Roots and the
// empty path have an empty parent.
func (p Path) Parent() Path {
	n := p.n()
	switch n.kind {
	case kindAbsoluteRoot, kindRelativeRoot, 0:
		return Path{}
	case kindParent:
		return appendElem(p, kindParent, "", "", Path{})
	default:
		return n.parent
	}
}

// PrimPath returns the nearest prim, variant selection or root path at or
// above p.
func (p Path) PrimPath() Path {
	cur := p
	for !cur.IsEmpty() {
		k := cur.n().kind
		if k != kindProperty && k != kindTarget {
			return cur
		}
		cur = cur.n().parent
	}
	return cur
}

// Target returns the target path of a target element.
func (p Path) Target() Path {
	if p.n().kind != kindTarget {
		return Path{}
	}
	return p.n().target
}

// VariantSelection returns the deepest variant selection in p.
func (p Path) VariantSelection() (set, selection string, ok bool) {
	for cur := p; !cur.IsEmpty(); cur = cur.n().parent {
		n := cur.n()
		if n.kind == kindVariant {
			return n.name, n.sel, true
		}
	}
	return "", "", false
}

// AppendChild returns the prim path p/name. It returns the empty path when p
// cannot have prim children or name is not an identifier.
func (p Path) AppendChild(name string) Path {
	switch p.n().kind {
	case kindAbsoluteRoot, kindRelativeRoot, kindParent, kindPrim, kindVariant:
	default:
		return Path{}
	}
	if !isIdentifier(name) {
		return Path{}
	}
	return appendElem(p, kindPrim, name, "", Path{})
}

// AppendProperty returns the property path p.name.
func (p Path) AppendProperty(name string) Path {
	switch p.n().kind {
	case kindRelativeRoot, kindPrim, kindVariant, kindParent:
	default:
		return Path{}
	}
	if !isPropertyName(name) {
		return Path{}
	}
	return appendElem(p, kindProperty, name, "", Path{})
}

// AppendVariantSelection returns p{set=selection}. An empty selection
// addresses the variant set itself.
func (p Path) AppendVariantSelection(set, selection string) Path {
	switch p.n().kind {
	case kindPrim, kindVariant:
	default:
		return Path{}
	}
	if !isIdentifier(set) || !isVariantName(selection) {
		return Path{}
	}
	return appendElem(p, kindVariant, set, selection, Path{})
}

// AppendTarget returns p[target] for a property path p.
func (p Path) AppendTarget(target Path) Path {
	if p.n().kind != kindProperty || target.IsEmpty() {
		return Path{}
	}
	return appendElem(p, kindTarget, "", "", target)
}

// AppendPath appends the elements of the relative path rel to p. Leading ".."
// elements of rel walk up from p.
func (p Path) AppendPath(rel Path) Path {
	if p.IsEmpty() || rel.IsEmpty() {
		return Path{}
	}
	if rel.IsAbsolute() {
		return Path{}
	}
	cur := p
	for _, e := range elements(rel) {
		switch e.kind {
		case kindRelativeRoot:
			continue
		case kindParent:
			if cur.IsAbsoluteRoot() {
				return Path{}
			}
			next := cur.Parent()
			if next.IsEmpty() {
				return Path{}
			}
			cur = next
		default:
			cur = appendNode(cur, e)
			if cur.IsEmpty() {
				return Path{}
			}
		}
	}
	return cur
}

// MakeAbsolute anchors a relative path at anchor. Absolute paths are returned
// unchanged.
func (p Path) MakeAbsolute(anchor Path) Path {
	if p.IsAbsolute() || p.IsEmpty() {
		return p
	}
	if !anchor.IsAbsolute() {
		return Path{}
	}
	return anchor.AppendPath(p)
}

// HasPrefix reports whether prefix equals p or is one of its ancestors.
func (p Path) HasPrefix(prefix Path) bool {
	if p.IsEmpty() || prefix.IsEmpty() {
		return false
	}
	if prefix.IsAbsoluteRoot() {
		return p.IsAbsolute()
	}
	pd, qd := p.n().depth, prefix.n().depth
	if qd > pd {
		return false
	}
	cur := p
	for i := pd; i > qd; i-- {
		cur = cur.n().parent
	}
	return cur == prefix
}

// ReplacePrefix rewrites p so that the leading oldPrefix becomes newPrefix.
// Paths without the prefix are returned unchanged. Target paths embedded in p
// are rewritten as well.
func (p Path) ReplacePrefix(oldPrefix, newPrefix Path) Path {
	if p.IsEmpty() || oldPrefix.IsEmpty() || newPrefix.IsEmpty() {
		return p
	}
	if !p.HasPrefix(oldPrefix) {
		return p
	}
	if p == oldPrefix {
		return newPrefix
	}
	tail := make([]node, 0, p.n().depth-oldPrefix.n().depth)
	for cur := p; cur != oldPrefix; cur = cur.n().parent {
		tail = append(tail, cur.n())
	}
	out := newPrefix
	for i := len(tail) - 1; i >= 0; i-- {
		e := tail[i]
		if e.kind == kindTarget {
			e.target = e.target.ReplacePrefix(oldPrefix, newPrefix)
		}
		out = appendNode(out, e)
		if out.IsEmpty() {
			return Path{}
		}
	}
	return out
}

// StripVariantSelections removes every variant selection element, so
// "/A{v=x}B.c" becomes "/A/B.c".
func (p Path) StripVariantSelections() Path {
	if !p.ContainsVariantSelection() {
		return p
	}
	var out Path
	for _, e := range elements(p) {
		switch e.kind {
		case kindAbsoluteRoot:
			out = absoluteRoot
		case kindRelativeRoot:
			out = relativeRoot
		case kindVariant:
			continue
		default:
			out = appendNode(out, e)
		}
	}
	return out
}

// Ancestors returns p followed by each ancestor up to, but excluding, the
// root.
func (p Path) Ancestors() []Path {
	var out []Path
	for cur := p; !cur.IsEmpty(); cur = cur.n().parent {
		k := cur.n().kind
		if k == kindAbsoluteRoot || k == kindRelativeRoot {
			break
		}
		out = append(out, cur)
	}
	return out
}

// CommonPrefix returns the longest path that prefixes both p and other.
func (p Path) CommonPrefix(other Path) Path {
	if p.IsEmpty() || other.IsEmpty() {
		return Path{}
	}
	a, b := p, other
	for a.n().depth > b.n().depth {
		a = a.n().parent
	}
	for b.n().depth > a.n().depth {
		b = b.n().parent
	}
	for a != b {
		a = a.n().parent
		b = b.n().parent
		if a.IsEmpty() || b.IsEmpty() {
			return Path{}
		}
	}
	return a
}

// Compare orders paths element by element, so ancestors sort before their
// descendants. The empty path sorts first.
func Compare(a, b Path) int {
	if a == b {
		return 0
	}
	if a.IsEmpty() {
		return -1
	}
	if b.IsEmpty() {
		return 1
	}
	ea, eb := elements(a), elements(b)
	for i := 0; i < len(ea) && i < len(eb); i++ {
		if ea[i] == eb[i] {
			continue
		}
		if c := strings.Compare(elemText(ea[i]), elemText(eb[i])); c != 0 {
			return c
		}
		if ea[i].kind != eb[i].kind {
			if ea[i].kind < eb[i].kind {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(ea) < len(eb):
		return -1
	case len(ea) > len(eb):
		return 1
	default:
		return 0
	}
}

// Less reports whether p sorts before other.
func (p Path) Less(other Path) bool { return Compare(p, other) < 0 }

// MarshalText implements encoding.TextMarshaler.
func (p Path) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Path) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

func elements(p Path) []node {
	n := p.n()
	out := make([]node, n.depth+1)
	cur := p
	for i := n.depth; i >= 0 && !cur.IsEmpty(); i-- {
		out[i] = cur.n()
		cur = cur.n().parent
	}
	return out
}

func elemText(e node) string {
	switch e.kind {
	case kindAbsoluteRoot:
		return "/"
	case kindRelativeRoot:
		return "."
	case kindParent:
		return ".."
	case kindVariant:
		return "{" + e.name + "=" + e.sel + "}"
	case kindTarget:
		return "[" + e.target.String() + "]"
	default:
		return e.name
	}
}

func appendNode(parent Path, e node) Path {
	return appendElem(parent, e.kind, e.name, e.sel, e.target)
}

func appendElem(parent Path, kind elemKind, name, sel string, target Path) Path {
	if parent.IsEmpty() {
		return Path{}
	}
	pn := parent.n()
	n := node{
		parent:     parent,
		kind:       kind,
		name:       name,
		sel:        sel,
		target:     target,
		depth:      pn.depth + 1,
		absolute:   pn.absolute,
		hasVariant: pn.hasVariant || kind == kindVariant,
	}
	n.text = renderElem(pn, n)
	return Path{h: unique.Make(n)}
}

func renderElem(parent, n node) string {
	switch n.kind {
	case kindParent:
		if parent.kind == kindRelativeRoot {
			return ".."
		}
		return parent.text + "/.."
	case kindPrim:
		switch parent.kind {
		case kindAbsoluteRoot:
			return "/" + n.name
		case kindRelativeRoot:
			return n.name
		case kindVariant:
			return parent.text + n.name
		default:
			return parent.text + "/" + n.name
		}
	case kindProperty:
		if parent.kind == kindRelativeRoot {
			return "." + n.name
		}
		return parent.text + "." + n.name
	case kindVariant:
		return parent.text + "{" + n.name + "=" + n.sel + "}"
	case kindTarget:
		return parent.text + "[" + n.target.String() + "]"
	default:
		return parent.text
	}
}

func invalid(text, reason string) error {
	return fmt.Errorf("%w: %q: %s", ErrInvalidPath, text, reason)
}
