package layer

import (
	"fmt"
	"math"
	"slices"

	"github.com/goliatone/go-scene/listop"
	"github.com/goliatone/go-scene/sdfpath"
)

// SpecType is the closed set of spec kinds a layer can hold.
type SpecType uint8

const (
	SpecTypeUnknown SpecType = iota
	SpecTypePseudoRoot
	SpecTypePrim
	SpecTypeAttribute
	SpecTypeRelationship
	SpecTypeVariantSet
	SpecTypeVariant
)

var specTypeNames = [...]string{
	SpecTypeUnknown:      "unknown",
	SpecTypePseudoRoot:   "pseudoRoot",
	SpecTypePrim:         "prim",
	SpecTypeAttribute:    "attribute",
	SpecTypeRelationship: "relationship",
	SpecTypeVariantSet:   "variantSet",
	SpecTypeVariant:      "variant",
}

func (t SpecType) String() string {
	if int(t) < len(specTypeNames) {
		return specTypeNames[t]
	}
	return fmt.Sprintf("SpecType(%d)", uint8(t))
}

// ParseSpecType is the inverse of SpecType.String.
func ParseSpecType(name string) (SpecType, error) {
	for i, candidate := range specTypeNames {
		if candidate == name && i != int(SpecTypeUnknown) {
			return SpecType(i), nil
		}
	}
	return SpecTypeUnknown, fmt.Errorf("%w: unknown spec type %q", ErrParse, name)
}

// IsProperty reports whether t is an attribute or relationship.
func (t SpecType) IsProperty() bool {
	return t == SpecTypeAttribute || t == SpecTypeRelationship
}

// pathAgrees reports whether path has the shape required by spec type t.
func (t SpecType) pathAgrees(path sdfpath.Path) bool {
	if path.IsEmpty() || !path.IsAbsolute() {
		return false
	}
	switch t {
	case SpecTypePseudoRoot:
		return path.IsAbsoluteRoot()
	case SpecTypePrim:
		return path.IsPrimPath() && path.Name() != ".."
	case SpecTypeAttribute, SpecTypeRelationship:
		return path.IsPropertyPath()
	case SpecTypeVariantSet:
		_, sel, ok := path.VariantSelection()
		return ok && path.IsVariantSelectionPath() && sel == ""
	case SpecTypeVariant:
		_, sel, ok := path.VariantSelection()
		return ok && path.IsVariantSelectionPath() && sel != ""
	default:
		return false
	}
}

// Specifier says whether a prim spec defines, overrides or declares a class.
type Specifier uint8

const (
	SpecifierDef Specifier = iota
	SpecifierOver
	SpecifierClass
)

func (s Specifier) String() string {
	switch s {
	case SpecifierDef:
		return "def"
	case SpecifierOver:
		return "over"
	case SpecifierClass:
		return "class"
	default:
		return fmt.Sprintf("Specifier(%d)", uint8(s))
	}
}

// ParseSpecifier is the inverse of Specifier.String.
func ParseSpecifier(name string) (Specifier, error) {
	switch name {
	case "def":
		return SpecifierDef, nil
	case "over":
		return SpecifierOver, nil
	case "class":
		return SpecifierClass, nil
	}
	return SpecifierOver, fmt.Errorf("%w: unknown specifier %q", ErrParse, name)
}

// IsDefining reports whether the specifier makes a prim exist on its own.
func (s Specifier) IsDefining() bool { return s != SpecifierOver }

// LayerOffset maps times in a weaker layer into a stronger layer's time:
// outer = inner*Scale + Offset. A zero Scale is read as 1.
type LayerOffset struct {
	Offset float64 `json:"offset,omitempty" yaml:"offset,omitempty"`
	Scale  float64 `json:"scale,omitempty" yaml:"scale,omitempty"`
}

// IdentityOffset is the offset that leaves times unchanged.
var IdentityOffset = LayerOffset{Scale: 1}

func (o LayerOffset) scale() float64 {
	if o.Scale == 0 {
		return 1
	}
	return o.Scale
}

// Normalize returns o with an explicit scale.
func (o LayerOffset) Normalize() LayerOffset {
	return LayerOffset{Offset: o.Offset, Scale: o.scale()}
}

// IsIdentity reports whether o leaves times unchanged.
func (o LayerOffset) IsIdentity() bool {
	return o.Offset == 0 && o.scale() == 1
}

// Apply maps an inner time to the outer time.
func (o LayerOffset) Apply(t float64) float64 {
	if math.IsNaN(t) {
		return t
	}
	return t*o.scale() + o.Offset
}

// Inverse returns the offset mapping outer times back to inner times.
func (o LayerOffset) Inverse() LayerOffset {
	s := o.scale()
	return LayerOffset{Offset: -o.Offset / s, Scale: 1 / s}
}

// Compose returns the offset equivalent to applying inner first, then o.
func (o LayerOffset) Compose(inner LayerOffset) LayerOffset {
	return LayerOffset{
		Offset: inner.Offset*o.scale() + o.Offset,
		Scale:  inner.scale() * o.scale(),
	}
}

// Reference targets a prim in another layer stack, or in the same one when
// AssetPath is empty. An empty PrimPath selects the target layer's default
// prim.
type Reference struct {
	AssetPath string       `json:"assetPath,omitempty" yaml:"assetPath,omitempty"`
	PrimPath  sdfpath.Path `json:"primPath,omitempty" yaml:"primPath,omitempty"`
	Offset    LayerOffset  `json:"offset,omitempty" yaml:"offset,omitempty"`
}

// IsInternal reports whether the reference targets the referencing stack.
func (r Reference) IsInternal() bool { return r.AssetPath == "" }

func (r Reference) normalize() Reference {
	r.Offset = r.Offset.Normalize()
	return r
}

// Payload is a deferred reference whose target loads on demand.
type Payload struct {
	AssetPath string       `json:"assetPath,omitempty" yaml:"assetPath,omitempty"`
	PrimPath  sdfpath.Path `json:"primPath,omitempty" yaml:"primPath,omitempty"`
	Offset    LayerOffset  `json:"offset,omitempty" yaml:"offset,omitempty"`
}

// IsInternal reports whether the payload targets the referencing stack.
func (p Payload) IsInternal() bool { return p.AssetPath == "" }

func (p Payload) normalize() Payload {
	p.Offset = p.Offset.Normalize()
	return p
}

// SubLayer names a weaker layer contributing to a layer stack.
type SubLayer struct {
	AssetPath string      `json:"assetPath" yaml:"assetPath"`
	Offset    LayerOffset `json:"offset,omitempty" yaml:"offset,omitempty"`
}

func (s SubLayer) normalize() SubLayer {
	s.Offset = s.Offset.Normalize()
	return s
}

// ResolveSubLayers folds sublayer ops ordered strongest first. Items are
// matched by asset path, so a delete or reorder need not repeat the offset;
// the strongest op that adds a path decides its offset.
func ResolveSubLayers(ops ...listop.ListOp[SubLayer]) []SubLayer {
	offsets := make(map[string]LayerOffset)
	keyed := make([]listop.ListOp[string], len(ops))
	for i := len(ops) - 1; i >= 0; i-- {
		op := ops[i]
		for _, s := range slices.Concat(op.ExplicitItems, op.Prepended, op.Appended, op.Added) {
			offsets[s.AssetPath] = s.Offset.Normalize()
		}
		keyed[i] = listop.Map(op, func(s SubLayer) (string, bool) { return s.AssetPath, s.AssetPath != "" })
	}
	paths := listop.Compose(keyed...)
	if len(paths) == 0 {
		return nil
	}
	out := make([]SubLayer, len(paths))
	for i, path := range paths {
		out[i] = SubLayer{AssetPath: path, Offset: offsets[path]}
	}
	return out
}

// Relocate moves the namespace location Source to Target for every prim
// index composed from the owning layer stack.
type Relocate struct {
	Source sdfpath.Path `json:"source" yaml:"source"`
	Target sdfpath.Path `json:"target" yaml:"target"`
}

// AssetPath is an attribute value naming an external asset.
type AssetPath string

// ValueBlock is an authored opinion that hides every weaker opinion and makes
// the value resolve as absent.
type ValueBlock struct{}

// Block is the ValueBlock value.
var Block = ValueBlock{}

// IsBlock reports whether v is an authored value block.
func IsBlock(v any) bool {
	_, ok := v.(ValueBlock)
	return ok
}

// Variability values for attributes.
const (
	VariabilityVarying = "varying"
	VariabilityUniform = "uniform"
)
