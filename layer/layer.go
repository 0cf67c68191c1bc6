// Package layer holds scene description layers: trees of typed specs keyed by
// path, each spec carrying a map of named fields. Layers are edited in place,
// record every edit as a change entry, and are shared between stages through
// a Registry that owns loading, saving and change notification.
package layer

import (
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"cogentcore.org/core/base/ordmap"

	"github.com/goliatone/go-scene/identity"
	"github.com/goliatone/go-scene/layering"
	"github.com/goliatone/go-scene/listop"
	"github.com/goliatone/go-scene/sdfpath"
)

type specData struct {
	kind   SpecType
	fields map[string]any
	// children holds prim children by name; properties holds attributes and
	// relationships; variantSets holds variant set specs for prims and
	// variant specs for variant sets.
	children    *ordmap.Map[string, sdfpath.Path]
	properties  *ordmap.Map[string, sdfpath.Path]
	variantSets *ordmap.Map[string, sdfpath.Path]
}

func newSpecData(kind SpecType) *specData {
	return &specData{
		kind:        kind,
		fields:      make(map[string]any),
		children:    ordmap.New[string, sdfpath.Path](),
		properties:  ordmap.New[string, sdfpath.Path](),
		variantSets: ordmap.New[string, sdfpath.Path](),
	}
}

// Layer is one unit of scene description. All methods are safe for
// concurrent use; each edit is atomic with respect to readers of the layer.
type Layer struct {
	mu         sync.RWMutex
	identifier string
	anonymous  bool
	schema     *Schema
	specs      map[sdfpath.Path]*specData
	ids        *identity.Registry
	registry   *Registry
	modTime    time.Time
	dirty      bool
	version    atomic.Uint64
}

// LayerOption configures a Layer.
type LayerOption func(*Layer)

// WithLayerSchema sets the field schema used to check edits.
func WithLayerSchema(schema *Schema) LayerOption {
	return func(l *Layer) {
		if schema != nil {
			l.schema = schema
		}
	}
}

// WithIdentityOptions configures the layer's identity registry.
func WithIdentityOptions(opts ...identity.Option) LayerOption {
	return func(l *Layer) {
		l.ids = identity.NewRegistry(opts...)
	}
}

func withAnonymous() LayerOption {
	return func(l *Layer) { l.anonymous = true }
}

// New constructs an empty layer holding only the pseudo-root. The layer is
// detached: edits are not reported anywhere until it is registered with a
// Registry.
func New(identifier string, opts ...LayerOption) *Layer {
	l := &Layer{
		identifier: identifier,
		specs:      make(map[sdfpath.Path]*specData),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	if l.schema == nil {
		l.schema = DefaultSchema()
	}
	if l.ids == nil {
		l.ids = identity.NewRegistry()
	}
	l.specs[sdfpath.AbsoluteRoot()] = newSpecData(SpecTypePseudoRoot)
	return l
}

// Identifier returns the layer's identifier.
func (l *Layer) Identifier() string { return l.identifier }

// IsAnonymous reports whether the layer was created without backing storage.
func (l *Layer) IsAnonymous() bool { return l.anonymous }

// Schema returns the schema used to check edits.
func (l *Layer) Schema() *Schema { return l.schema }

// Version returns a counter that increases with every applied edit.
func (l *Layer) Version() uint64 { return l.version.Load() }

// ModTime returns the time of the last applied edit.
func (l *Layer) ModTime() time.Time {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.modTime
}

// IsDirty reports whether the layer has edits not yet saved.
func (l *Layer) IsDirty() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.dirty
}

// Registry returns the registry that owns the layer, or nil.
func (l *Layer) Registry() *Registry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.registry
}

// Identities exposes the layer's identity registry.
func (l *Layer) Identities() *identity.Registry { return l.ids }

// HasSpec reports whether a spec exists at path.
func (l *Layer) HasSpec(path sdfpath.Path) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.specs[path]
	return ok
}

// SpecType returns the type of the spec at path, or SpecTypeUnknown.
func (l *Layer) SpecType(path sdfpath.Path) SpecType {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if spec, ok := l.specs[path]; ok {
		return spec.kind
	}
	return SpecTypeUnknown
}

// IsEmpty reports whether the layer holds nothing beyond an empty pseudo-root.
func (l *Layer) IsEmpty() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	root := l.specs[sdfpath.AbsoluteRoot()]
	return len(l.specs) == 1 && len(root.fields) == 0
}

// GetField returns a copy of the field value authored on the spec at path.
func (l *Layer) GetField(path sdfpath.Path, name string) (any, bool) {
	v, ok := l.ReadField(path, name)
	if !ok {
		return nil, false
	}
	return layering.Clone(v), true
}

// ReadField returns the field value without copying it. Callers must treat
// the result as read-only.
func (l *Layer) ReadField(path sdfpath.Path, name string) (any, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	spec, ok := l.specs[path]
	if !ok {
		return nil, false
	}
	v, ok := spec.fields[name]
	return v, ok
}

// HasField reports whether the spec at path authors field name.
func (l *Layer) HasField(path sdfpath.Path, name string) bool {
	_, ok := l.ReadField(path, name)
	return ok
}

// ListFields returns the names of the fields authored on the spec at path,
// sorted.
func (l *Layer) ListFields(path sdfpath.Path) []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	spec, ok := l.specs[path]
	if !ok {
		return nil
	}
	return slices.Sorted(maps.Keys(spec.fields))
}

// Children returns the prim children of the spec at path in stored order.
func (l *Layer) Children(path sdfpath.Path) []sdfpath.Path {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if spec, ok := l.specs[path]; ok {
		return spec.children.Values()
	}
	return nil
}

// ChildNames returns the names of the prim children of the spec at path.
func (l *Layer) ChildNames(path sdfpath.Path) []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if spec, ok := l.specs[path]; ok {
		return spec.children.Keys()
	}
	return nil
}

// Properties returns the property paths of the spec at path in stored order.
func (l *Layer) Properties(path sdfpath.Path) []sdfpath.Path {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if spec, ok := l.specs[path]; ok {
		return spec.properties.Values()
	}
	return nil
}

// PropertyNames returns the property names of the spec at path.
func (l *Layer) PropertyNames(path sdfpath.Path) []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if spec, ok := l.specs[path]; ok {
		return spec.properties.Keys()
	}
	return nil
}

// VariantSetNames returns the names of the variant set specs authored under
// the prim or variant at path.
func (l *Layer) VariantSetNames(path sdfpath.Path) []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	spec, ok := l.specs[path]
	if !ok || spec.kind == SpecTypeVariantSet {
		return nil
	}
	return spec.variantSets.Keys()
}

// Variants returns the variant names authored in variant set set of the prim
// at primPath.
func (l *Layer) Variants(primPath sdfpath.Path, set string) []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	spec, ok := l.specs[primPath.AppendVariantSelection(set, "")]
	if !ok {
		return nil
	}
	return spec.variantSets.Keys()
}

// SpecPaths returns every spec path in the layer in path order.
func (l *Layer) SpecPaths() []sdfpath.Path {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := slices.Collect(maps.Keys(l.specs))
	slices.SortFunc(out, sdfpath.Compare)
	return out
}

// Traverse visits the spec at root and its namespace descendants in
// pre-order: properties, then variant sets and their variants, then prim
// children. Returning false from fn skips the visited spec's descendants.
func (l *Layer) Traverse(root sdfpath.Path, fn func(sdfpath.Path, SpecType) bool) {
	l.mu.RLock()
	order, ends := l.preorderLocked(root)
	kinds := make([]SpecType, len(order))
	for i, p := range order {
		kinds[i] = l.specs[p].kind
	}
	l.mu.RUnlock()

	for i := 0; i < len(order); {
		if !fn(order[i], kinds[i]) {
			i = ends[i]
			continue
		}
		i++
	}
}

// preorderLocked lists the subtree at root in pre-order. ends[i] is the
// index just past the subtree of order[i].
func (l *Layer) preorderLocked(root sdfpath.Path) (order []sdfpath.Path, ends []int) {
	var walk func(sdfpath.Path)
	walk = func(p sdfpath.Path) {
		spec, ok := l.specs[p]
		if !ok {
			return
		}
		idx := len(order)
		order = append(order, p)
		ends = append(ends, 0)
		for _, prop := range spec.properties.Order {
			walk(prop.Value)
		}
		for _, vs := range spec.variantSets.Order {
			walk(vs.Value)
		}
		for _, child := range spec.children.Order {
			walk(child.Value)
		}
		ends[idx] = len(order)
	}
	walk(root)
	return order, ends
}

// GetSpec returns an identity-backed handle for the spec at path. The handle
// follows the spec across moves and is released when it is garbage
// collected or when Release is called.
func (l *Layer) GetSpec(path sdfpath.Path) (*Spec, bool) {
	if !l.HasSpec(path) {
		return nil, false
	}
	return newSpec(l, l.ids.Identify(path)), true
}

// Metadata accessors read layer-level fields from the pseudo-root.

// DefaultPrim returns the name of the layer's default prim.
func (l *Layer) DefaultPrim() string {
	v, _ := l.ReadField(sdfpath.AbsoluteRoot(), FieldDefaultPrim)
	name, _ := v.(string)
	return name
}

// SubLayers returns the layer's sublayer list in strength order.
func (l *Layer) SubLayers() []SubLayer {
	return ResolveSubLayers(l.SubLayersOp())
}

// SubLayersOp returns the layer's authored sublayer list operation.
func (l *Layer) SubLayersOp() listop.ListOp[SubLayer] {
	v, _ := l.ReadField(sdfpath.AbsoluteRoot(), FieldSubLayers)
	op, _ := v.(listop.ListOp[SubLayer])
	return op.Clone()
}

// Relocates returns the layer's relocations.
func (l *Layer) Relocates() []Relocate {
	v, _ := l.ReadField(sdfpath.AbsoluteRoot(), FieldLayerRelocates)
	rel, _ := v.([]Relocate)
	return slices.Clone(rel)
}

// ExpressionVariables returns a copy of the layer's expression variables.
func (l *Layer) ExpressionVariables() map[string]any {
	v, _ := l.GetField(sdfpath.AbsoluteRoot(), FieldExpressionVariables)
	vars, _ := v.(map[string]any)
	return vars
}

// StartTimeCode returns the authored start time code.
func (l *Layer) StartTimeCode() (float64, bool) {
	return l.rootDouble(FieldStartTimeCode)
}

// EndTimeCode returns the authored end time code.
func (l *Layer) EndTimeCode() (float64, bool) {
	return l.rootDouble(FieldEndTimeCode)
}

// TimeCodeRange returns the start and end time codes. Each bound is reported
// when authored, and 0 otherwise; ok is set only when both are authored.
func (l *Layer) TimeCodeRange() (start, end float64, ok bool) {
	start, sok := l.StartTimeCode()
	end, eok := l.EndTimeCode()
	return start, end, sok && eok
}

func (l *Layer) rootDouble(field string) (float64, bool) {
	v, ok := l.ReadField(sdfpath.AbsoluteRoot(), field)
	if !ok {
		return 0, false
	}
	f, isFloat := v.(float64)
	return f, isFloat
}

// TimeCodesPerSecond returns the authored rate, defaulting to 24.
func (l *Layer) TimeCodesPerSecond() float64 {
	if v, ok := l.ReadField(sdfpath.AbsoluteRoot(), FieldTimeCodesPerSecond); ok {
		if rate, ok := v.(float64); ok && rate > 0 {
			return rate
		}
	}
	return 24
}
