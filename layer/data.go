package layer

import (
	"fmt"
	"maps"
	"reflect"
	"slices"

	"cogentcore.org/core/base/ordmap"

	"github.com/goliatone/go-scene/layering"
	"github.com/goliatone/go-scene/sdfpath"
)

// SpecData is the serializable form of one spec.
type SpecData struct {
	Path   sdfpath.Path
	Type   SpecType
	Fields map[string]any
	// Children, Properties and VariantSets list child names in stored order.
	// For variant set specs VariantSets lists the variant names.
	Children    []string
	Properties  []string
	VariantSets []string
}

// Data is the round-trip form of a layer's content: every spec in namespace
// pre-order, starting with the pseudo-root whose fields are the layer
// metadata.
type Data struct {
	Specs []SpecData
}

// Metadata returns the pseudo-root fields.
func (d Data) Metadata() map[string]any {
	for _, spec := range d.Specs {
		if spec.Type == SpecTypePseudoRoot {
			return spec.Fields
		}
	}
	return nil
}

// Export returns a deep copy of the layer's content.
func (l *Layer) Export() Data {
	l.mu.RLock()
	defer l.mu.RUnlock()
	order, _ := l.preorderLocked(sdfpath.AbsoluteRoot())
	out := Data{Specs: make([]SpecData, 0, len(order))}
	for _, p := range order {
		spec := l.specs[p]
		out.Specs = append(out.Specs, SpecData{
			Path:        p,
			Type:        spec.kind,
			Fields:      layering.Clone(spec.fields),
			Children:    spec.children.Keys(),
			Properties:  spec.properties.Keys(),
			VariantSets: spec.variantSets.Keys(),
		})
	}
	return out
}

// Import replaces the layer's content with data. Specs must be listed with
// parents before children. Content is validated against the layer schema
// before anything is replaced, so a failed import leaves the layer as it was.
func (l *Layer) Import(data Data) error {
	specs, err := l.build(data)
	if err != nil {
		return err
	}
	return l.edit(func() ([]ChangeEntry, error) {
		l.specs = specs
		return []ChangeEntry{{Kind: ContentReplaced, Path: sdfpath.AbsoluteRoot(), Type: SpecTypePseudoRoot}}, nil
	})
}

// load installs data without recording changes; used for freshly opened
// layers.
func (l *Layer) load(data Data) error {
	specs, err := l.build(data)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.specs = specs
	l.dirty = false
	l.mu.Unlock()
	return nil
}

func (l *Layer) build(data Data) (map[sdfpath.Path]*specData, error) {
	specs := map[sdfpath.Path]*specData{sdfpath.AbsoluteRoot(): newSpecData(SpecTypePseudoRoot)}
	staging := &Layer{specs: specs, schema: l.schema}

	for _, entry := range data.Specs {
		if entry.Path.IsEmpty() {
			return nil, fmt.Errorf("%w: spec with empty path", ErrParse)
		}
		var spec *specData
		if entry.Type == SpecTypePseudoRoot || entry.Path.IsAbsoluteRoot() {
			if entry.Type != SpecTypePseudoRoot || !entry.Path.IsAbsoluteRoot() {
				return nil, invalidPath(entry.Path, "only the root path holds the pseudo-root")
			}
			spec = specs[sdfpath.AbsoluteRoot()]
		} else {
			if _, dup := specs[entry.Path]; dup {
				return nil, fmt.Errorf("%w: %q listed twice", ErrSpecExists, entry.Path.String())
			}
			_, siblings, key, err := staging.parentFor(entry.Path, entry.Type)
			if err != nil {
				return nil, err
			}
			spec = newSpecData(entry.Type)
			specs[entry.Path] = spec
			siblings.Add(key, entry.Path)
		}
		// typeName first so attribute values check against it.
		if tn, ok := entry.Fields[FieldTypeName]; ok {
			if err := staging.checkField(spec, FieldTypeName, tn); err != nil {
				return nil, fmt.Errorf("%s: %w", entry.Path, err)
			}
			spec.fields[FieldTypeName] = tn
		}
		for name, value := range entry.Fields {
			if name == FieldTypeName {
				continue
			}
			if err := staging.checkField(spec, name, value); err != nil {
				return nil, fmt.Errorf("%s: %w", entry.Path, err)
			}
			spec.fields[name] = normalizeValue(name, layering.Clone(value))
		}
	}

	// Apply stored orderings once every spec is known.
	for _, entry := range data.Specs {
		spec := specs[entry.Path]
		if spec == nil {
			continue
		}
		applyOrder(spec.children, entry.Children)
		applyOrder(spec.properties, entry.Properties)
		applyOrder(spec.variantSets, entry.VariantSets)
	}
	return specs, nil
}

func applyOrder(m *ordmap.Map[string, sdfpath.Path], names []string) {
	if len(names) == 0 {
		return
	}
	reorderOrdmap(m, names)
}

// Clone returns a detached copy of the layer with the given identifier.
func (l *Layer) Clone(identifier string) *Layer {
	out := New(identifier, WithLayerSchema(l.schema))
	data := l.Export()
	specs, err := out.build(data)
	if err == nil {
		out.specs = specs
	}
	return out
}

// Equal reports whether two exports hold the same specs, fields and
// orderings.
func (d Data) Equal(other Data) bool {
	if len(d.Specs) != len(other.Specs) {
		return false
	}
	for i := range d.Specs {
		a, b := d.Specs[i], other.Specs[i]
		if a.Path != b.Path || a.Type != b.Type {
			return false
		}
		if !slices.Equal(a.Children, b.Children) || !slices.Equal(a.Properties, b.Properties) || !slices.Equal(a.VariantSets, b.VariantSets) {
			return false
		}
		if !maps.EqualFunc(a.Fields, b.Fields, func(x, y any) bool { return reflect.DeepEqual(x, y) }) {
			return false
		}
	}
	return true
}
