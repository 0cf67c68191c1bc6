package layer

import (
	"fmt"
	"maps"
	"reflect"
	"slices"
	"time"

	"cogentcore.org/core/base/ordmap"

	"github.com/goliatone/go-scene/layering"
	"github.com/goliatone/go-scene/listop"
	"github.com/goliatone/go-scene/sdfpath"
)

// edit applies fn under the layer's write lock and reports the recorded
// entries to the owning registry. Outside an open change block the edit is
// its own block.
func (l *Layer) edit(fn func() ([]ChangeEntry, error)) error {
	reg := l.Registry()
	var end func()
	if reg != nil {
		end = reg.beginImplicit()
		defer end()
	}

	l.mu.Lock()
	entries, err := fn()
	if len(entries) > 0 {
		l.version.Add(1)
		l.dirty = true
		l.modTime = time.Now()
	}
	l.mu.Unlock()

	if reg != nil {
		reg.record(l, entries)
	}
	return err
}

// parentFor returns the spec that owns path in the namespace tree together
// with the ordmap path must be registered in.
func (l *Layer) parentFor(path sdfpath.Path, kind SpecType) (*specData, *ordmap.Map[string, sdfpath.Path], string, error) {
	if !kind.pathAgrees(path) {
		return nil, nil, "", invalidPath(path, fmt.Sprintf("path cannot hold a %s spec", kind))
	}
	parentPath := path.Parent()
	key := path.Name()
	if kind == SpecTypeVariant || kind == SpecTypeVariantSet {
		set, sel, _ := path.VariantSelection()
		key = set
		if kind == SpecTypeVariant {
			parentPath = parentPath.AppendVariantSelection(set, "")
			key = sel
		}
	}
	parent, ok := l.specs[parentPath]
	if !ok {
		return nil, nil, "", invalidPath(path, "parent spec does not exist")
	}
	switch kind {
	case SpecTypePrim:
		if parent.kind != SpecTypePseudoRoot && parent.kind != SpecTypePrim && parent.kind != SpecTypeVariant {
			return nil, nil, "", invalidPath(path, "prims must be children of the root, a prim or a variant")
		}
		return parent, parent.children, key, nil
	case SpecTypeAttribute, SpecTypeRelationship:
		if parent.kind != SpecTypePrim && parent.kind != SpecTypeVariant {
			return nil, nil, "", invalidPath(path, "properties must belong to a prim or a variant")
		}
		return parent, parent.properties, key, nil
	case SpecTypeVariantSet:
		if parent.kind != SpecTypePrim && parent.kind != SpecTypeVariant {
			return nil, nil, "", invalidPath(path, "variant sets must belong to a prim or a variant")
		}
		return parent, parent.variantSets, key, nil
	case SpecTypeVariant:
		if parent.kind != SpecTypeVariantSet {
			return nil, nil, "", invalidPath(path, "variant set spec does not exist")
		}
		return parent, parent.variantSets, key, nil
	default:
		return nil, nil, "", invalidPath(path, "cannot create a "+kind.String()+" spec")
	}
}

// CreateSpec creates an empty spec of type kind at path. The parent spec must
// exist and be able to own a spec of that type.
func (l *Layer) CreateSpec(path sdfpath.Path, kind SpecType) error {
	return l.edit(func() ([]ChangeEntry, error) {
		return l.createSpecLocked(path, kind, nil)
	})
}

func (l *Layer) createSpecLocked(path sdfpath.Path, kind SpecType, fields map[string]any) ([]ChangeEntry, error) {
	if !kind.pathAgrees(path) {
		return nil, invalidPath(path, fmt.Sprintf("path cannot hold a %s spec", kind))
	}
	if _, exists := l.specs[path]; exists {
		return nil, fmt.Errorf("%w: %q", ErrSpecExists, path.String())
	}
	_, siblings, key, err := l.parentFor(path, kind)
	if err != nil {
		return nil, err
	}
	spec := newSpecData(kind)
	for name, value := range fields {
		if err := l.checkField(spec, name, value); err != nil {
			return nil, err
		}
		spec.fields[name] = normalizeValue(name, layering.Clone(value))
	}
	l.specs[path] = spec
	siblings.Add(key, path)
	return []ChangeEntry{{Kind: SpecAdded, Path: path, Type: kind}}, nil
}

// CreatePrim creates a prim spec with the given specifier and type name.
func (l *Layer) CreatePrim(path sdfpath.Path, specifier Specifier, typeName string) error {
	fields := map[string]any{FieldSpecifier: specifier}
	if typeName != "" {
		fields[FieldTypeName] = typeName
	}
	return l.edit(func() ([]ChangeEntry, error) {
		return l.createSpecLocked(path, SpecTypePrim, fields)
	})
}

// DefinePrim creates the prim at path and any missing ancestors, using def
// for the prim itself and over for created ancestors. On failure no ancestor
// is left behind.
func (l *Layer) DefinePrim(path sdfpath.Path, typeName string) error {
	return l.edit(func() ([]ChangeEntry, error) {
		var created []sdfpath.Path
		fail := func(err error) ([]ChangeEntry, error) {
			for i := len(created) - 1; i >= 0; i-- {
				l.dropCreatedLocked(created[i])
			}
			return nil, err
		}
		if !SpecTypePrim.pathAgrees(path) {
			return fail(invalidPath(path, "path cannot hold a prim spec"))
		}

		var entries []ChangeEntry
		ancestors := path.Ancestors()
		for i := len(ancestors) - 1; i >= 1; i-- {
			anc := ancestors[i]
			if _, ok := l.specs[anc]; ok || !anc.IsPrimPath() {
				continue
			}
			added, err := l.createSpecLocked(anc, SpecTypePrim, map[string]any{FieldSpecifier: SpecifierOver})
			if err != nil {
				return fail(err)
			}
			created = append(created, anc)
			entries = append(entries, added...)
		}
		if spec, ok := l.specs[path]; ok {
			if spec.kind != SpecTypePrim {
				return fail(invalidPath(path, "existing spec is not a prim"))
			}
			spec.fields[FieldSpecifier] = SpecifierDef
			entries = append(entries, ChangeEntry{Kind: FieldChanged, Path: path, Field: FieldSpecifier, Type: SpecTypePrim})
			if typeName != "" {
				spec.fields[FieldTypeName] = typeName
				entries = append(entries, ChangeEntry{Kind: FieldChanged, Path: path, Field: FieldTypeName, Type: SpecTypePrim})
			}
			return entries, nil
		}
		fields := map[string]any{FieldSpecifier: SpecifierDef}
		if typeName != "" {
			fields[FieldTypeName] = typeName
		}
		added, err := l.createSpecLocked(path, SpecTypePrim, fields)
		if err != nil {
			return fail(err)
		}
		return append(entries, added...), nil
	})
}

// dropCreatedLocked undoes createSpecLocked for a prim that has no
// descendants yet.
func (l *Layer) dropCreatedLocked(path sdfpath.Path) {
	if parent, ok := l.specs[path.Parent()]; ok {
		parent.children.DeleteKey(path.Name())
	}
	delete(l.specs, path)
}

// CreateAttribute creates an attribute spec. valueType names a registered
// value type; an empty valueType leaves the attribute untyped.
func (l *Layer) CreateAttribute(path sdfpath.Path, valueType string) error {
	if valueType != "" {
		if _, ok := l.schema.ValueType(valueType); !ok {
			return fmt.Errorf("%w: unknown value type %q", ErrTypeMismatch, valueType)
		}
	}
	var fields map[string]any
	if valueType != "" {
		fields = map[string]any{FieldTypeName: valueType}
	}
	return l.edit(func() ([]ChangeEntry, error) {
		return l.createSpecLocked(path, SpecTypeAttribute, fields)
	})
}

// CreateRelationship creates a relationship spec.
func (l *Layer) CreateRelationship(path sdfpath.Path) error {
	return l.CreateSpec(path, SpecTypeRelationship)
}

// CreateVariantSet creates the variant set spec name under the prim at
// primPath and prepends name to the prim's variantSetNames.
func (l *Layer) CreateVariantSet(primPath sdfpath.Path, name string) error {
	setPath := primPath.AppendVariantSelection(name, "")
	if setPath.IsEmpty() {
		return invalidPath(primPath, "invalid variant set name "+name)
	}
	return l.edit(func() ([]ChangeEntry, error) {
		return l.createVariantSetLocked(primPath, setPath, name)
	})
}

func (l *Layer) createVariantSetLocked(primPath, setPath sdfpath.Path, name string) ([]ChangeEntry, error) {
	entries, err := l.createSpecLocked(setPath, SpecTypeVariantSet, nil)
	if err != nil {
		return nil, err
	}
	prim := l.specs[primPath]
	names, _ := prim.fields[FieldVariantSetNames].(listop.ListOp[string])
	if !slices.Contains(names.Items(), name) {
		names = names.Clone()
		if names.Explicit {
			names.ExplicitItems = append(names.ExplicitItems, name)
		} else {
			names.Prepended = append(names.Prepended, name)
		}
		prim.fields[FieldVariantSetNames] = names
		entries = append(entries, ChangeEntry{Kind: FieldChanged, Path: primPath, Field: FieldVariantSetNames, Type: prim.kind})
	}
	return entries, nil
}

// CreateVariant creates variant name in variant set set of the prim at
// primPath, creating the variant set first when missing.
func (l *Layer) CreateVariant(primPath sdfpath.Path, set, name string) error {
	setPath := primPath.AppendVariantSelection(set, "")
	variantPath := primPath.AppendVariantSelection(set, name)
	if setPath.IsEmpty() || variantPath.IsEmpty() || name == "" {
		return invalidPath(primPath, fmt.Sprintf("invalid variant {%s=%s}", set, name))
	}
	return l.edit(func() ([]ChangeEntry, error) {
		var entries []ChangeEntry
		if _, ok := l.specs[setPath]; !ok {
			created, err := l.createVariantSetLocked(primPath, setPath, set)
			if err != nil {
				return nil, err
			}
			entries = created
		}
		added, err := l.createSpecLocked(variantPath, SpecTypeVariant, nil)
		return append(entries, added...), err
	})
}

// DeleteSpec removes the spec at path and its whole namespace subtree.
func (l *Layer) DeleteSpec(path sdfpath.Path) error {
	if path.IsAbsoluteRoot() {
		return invalidPath(path, "the pseudo-root cannot be deleted")
	}
	return l.edit(func() ([]ChangeEntry, error) {
		spec, ok := l.specs[path]
		if !ok {
			return nil, specNotFound(path)
		}
		_, siblings, key, err := l.parentFor(path, spec.kind)
		if err != nil {
			return nil, err
		}
		subtree, _ := l.preorderLocked(path)
		for _, p := range subtree {
			delete(l.specs, p)
		}
		siblings.DeleteKey(key)
		return []ChangeEntry{{Kind: SpecRemoved, Path: path, Type: spec.kind}}, nil
	})
}

// MoveSpec renames or reparents the spec at oldPath, with its subtree, to
// newPath. Handles obtained through GetSpec follow the move. A rename within
// the same parent keeps the spec's position among its siblings; a reparented
// spec is appended to its new parent.
func (l *Layer) MoveSpec(oldPath, newPath sdfpath.Path) error {
	if oldPath == newPath {
		return nil
	}
	return l.edit(func() ([]ChangeEntry, error) {
		spec, ok := l.specs[oldPath]
		if !ok {
			return nil, specNotFound(oldPath)
		}
		if spec.kind == SpecTypePseudoRoot || spec.kind == SpecTypeVariant || spec.kind == SpecTypeVariantSet {
			return nil, invalidPath(oldPath, spec.kind.String()+" specs cannot be moved")
		}
		if _, exists := l.specs[newPath]; exists {
			return nil, fmt.Errorf("%w: %q", ErrSpecExists, newPath.String())
		}
		if newPath.HasPrefix(oldPath) {
			return nil, invalidPath(newPath, "cannot move a spec under itself")
		}
		_, oldSiblings, oldKey, err := l.parentFor(oldPath, spec.kind)
		if err != nil {
			return nil, err
		}
		_, newSiblings, newKey, err := l.parentFor(newPath, spec.kind)
		if err != nil {
			return nil, err
		}

		subtree, _ := l.preorderLocked(oldPath)
		moved := make(map[sdfpath.Path]*specData, len(subtree))
		for _, p := range subtree {
			moved[p.ReplacePrefix(oldPath, newPath)] = l.specs[p]
			delete(l.specs, p)
		}
		for p, data := range moved {
			retarget(data.children, oldPath, newPath)
			retarget(data.properties, oldPath, newPath)
			retarget(data.variantSets, oldPath, newPath)
			l.specs[p] = data
		}

		if oldSiblings == newSiblings {
			idx := oldSiblings.IndexByKey(oldKey)
			oldSiblings.ReplaceIndex(idx, newKey, newPath)
		} else {
			oldSiblings.DeleteKey(oldKey)
			newSiblings.Add(newKey, newPath)
		}
		l.ids.MoveSubtree(oldPath, newPath)
		return []ChangeEntry{{Kind: SpecMoved, Path: newPath, OldPath: oldPath, Type: spec.kind}}, nil
	})
}

func retarget(m *ordmap.Map[string, sdfpath.Path], oldPrefix, newPrefix sdfpath.Path) {
	for i := range m.Order {
		m.Order[i].Value = m.Order[i].Value.ReplacePrefix(oldPrefix, newPrefix)
	}
}

func (l *Layer) checkField(spec *specData, name string, value any) error {
	valueType := ""
	if spec.kind == SpecTypeAttribute {
		valueType, _ = spec.fields[FieldTypeName].(string)
	}
	if name == FieldTypeName && spec.kind == SpecTypeAttribute {
		if s, ok := value.(string); ok && s != "" {
			if _, known := l.schema.ValueType(s); !known {
				return fmt.Errorf("%w: unknown value type %q", ErrTypeMismatch, s)
			}
		}
	}
	return l.schema.check(spec.kind, name, value, valueType)
}

// SetField authors value for field name on the spec at path. Registered
// fields are type-checked against the schema; unregistered names are stored
// as untyped custom metadata. Setting an equal value records nothing.
func (l *Layer) SetField(path sdfpath.Path, name string, value any) error {
	if name == "" {
		return fmt.Errorf("%w: empty field name", ErrInvalidField)
	}
	return l.edit(func() ([]ChangeEntry, error) {
		spec, ok := l.specs[path]
		if !ok {
			return nil, specNotFound(path)
		}
		if err := l.checkField(spec, name, value); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		stored := normalizeValue(name, layering.Clone(value))
		if current, exists := spec.fields[name]; exists && reflect.DeepEqual(current, stored) {
			return nil, nil
		}
		spec.fields[name] = stored
		return []ChangeEntry{{Kind: FieldChanged, Path: path, Field: name, Type: spec.kind}}, nil
	})
}

// EraseField removes field name from the spec at path. Erasing a field that
// is not authored is a no-op.
func (l *Layer) EraseField(path sdfpath.Path, name string) error {
	return l.edit(func() ([]ChangeEntry, error) {
		spec, ok := l.specs[path]
		if !ok {
			return nil, specNotFound(path)
		}
		if _, exists := spec.fields[name]; !exists {
			return nil, nil
		}
		delete(spec.fields, name)
		return []ChangeEntry{{Kind: FieldChanged, Path: path, Field: name, Type: spec.kind}}, nil
	})
}

// ReorderChildren rearranges the stored prim children of the spec at path.
// Named children move to the front in the given order; the rest keep their
// relative order after them. Unknown names are ignored.
func (l *Layer) ReorderChildren(path sdfpath.Path, names []string) error {
	return l.edit(func() ([]ChangeEntry, error) {
		spec, ok := l.specs[path]
		if !ok {
			return nil, specNotFound(path)
		}
		before := spec.children.Keys()
		reorderOrdmap(spec.children, names)
		if slices.Equal(before, spec.children.Keys()) {
			return nil, nil
		}
		return []ChangeEntry{{Kind: ChildrenReordered, Path: path, Type: spec.kind}}, nil
	})
}

func reorderOrdmap(m *ordmap.Map[string, sdfpath.Path], names []string) {
	if len(names) == 0 || m.Len() == 0 {
		return
	}
	out := make([]ordmap.KeyValue[string, sdfpath.Path], 0, m.Len())
	used := make(map[string]bool, len(names))
	for _, name := range names {
		idx, ok := m.IndexByKeyTry(name)
		if !ok || used[name] {
			continue
		}
		used[name] = true
		out = append(out, m.Order[idx])
	}
	for _, kv := range m.Order {
		if !used[kv.Key] {
			out = append(out, kv)
		}
	}
	*m = *ordmap.Make(out)
}

// SetDefault authors the default value of the attribute at path.
func (l *Layer) SetDefault(path sdfpath.Path, value any) error {
	return l.SetField(path, FieldDefault, value)
}

// SetTimeSample authors one time sample on the attribute at path.
func (l *Layer) SetTimeSample(path sdfpath.Path, t float64, value any) error {
	return l.edit(func() ([]ChangeEntry, error) {
		spec, ok := l.specs[path]
		if !ok {
			return nil, specNotFound(path)
		}
		samples, _ := spec.fields[FieldTimeSamples].(TimeSamples)
		updated := samples.Set(t, layering.Clone(value))
		if err := l.checkField(spec, FieldTimeSamples, updated); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		spec.fields[FieldTimeSamples] = updated
		return []ChangeEntry{{Kind: FieldChanged, Path: path, Field: FieldTimeSamples, Type: spec.kind}}, nil
	})
}

// EraseTimeSample removes the sample at t from the attribute at path.
func (l *Layer) EraseTimeSample(path sdfpath.Path, t float64) error {
	return l.edit(func() ([]ChangeEntry, error) {
		spec, ok := l.specs[path]
		if !ok {
			return nil, specNotFound(path)
		}
		samples, _ := spec.fields[FieldTimeSamples].(TimeSamples)
		if _, ok := samples.Value(t); !ok {
			return nil, nil
		}
		updated := samples.Erase(t)
		if updated.Len() == 0 {
			delete(spec.fields, FieldTimeSamples)
		} else {
			spec.fields[FieldTimeSamples] = updated
		}
		return []ChangeEntry{{Kind: FieldChanged, Path: path, Field: FieldTimeSamples, Type: spec.kind}}, nil
	})
}

// SetSubLayers replaces the layer's sublayer list with an explicit one.
func (l *Layer) SetSubLayers(subs ...SubLayer) error {
	return l.SetSubLayersOp(listop.Explicit(subs...))
}

// SetSubLayersOp authors a sublayer list operation. Prepend, append and
// delete items edit the list of the layer beneath, which for a session layer
// is the stage's root layer.
func (l *Layer) SetSubLayersOp(op listop.ListOp[SubLayer]) error {
	if op.IsZero() {
		return l.EraseField(sdfpath.AbsoluteRoot(), FieldSubLayers)
	}
	return l.SetField(sdfpath.AbsoluteRoot(), FieldSubLayers, op.Clone())
}

// SetDefaultPrim names the prim targeted by references without a prim path.
func (l *Layer) SetDefaultPrim(name string) error {
	return l.SetField(sdfpath.AbsoluteRoot(), FieldDefaultPrim, name)
}

// SetTimeCodeRange authors the layer's start and end time codes.
func (l *Layer) SetTimeCodeRange(start, end float64) error {
	return l.edit(func() ([]ChangeEntry, error) {
		root := l.specs[sdfpath.AbsoluteRoot()]
		root.fields[FieldStartTimeCode] = start
		root.fields[FieldEndTimeCode] = end
		return []ChangeEntry{
			{Kind: FieldChanged, Path: sdfpath.AbsoluteRoot(), Field: FieldStartTimeCode, Type: SpecTypePseudoRoot},
			{Kind: FieldChanged, Path: sdfpath.AbsoluteRoot(), Field: FieldEndTimeCode, Type: SpecTypePseudoRoot},
		}, nil
	})
}

// SetExpressionVariables replaces the layer's expression variables.
func (l *Layer) SetExpressionVariables(vars map[string]any) error {
	return l.SetField(sdfpath.AbsoluteRoot(), FieldExpressionVariables, maps.Clone(vars))
}

// SetRelocates replaces the layer's relocations.
func (l *Layer) SetRelocates(relocates ...Relocate) error {
	return l.SetField(sdfpath.AbsoluteRoot(), FieldLayerRelocates, slices.Clone(relocates))
}

// Clear removes every spec and all layer metadata.
func (l *Layer) Clear() error {
	return l.edit(func() ([]ChangeEntry, error) {
		l.specs = map[sdfpath.Path]*specData{sdfpath.AbsoluteRoot(): newSpecData(SpecTypePseudoRoot)}
		return []ChangeEntry{{Kind: ContentReplaced, Path: sdfpath.AbsoluteRoot(), Type: SpecTypePseudoRoot}}, nil
	})
}
