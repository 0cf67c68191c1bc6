package scene

import (
	"context"
	"fmt"
	"slices"

	"github.com/goliatone/go-scene/compose"
	"github.com/goliatone/go-scene/layer"
	"github.com/goliatone/go-scene/layering"
	"github.com/goliatone/go-scene/listop"
	"github.com/goliatone/go-scene/sdfpath"
)

// fieldQuery is a field lookup on a prim or one of its properties.
type fieldQuery struct {
	idx      *compose.PrimIndex
	property string
	field    string
}

func (q fieldQuery) opinions() []compose.Opinion {
	if q.property != "" {
		return q.idx.PropertyOpinions(q.property)
	}
	return q.idx.Opinions()
}

// isAttributeValue reports whether the query asks for an attribute's value
// rather than one of its fields.
func (q fieldQuery) isAttributeValue() bool {
	return q.property != "" && (q.field == "" || q.field == layer.FieldDefault)
}

// GetValue resolves field on the prim or property at path at time t.
//
// On a property path an empty field, or "default", resolves the attribute
// value at t; any other field resolves that property field. On a prim path
// a schema field resolves prim metadata, and an unregistered name resolves
// the attribute of that name when one is authored, else custom metadata.
// The boolean is false when no opinion authors the value or the strongest
// opinion blocks it.
func (s *Stage) GetValue(ctx context.Context, path sdfpath.Path, field string, t TimeCode) (any, bool, error) {
	end := s.reg.BeginRead()
	defer end()
	q, err := s.query(ctx, path, field)
	if err != nil {
		return nil, false, err
	}
	v, ok := s.resolve(q, t)
	return v, ok, nil
}

// GetAttributeValue resolves the value of the attribute at attrPath at t.
func (s *Stage) GetAttributeValue(ctx context.Context, attrPath sdfpath.Path, t TimeCode) (any, bool, error) {
	if !attrPath.IsPropertyPath() {
		return nil, false, fmt.Errorf("%w: %q is not a property path", layer.ErrInvalidPath, attrPath)
	}
	return s.GetValue(ctx, attrPath, "", t)
}

// query locates the index for path and classifies field. Callers hold a
// read epoch.
func (s *Stage) query(ctx context.Context, path sdfpath.Path, field string) (fieldQuery, error) {
	prim, property := path, ""
	if path.IsPropertyPath() {
		prim, property = path.Parent(), path.Name()
	}
	if err := checkPrimPath(prim); err != nil {
		return fieldQuery{}, err
	}
	cache, _, err := s.current(ctx)
	if err != nil {
		return fieldQuery{}, err
	}
	idx, err := s.lookup(ctx, cache, prim)
	if err != nil {
		return fieldQuery{}, err
	}
	q := fieldQuery{idx: idx, property: property, field: field}
	if property == "" {
		if field == "" {
			return fieldQuery{}, fmt.Errorf("%w: empty field name on prim %s", layer.ErrInvalidField, prim)
		}
		if _, registered := s.reg.Schema().Field(field); !registered && len(idx.PropertyOpinions(field)) > 0 {
			q.property, q.field = field, ""
		}
	}
	return q, nil
}

func (s *Stage) resolve(q fieldQuery, t TimeCode) (any, bool) {
	opinions := q.opinions()
	if q.isAttributeValue() {
		if q.field == layer.FieldDefault {
			t = DefaultTime
		}
		v, ok, _ := resolveAttribute(opinions, t, s.cfg.interpolation)
		return v, ok
	}
	return s.resolveField(opinions, q.field)
}

func (s *Stage) resolveField(opinions []compose.Opinion, field string) (any, bool) {
	def, registered := s.reg.Schema().Field(field)
	switch {
	case registered && def.Shape == layer.ShapeListOp:
		return resolveListOp(opinions, field)
	case registered && def.Shape == layer.ShapeDictionary:
		return resolveDictionary(opinions, field)
	case registered && def.Shape == layer.ShapeTimeSamples:
		return resolveSamples(opinions)
	}
	for i, op := range opinions {
		v, ok := op.Layer.ReadField(op.Path, field)
		if !ok {
			continue
		}
		if layer.IsBlock(v) {
			return nil, false
		}
		if _, isDict := v.(map[string]any); isDict && !registered {
			return resolveDictionary(opinions[i:], field)
		}
		return layering.Clone(v), true
	}
	return nil, false
}

// resolvePlain returns the strongest authored value of field.
func resolvePlain(opinions []compose.Opinion, field string) (any, bool) {
	for _, op := range opinions {
		v, ok := op.Layer.ReadField(op.Path, field)
		if !ok {
			continue
		}
		if layer.IsBlock(v) {
			return nil, false
		}
		return v, true
	}
	return nil, false
}

// resolveDictionary merges dictionary opinions key by key, strongest first.
// A blocked field hides every weaker dictionary.
func resolveDictionary(opinions []compose.Opinion, field string) (any, bool) {
	var dicts []map[string]any
	for _, op := range opinions {
		v, ok := op.Layer.ReadField(op.Path, field)
		if !ok {
			continue
		}
		if layer.IsBlock(v) {
			break
		}
		if d, ok := v.(map[string]any); ok {
			dicts = append(dicts, d)
		}
	}
	if len(dicts) == 0 {
		return nil, false
	}
	merged := layering.MergeDictionaries(layer.IsBlock, dicts...)
	if merged == nil {
		merged = map[string]any{}
	}
	return merged, true
}

// resolveListOp folds list op opinions weakest to strongest. Path items are
// mapped from each opinion's site into stage namespace and dropped when
// they fall outside it.
func resolveListOp(opinions []compose.Opinion, field string) (any, bool) {
	var first any
	for _, op := range opinions {
		if v, ok := op.Layer.ReadField(op.Path, field); ok {
			first = v
			break
		}
	}
	switch first.(type) {
	case nil:
		return nil, false
	case listop.ListOp[sdfpath.Path]:
		return foldListOps(opinions, field, mapPathItem)
	case listop.ListOp[string]:
		return foldListOps[string](opinions, field, nil)
	case listop.ListOp[layer.Reference]:
		return foldListOps[layer.Reference](opinions, field, nil)
	case listop.ListOp[layer.Payload]:
		return foldListOps[layer.Payload](opinions, field, nil)
	case listop.ListOp[layer.SubLayer]:
		var ops []listop.ListOp[layer.SubLayer]
		for _, op := range opinions {
			if v, ok := op.Layer.ReadField(op.Path, field); ok {
				if lo, ok := v.(listop.ListOp[layer.SubLayer]); ok {
					ops = append(ops, lo)
				}
			}
		}
		return layer.ResolveSubLayers(ops...), true
	}
	if layer.IsBlock(first) {
		return nil, false
	}
	return layering.Clone(first), true
}

func foldListOps[T comparable](opinions []compose.Opinion, field string, remap func(compose.Opinion, T) (T, bool)) (any, bool) {
	var ops []listop.ListOp[T]
	for _, op := range opinions {
		v, ok := op.Layer.ReadField(op.Path, field)
		if !ok {
			continue
		}
		if layer.IsBlock(v) {
			break
		}
		lo, ok := v.(listop.ListOp[T])
		if !ok {
			continue
		}
		if remap != nil {
			lo = listop.Map(lo, func(item T) (T, bool) { return remap(op, item) })
		}
		ops = append(ops, lo)
	}
	if len(ops) == 0 {
		return nil, false
	}
	out := listop.Compose(ops...)
	if out == nil {
		out = []T{}
	}
	return out, true
}

func mapPathItem(op compose.Opinion, item sdfpath.Path) (sdfpath.Path, bool) {
	if !item.IsAbsolute() {
		item = item.MakeAbsolute(op.Path.PrimPath())
	}
	mapped := op.Node.MapToRoot(item)
	return mapped, !mapped.IsEmpty()
}

// attributeSource is the opinion that supplies an attribute's value.
type attributeSource struct {
	op      compose.Opinion
	samples layer.TimeSamples
	value   any
	hasDflt bool
}

// strongestSource returns the strongest opinion authoring samples or a
// default. Samples are ignored at the default time.
func strongestSource(opinions []compose.Opinion, t TimeCode) (attributeSource, bool) {
	for _, op := range opinions {
		if !t.IsDefault() {
			if v, ok := op.Layer.ReadField(op.Path, layer.FieldTimeSamples); ok {
				if ts, ok := v.(layer.TimeSamples); ok && len(ts) > 0 {
					return attributeSource{op: op, samples: ts}, true
				}
			}
		}
		if v, ok := op.Layer.ReadField(op.Path, layer.FieldDefault); ok {
			return attributeSource{op: op, value: v, hasDflt: true}, true
		}
	}
	return attributeSource{}, false
}

// resolveAttribute resolves an attribute value at t and returns the opinion
// that supplied it.
func resolveAttribute(opinions []compose.Opinion, t TimeCode, mode Interpolation) (any, bool, *compose.Opinion) {
	src, ok := strongestSource(opinions, t)
	if !ok {
		return nil, false, nil
	}
	if src.samples == nil {
		if layer.IsBlock(src.value) {
			return nil, false, &src.op
		}
		return layering.Clone(src.value), true, &src.op
	}
	v, ok := sampleAt(src.samples, src.op.Offset, float64(t), mode)
	return v, ok, &src.op
}

// sampleAt evaluates samples authored under offset at stage time t.
func sampleAt(samples layer.TimeSamples, offset layer.LayerOffset, t float64, mode Interpolation) (any, bool) {
	local := offset.Inverse().Apply(t)
	lo, hi, ok := samples.Bracket(local)
	if !ok {
		return nil, false
	}
	lv, _ := samples.Value(lo)
	if layer.IsBlock(lv) {
		return nil, false
	}
	if lo == hi || mode == InterpolationHeld {
		return layering.Clone(lv), true
	}
	hv, _ := samples.Value(hi)
	if layer.IsBlock(hv) {
		return layering.Clone(lv), true
	}
	if v, ok := lerp(lv, hv, (local-lo)/(hi-lo)); ok {
		return v, true
	}
	return layering.Clone(lv), true
}

// resolveSamples returns the strongest time samples retimed to stage time.
func resolveSamples(opinions []compose.Opinion) (any, bool) {
	for _, op := range opinions {
		v, ok := op.Layer.ReadField(op.Path, layer.FieldTimeSamples)
		if !ok {
			continue
		}
		if layer.IsBlock(v) {
			return nil, false
		}
		ts, ok := v.(layer.TimeSamples)
		if !ok {
			continue
		}
		return retime(ts, op.Offset), true
	}
	return nil, false
}

func retime(samples layer.TimeSamples, offset layer.LayerOffset) layer.TimeSamples {
	out := make(layer.TimeSamples, len(samples))
	for i, sample := range samples {
		out[i] = layer.TimeSample{Time: offset.Apply(sample.Time), Value: layering.Clone(sample.Value)}
	}
	slices.SortFunc(out, func(a, b layer.TimeSample) int {
		switch {
		case a.Time < b.Time:
			return -1
		case a.Time > b.Time:
			return 1
		}
		return 0
	})
	return out
}

// GetTimeSamples returns the stage times of the samples that supply the
// attribute's value. An attribute resolved from a default has none.
func (s *Stage) GetTimeSamples(ctx context.Context, attrPath sdfpath.Path) ([]float64, error) {
	if !attrPath.IsPropertyPath() {
		return nil, fmt.Errorf("%w: %q is not a property path", layer.ErrInvalidPath, attrPath)
	}
	end := s.reg.BeginRead()
	defer end()
	q, err := s.query(ctx, attrPath, "")
	if err != nil {
		return nil, err
	}
	src, ok := strongestSource(q.opinions(), 0)
	if !ok || src.samples == nil {
		return nil, nil
	}
	return retime(src.samples, src.op.Offset).Times(), nil
}

// GetTimeSamplesInInterval returns the sample times of the attribute within
// [lo, hi].
func (s *Stage) GetTimeSamplesInInterval(ctx context.Context, attrPath sdfpath.Path, lo, hi float64) ([]float64, error) {
	times, err := s.GetTimeSamples(ctx, attrPath)
	if err != nil {
		return nil, err
	}
	out := times[:0:0]
	for _, t := range times {
		if t >= lo && t <= hi {
			out = append(out, t)
		}
	}
	return out, nil
}
