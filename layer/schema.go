package layer

import (
	"fmt"
	"maps"
	"reflect"
	"slices"

	"github.com/goliatone/go-scene/listop"
	"github.com/goliatone/go-scene/sdfpath"
)

// Registered field names.
const (
	FieldSpecifier           = "specifier"
	FieldTypeName            = "typeName"
	FieldActive              = "active"
	FieldKind                = "kind"
	FieldHidden              = "hidden"
	FieldInstanceable        = "instanceable"
	FieldDocumentation       = "documentation"
	FieldComment             = "comment"
	FieldCustomData          = "customData"
	FieldAssetInfo           = "assetInfo"
	FieldReferences          = "references"
	FieldPayload             = "payload"
	FieldInheritPaths        = "inheritPaths"
	FieldSpecializes         = "specializes"
	FieldVariantSetNames     = "variantSetNames"
	FieldVariantSelection    = "variantSelection"
	FieldPrimOrder           = "primOrder"
	FieldDefault             = "default"
	FieldTimeSamples         = "timeSamples"
	FieldVariability         = "variability"
	FieldInterpolation       = "interpolation"
	FieldCustom              = "custom"
	FieldTargetPaths         = "targetPaths"
	FieldConnectionPaths     = "connectionPaths"
	FieldSubLayers           = "subLayers"
	FieldDefaultPrim         = "defaultPrim"
	FieldStartTimeCode       = "startTimeCode"
	FieldEndTimeCode         = "endTimeCode"
	FieldTimeCodesPerSecond  = "timeCodesPerSecond"
	FieldFramesPerSecond     = "framesPerSecond"
	FieldExpressionVariables = "expressionVariables"
	FieldLayerRelocates      = "layerRelocates"
	FieldCustomLayerData     = "customLayerData"
)

// ValueShape says how values of a field compose across opinions.
type ValueShape uint8

const (
	// ShapePlain values are taken from the strongest opinion.
	ShapePlain ValueShape = iota
	// ShapeListOp values fold as list operations.
	ShapeListOp
	// ShapeDictionary values merge key by key.
	ShapeDictionary
	// ShapeTimeSamples values are sample sets resolved per time.
	ShapeTimeSamples
)

// Affects classifies the consequence of editing a field.
type Affects uint8

const (
	// AffectsValue edits change resolved values only.
	AffectsValue Affects = iota
	// AffectsComposition edits change composition structure and force a
	// resync of dependent prims.
	AffectsComposition
)

// FieldDef describes one registered field.
type FieldDef struct {
	Name  string
	Shape ValueShape
	// Type is the required Go type of the value. A nil Type on "default"
	// or "timeSamples" defers to the attribute's declared value type.
	Type      reflect.Type
	Affects   Affects
	AppliesTo []SpecType
	// Validate runs after the type check for constraints on the content.
	Validate func(any) error
}

func (d FieldDef) appliesTo(t SpecType) bool {
	return len(d.AppliesTo) == 0 || slices.Contains(d.AppliesTo, t)
}

// Schema is the table of registered fields and attribute value types used to
// type-check edits. Unregistered field names are accepted as untyped custom
// metadata.
type Schema struct {
	fields     map[string]FieldDef
	valueTypes map[string]reflect.Type
}

var (
	primLike  = []SpecType{SpecTypePrim, SpecTypeVariant}
	rootOnly  = []SpecType{SpecTypePseudoRoot}
	attrOnly  = []SpecType{SpecTypeAttribute}
	propsOnly = []SpecType{SpecTypeAttribute, SpecTypeRelationship}
)

func typeOf[T any]() reflect.Type { return reflect.TypeFor[T]() }

// DefaultSchema returns a fresh schema holding the built-in fields and value
// types.
func DefaultSchema() *Schema {
	s := &Schema{
		fields:     make(map[string]FieldDef),
		valueTypes: make(map[string]reflect.Type),
	}
	for _, def := range builtinFields() {
		s.fields[def.Name] = def
	}
	for name, typ := range builtinValueTypes() {
		s.valueTypes[name] = typ
	}
	return s
}

func builtinFields() []FieldDef {
	str := typeOf[string]()
	boolean := typeOf[bool]()
	dict := typeOf[map[string]any]()
	double := typeOf[float64]()
	pathOp := typeOf[listop.ListOp[sdfpath.Path]]()

	return []FieldDef{
		{Name: FieldSpecifier, Type: typeOf[Specifier](), Affects: AffectsComposition, AppliesTo: primLike},
		{Name: FieldTypeName, Type: str, Affects: AffectsComposition, AppliesTo: []SpecType{SpecTypePrim, SpecTypeVariant, SpecTypeAttribute}},
		{Name: FieldActive, Type: boolean, Affects: AffectsComposition, AppliesTo: primLike},
		{Name: FieldKind, Type: str, AppliesTo: primLike},
		{Name: FieldHidden, Type: boolean},
		{Name: FieldInstanceable, Type: boolean, AppliesTo: primLike},
		{Name: FieldDocumentation, Type: str},
		{Name: FieldComment, Type: str},
		{Name: FieldCustomData, Type: dict, Shape: ShapeDictionary},
		{Name: FieldAssetInfo, Type: dict, Shape: ShapeDictionary, AppliesTo: primLike},
		{Name: FieldReferences, Type: typeOf[listop.ListOp[Reference]](), Shape: ShapeListOp, Affects: AffectsComposition, AppliesTo: primLike, Validate: validateReferences},
		{Name: FieldPayload, Type: typeOf[listop.ListOp[Payload]](), Shape: ShapeListOp, Affects: AffectsComposition, AppliesTo: primLike, Validate: validatePayloads},
		{Name: FieldInheritPaths, Type: pathOp, Shape: ShapeListOp, Affects: AffectsComposition, AppliesTo: primLike, Validate: validatePrimPathOp},
		{Name: FieldSpecializes, Type: pathOp, Shape: ShapeListOp, Affects: AffectsComposition, AppliesTo: primLike, Validate: validatePrimPathOp},
		{Name: FieldVariantSetNames, Type: typeOf[listop.ListOp[string]](), Shape: ShapeListOp, Affects: AffectsComposition, AppliesTo: primLike},
		{Name: FieldVariantSelection, Type: typeOf[map[string]string](), Affects: AffectsComposition, AppliesTo: primLike},
		{Name: FieldPrimOrder, Type: typeOf[[]string](), Affects: AffectsComposition, AppliesTo: []SpecType{SpecTypePseudoRoot, SpecTypePrim, SpecTypeVariant}},
		{Name: FieldDefault, AppliesTo: attrOnly},
		{Name: FieldTimeSamples, Type: typeOf[TimeSamples](), Shape: ShapeTimeSamples, AppliesTo: attrOnly},
		{Name: FieldVariability, Type: str, AppliesTo: propsOnly},
		{Name: FieldInterpolation, Type: str, AppliesTo: attrOnly},
		{Name: FieldCustom, Type: boolean, AppliesTo: propsOnly},
		{Name: FieldTargetPaths, Type: pathOp, Shape: ShapeListOp, AppliesTo: []SpecType{SpecTypeRelationship}},
		{Name: FieldConnectionPaths, Type: pathOp, Shape: ShapeListOp, AppliesTo: attrOnly},
		{Name: FieldSubLayers, Type: typeOf[listop.ListOp[SubLayer]](), Shape: ShapeListOp, Affects: AffectsComposition, AppliesTo: rootOnly},
		{Name: FieldDefaultPrim, Type: str, Affects: AffectsComposition, AppliesTo: rootOnly},
		{Name: FieldStartTimeCode, Type: double, AppliesTo: rootOnly},
		{Name: FieldEndTimeCode, Type: double, AppliesTo: rootOnly},
		{Name: FieldTimeCodesPerSecond, Type: double, AppliesTo: rootOnly},
		{Name: FieldFramesPerSecond, Type: double, AppliesTo: rootOnly},
		{Name: FieldExpressionVariables, Type: dict, Shape: ShapeDictionary, Affects: AffectsComposition, AppliesTo: rootOnly},
		{Name: FieldLayerRelocates, Type: typeOf[[]Relocate](), Affects: AffectsComposition, AppliesTo: rootOnly, Validate: validateRelocates},
		{Name: FieldCustomLayerData, Type: dict, Shape: ShapeDictionary, AppliesTo: rootOnly},
	}
}

func builtinValueTypes() map[string]reflect.Type {
	return map[string]reflect.Type{
		"bool":       typeOf[bool](),
		"int":        typeOf[int](),
		"int64":      typeOf[int64](),
		"float":      typeOf[float32](),
		"double":     typeOf[float64](),
		"string":     typeOf[string](),
		"token":      typeOf[string](),
		"asset":      typeOf[AssetPath](),
		"double2":    typeOf[[2]float64](),
		"double3":    typeOf[[3]float64](),
		"double4":    typeOf[[4]float64](),
		"float2":     typeOf[[2]float32](),
		"float3":     typeOf[[3]float32](),
		"float4":     typeOf[[4]float32](),
		"matrix4d":   typeOf[[16]float64](),
		"quatd":      typeOf[[4]float64](),
		"dictionary": typeOf[map[string]any](),
		"bool[]":     typeOf[[]bool](),
		"int[]":      typeOf[[]int](),
		"double[]":   typeOf[[]float64](),
		"float[]":    typeOf[[]float32](),
		"string[]":   typeOf[[]string](),
		"token[]":    typeOf[[]string](),
		"asset[]":    typeOf[[]AssetPath](),
		"double3[]":  typeOf[[][3]float64](),
		"float3[]":   typeOf[[][3]float32](),
	}
}

// Field returns the definition of a registered field.
func (s *Schema) Field(name string) (FieldDef, bool) {
	def, ok := s.fields[name]
	return def, ok
}

// Fields returns the registered field names in sorted order.
func (s *Schema) Fields() []string {
	return slices.Sorted(maps.Keys(s.fields))
}

// ValueType returns the Go type for an attribute value type name.
func (s *Schema) ValueType(name string) (reflect.Type, bool) {
	typ, ok := s.valueTypes[name]
	return typ, ok
}

// ValueTypeNames returns the registered value type names in sorted order.
func (s *Schema) ValueTypeNames() []string {
	return slices.Sorted(maps.Keys(s.valueTypes))
}

// RegisterField adds or replaces a field definition.
func (s *Schema) RegisterField(def FieldDef) {
	if def.Name == "" {
		return
	}
	s.fields[def.Name] = def
}

// RegisterValueType adds an attribute value type whose Go type is the type
// of sample.
func (s *Schema) RegisterValueType(name string, sample any) {
	if name == "" || sample == nil {
		return
	}
	s.valueTypes[name] = reflect.TypeOf(sample)
}

// AffectsComposition reports whether editing the field forces a resync.
func (s *Schema) AffectsComposition(name string) bool {
	def, ok := s.fields[name]
	return ok && def.Affects == AffectsComposition
}

// Clone returns an independent copy of s.
func (s *Schema) Clone() *Schema {
	return &Schema{
		fields:     maps.Clone(s.fields),
		valueTypes: maps.Clone(s.valueTypes),
	}
}

// check validates value for field on a spec of type kind. valueType is the
// declared value type of the owning attribute, if any.
func (s *Schema) check(kind SpecType, field string, value any, valueType string) error {
	def, ok := s.fields[field]
	if !ok {
		return nil
	}
	if !def.appliesTo(kind) {
		return fmt.Errorf("%w: %q on %s", ErrInvalidField, field, kind)
	}
	if IsBlock(value) {
		return nil
	}
	if value == nil {
		return fmt.Errorf("%w: %q: nil value", ErrTypeMismatch, field)
	}
	switch field {
	case FieldDefault:
		if err := s.checkAttributeValue(field, value, valueType); err != nil {
			return err
		}
	case FieldTimeSamples:
		samples, ok := value.(TimeSamples)
		if !ok {
			return mismatch(field, def.Type, value)
		}
		if !samples.isSorted() {
			return fmt.Errorf("%w: %q: sample times must strictly increase", ErrTypeMismatch, field)
		}
		for _, sample := range samples {
			if IsBlock(sample.Value) {
				continue
			}
			if err := s.checkAttributeValue(field, sample.Value, valueType); err != nil {
				return err
			}
		}
	default:
		if def.Type != nil && reflect.TypeOf(value) != def.Type {
			return mismatch(field, def.Type, value)
		}
	}
	if def.Validate != nil {
		return def.Validate(value)
	}
	return nil
}

func (s *Schema) checkAttributeValue(field string, value any, valueType string) error {
	if valueType == "" {
		return nil
	}
	want, ok := s.valueTypes[valueType]
	if !ok {
		return fmt.Errorf("%w: unknown value type %q", ErrTypeMismatch, valueType)
	}
	if reflect.TypeOf(value) != want {
		return mismatch(field, want, value)
	}
	return nil
}

func mismatch(field string, want reflect.Type, got any) error {
	return fmt.Errorf("%w: %q expects %s, got %T", ErrTypeMismatch, field, want, got)
}

func validatePrimPathOp(v any) error {
	op := v.(listop.ListOp[sdfpath.Path])
	for _, bucket := range [][]sdfpath.Path{op.ExplicitItems, op.Prepended, op.Appended, op.Deleted, op.Added, op.Ordered} {
		for _, p := range bucket {
			if !p.IsAbsolute() || !p.IsPrimPath() {
				return invalidPath(p, "arc target must be an absolute prim path")
			}
		}
	}
	return nil
}

func validateArcTarget(p sdfpath.Path) error {
	if p.IsEmpty() {
		return nil
	}
	if !p.IsAbsolute() || !p.IsPrimPath() {
		return invalidPath(p, "arc target must be empty or an absolute prim path")
	}
	return nil
}

func validateReferences(v any) error {
	op := v.(listop.ListOp[Reference])
	for _, bucket := range [][]Reference{op.ExplicitItems, op.Prepended, op.Appended, op.Deleted, op.Added, op.Ordered} {
		for _, ref := range bucket {
			if err := validateArcTarget(ref.PrimPath); err != nil {
				return err
			}
		}
	}
	return nil
}

func validatePayloads(v any) error {
	op := v.(listop.ListOp[Payload])
	for _, bucket := range [][]Payload{op.ExplicitItems, op.Prepended, op.Appended, op.Deleted, op.Added, op.Ordered} {
		for _, pl := range bucket {
			if err := validateArcTarget(pl.PrimPath); err != nil {
				return err
			}
		}
	}
	return nil
}

func validateRelocates(v any) error {
	for _, r := range v.([]Relocate) {
		for _, p := range []sdfpath.Path{r.Source, r.Target} {
			if !p.IsAbsolute() || !p.IsPrimPath() {
				return invalidPath(p, "relocate ends must be absolute prim paths")
			}
		}
		if r.Target.HasPrefix(r.Source) {
			return invalidPath(r.Target, "relocate target lies under its source")
		}
	}
	return nil
}

// normalizeValue canonicalizes values whose zero forms are ambiguous, such as
// layer offsets with an unset scale.
func normalizeValue(field string, value any) any {
	switch field {
	case FieldReferences:
		if op, ok := value.(listop.ListOp[Reference]); ok {
			return listop.Map(op, func(r Reference) (Reference, bool) { return r.normalize(), true })
		}
	case FieldPayload:
		if op, ok := value.(listop.ListOp[Payload]); ok {
			return listop.Map(op, func(p Payload) (Payload, bool) { return p.normalize(), true })
		}
	case FieldSubLayers:
		if op, ok := value.(listop.ListOp[SubLayer]); ok {
			return listop.Map(op, func(s SubLayer) (SubLayer, bool) { return s.normalize(), true })
		}
	}
	return value
}
