package layer

import (
	"errors"
	"reflect"
	"slices"
	"testing"

	"github.com/goliatone/go-scene/listop"
	"github.com/goliatone/go-scene/sdfpath"
)

func mustPath(t *testing.T, text string) sdfpath.Path {
	t.Helper()
	p, err := sdfpath.Parse(text)
	if err != nil {
		t.Fatalf("parse %q: %v", text, err)
	}
	return p
}

func TestCreateSpecRequiresParent(t *testing.T) {
	l := New("test.yaml")
	if err := l.CreatePrim(mustPath(t, "/A/B"), SpecifierDef, ""); !errors.Is(err, ErrInvalidPath) {
		t.Fatalf("expected ErrInvalidPath for missing parent, got %v", err)
	}
	if err := l.CreatePrim(mustPath(t, "/A"), SpecifierDef, "Xform"); err != nil {
		t.Fatalf("create /A: %v", err)
	}
	if err := l.CreatePrim(mustPath(t, "/A/B"), SpecifierDef, ""); err != nil {
		t.Fatalf("create /A/B: %v", err)
	}
	if err := l.CreatePrim(mustPath(t, "/A"), SpecifierDef, ""); !errors.Is(err, ErrSpecExists) {
		t.Fatalf("expected ErrSpecExists, got %v", err)
	}
	if got := l.ChildNames(sdfpath.AbsoluteRoot()); !slices.Equal(got, []string{"A"}) {
		t.Fatalf("unexpected root children %v", got)
	}
}

func TestDefinePrimLeavesNothingOnFailure(t *testing.T) {
	l := New("test.yaml")
	err := l.DefinePrim(mustPath(t, "/A{v=x}B"), "")
	if !errors.Is(err, ErrInvalidPath) {
		t.Fatalf("expected ErrInvalidPath without the variant spec, got %v", err)
	}
	if l.HasSpec(mustPath(t, "/A")) {
		t.Fatalf("ancestors created before the failure must be removed")
	}
	if names := l.ChildNames(sdfpath.AbsoluteRoot()); len(names) != 0 {
		t.Fatalf("root children must be untouched, got %v", names)
	}
	if l.IsDirty() {
		t.Fatalf("a failed define must not dirty the layer")
	}

	if err := l.DefinePrim(mustPath(t, "/World/Geo"), "Mesh"); err != nil {
		t.Fatalf("define: %v", err)
	}
	if !l.HasSpec(mustPath(t, "/World")) {
		t.Fatalf("missing ancestors are created as overs")
	}
}

func TestSpecTypeMustAgreeWithPath(t *testing.T) {
	l := New("test.yaml")
	if err := l.CreatePrim(mustPath(t, "/A"), SpecifierDef, ""); err != nil {
		t.Fatal(err)
	}
	cases := []struct {
		path string
		kind SpecType
	}{
		{"/A.size", SpecTypePrim},
		{"/A/B", SpecTypeAttribute},
		{"/A{v=x}", SpecTypeVariantSet},
		{"/A{v=}", SpecTypeVariant},
		{"/", SpecTypePrim},
	}
	for _, tc := range cases {
		if err := l.CreateSpec(mustPath(t, tc.path), tc.kind); !errors.Is(err, ErrInvalidPath) {
			t.Fatalf("%s as %s: expected ErrInvalidPath, got %v", tc.path, tc.kind, err)
		}
	}
	if err := l.CreateAttribute(mustPath(t, "/B.size"), "double"); !errors.Is(err, ErrInvalidPath) {
		t.Fatalf("expected ErrInvalidPath for attribute without prim, got %v", err)
	}
}

func TestSetFieldChecksSchema(t *testing.T) {
	l := New("test.yaml")
	prim := mustPath(t, "/A")
	attr := mustPath(t, "/A.size")
	if err := l.CreatePrim(prim, SpecifierDef, ""); err != nil {
		t.Fatal(err)
	}
	if err := l.CreateAttribute(attr, "double"); err != nil {
		t.Fatal(err)
	}

	if err := l.SetDefault(attr, 2.5); err != nil {
		t.Fatalf("set double: %v", err)
	}
	if err := l.SetDefault(attr, "big"); !errors.Is(err, ErrTypeMismatch) {
		t.Fatalf("expected ErrTypeMismatch for string, got %v", err)
	}
	if err := l.SetDefault(attr, float32(1)); !errors.Is(err, ErrTypeMismatch) {
		t.Fatalf("float32 must not coerce to double, got %v", err)
	}
	if err := l.SetField(prim, FieldActive, "yes"); !errors.Is(err, ErrTypeMismatch) {
		t.Fatalf("expected ErrTypeMismatch for active, got %v", err)
	}
	if err := l.SetField(prim, FieldDefault, 1.0); !errors.Is(err, ErrInvalidField) {
		t.Fatalf("default is an attribute field, got %v", err)
	}
	if err := l.SetDefault(attr, Block); err != nil {
		t.Fatalf("value blocks are always accepted: %v", err)
	}
	if err := l.SetField(prim, "myCustomKey", []int{1, 2}); err != nil {
		t.Fatalf("unregistered fields are untyped: %v", err)
	}
	if err := l.CreateAttribute(mustPath(t, "/A.bad"), "nonsense"); !errors.Is(err, ErrTypeMismatch) {
		t.Fatalf("expected ErrTypeMismatch for unknown value type, got %v", err)
	}
	if err := l.SetField(prim, FieldInheritPaths, listop.Append(mustPath(t, "rel"))); !errors.Is(err, ErrInvalidPath) {
		t.Fatalf("expected ErrInvalidPath for relative inherit, got %v", err)
	}
}

func TestUntypedAttributeAcceptsAnything(t *testing.T) {
	l := New("test.yaml")
	if err := l.CreatePrim(mustPath(t, "/A"), SpecifierDef, ""); err != nil {
		t.Fatal(err)
	}
	attr := mustPath(t, "/A.any")
	if err := l.CreateAttribute(attr, ""); err != nil {
		t.Fatal(err)
	}
	for _, v := range []any{1, "two", [3]float64{1, 2, 3}} {
		if err := l.SetDefault(attr, v); err != nil {
			t.Fatalf("set %T: %v", v, err)
		}
	}
}

func TestGetFieldReturnsCopy(t *testing.T) {
	l := New("test.yaml")
	prim := mustPath(t, "/A")
	if err := l.CreatePrim(prim, SpecifierDef, ""); err != nil {
		t.Fatal(err)
	}
	if err := l.SetField(prim, FieldCustomData, map[string]any{"k": "v"}); err != nil {
		t.Fatal(err)
	}
	v, _ := l.GetField(prim, FieldCustomData)
	v.(map[string]any)["k"] = "mutated"
	again, _ := l.GetField(prim, FieldCustomData)
	if again.(map[string]any)["k"] != "v" {
		t.Fatalf("layer data leaked through GetField")
	}
}

func TestMoveSpecKeepsHandle(t *testing.T) {
	l := New("test.yaml")
	for _, p := range []string{"/A", "/A/B", "/C"} {
		if err := l.CreatePrim(mustPath(t, p), SpecifierDef, ""); err != nil {
			t.Fatal(err)
		}
	}
	if err := l.CreateAttribute(mustPath(t, "/A/B.size"), "double"); err != nil {
		t.Fatal(err)
	}
	spec, ok := l.GetSpec(mustPath(t, "/A/B"))
	if !ok {
		t.Fatalf("expected spec handle")
	}
	defer spec.Release()

	if err := l.MoveSpec(mustPath(t, "/A/B"), mustPath(t, "/C/D")); err != nil {
		t.Fatalf("move: %v", err)
	}
	if spec.Path().String() != "/C/D" {
		t.Fatalf("handle did not follow move: %s", spec.Path())
	}
	if spec.IsDormant() {
		t.Fatalf("moved spec must stay live")
	}
	if !l.HasSpec(mustPath(t, "/C/D.size")) || l.HasSpec(mustPath(t, "/A/B")) {
		t.Fatalf("subtree not moved")
	}
	if got := l.ChildNames(mustPath(t, "/A")); len(got) != 0 {
		t.Fatalf("old parent still lists %v", got)
	}
	if got := l.Properties(mustPath(t, "/C/D")); len(got) != 1 || got[0].String() != "/C/D.size" {
		t.Fatalf("moved children not retargeted: %v", got)
	}
	if err := l.MoveSpec(mustPath(t, "/C"), mustPath(t, "/C/D/E")); !errors.Is(err, ErrInvalidPath) {
		t.Fatalf("expected ErrInvalidPath moving under itself, got %v", err)
	}
}

func TestRenameKeepsSiblingPosition(t *testing.T) {
	l := New("test.yaml")
	for _, p := range []string{"/A", "/B", "/C"} {
		if err := l.CreatePrim(mustPath(t, p), SpecifierDef, ""); err != nil {
			t.Fatal(err)
		}
	}
	if err := l.MoveSpec(mustPath(t, "/B"), mustPath(t, "/Z")); err != nil {
		t.Fatal(err)
	}
	if got := l.ChildNames(sdfpath.AbsoluteRoot()); !slices.Equal(got, []string{"A", "Z", "C"}) {
		t.Fatalf("unexpected order after rename %v", got)
	}
}

func TestDeleteSpecMakesHandleDormant(t *testing.T) {
	l := New("test.yaml")
	if err := l.CreatePrim(mustPath(t, "/A"), SpecifierDef, ""); err != nil {
		t.Fatal(err)
	}
	if err := l.CreateVariant(mustPath(t, "/A"), "look", "red"); err != nil {
		t.Fatal(err)
	}
	if err := l.CreatePrim(mustPath(t, "/A{look=red}Child"), SpecifierDef, ""); err != nil {
		t.Fatal(err)
	}
	spec, _ := l.GetSpec(mustPath(t, "/A"))
	defer spec.Release()

	if err := l.DeleteSpec(mustPath(t, "/A")); err != nil {
		t.Fatal(err)
	}
	if !spec.IsDormant() {
		t.Fatalf("expected dormant handle after delete")
	}
	if err := spec.SetField(FieldActive, true); !errors.Is(err, ErrSpecNotFound) {
		t.Fatalf("expected ErrSpecNotFound through dormant handle, got %v", err)
	}
	if paths := l.SpecPaths(); len(paths) != 1 {
		t.Fatalf("expected only the pseudo-root, got %v", paths)
	}
}

func TestVariantSetAuthoring(t *testing.T) {
	l := New("test.yaml")
	prim := mustPath(t, "/A")
	if err := l.CreatePrim(prim, SpecifierDef, ""); err != nil {
		t.Fatal(err)
	}
	if err := l.CreateVariant(prim, "look", "red"); err != nil {
		t.Fatal(err)
	}
	if err := l.CreateVariant(prim, "look", "blue"); err != nil {
		t.Fatal(err)
	}
	if got := l.Variants(prim, "look"); !slices.Equal(got, []string{"red", "blue"}) {
		t.Fatalf("unexpected variants %v", got)
	}
	names, _ := l.GetField(prim, FieldVariantSetNames)
	if got := names.(listop.ListOp[string]).Items(); !slices.Equal(got, []string{"look"}) {
		t.Fatalf("unexpected variantSetNames %v", got)
	}
	if err := l.CreateAttribute(mustPath(t, "/A{look=red}.color"), "float3"); err != nil {
		t.Fatalf("attribute inside variant: %v", err)
	}
}

func TestReorderChildren(t *testing.T) {
	l := New("test.yaml")
	for _, p := range []string{"/A", "/B", "/C"} {
		if err := l.CreatePrim(mustPath(t, p), SpecifierDef, ""); err != nil {
			t.Fatal(err)
		}
	}
	if err := l.ReorderChildren(sdfpath.AbsoluteRoot(), []string{"C", "missing", "A"}); err != nil {
		t.Fatal(err)
	}
	if got := l.ChildNames(sdfpath.AbsoluteRoot()); !slices.Equal(got, []string{"C", "A", "B"}) {
		t.Fatalf("unexpected order %v", got)
	}
}

func TestTraverseSkipsSubtrees(t *testing.T) {
	l := New("test.yaml")
	for _, p := range []string{"/A", "/A/B", "/C"} {
		if err := l.CreatePrim(mustPath(t, p), SpecifierDef, ""); err != nil {
			t.Fatal(err)
		}
	}
	if err := l.CreateVariant(mustPath(t, "/C"), "v", "x"); err != nil {
		t.Fatal(err)
	}
	var visited []string
	l.Traverse(sdfpath.AbsoluteRoot(), func(p sdfpath.Path, kind SpecType) bool {
		visited = append(visited, p.String())
		return p.String() != "/A" && kind != SpecTypeVariantSet
	})
	want := []string{"/", "/A", "/C", "/C{v=}"}
	if !slices.Equal(visited, want) {
		t.Fatalf("want %v got %v", want, visited)
	}
}

func TestTimeSamples(t *testing.T) {
	l := New("test.yaml")
	attr := mustPath(t, "/A.x")
	if err := l.CreatePrim(mustPath(t, "/A"), SpecifierDef, ""); err != nil {
		t.Fatal(err)
	}
	if err := l.CreateAttribute(attr, "double"); err != nil {
		t.Fatal(err)
	}
	for _, tc := range []struct {
		t float64
		v float64
	}{{10, 1}, {0, 0}, {5, 0.5}} {
		if err := l.SetTimeSample(attr, tc.t, tc.v); err != nil {
			t.Fatal(err)
		}
	}
	if err := l.SetTimeSample(attr, 7, "bad"); !errors.Is(err, ErrTypeMismatch) {
		t.Fatalf("expected ErrTypeMismatch for sample, got %v", err)
	}
	v, _ := l.GetField(attr, FieldTimeSamples)
	samples := v.(TimeSamples)
	if !slices.Equal(samples.Times(), []float64{0, 5, 10}) {
		t.Fatalf("unexpected times %v", samples.Times())
	}
	lo, hi, _ := samples.Bracket(7)
	if lo != 5 || hi != 10 {
		t.Fatalf("unexpected bracket %v %v", lo, hi)
	}
	lo, hi, _ = samples.Bracket(-3)
	if lo != 0 || hi != 0 {
		t.Fatalf("before first sample must hold the first, got %v %v", lo, hi)
	}
	if err := l.EraseTimeSample(attr, 5); err != nil {
		t.Fatal(err)
	}
	v, _ = l.GetField(attr, FieldTimeSamples)
	if got := v.(TimeSamples).InInterval(0, 10); !slices.Equal(got, []float64{0, 10}) {
		t.Fatalf("unexpected samples after erase %v", got)
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	l := New("test.yaml")
	mustDo := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatal(err)
		}
	}
	mustDo(l.CreatePrim(mustPath(t, "/B"), SpecifierDef, "Xform"))
	mustDo(l.CreatePrim(mustPath(t, "/A"), SpecifierClass, ""))
	mustDo(l.CreateAttribute(mustPath(t, "/B.size"), "double"))
	mustDo(l.SetDefault(mustPath(t, "/B.size"), 3.0))
	mustDo(l.CreateVariant(mustPath(t, "/B"), "look", "red"))
	mustDo(l.SetField(mustPath(t, "/B"), FieldReferences, listop.Prepend(Reference{AssetPath: "other.yaml", PrimPath: mustPath(t, "/Model")})))
	mustDo(l.SetDefaultPrim("B"))
	mustDo(l.SetSubLayers(SubLayer{AssetPath: "weak.yaml", Offset: LayerOffset{Offset: 10}}))

	data := l.Export()
	copyLayer := New("copy.yaml")
	if err := copyLayer.Import(data); err != nil {
		t.Fatalf("import: %v", err)
	}
	if !copyLayer.Export().Equal(data) {
		t.Fatalf("round trip changed content")
	}
	if got := copyLayer.ChildNames(sdfpath.AbsoluteRoot()); !slices.Equal(got, []string{"B", "A"}) {
		t.Fatalf("child order lost: %v", got)
	}
	subs := copyLayer.SubLayers()
	if len(subs) != 1 || subs[0].Offset.Scale != 1 {
		t.Fatalf("expected normalized sublayer offset, got %+v", subs)
	}
}

func TestResolveSubLayersMatchesByAssetPath(t *testing.T) {
	weak := listop.Explicit(
		SubLayer{AssetPath: "a.yaml", Offset: LayerOffset{Offset: 5}},
		SubLayer{AssetPath: "b.yaml"},
		SubLayer{AssetPath: "c.yaml"},
	)
	strong := listop.ListOp[SubLayer]{
		Deleted: []SubLayer{{AssetPath: "b.yaml"}},
		Ordered: []SubLayer{{AssetPath: "c.yaml"}, {AssetPath: "a.yaml"}},
	}
	got := ResolveSubLayers(strong, weak)
	want := []SubLayer{
		{AssetPath: "c.yaml", Offset: IdentityOffset},
		{AssetPath: "a.yaml", Offset: LayerOffset{Offset: 5, Scale: 1}},
	}
	if !slices.Equal(got, want) {
		t.Fatalf("want %+v got %+v", want, got)
	}
	if ResolveSubLayers() != nil {
		t.Fatalf("no ops resolve to no sublayers")
	}

	l := New("edits.yaml")
	if err := l.SetSubLayersOp(listop.Append(SubLayer{AssetPath: "late.yaml"})); err != nil {
		t.Fatalf("set op: %v", err)
	}
	if subs := l.SubLayers(); len(subs) != 1 || subs[0].AssetPath != "late.yaml" {
		t.Fatalf("unexpected sublayers %+v", subs)
	}
	if err := l.SetSubLayersOp(listop.ListOp[SubLayer]{}); err != nil {
		t.Fatalf("clear op: %v", err)
	}
	if l.HasField(sdfpath.AbsoluteRoot(), FieldSubLayers) {
		t.Fatalf("an empty op clears the field")
	}
}

func TestImportRejectsOrphans(t *testing.T) {
	l := New("test.yaml")
	data := Data{Specs: []SpecData{
		{Path: sdfpath.AbsoluteRoot(), Type: SpecTypePseudoRoot},
		{Path: mustPath(t, "/A/B"), Type: SpecTypePrim},
	}}
	if err := l.Import(data); !errors.Is(err, ErrInvalidPath) {
		t.Fatalf("expected ErrInvalidPath, got %v", err)
	}
	if !l.IsEmpty() {
		t.Fatalf("failed import must leave the layer unchanged")
	}
}

func TestLayerOffsetAlgebra(t *testing.T) {
	o := LayerOffset{Offset: 10, Scale: 2}
	if got := o.Apply(5); got != 20 {
		t.Fatalf("apply: want 20 got %v", got)
	}
	if got := o.Inverse().Apply(o.Apply(3)); got != 3 {
		t.Fatalf("inverse round trip: got %v", got)
	}
	inner := LayerOffset{Offset: 1}
	composed := o.Compose(inner)
	if got, want := composed.Apply(4), o.Apply(inner.Apply(4)); got != want {
		t.Fatalf("compose: want %v got %v", want, got)
	}
	if !(LayerOffset{}).IsIdentity() || !IdentityOffset.IsIdentity() {
		t.Fatalf("zero and identity offsets must be identity")
	}
}

func TestSchemaClassifiesFields(t *testing.T) {
	s := DefaultSchema()
	for _, name := range []string{FieldReferences, FieldPayload, FieldInheritPaths, FieldSpecializes, FieldVariantSelection, FieldSubLayers} {
		if !s.AffectsComposition(name) {
			t.Fatalf("%s must affect composition", name)
		}
	}
	for _, name := range []string{FieldDefault, FieldTimeSamples, FieldCustomData, "unregistered"} {
		if s.AffectsComposition(name) {
			t.Fatalf("%s must not affect composition", name)
		}
	}
	typ, ok := s.ValueType("double3")
	if !ok || typ != reflect.TypeFor[[3]float64]() {
		t.Fatalf("unexpected double3 type %v", typ)
	}
}
