package compose

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/goliatone/go-scene/layer"
	"github.com/goliatone/go-scene/listop"
	"github.com/goliatone/go-scene/sdfpath"
)

func p(text string) sdfpath.Path { return sdfpath.MustParse(text) }

type fixture struct {
	t   *testing.T
	reg *layer.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return &fixture{t: t, reg: layer.NewRegistry()}
}

func (f *fixture) layer(id string) *layer.Layer {
	f.t.Helper()
	l, err := f.reg.CreateNew(id)
	if err != nil {
		f.t.Fatalf("create %s: %v", id, err)
	}
	return l
}

func (f *fixture) def(l *layer.Layer, paths ...string) {
	f.t.Helper()
	for _, path := range paths {
		if err := l.DefinePrim(p(path), ""); err != nil {
			f.t.Fatalf("define %s: %v", path, err)
		}
	}
}

func (f *fixture) set(l *layer.Layer, path, field string, value any) {
	f.t.Helper()
	if err := l.SetField(p(path), field, value); err != nil {
		f.t.Fatalf("set %s.%s: %v", path, field, err)
	}
}

func (f *fixture) cache(root *layer.Layer, opts ...IndexerOption) *IndexCache {
	f.t.Helper()
	stacks := NewLayerStackCache(f.reg)
	stack, err := stacks.Get(context.Background(), root, nil, nil)
	if err != nil {
		f.t.Fatalf("layer stack: %v", err)
	}
	return NewIndexCache(NewIndexer(stack, stacks, opts...))
}

func (f *fixture) index(c *IndexCache, path string) *PrimIndex {
	f.t.Helper()
	idx, err := c.Get(context.Background(), p(path))
	if err != nil {
		f.t.Fatalf("index %s: %v", path, err)
	}
	return idx
}

func expectSignature(t *testing.T, idx *PrimIndex, want ...string) {
	t.Helper()
	got := idx.Signature()
	if !slices.Equal(got, want) {
		t.Fatalf("unexpected node order for %s:\nwant %q\n got %q", idx.Path(), want, got)
	}
}

func TestBuildLayerStackOrder(t *testing.T) {
	f := newFixture(t)
	root := f.layer("shot/root.yaml")
	a := f.layer("shot/a.yaml")
	f.layer("shot/b.yaml")
	f.layer("shot/a_sub.yaml")
	session := f.reg.CreateAnonymous("session")

	_ = root.SetSubLayers(layer.SubLayer{AssetPath: "a.yaml", Offset: layer.LayerOffset{Offset: 10, Scale: 2}}, layer.SubLayer{AssetPath: "b.yaml"})
	_ = a.SetSubLayers(layer.SubLayer{AssetPath: "a_sub.yaml", Offset: layer.LayerOffset{Offset: 1}})

	stack, err := BuildLayerStack(context.Background(), f.reg, root, session)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	want := []string{session.Identifier(), "shot/root.yaml", "shot/a.yaml", "shot/a_sub.yaml", "shot/b.yaml"}
	if got := stack.LayerIDs(); !slices.Equal(got, want) {
		t.Fatalf("want %v got %v", want, got)
	}
	sub, _ := f.reg.Find("shot/a_sub.yaml")
	offset, ok := stack.Offset(sub)
	if !ok || offset.Offset != 12 || offset.Scale != 2 {
		t.Fatalf("offsets must compose along the chain, got %+v", offset)
	}
	if tree := stack.Tree().String(); !strings.Contains(tree, "\n  shot/a.yaml (offset=10 scale=2)\n    shot/a_sub.yaml") {
		t.Fatalf("unexpected tree:\n%s", tree)
	}
}

func TestSessionSublayerOpsEditRootList(t *testing.T) {
	f := newFixture(t)
	root := f.layer("shot/root.yaml")
	for _, name := range []string{"shot/a.yaml", "shot/b.yaml", "shot/c.yaml", "shot/d.yaml"} {
		f.layer(name)
	}
	session := f.reg.CreateAnonymous("session")
	_ = root.SetSubLayers(layer.SubLayer{AssetPath: "a.yaml"}, layer.SubLayer{AssetPath: "b.yaml", Offset: layer.LayerOffset{Offset: 4}})
	_ = session.SetSubLayersOp(listop.ListOp[layer.SubLayer]{
		Prepended: []layer.SubLayer{{AssetPath: "c.yaml"}},
		Appended:  []layer.SubLayer{{AssetPath: "d.yaml", Offset: layer.LayerOffset{Offset: 3}}},
		Deleted:   []layer.SubLayer{{AssetPath: "b.yaml"}},
	})

	stack, err := BuildLayerStack(context.Background(), f.reg, root, session)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	want := []string{session.Identifier(), "shot/root.yaml", "shot/c.yaml", "shot/a.yaml", "shot/d.yaml"}
	if got := stack.LayerIDs(); !slices.Equal(got, want) {
		t.Fatalf("want %v got %v", want, got)
	}
	d, _ := f.reg.Find("shot/d.yaml")
	if offset, ok := stack.Offset(d); !ok || offset.Offset != 3 {
		t.Fatalf("appended sublayer keeps its offset, got %+v", offset)
	}

	alone, err := BuildLayerStack(context.Background(), f.reg, root, nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if got := alone.LayerIDs(); !slices.Equal(got, []string{"shot/root.yaml", "shot/a.yaml", "shot/b.yaml"}) {
		t.Fatalf("root list must be untouched without the session, got %v", got)
	}
}

func TestSublayerCycleFails(t *testing.T) {
	f := newFixture(t)
	self := f.layer("self.yaml")
	_ = self.SetSubLayers(layer.SubLayer{AssetPath: "self.yaml"})
	if _, err := BuildLayerStack(context.Background(), f.reg, self, nil); !errors.Is(err, ErrComposition) {
		t.Fatalf("expected composition error for self sublayer, got %v", err)
	}

	a := f.layer("a.yaml")
	b := f.layer("b.yaml")
	c := f.layer("c.yaml")
	_ = a.SetSubLayers(layer.SubLayer{AssetPath: "b.yaml"})
	_ = b.SetSubLayers(layer.SubLayer{AssetPath: "c.yaml"})
	_ = c.SetSubLayers(layer.SubLayer{AssetPath: "a.yaml"})
	_, err := BuildLayerStack(context.Background(), f.reg, a, nil)
	var compErr *CompositionError
	if !errors.As(err, &compErr) || compErr.Kind != KindSublayerCycle {
		t.Fatalf("expected sublayer cycle, got %v", err)
	}
}

func TestMissingSublayerIsRecorded(t *testing.T) {
	f := newFixture(t)
	root := f.layer("root.yaml")
	_ = root.SetSubLayers(layer.SubLayer{AssetPath: "missing.yaml"})
	stack, err := BuildLayerStack(context.Background(), f.reg, root, nil)
	if err != nil {
		t.Fatalf("missing sublayers must not fail the build: %v", err)
	}
	errs := stack.Errors()
	if len(errs) != 1 || errs[0].Kind != KindLoadFailure || errs[0].Target != "missing.yaml" {
		t.Fatalf("unexpected errors %v", errs)
	}
}

func TestExpressionSublayer(t *testing.T) {
	f := newFixture(t)
	root := f.layer("root.yaml")
	f.layer("s010_anim.yaml")
	_ = root.SetExpressionVariables(map[string]any{"SHOT": "s010"})
	_ = root.SetSubLayers(layer.SubLayer{AssetPath: "`SHOT + \"_anim.yaml\"`"})
	stack, err := BuildLayerStack(context.Background(), f.reg, root, nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if !stack.HasLayer("s010_anim.yaml") {
		t.Fatalf("expected expression sublayer, got %v", stack.LayerIDs())
	}
}

func TestLayerStackCache(t *testing.T) {
	f := newFixture(t)
	root := f.layer("root.yaml")
	f.layer("sub.yaml")
	_ = root.SetSubLayers(layer.SubLayer{AssetPath: "sub.yaml"})

	cache := NewLayerStackCache(f.reg, WithShards(4))
	first, err := cache.Get(context.Background(), root, nil, nil)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	second, _ := cache.Get(context.Background(), root, nil, nil)
	if first != second {
		t.Fatalf("expected a shared stack")
	}
	overridden, _ := cache.Get(context.Background(), root, nil, map[string]any{"LOD": "proxy"})
	if overridden == first {
		t.Fatalf("variable overrides must key a different stack")
	}
	if dropped := cache.Invalidate("sub.yaml"); len(dropped) != 2 || cache.Len() != 0 {
		t.Fatalf("expected both stacks dropped, got %v", dropped)
	}
}

func TestReferenceOrdersLocalFirst(t *testing.T) {
	f := newFixture(t)
	root := f.layer("root.yaml")
	asset := f.layer("asset.yaml")
	f.def(asset, "/Geo/Mesh")
	f.def(root, "/World")
	f.set(root, "/World", layer.FieldReferences, listop.Prepend(layer.Reference{AssetPath: "asset.yaml", PrimPath: p("/Geo")}))

	c := f.cache(root)
	idx := f.index(c, "/World")
	expectSignature(t, idx, "root root.yaml</World>", "reference asset.yaml</Geo>")
	ops := idx.Opinions()
	if len(ops) != 2 || ops[0].Layer != root || ops[1].Layer != asset {
		t.Fatalf("unexpected opinions %v", ops)
	}
	if names := idx.ChildNames(); !slices.Equal(names, []string{"Mesh"}) {
		t.Fatalf("expected referenced children, got %v", names)
	}
	child := f.index(c, "/World/Mesh")
	expectSignature(t, child, "root root.yaml</World/Mesh>", "reference asset.yaml</Geo/Mesh>")
	if !child.HasSpecs() {
		t.Fatalf("expected referenced child to have specs")
	}
}

func TestIndexIsDeterministic(t *testing.T) {
	f := newFixture(t)
	root := f.layer("root.yaml")
	asset := f.layer("asset.yaml")
	f.def(asset, "/Geo", "/_class")
	f.def(root, "/World", "/_class", "/_spec")
	f.set(root, "/World", layer.FieldReferences, listop.Prepend(layer.Reference{AssetPath: "asset.yaml", PrimPath: p("/Geo")}))
	f.set(root, "/World", layer.FieldInheritPaths, listop.Prepend(p("/_class")))
	f.set(root, "/World", layer.FieldSpecializes, listop.Prepend(p("/_spec")))

	first := f.index(f.cache(root), "/World").Signature()
	second := f.index(f.cache(root), "/World").Signature()
	if !slices.Equal(first, second) {
		t.Fatalf("index changed between computations:\n%q\n%q", first, second)
	}
}

func TestArcStrengthOrder(t *testing.T) {
	f := newFixture(t)
	root := f.layer("root.yaml")
	asset := f.layer("asset.yaml")
	f.def(asset, "/Geo", "/_geoClass")
	f.set(asset, "/Geo", layer.FieldInheritPaths, listop.Prepend(p("/_geoClass")))
	f.def(root, "/World", "/_class", "/_spec")
	f.set(root, "/World", layer.FieldSpecializes, listop.Prepend(p("/_spec")))
	f.set(root, "/World", layer.FieldReferences, listop.Prepend(layer.Reference{AssetPath: "asset.yaml", PrimPath: p("/Geo")}))
	f.set(root, "/World", layer.FieldInheritPaths, listop.Prepend(p("/_class")))

	idx := f.index(f.cache(root), "/World")
	expectSignature(t, idx,
		"root root.yaml</World>",
		"inherit root.yaml</_class>",
		"inherit root.yaml</_geoClass>",
		"reference asset.yaml</Geo>",
		"inherit asset.yaml</_geoClass>",
		"specialize root.yaml</_spec>",
	)
	implied := idx.Nodes()[2]
	if !implied.Implied || implied.HasSpecs {
		t.Fatalf("expected an implied inherit without local specs, got %+v", implied)
	}
}

func TestArcCycleIsRecordedAndDropped(t *testing.T) {
	f := newFixture(t)
	root := f.layer("root.yaml")
	f.def(root, "/A", "/B")
	f.set(root, "/A", layer.FieldReferences, listop.Prepend(layer.Reference{PrimPath: p("/B")}))
	f.set(root, "/B", layer.FieldReferences, listop.Prepend(layer.Reference{PrimPath: p("/A")}))

	idx := f.index(f.cache(root), "/A")
	expectSignature(t, idx, "root root.yaml</A>", "reference root.yaml</B>")
	errs := idx.Errors()
	if len(errs) != 1 || errs[0].Kind != KindArcCycle || !errors.Is(errs[0], ErrComposition) {
		t.Fatalf("expected one arc cycle, got %v", errs)
	}
}

func TestBrokenReferenceKeepsOtherArcs(t *testing.T) {
	f := newFixture(t)
	root := f.layer("root.yaml")
	asset := f.layer("asset.yaml")
	f.def(asset, "/Geo")
	_ = asset.SetDefaultPrim("Geo")
	f.def(root, "/World")
	f.set(root, "/World", layer.FieldReferences, listop.Append(
		layer.Reference{AssetPath: "missing.yaml"},
		layer.Reference{AssetPath: "asset.yaml", PrimPath: p("/Nope")},
		layer.Reference{AssetPath: "asset.yaml"},
	))

	idx := f.index(f.cache(root), "/World")
	expectSignature(t, idx, "root root.yaml</World>", "reference asset.yaml</Geo>")
	kinds := []ErrorKind{}
	for _, err := range idx.Errors() {
		kinds = append(kinds, err.Kind)
	}
	if !slices.Equal(kinds, []ErrorKind{KindLoadFailure, KindUnresolvedTarget}) {
		t.Fatalf("unexpected errors %v", idx.Errors())
	}
}

func TestExpressionReference(t *testing.T) {
	f := newFixture(t)
	root := f.layer("root.yaml")
	proxy := f.layer("chair_proxy.yaml")
	f.def(proxy, "/Chair")
	_ = proxy.SetDefaultPrim("Chair")
	_ = root.SetExpressionVariables(map[string]any{"LOD": "proxy"})
	f.def(root, "/Set/Chair")
	f.set(root, "/Set/Chair", layer.FieldReferences, listop.Prepend(layer.Reference{AssetPath: "`\"chair_\" + LOD + \".yaml\"`"}))

	idx := f.index(f.cache(root), "/Set/Chair")
	nodes := idx.Nodes()
	if len(nodes) != 2 || nodes[1].Site.Stack.Root() != proxy || nodes[1].Site.Path != p("/Chair") {
		t.Fatalf("expected the proxy asset, got %q", idx.Signature())
	}
	if nodes[1].Site.Stack.Key().VarsHash == 0 {
		t.Fatalf("referenced stacks must inherit the referencing variables")
	}
}

func TestVariantSelection(t *testing.T) {
	f := newFixture(t)
	root := f.layer("root.yaml")
	f.def(root, "/Ball")
	for _, name := range []string{"red", "blue"} {
		if err := root.CreateVariant(p("/Ball"), "shading", name); err != nil {
			t.Fatalf("variant: %v", err)
		}
	}

	idx := f.index(f.cache(root, WithVariantFallbacks(map[string][]string{"shading": {"green", "red"}})), "/Ball")
	expectSignature(t, idx, "root root.yaml</Ball>", "variant root.yaml</Ball{shading=red}>")

	f.set(root, "/Ball", layer.FieldVariantSelection, map[string]string{"shading": "blue"})
	idx = f.index(f.cache(root), "/Ball")
	expectSignature(t, idx, "root root.yaml</Ball>", "variant root.yaml</Ball{shading=blue}>")
	if idx.VariantSelections()["shading"] != "blue" {
		t.Fatalf("unexpected selections %v", idx.VariantSelections())
	}
}

func TestVariantSelectedAcrossReference(t *testing.T) {
	f := newFixture(t)
	root := f.layer("root.yaml")
	asset := f.layer("asset.yaml")
	f.def(asset, "/Geo")
	_ = asset.CreateVariant(p("/Geo"), "lod", "high")
	_ = asset.CreateVariant(p("/Geo"), "lod", "low")
	f.set(asset, "/Geo", layer.FieldVariantSelection, map[string]string{"lod": "high"})
	f.def(root, "/World")
	f.set(root, "/World", layer.FieldReferences, listop.Prepend(layer.Reference{AssetPath: "asset.yaml", PrimPath: p("/Geo")}))
	f.set(root, "/World", layer.FieldVariantSelection, map[string]string{"lod": "low"})

	idx := f.index(f.cache(root), "/World")
	expectSignature(t, idx,
		"root root.yaml</World>",
		"reference asset.yaml</Geo>",
		"variant asset.yaml</Geo{lod=low}>",
	)
}

func TestPayloadPolicy(t *testing.T) {
	f := newFixture(t)
	root := f.layer("root.yaml")
	asset := f.layer("heavy.yaml")
	f.def(asset, "/Heavy")
	f.def(root, "/World")
	f.set(root, "/World", layer.FieldPayload, listop.Prepend(layer.Payload{AssetPath: "heavy.yaml", PrimPath: p("/Heavy")}))

	idx := f.index(f.cache(root), "/World")
	if !idx.HasPayload() || idx.PayloadIncluded() || len(idx.Nodes()) != 1 {
		t.Fatalf("unloaded payloads must not contribute: %q", idx.Signature())
	}
	idx = f.index(f.cache(root, WithPayloadPredicate(func(sdfpath.Path) bool { return true })), "/World")
	expectSignature(t, idx, "root root.yaml</World>", "payload heavy.yaml</Heavy>")
}

func TestRelocation(t *testing.T) {
	f := newFixture(t)
	root := f.layer("root.yaml")
	f.def(root, "/A/Child", "/B")
	if err := root.SetRelocates(layer.Relocate{Source: p("/A/Child"), Target: p("/B/Moved")}); err != nil {
		t.Fatalf("relocates: %v", err)
	}
	c := f.cache(root)
	if names := f.index(c, "/A").ChildNames(); len(names) != 0 {
		t.Fatalf("relocated source must be hidden, got %v", names)
	}
	if names := f.index(c, "/B").ChildNames(); !slices.Equal(names, []string{"Moved"}) {
		t.Fatalf("expected relocation target child, got %v", names)
	}
	moved := f.index(c, "/B/Moved")
	expectSignature(t, moved, "root root.yaml</B/Moved>", "relocate root.yaml</A/Child>")
	if got := moved.Nodes()[1].MapToRoot(p("/A/Child.size")); got != p("/B/Moved.size") {
		t.Fatalf("relocate map: got %s", got)
	}
}

func TestMutualRelocationsReportArcCycle(t *testing.T) {
	f := newFixture(t)
	root := f.layer("root.yaml")
	f.def(root, "/X", "/Y")
	err := root.SetRelocates(
		layer.Relocate{Source: p("/X"), Target: p("/Y")},
		layer.Relocate{Source: p("/Y"), Target: p("/X")},
	)
	if err != nil {
		t.Fatalf("relocates: %v", err)
	}
	c := f.cache(root)

	done := make(chan *PrimIndex, 1)
	go func() {
		idx, err := c.Get(context.Background(), p("/Y"))
		if err != nil {
			t.Errorf("index /Y: %v", err)
		}
		done <- idx
	}()
	var idx *PrimIndex
	select {
	case idx = <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("index for a relocation cycle did not return")
	}
	if idx == nil {
		return
	}
	cycle := slices.IndexFunc(idx.Errors(), func(e *CompositionError) bool { return e.Kind == KindArcCycle })
	if cycle < 0 || !errors.Is(idx.Errors()[cycle], ErrComposition) {
		t.Fatalf("expected an arc cycle error, got %v", idx.Errors())
	}
	if !c.ix.RootStack().RelocationCycle(p("/X")) {
		t.Fatalf("the cycle must be seen from either target")
	}
}

func TestRelocationChainIsNotACycle(t *testing.T) {
	f := newFixture(t)
	root := f.layer("root.yaml")
	f.def(root, "/A/Src", "/B", "/C")
	err := root.SetRelocates(
		layer.Relocate{Source: p("/A/Src"), Target: p("/B/Mid")},
		layer.Relocate{Source: p("/B/Mid"), Target: p("/C/End")},
	)
	if err != nil {
		t.Fatalf("relocates: %v", err)
	}
	c := f.cache(root)
	if c.ix.RootStack().RelocationCycle(p("/C/End")) {
		t.Fatalf("a relocation chain without a loop is not a cycle")
	}
}

func TestIndexCacheDependencies(t *testing.T) {
	f := newFixture(t)
	root := f.layer("root.yaml")
	asset := f.layer("asset.yaml")
	f.def(asset, "/Geo/Mesh")
	f.def(root, "/World")
	f.set(root, "/World", layer.FieldReferences, listop.Prepend(layer.Reference{AssetPath: "asset.yaml", PrimPath: p("/Geo")}))

	c := f.cache(root)
	f.index(c, "/World/Mesh")
	if got := c.Dependents("asset.yaml", p("/Geo")); !slices.Equal(got, []sdfpath.Path{p("/World")}) {
		t.Fatalf("unexpected dependents %v", got)
	}
	if got := c.Dependents("asset.yaml", p("/Geo/Mesh")); !slices.Equal(got, []sdfpath.Path{p("/World/Mesh")}) {
		t.Fatalf("unexpected dependents %v", got)
	}
	if c.Len() != 3 {
		t.Fatalf("expected root, /World and /World/Mesh cached, got %v", c.Paths())
	}
	if got := c.LayerDependents("asset.yaml"); !slices.Equal(got, []sdfpath.Path{p("/World"), p("/World/Mesh")}) {
		t.Fatalf("unexpected layer dependents %v", got)
	}
	c.InvalidateSubtree(p("/World"))
	if c.Len() != 1 || len(c.Dependents("asset.yaml", p("/Geo"))) != 0 {
		t.Fatalf("subtree invalidation left %v", c.Paths())
	}
}

func TestMapFunction(t *testing.T) {
	m := NewMapFunction(rootIdentity(), PathPair{Source: p("/Geo"), Target: p("/World")})
	cases := map[string]string{
		"/Geo":        "/World",
		"/Geo/Mesh.x": "/World/Mesh.x",
		"/_class":     "/_class",
	}
	for in, want := range cases {
		if got := m.Map(p(in)); got != p(want) {
			t.Fatalf("Map(%s) = %s, want %s", in, got, want)
		}
	}
	if got := m.MapInverse(p("/World/Mesh")); got != p("/Geo/Mesh") {
		t.Fatalf("MapInverse = %s", got)
	}
	if got := NewMapFunction(PathPair{Source: p("/Geo"), Target: p("/World")}).Map(p("/Other")); !got.IsEmpty() {
		t.Fatalf("paths outside the map must not translate, got %s", got)
	}
}
