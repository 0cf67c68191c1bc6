package scene

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/goliatone/go-scene/compose"
	"github.com/goliatone/go-scene/layer"
	"github.com/goliatone/go-scene/listop"
	"github.com/goliatone/go-scene/sdfpath"
)

func p(text string) sdfpath.Path { return sdfpath.MustParse(text) }

type fixture struct {
	t   *testing.T
	ctx context.Context
	reg *layer.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return &fixture{t: t, ctx: context.Background(), reg: layer.NewRegistry()}
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
		f.t.Fatalf("set %s %s: %v", path, field, err)
	}
}

// attr creates a typed attribute, when missing, and authors its default.
func (f *fixture) attr(l *layer.Layer, path, valueType string, value any) {
	f.t.Helper()
	if !l.HasSpec(p(path)) {
		if err := l.CreateAttribute(p(path), valueType); err != nil {
			f.t.Fatalf("create attribute %s: %v", path, err)
		}
	}
	if value == nil {
		return
	}
	if err := l.SetDefault(p(path), value); err != nil {
		f.t.Fatalf("set default %s: %v", path, err)
	}
}

func (f *fixture) stage(root *layer.Layer, opts ...Option) *Stage {
	f.t.Helper()
	s, err := New(f.ctx, root, opts...)
	if err != nil {
		f.t.Fatalf("new stage: %v", err)
	}
	f.t.Cleanup(s.Close)
	return s
}

func (f *fixture) value(s *Stage, path, field string, t TimeCode) any {
	f.t.Helper()
	v, ok, err := s.GetValue(f.ctx, p(path), field, t)
	if err != nil {
		f.t.Fatalf("get %s %q: %v", path, field, err)
	}
	if !ok {
		f.t.Fatalf("expected a value for %s %q", path, field)
	}
	return v
}

func pathList(paths ...string) []sdfpath.Path {
	out := make([]sdfpath.Path, len(paths))
	for i, text := range paths {
		out[i] = p(text)
	}
	return out
}

func TestNewRequiresRegisteredLayer(t *testing.T) {
	if _, err := New(context.Background(), layer.New("loose.yaml")); !errors.Is(err, ErrUnregisteredLayer) {
		t.Fatalf("expected ErrUnregisteredLayer, got %v", err)
	}
}

func TestOpenWithoutLoaderFails(t *testing.T) {
	if _, err := Open(context.Background(), "missing.yaml"); !errors.Is(err, layer.ErrNoLoader) {
		t.Fatalf("expected ErrNoLoader, got %v", err)
	}
}

func TestOpenSublayerCycleFails(t *testing.T) {
	f := newFixture(t)
	a := f.layer("a.yaml")
	b := f.layer("b.yaml")
	_ = a.SetSubLayers(layer.SubLayer{AssetPath: "b.yaml"})
	_ = b.SetSubLayers(layer.SubLayer{AssetPath: "a.yaml"})

	_, err := New(f.ctx, a)
	var cerr *compose.CompositionError
	if !errors.As(err, &cerr) || cerr.Kind != compose.KindSublayerCycle {
		t.Fatalf("expected sublayer cycle, got %v", err)
	}
}

func TestStrengthOrdering(t *testing.T) {
	f := newFixture(t)
	root := f.layer("shot/root.yaml")
	strong := f.layer("shot/strong.yaml")
	weak := f.layer("shot/weak.yaml")
	_ = root.SetSubLayers(layer.SubLayer{AssetPath: "strong.yaml"}, layer.SubLayer{AssetPath: "weak.yaml"})

	for _, l := range []*layer.Layer{strong, weak} {
		f.def(l, "/World")
		f.attr(l, "/World.size", "double", nil)
	}
	f.attr(weak, "/World.size", "double", 1.0)
	f.attr(strong, "/World.size", "double", 2.0)
	f.set(weak, "/World", layer.FieldKind, "assembly")

	s := f.stage(root)
	if v := f.value(s, "/World.size", "", DefaultTime); v != 2.0 {
		t.Fatalf("expected the stronger sublayer to win, got %v", v)
	}
	if v := f.value(s, "/World", layer.FieldKind, DefaultTime); v != "assembly" {
		t.Fatalf("expected weaker opinion when stronger layers are silent, got %v", v)
	}

	f.def(root, "/World")
	f.attr(root, "/World.size", "double", 3.0)
	if v := f.value(s, "/World.size", "", DefaultTime); v != 3.0 {
		t.Fatalf("expected the root layer to win, got %v", v)
	}

	stack, err := s.LayerStack(f.ctx)
	if err != nil {
		t.Fatalf("layer stack: %v", err)
	}
	if ids := stack.LayerIDs(); !slices.Equal(ids, []string{"shot/root.yaml", "shot/strong.yaml", "shot/weak.yaml"}) {
		t.Fatalf("unexpected layer stack %v", ids)
	}
}

func TestSessionLayerIsStrongest(t *testing.T) {
	f := newFixture(t)
	root := f.layer("root.yaml")
	session := f.reg.CreateAnonymous("session")
	f.def(root, "/World")
	f.attr(root, "/World.size", "double", 1.0)
	f.def(session, "/World")
	f.attr(session, "/World.size", "double", 5.0)

	s := f.stage(root, WithSessionLayer(session))
	if v := f.value(s, "/World.size", "", DefaultTime); v != 5.0 {
		t.Fatalf("expected session opinion, got %v", v)
	}
	if err := s.SetEditTarget(f.ctx, session); err != nil {
		t.Fatalf("session must be a valid edit target: %v", err)
	}
	other := f.layer("other.yaml")
	if err := s.SetEditTarget(f.ctx, other); !errors.Is(err, ErrInvalidEditTarget) {
		t.Fatalf("expected ErrInvalidEditTarget, got %v", err)
	}
	if s.EditTarget() != session {
		t.Fatalf("failed SetEditTarget must keep the previous target")
	}
}

func TestReferencedAssetScenario(t *testing.T) {
	f := newFixture(t)
	root := f.layer("root.yaml")
	asset := f.layer("asset.yaml")
	f.def(asset, "/Geo")
	f.attr(asset, "/Geo.foo", "double", 1.0)
	f.def(root, "/World")
	f.set(root, "/World", layer.FieldReferences, listop.Prepend(layer.Reference{AssetPath: "asset.yaml", PrimPath: p("/Geo")}))
	f.attr(root, "/World.foo", "double", 2.0)

	s := f.stage(root)
	if v := f.value(s, "/World.foo", "", DefaultTime); v != 2.0 {
		t.Fatalf("expected local override, got %v", v)
	}
	if err := root.DeleteSpec(p("/World.foo")); err != nil {
		t.Fatalf("delete override: %v", err)
	}
	if v := f.value(s, "/World.foo", "", DefaultTime); v != 1.0 {
		t.Fatalf("expected referenced value after removing override, got %v", v)
	}

	idx, err := s.GetComposedIndex(f.ctx, p("/World"))
	if err != nil {
		t.Fatalf("index: %v", err)
	}
	if sig := idx.Signature(); !slices.Equal(sig, []string{"root root.yaml</World>", "reference asset.yaml</Geo>"}) {
		t.Fatalf("unexpected node order %q", sig)
	}
}

func TestGetComposedIndexNotFound(t *testing.T) {
	f := newFixture(t)
	root := f.layer("root.yaml")
	f.def(root, "/World/Off/Child", "/World/On")
	f.set(root, "/World/Off", layer.FieldActive, false)
	s := f.stage(root)

	for _, path := range []string{"/Nope", "/World/Missing", "/World/Off/Child"} {
		if _, err := s.GetComposedIndex(f.ctx, p(path)); !errors.Is(err, ErrNotFound) {
			t.Fatalf("%s: expected ErrNotFound, got %v", path, err)
		}
	}
	if _, err := s.GetComposedIndex(f.ctx, p("/World/Off")); err != nil {
		t.Fatalf("inactive prims are still present: %v", err)
	}
	if _, err := s.GetComposedIndex(f.ctx, p("/World.size")); !errors.Is(err, layer.ErrInvalidPath) {
		t.Fatalf("expected ErrInvalidPath for a property path, got %v", err)
	}
	if _, _, err := s.GetValue(f.ctx, p("/Nope.size"), "", DefaultTime); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for a property of a missing prim, got %v", err)
	}
}

func TestGetChildrenSkipsInactiveAndFollowsPrimOrder(t *testing.T) {
	f := newFixture(t)
	root := f.layer("root.yaml")
	f.def(root, "/World/A", "/World/B", "/World/C")
	f.set(root, "/World/B", layer.FieldActive, false)
	f.set(root, "/World", layer.FieldPrimOrder, []string{"C", "A"})
	s := f.stage(root)

	children, err := s.GetChildren(f.ctx, p("/World"))
	if err != nil {
		t.Fatalf("children: %v", err)
	}
	if !slices.Equal(children, pathList("/World/C", "/World/A")) {
		t.Fatalf("unexpected children %v", children)
	}
	if active, _ := s.IsActive(f.ctx, p("/World/B")); active {
		t.Fatalf("expected /World/B inactive")
	}
}

func TestRelocatedPrimMovesInNamespace(t *testing.T) {
	f := newFixture(t)
	root := f.layer("root.yaml")
	f.def(root, "/A/Child", "/B")
	if err := root.SetRelocates(layer.Relocate{Source: p("/A/Child"), Target: p("/B/Moved")}); err != nil {
		t.Fatalf("relocates: %v", err)
	}
	s := f.stage(root)
	if s.HasPrim(f.ctx, p("/A/Child")) {
		t.Fatalf("relocation source must not be present")
	}
	if !s.HasPrim(f.ctx, p("/B/Moved")) {
		t.Fatalf("relocation target must be present")
	}
}

func TestTraverseAndPrefetch(t *testing.T) {
	f := newFixture(t)
	root := f.layer("root.yaml")
	f.def(root, "/World/Set/Table", "/World/Set/Chair", "/World/Cam", "/Looks/Wood")
	f.set(root, "/Looks", layer.FieldActive, false)
	s := f.stage(root)

	var seen []string
	err := s.Traverse(f.ctx, sdfpath.AbsoluteRoot(), func(idx *compose.PrimIndex) bool {
		seen = append(seen, idx.Path().String())
		return idx.Path() != p("/World/Set")
	})
	if err != nil {
		t.Fatalf("traverse: %v", err)
	}
	if !slices.Equal(seen, []string{"/", "/World", "/World/Set", "/World/Cam"}) {
		t.Fatalf("unexpected traversal %v", seen)
	}

	fresh := f.stage(root)
	if err := fresh.Prefetch(f.ctx); err != nil {
		t.Fatalf("prefetch: %v", err)
	}
	size, _, _ := fresh.CacheStats()
	if size < 5 {
		t.Fatalf("expected prefetch to populate the cache, got %d indices", size)
	}
}

func TestCompositionErrorsAreReported(t *testing.T) {
	f := newFixture(t)
	root := f.layer("root.yaml")
	f.def(root, "/World")
	f.set(root, "/World", layer.FieldReferences, listop.Prepend(layer.Reference{AssetPath: "missing.yaml"}))
	_ = root.SetSubLayers(layer.SubLayer{AssetPath: "gone.yaml"})
	s := f.stage(root)

	errs, err := s.CompositionErrors(f.ctx, p("/World"))
	if err != nil {
		t.Fatalf("composition errors: %v", err)
	}
	if len(errs) != 1 || errs[0].Kind != compose.KindLoadFailure {
		t.Fatalf("expected one load failure, got %v", errs)
	}
	if has, _ := s.HasCompositionErrors(f.ctx, sdfpath.AbsoluteRoot()); !has {
		t.Fatalf("expected the missing sublayer on the root")
	}
	if v := f.value(s, "/World", layer.FieldSpecifier, DefaultTime); v != layer.SpecifierDef {
		t.Fatalf("composition errors must not block resolution, got %v", v)
	}
}

func TestClosedStageRejectsQueries(t *testing.T) {
	f := newFixture(t)
	root := f.layer("root.yaml")
	f.def(root, "/World")
	s := f.stage(root)
	s.Close()
	if _, err := s.GetComposedIndex(f.ctx, p("/World")); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
