package scene

import (
	"context"
	"slices"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/goliatone/go-scene/layer"
	"github.com/goliatone/go-scene/listop"
	"github.com/goliatone/go-scene/pkg/activity"
	"github.com/goliatone/go-scene/sdfpath"
)

type noticeLog struct {
	mu      sync.Mutex
	notices []Notice
}

func (l *noticeLog) record(n Notice) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.notices = append(l.notices, n)
}

func (l *noticeLog) last(t *testing.T) Notice {
	t.Helper()
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.notices) == 0 {
		t.Fatalf("expected a notice")
	}
	return l.notices[len(l.notices)-1]
}

func (l *noticeLog) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.notices)
}

func watchStage(t *testing.T, s *Stage) *noticeLog {
	t.Helper()
	log := &noticeLog{}
	cancel := s.Subscribe(log.record)
	t.Cleanup(cancel)
	return log
}

func referenceStage(t *testing.T) (*fixture, *layer.Layer, *layer.Layer, *Stage) {
	t.Helper()
	f := newFixture(t)
	root := f.layer("root.yaml")
	asset := f.layer("asset.yaml")
	f.def(asset, "/Geo/Mesh")
	f.attr(asset, "/Geo.foo", "double", 1.0)
	f.def(root, "/World", "/Other")
	f.set(root, "/World", layer.FieldReferences, listop.Prepend(layer.Reference{AssetPath: "asset.yaml", PrimPath: p("/Geo")}))
	s := f.stage(root)
	if err := s.Prefetch(f.ctx); err != nil {
		t.Fatalf("prefetch: %v", err)
	}
	return f, root, asset, s
}

func TestValueEditReportsChangedInfo(t *testing.T) {
	f, _, asset, s := referenceStage(t)
	log := watchStage(t, s)

	if err := asset.SetDefault(p("/Geo.foo"), 5.0); err != nil {
		t.Fatalf("set: %v", err)
	}
	n := log.last(t)
	if len(n.Resynced) != 0 || !slices.Equal(n.ChangedInfo, pathList("/World.foo")) {
		t.Fatalf("expected a value change on /World.foo, got %+v", n)
	}
	if !slices.Equal(n.ChangedFields[p("/World.foo")], []string{layer.FieldDefault}) {
		t.Fatalf("unexpected changed fields %v", n.ChangedFields)
	}
	if v := f.value(s, "/World.foo", "", DefaultTime); v != 5.0 {
		t.Fatalf("expected the edited value, got %v", v)
	}
}

func TestCompositionEditResyncsDependents(t *testing.T) {
	f, root, asset, s := referenceStage(t)
	log := watchStage(t, s)

	f.def(asset, "/Geo/Light")
	n := log.last(t)
	if !slices.Equal(n.Resynced, pathList("/World/Light")) {
		t.Fatalf("expected the new child to resync, got %+v", n)
	}
	children, err := s.GetChildren(f.ctx, p("/World"))
	if err != nil {
		t.Fatalf("children: %v", err)
	}
	if !slices.Equal(children, pathList("/World/Mesh", "/World/Light")) {
		t.Fatalf("expected the added child to appear, got %v", children)
	}

	f.set(root, "/World", layer.FieldReferences, listop.Explicit[layer.Reference]())
	n = log.last(t)
	if !slices.Equal(n.Resynced, pathList("/World")) {
		t.Fatalf("expected /World to resync, got %+v", n)
	}
	if s.HasPrim(f.ctx, p("/World/Mesh")) {
		t.Fatalf("referenced children must disappear with the reference")
	}
}

func TestEditsInOneBlockProduceOneNotice(t *testing.T) {
	f, root, asset, s := referenceStage(t)
	log := watchStage(t, s)

	err := s.Registry().ChangeBlock(f.ctx, func(context.Context) error {
		if err := asset.SetDefault(p("/Geo.foo"), 3.0); err != nil {
			return err
		}
		return root.SetField(p("/Other"), layer.FieldActive, false)
	})
	if err != nil {
		t.Fatalf("block: %v", err)
	}
	if log.len() != 1 {
		t.Fatalf("expected one notice, got %d", log.len())
	}
	n := log.last(t)
	if !slices.Equal(n.ChangedInfo, pathList("/World.foo")) || !slices.Equal(n.Resynced, pathList("/Other")) {
		t.Fatalf("unexpected notice %+v", n)
	}
	if !n.Affects(p("/Other/Deep")) || n.Affects(p("/World")) {
		t.Fatalf("unexpected Affects results for %+v", n)
	}
}

func TestSublayerEditResyncsEverything(t *testing.T) {
	f, root, _, s := referenceStage(t)
	log := watchStage(t, s)
	extra := f.layer("extra.yaml")
	f.def(extra, "/Extra")

	if err := root.SetSubLayers(layer.SubLayer{AssetPath: "extra.yaml"}); err != nil {
		t.Fatalf("sublayers: %v", err)
	}
	if n := log.last(t); !slices.Equal(n.Resynced, []sdfpath.Path{sdfpath.AbsoluteRoot()}) {
		t.Fatalf("expected a full resync, got %+v", n)
	}
	if !s.HasPrim(f.ctx, p("/Extra")) {
		t.Fatalf("expected the new sublayer's prims")
	}
}

func TestUnrelatedEditsAreSilent(t *testing.T) {
	f, _, _, s := referenceStage(t)
	log := watchStage(t, s)
	stray := f.layer("stray.yaml")
	f.def(stray, "/Nothing")
	if log.len() != 0 {
		t.Fatalf("edits to unused layers must not notify, got %+v", log.last(t))
	}
}

func TestSetVariantSelection(t *testing.T) {
	f := newFixture(t)
	root := f.layer("root.yaml")
	f.def(root, "/Ball")
	for _, sel := range []string{"red", "blue"} {
		if err := root.CreateVariant(p("/Ball"), "shading", sel); err != nil {
			t.Fatalf("variant: %v", err)
		}
		vpath := p("/Ball").AppendVariantSelection("shading", sel)
		f.attr(root, vpath.AppendProperty("color").String(), "string", sel)
	}
	f.set(root, "/Ball", layer.FieldVariantSelection, map[string]string{"shading": "red"})
	s := f.stage(root)
	log := watchStage(t, s)

	if v := f.value(s, "/Ball.color", "", DefaultTime); v != "red" {
		t.Fatalf("expected red, got %v", v)
	}
	if err := s.SetVariantSelection(f.ctx, p("/Ball"), "shading", "blue"); err != nil {
		t.Fatalf("select: %v", err)
	}
	if n := log.last(t); !slices.Equal(n.Resynced, pathList("/Ball")) {
		t.Fatalf("expected /Ball to resync, got %+v", n)
	}
	if v := f.value(s, "/Ball.color", "", DefaultTime); v != "blue" {
		t.Fatalf("expected blue after switching, got %v", v)
	}
}

func TestSetValueAuthorsOverInEditTarget(t *testing.T) {
	f := newFixture(t)
	root := f.layer("root.yaml")
	session := f.reg.CreateAnonymous("session")
	f.def(root, "/World")
	f.attr(root, "/World.size", "double", 1.0)
	s := f.stage(root, WithSessionLayer(session))
	if err := s.SetEditTarget(f.ctx, session); err != nil {
		t.Fatalf("edit target: %v", err)
	}
	if err := s.SetValue(f.ctx, p("/World.size"), "", 9.0); err != nil {
		t.Fatalf("set value: %v", err)
	}
	if v := f.value(s, "/World.size", "", DefaultTime); v != 9.0 {
		t.Fatalf("expected the session opinion, got %v", v)
	}
	if spec, _ := session.GetField(p("/World"), layer.FieldSpecifier); spec != layer.SpecifierOver {
		t.Fatalf("expected an over in the session layer, got %v", spec)
	}
	if v, _ := root.GetField(p("/World.size"), layer.FieldDefault); v != 1.0 {
		t.Fatalf("the root layer must be untouched, got %v", v)
	}
}

func TestLoadAndUnload(t *testing.T) {
	f := newFixture(t)
	root := f.layer("root.yaml")
	heavy := f.layer("heavy.yaml")
	f.def(heavy, "/Heavy/Geo")
	f.def(root, "/World/Prop")
	f.set(root, "/World/Prop", layer.FieldPayload, listop.Prepend(layer.Payload{AssetPath: "heavy.yaml", PrimPath: p("/Heavy")}))

	s := f.stage(root, WithLoadPolicy(LoadNone))
	log := watchStage(t, s)
	if s.HasPrim(f.ctx, p("/World/Prop/Geo")) {
		t.Fatalf("payload must not compose under LoadNone")
	}

	if err := s.Load(f.ctx, p("/World")); err != nil {
		t.Fatalf("load: %v", err)
	}
	if n := log.last(t); !slices.Equal(n.Resynced, pathList("/World")) {
		t.Fatalf("expected /World to resync, got %+v", n)
	}
	if !s.HasPrim(f.ctx, p("/World/Prop/Geo")) || !s.IsLoaded(p("/World/Prop")) {
		t.Fatalf("expected the payload after Load")
	}

	if err := s.Unload(f.ctx, p("/World/Prop")); err != nil {
		t.Fatalf("unload: %v", err)
	}
	if s.HasPrim(f.ctx, p("/World/Prop/Geo")) {
		t.Fatalf("payload must be gone after Unload")
	}
	if !s.IsLoaded(p("/World")) {
		t.Fatalf("unloading a descendant must keep the ancestor rule")
	}
}

func TestActivityHooksReceiveSceneEvents(t *testing.T) {
	f := newFixture(t)
	root := f.layer("root.yaml")
	f.def(root, "/World")
	f.attr(root, "/World.size", "double", 1.0)
	rec := &activity.Recorder{}
	s := f.stage(root, WithActivityHooks(nil, rec))
	if len(s.ActivityHooks()) != 1 {
		t.Fatalf("nil hooks must be dropped")
	}

	if err := root.SetDefault(p("/World.size"), 2.0); err != nil {
		t.Fatalf("set: %v", err)
	}
	want := []activity.Verb{activity.LayerChanged, activity.ValuesChanged}
	if !slices.Equal(rec.Verbs(), want) {
		t.Fatalf("unexpected events %v", rec.Verbs())
	}
	events := rec.Events()
	if events[0].Channel != "scene" || events[0].ObjectID() != "root.yaml" {
		t.Fatalf("unexpected layer event %+v", events[0])
	}
	if !slices.Equal(events[1].Paths, []string{"/World.size"}) || !slices.Equal(events[1].Fields, []string{"default"}) {
		t.Fatalf("unexpected value event %+v", events[1])
	}
}

func TestActivityConfigFiltersVerbs(t *testing.T) {
	f := newFixture(t)
	root := f.layer("root.yaml")
	f.def(root, "/World")
	f.attr(root, "/World.size", "double", 1.0)
	rec := &activity.Recorder{}
	f.stage(root,
		WithActivityHooks(rec),
		WithActivityConfig(activity.Config{Enabled: true, Verbs: []activity.Verb{activity.PrimsResynced}}),
	)

	if err := root.SetDefault(p("/World.size"), 2.0); err != nil {
		t.Fatalf("set: %v", err)
	}
	if len(rec.Events()) != 0 {
		t.Fatalf("value edits must be filtered, got %v", rec.Verbs())
	}
	if err := root.DefinePrim(p("/World/Lamp"), ""); err != nil {
		t.Fatalf("define: %v", err)
	}
	if !slices.Equal(rec.Verbs(), []activity.Verb{activity.PrimsResynced}) {
		t.Fatalf("expected one resync event, got %v", rec.Verbs())
	}
}

func TestNoticeMetrics(t *testing.T) {
	f, _, asset, s := referenceStage(t)
	_ = s
	before := testutil.ToFloat64(noticePathsTotal.WithLabelValues("changed_info"))
	notices := testutil.ToFloat64(noticesTotal)
	if err := asset.SetDefault(p("/Geo.foo"), 8.0); err != nil {
		t.Fatalf("set: %v", err)
	}
	if got := testutil.ToFloat64(noticePathsTotal.WithLabelValues("changed_info")) - before; got != 1 {
		t.Fatalf("expected one changed path, got %v", got)
	}
	if got := testutil.ToFloat64(noticesTotal) - notices; got != 1 {
		t.Fatalf("expected one notice, got %v", got)
	}

	hits := testutil.ToFloat64(indexLookupsTotal.WithLabelValues("hit"))
	_ = f.value(s, "/World.foo", "", DefaultTime)
	if testutil.ToFloat64(indexLookupsTotal.WithLabelValues("hit")) <= hits {
		t.Fatalf("expected cached index lookups to count as hits")
	}
}
