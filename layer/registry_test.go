package layer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goliatone/go-scene/sdfpath"
)

type mapLoader struct {
	mu    sync.Mutex
	data  map[string]Data
	loads atomic.Int32
	delay time.Duration
}

func newMapLoader() *mapLoader { return &mapLoader{data: make(map[string]Data)} }

func (m *mapLoader) Load(_ context.Context, id string) (Data, error) {
	m.loads.Add(1)
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.data[id]
	if !ok {
		return Data{}, errors.New("no such layer")
	}
	return d, nil
}

func (m *mapLoader) Save(_ context.Context, id string, d Data) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[id] = d
	return nil
}

func TestChangeBlockBatchesNotices(t *testing.T) {
	reg := NewRegistry()
	l, err := reg.CreateNew("root.yaml")
	if err != nil {
		t.Fatal(err)
	}
	var notices []Notice
	cancel := reg.Listen(func(n Notice) { notices = append(notices, n) })
	defer cancel()

	err = reg.ChangeBlock(context.Background(), func(ctx context.Context) error {
		if err := l.CreatePrim(sdfpath.MustParse("/A"), SpecifierDef, ""); err != nil {
			return err
		}
		return reg.ChangeBlock(ctx, func(context.Context) error {
			if err := l.SetField(sdfpath.MustParse("/A"), FieldActive, false); err != nil {
				return err
			}
			if len(notices) != 0 {
				t.Fatalf("notices must wait for the outermost block")
			}
			return l.SetField(sdfpath.MustParse("/A"), FieldActive, true)
		})
	})
	if err != nil {
		t.Fatalf("block: %v", err)
	}
	if len(notices) != 1 {
		t.Fatalf("expected one notice, got %d", len(notices))
	}
	entries := notices[0].For(l)
	if len(entries) != 2 || entries[0].Kind != SpecAdded || entries[1].Field != FieldActive {
		t.Fatalf("unexpected entries %v", entries)
	}
	if notices[0].BlockID == "" {
		t.Fatalf("expected a block id")
	}
}

func TestEditOutsideBlockIsItsOwnBlock(t *testing.T) {
	reg := NewRegistry()
	l, _ := reg.CreateNew("root.yaml")
	count := 0
	cancel := reg.Listen(func(Notice) { count++ })
	defer cancel()

	_ = l.CreatePrim(sdfpath.MustParse("/A"), SpecifierDef, "")
	_ = l.CreatePrim(sdfpath.MustParse("/B"), SpecifierDef, "")
	if count != 2 {
		t.Fatalf("expected a notice per edit, got %d", count)
	}
	_ = l.SetField(sdfpath.MustParse("/A"), FieldKind, "component")
	_ = l.SetField(sdfpath.MustParse("/A"), FieldKind, "component")
	if count != 3 {
		t.Fatalf("unchanged values must not notify, got %d notices", count)
	}
}

func TestConcurrentEditsAreAllNotified(t *testing.T) {
	reg := NewRegistry()
	l, _ := reg.CreateNew("root.yaml")

	var mu sync.Mutex
	seen := map[sdfpath.Path]bool{}
	cancel := reg.Listen(func(n Notice) {
		mu.Lock()
		defer mu.Unlock()
		for _, e := range n.For(l) {
			seen[e.Path] = true
		}
	})
	defer cancel()

	const edits = 2000
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := range edits {
			_ = reg.ChangeBlock(context.Background(), func(context.Context) error {
				return l.CreatePrim(sdfpath.MustParse(fmt.Sprintf("/Block%d", i)), SpecifierDef, "")
			})
		}
	}()
	go func() {
		defer wg.Done()
		for i := range edits {
			_ = l.CreatePrim(sdfpath.MustParse(fmt.Sprintf("/Loose%d", i)), SpecifierDef, "")
		}
	}()
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	for i := range edits {
		for _, name := range []string{"Block", "Loose"} {
			p := sdfpath.MustParse(fmt.Sprintf("/%s%d", name, i))
			if !seen[p] {
				t.Fatalf("no notice carried the creation of %s", p)
			}
		}
	}
}

func TestFailedBlockKeepsAppliedEdits(t *testing.T) {
	reg := NewRegistry()
	l, _ := reg.CreateNew("root.yaml")
	var got Notice
	cancel := reg.Listen(func(n Notice) { got = n })
	defer cancel()

	boom := errors.New("boom")
	err := reg.ChangeBlock(context.Background(), func(context.Context) error {
		_ = l.CreatePrim(sdfpath.MustParse("/A"), SpecifierDef, "")
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected block error, got %v", err)
	}
	if !l.HasSpec(sdfpath.MustParse("/A")) || got.IsEmpty() {
		t.Fatalf("edits before the error must be kept and notified")
	}
}

func TestReadersAreExcludedDuringBlock(t *testing.T) {
	reg := NewRegistry()
	l, _ := reg.CreateNew("root.yaml")
	entered := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})

	go func() {
		_ = reg.ChangeBlock(context.Background(), func(context.Context) error {
			_ = l.CreatePrim(sdfpath.MustParse("/A"), SpecifierDef, "")
			close(entered)
			<-release
			_ = l.CreatePrim(sdfpath.MustParse("/B"), SpecifierDef, "")
			return nil
		})
		close(done)
	}()

	<-entered
	observed := make(chan bool, 1)
	go func() {
		end := reg.BeginRead()
		defer end()
		observed <- l.HasSpec(sdfpath.MustParse("/A")) == l.HasSpec(sdfpath.MustParse("/B"))
	}()

	select {
	case <-observed:
		t.Fatalf("reader entered while a block was open")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)
	<-done
	if consistent := <-observed; !consistent {
		t.Fatalf("reader observed a partial block")
	}
}

func TestProcessorRunsBeforeReadersAndAfterRunsLater(t *testing.T) {
	reg := NewRegistry()
	l, _ := reg.CreateNew("root.yaml")
	var order []string
	cancel := reg.Subscribe(func(Notice) func() {
		order = append(order, "process")
		return func() {
			end := reg.BeginRead()
			end()
			order = append(order, "after")
		}
	})
	defer cancel()
	_ = l.CreatePrim(sdfpath.MustParse("/A"), SpecifierDef, "")
	if len(order) != 2 || order[0] != "process" || order[1] != "after" {
		t.Fatalf("unexpected order %v", order)
	}
}

func TestFindOrOpenSharesLoads(t *testing.T) {
	loader := newMapLoader()
	loader.delay = 10 * time.Millisecond
	src := New("src")
	_ = src.CreatePrim(sdfpath.MustParse("/Model"), SpecifierDef, "")
	loader.data["assets/model.yaml"] = src.Export()

	reg := NewRegistry(WithLoader(loader))
	var wg sync.WaitGroup
	layers := make([]*Layer, 8)
	for i := range layers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			l, err := reg.FindOrOpen(context.Background(), "assets/./model.yaml")
			if err != nil {
				t.Errorf("open: %v", err)
				return
			}
			layers[i] = l
		}(i)
	}
	wg.Wait()
	for _, l := range layers[1:] {
		if l != layers[0] {
			t.Fatalf("expected one shared layer")
		}
	}
	if n := loader.loads.Load(); n != 1 {
		t.Fatalf("expected a single load, got %d", n)
	}
	if !layers[0].HasSpec(sdfpath.MustParse("/Model")) || layers[0].IsDirty() {
		t.Fatalf("unexpected loaded layer state")
	}
}

func TestFindOrOpenWrapsIOErrors(t *testing.T) {
	reg := NewRegistry(WithLoader(newMapLoader()))
	_, err := reg.FindOrOpen(context.Background(), "missing.yaml")
	if !errors.Is(err, ErrIO) {
		t.Fatalf("expected ErrIO, got %v", err)
	}
	if _, err := NewRegistry().FindOrOpen(context.Background(), "x.yaml"); !errors.Is(err, ErrNoLoader) {
		t.Fatalf("expected ErrNoLoader, got %v", err)
	}
}

func TestSaveAndReload(t *testing.T) {
	loader := newMapLoader()
	reg := NewRegistry(WithLoader(loader))
	l, _ := reg.CreateNew("shot.yaml")
	_ = l.CreatePrim(sdfpath.MustParse("/A"), SpecifierDef, "")
	if !l.IsDirty() {
		t.Fatalf("expected dirty layer after edit")
	}
	if err := reg.Save(context.Background(), l); err != nil {
		t.Fatalf("save: %v", err)
	}
	if l.IsDirty() {
		t.Fatalf("expected clean layer after save")
	}
	_ = l.CreatePrim(sdfpath.MustParse("/B"), SpecifierDef, "")

	var kinds []ChangeKind
	cancel := reg.Listen(func(n Notice) {
		for _, e := range n.For(l) {
			kinds = append(kinds, e.Kind)
		}
	})
	defer cancel()
	if err := reg.Reload(context.Background(), l); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if l.HasSpec(sdfpath.MustParse("/B")) {
		t.Fatalf("reload must discard unsaved edits")
	}
	if len(kinds) != 1 || kinds[0] != ContentReplaced {
		t.Fatalf("expected a content replaced entry, got %v", kinds)
	}
	if err := reg.Save(context.Background(), reg.CreateAnonymous("tmp")); !errors.Is(err, ErrIO) {
		t.Fatalf("anonymous layers cannot be saved, got %v", err)
	}
}

func TestResolveAssetPath(t *testing.T) {
	reg := NewRegistry()
	anchor := New("scenes/shot/root.yaml")
	cases := []struct {
		anchor *Layer
		asset  string
		want   string
	}{
		{anchor, "props/chair.yaml", "scenes/shot/props/chair.yaml"},
		{anchor, "../lib/lamp.yaml", "scenes/lib/lamp.yaml"},
		{anchor, "/abs/x.yaml", "/abs/x.yaml"},
		{New("mem://bucket/a/root.yaml"), "b.yaml", "mem://bucket/a/b.yaml"},
		{nil, "./x.yaml", "x.yaml"},
	}
	for _, tc := range cases {
		if got := reg.ResolveAssetPath(tc.anchor, tc.asset); got != tc.want {
			t.Fatalf("%q: want %q got %q", tc.asset, tc.want, got)
		}
	}
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	reg := NewRegistry()
	if _, err := reg.CreateNew("a.yaml"); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.CreateNew("./a.yaml"); !errors.Is(err, ErrSpecExists) {
		t.Fatalf("expected duplicate identifier error, got %v", err)
	}
	anon := reg.CreateAnonymous("session")
	if !anon.IsAnonymous() {
		t.Fatalf("expected anonymous layer")
	}
	if found, ok := reg.Find(anon.Identifier()); !ok || found != anon {
		t.Fatalf("anonymous layer not registered")
	}
}
