// Package scene composes a root layer stack into a stage: a namespace of
// prims whose fields and attribute values are resolved from the strength
// ordered opinions of every contributing layer.
//
// A Stage keeps one prim index per queried path and subscribes to its
// registry's change notices. Each notice invalidates exactly the indices
// that consumed an edited layer site, and subscribers receive the stage
// paths that were resynced or only changed in value.
package scene

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"slices"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/goliatone/go-scene/compose"
	"github.com/goliatone/go-scene/exprvar"
	"github.com/goliatone/go-scene/layer"
	"github.com/goliatone/go-scene/pkg/activity"
	"github.com/goliatone/go-scene/sdfpath"
)

// Stage is the composed view of a root layer stack.
//
// Queries may run concurrently. They must not be issued from inside a
// registry change block on the same goroutine.
type Stage struct {
	cfg     stageConfig
	reg     *layer.Registry
	root    *layer.Layer
	session *layer.Layer
	logger  *slog.Logger
	engine  *exprvar.Engine
	stacks  *compose.LayerStackCache
	emitter *activity.Emitter

	mu         sync.Mutex
	stack      *compose.LayerStack
	cache      *compose.IndexCache
	stale      bool
	editTarget *layer.Layer

	loadMu sync.RWMutex
	loads  map[sdfpath.Path]bool

	subMu       sync.Mutex
	subs        map[int]func(Notice)
	invalidates map[int]func(Notice)
	nextSub     int

	unsubscribe func()
	closed      atomic.Bool
}

// Open finds or loads rootID through the configured registry and composes a
// stage over it.
func Open(ctx context.Context, rootID string, opts ...Option) (*Stage, error) {
	cfg := applyOptions(opts)
	reg := cfg.registry
	if reg == nil {
		reg = layer.NewRegistry(layer.WithLogger(cfg.logger))
		opts = append(opts, WithRegistry(reg))
	}
	root, err := reg.FindOrOpen(ctx, rootID)
	if err != nil {
		return nil, fmt.Errorf("scene: open %q: %w", rootID, err)
	}
	return New(ctx, root, opts...)
}

// New composes a stage over root, which must be registered. A sublayer cycle
// in the root layer stack fails the stage.
func New(ctx context.Context, root *layer.Layer, opts ...Option) (*Stage, error) {
	if root == nil {
		return nil, ErrUnregisteredLayer
	}
	cfg := applyOptions(opts)
	reg := cfg.registry
	if reg == nil {
		reg = root.Registry()
	}
	if reg == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnregisteredLayer, root.Identifier())
	}

	engine := cfg.engine
	if engine == nil {
		var err error
		engine, err = exprvar.New(
			exprvar.WithEvaluator(cfg.evaluator),
			exprvar.WithProgramCache(cfg.programCache),
			exprvar.WithObserver(exprvar.SlogObserver(cfg.logger)),
		)
		if err != nil {
			return nil, fmt.Errorf("scene: expression engine: %w", err)
		}
	}

	s := &Stage{
		cfg:         cfg,
		reg:         reg,
		root:        root,
		session:     cfg.session,
		logger:      cfg.logger.With("stage", root.Identifier()),
		engine:      engine,
		emitter:     activity.NewEmitter(cfg.activityHooks, cfg.activityConfig),
		editTarget:  root,
		loads:       make(map[sdfpath.Path]bool),
		subs:        make(map[int]func(Notice)),
		invalidates: make(map[int]func(Notice)),
	}
	var stackOpts []compose.CacheOption
	if cfg.shards > 0 {
		stackOpts = append(stackOpts, compose.WithShards(cfg.shards))
	}
	s.stacks = compose.NewLayerStackCache(reg, append(stackOpts, compose.WithEngine(engine))...)

	end := reg.BeginRead()
	err := s.rebuildLocked(ctx)
	end()
	if err != nil {
		return nil, err
	}
	s.unsubscribe = reg.Subscribe(s.process)
	s.logger.Debug("stage opened", "layers", s.stack.LayerIDs())
	return s, nil
}

// rebuildLocked recomposes the root layer stack and starts an empty index
// cache. Callers hold s.mu or own s exclusively.
func (s *Stage) rebuildLocked(ctx context.Context) error {
	stack, err := s.stacks.Get(ctx, s.root, s.session, s.cfg.variables)
	if err != nil {
		return fmt.Errorf("scene: root layer stack: %w", err)
	}
	ixOpts := []compose.IndexerOption{
		compose.WithPayloadPredicate(s.includePayload),
		compose.WithIndexLogger(s.logger),
	}
	if len(s.cfg.fallbacks) > 0 {
		ixOpts = append(ixOpts, compose.WithVariantFallbacks(s.cfg.fallbacks))
	}
	var cacheOpts []compose.CacheOption
	if s.cfg.shards > 0 {
		cacheOpts = append(cacheOpts, compose.WithShards(s.cfg.shards))
	}
	s.stack = stack
	s.cache = compose.NewIndexCache(compose.NewIndexer(stack, s.stacks, ixOpts...), cacheOpts...)
	s.stale = false
	if !stack.HasLayer(s.editTarget.Identifier()) {
		s.editTarget = s.root
	}
	return nil
}

// current returns the live index cache and root stack, recomposing the
// stack first when an edit made it stale.
func (s *Stage) current(ctx context.Context) (*compose.IndexCache, *compose.LayerStack, error) {
	if s.closed.Load() {
		return nil, nil, ErrClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stale {
		if err := s.rebuildLocked(ctx); err != nil {
			return nil, nil, err
		}
	}
	return s.cache, s.stack, nil
}

// Close detaches the stage from its registry. Later queries fail with
// ErrClosed.
func (s *Stage) Close() {
	if s.closed.Swap(true) {
		return
	}
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	s.subMu.Lock()
	clear(s.subs)
	clear(s.invalidates)
	s.subMu.Unlock()
}

// Registry returns the registry owning the stage's layers.
func (s *Stage) Registry() *layer.Registry { return s.reg }

// RootLayer returns the stage's root layer.
func (s *Stage) RootLayer() *layer.Layer { return s.root }

// SessionLayer returns the session layer, or nil.
func (s *Stage) SessionLayer() *layer.Layer { return s.session }

// Engine returns the expression engine used for expression-valued asset
// paths and variant selections.
func (s *Stage) Engine() *exprvar.Engine { return s.engine }

// LayerStack returns the composed root layer stack.
func (s *Stage) LayerStack(ctx context.Context) (*compose.LayerStack, error) {
	end := s.reg.BeginRead()
	defer end()
	_, stack, err := s.current(ctx)
	return stack, err
}

// CacheStats returns the prim index cache size and its hit and miss counts.
func (s *Stage) CacheStats() (size int, hits, misses int64) {
	s.mu.Lock()
	cache := s.cache
	s.mu.Unlock()
	hits, misses = cache.Stats()
	return cache.Len(), hits, misses
}

func notFound(p sdfpath.Path) error {
	return fmt.Errorf("%w: %s", ErrNotFound, p)
}

func checkPrimPath(p sdfpath.Path) error {
	if p.IsAbsoluteRoot() {
		return nil
	}
	if !p.IsAbsolute() || !p.IsPrimPath() || p.ContainsVariantSelection() {
		return fmt.Errorf("%w: %q is not an absolute prim path", layer.ErrInvalidPath, p)
	}
	return nil
}

// GetComposedIndex returns the prim index at path. It fails with ErrNotFound
// when no layer defines the prim, when an ancestor is inactive or when the
// prim was relocated away.
func (s *Stage) GetComposedIndex(ctx context.Context, path sdfpath.Path) (*compose.PrimIndex, error) {
	if err := checkPrimPath(path); err != nil {
		return nil, err
	}
	end := s.reg.BeginRead()
	defer end()
	cache, _, err := s.current(ctx)
	if err != nil {
		return nil, err
	}
	return s.lookup(ctx, cache, path)
}

func (s *Stage) index(ctx context.Context, cache *compose.IndexCache, path sdfpath.Path) (*compose.PrimIndex, error) {
	_, hit := cache.Peek(path)
	recordIndexLookup(hit)
	return cache.Get(ctx, path)
}

// lookup returns the index for a present prim. Callers hold a read epoch.
func (s *Stage) lookup(ctx context.Context, cache *compose.IndexCache, path sdfpath.Path) (*compose.PrimIndex, error) {
	if path.IsAbsoluteRoot() {
		return s.index(ctx, cache, path)
	}
	parent, err := s.lookup(ctx, cache, path.Parent())
	if err != nil {
		return nil, err
	}
	if !parent.Path().IsAbsoluteRoot() && !isActive(parent) {
		return nil, notFound(path)
	}
	if !slices.Contains(parent.ChildNames(), path.Name()) {
		return nil, notFound(path)
	}
	idx, err := s.index(ctx, cache, path)
	if err != nil {
		return nil, err
	}
	if !idx.HasSpecs() {
		return nil, notFound(path)
	}
	return idx, nil
}

// isActive resolves the active metadata; prims are active unless an opinion
// says otherwise.
func isActive(idx *compose.PrimIndex) bool {
	v, ok := resolvePlain(idx.Opinions(), layer.FieldActive)
	if !ok {
		return true
	}
	active, isBool := v.(bool)
	return !isBool || active
}

// HasPrim reports whether path names a present prim.
func (s *Stage) HasPrim(ctx context.Context, path sdfpath.Path) bool {
	_, err := s.GetComposedIndex(ctx, path)
	return err == nil
}

// IsActive reports whether the prim at path is active.
func (s *Stage) IsActive(ctx context.Context, path sdfpath.Path) (bool, error) {
	idx, err := s.GetComposedIndex(ctx, path)
	if err != nil {
		return false, err
	}
	return isActive(idx), nil
}

// GetChildren returns the paths of the present, active children of path in
// composed order.
func (s *Stage) GetChildren(ctx context.Context, path sdfpath.Path) ([]sdfpath.Path, error) {
	if err := checkPrimPath(path); err != nil {
		return nil, err
	}
	end := s.reg.BeginRead()
	defer end()
	cache, _, err := s.current(ctx)
	if err != nil {
		return nil, err
	}
	idx, err := s.lookup(ctx, cache, path)
	if err != nil {
		return nil, err
	}
	return s.children(ctx, cache, idx)
}

func (s *Stage) children(ctx context.Context, cache *compose.IndexCache, idx *compose.PrimIndex) ([]sdfpath.Path, error) {
	if !idx.Path().IsAbsoluteRoot() && !isActive(idx) {
		return nil, nil
	}
	var out []sdfpath.Path
	for _, name := range idx.ChildNames() {
		child := idx.Path().AppendChild(name)
		if child.IsEmpty() {
			continue
		}
		cidx, err := s.index(ctx, cache, child)
		if err != nil {
			return nil, err
		}
		if !cidx.HasSpecs() || !isActive(cidx) {
			continue
		}
		out = append(out, child)
	}
	return out, nil
}

// GetProperties returns the composed property paths of the prim at path.
func (s *Stage) GetProperties(ctx context.Context, path sdfpath.Path) ([]sdfpath.Path, error) {
	idx, err := s.GetComposedIndex(ctx, path)
	if err != nil {
		return nil, err
	}
	names := idx.PropertyNames()
	out := make([]sdfpath.Path, 0, len(names))
	for _, name := range names {
		if p := path.AppendProperty(name); !p.IsEmpty() {
			out = append(out, p)
		}
	}
	return out, nil
}

// Traverse visits the present, active prims under root in pre-order. When fn
// returns false the prim's descendants are skipped.
func (s *Stage) Traverse(ctx context.Context, root sdfpath.Path, fn func(*compose.PrimIndex) bool) error {
	if err := checkPrimPath(root); err != nil {
		return err
	}
	end := s.reg.BeginRead()
	defer end()
	cache, _, err := s.current(ctx)
	if err != nil {
		return err
	}
	idx, err := s.lookup(ctx, cache, root)
	if err != nil {
		return err
	}
	return s.traverse(ctx, cache, idx, fn)
}

func (s *Stage) traverse(ctx context.Context, cache *compose.IndexCache, idx *compose.PrimIndex, fn func(*compose.PrimIndex) bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !fn(idx) {
		return nil
	}
	children, err := s.children(ctx, cache, idx)
	if err != nil {
		return err
	}
	for _, child := range children {
		cidx, err := s.index(ctx, cache, child)
		if err != nil {
			return err
		}
		if err := s.traverse(ctx, cache, cidx, fn); err != nil {
			return err
		}
	}
	return nil
}

// Prefetch computes the indices of every prim under roots. Sibling subtrees
// are composed in parallel.
func (s *Stage) Prefetch(ctx context.Context, roots ...sdfpath.Path) error {
	if len(roots) == 0 {
		roots = []sdfpath.Path{sdfpath.AbsoluteRoot()}
	}
	for _, root := range roots {
		if err := checkPrimPath(root); err != nil {
			return err
		}
	}
	end := s.reg.BeginRead()
	defer end()
	cache, _, err := s.current(ctx)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	var visit func(p sdfpath.Path) error
	visit = func(p sdfpath.Path) error {
		idx, err := s.index(gctx, cache, p)
		if err != nil {
			return err
		}
		children, err := s.children(gctx, cache, idx)
		if err != nil {
			return err
		}
		for _, child := range children {
			if !g.TryGo(func() error { return visit(child) }) {
				if err := visit(child); err != nil {
					return err
				}
			}
		}
		return nil
	}
	for _, root := range roots {
		if _, err := s.lookup(ctx, cache, root); err != nil {
			return err
		}
		g.Go(func() error { return visit(root) })
	}
	return g.Wait()
}

// CompositionErrors returns the errors recorded while composing the prim at
// path. The root path also reports root layer stack errors.
func (s *Stage) CompositionErrors(ctx context.Context, path sdfpath.Path) ([]*compose.CompositionError, error) {
	if err := checkPrimPath(path); err != nil {
		return nil, err
	}
	end := s.reg.BeginRead()
	defer end()
	cache, stack, err := s.current(ctx)
	if err != nil {
		return nil, err
	}
	idx, err := s.lookup(ctx, cache, path)
	if err != nil {
		return nil, err
	}
	var out []*compose.CompositionError
	if path.IsAbsoluteRoot() {
		out = append(out, stack.Errors()...)
	}
	return append(out, idx.Errors()...), nil
}

// HasCompositionErrors reports whether composing path recorded errors.
func (s *Stage) HasCompositionErrors(ctx context.Context, path sdfpath.Path) (bool, error) {
	errs, err := s.CompositionErrors(ctx, path)
	return len(errs) > 0, err
}
