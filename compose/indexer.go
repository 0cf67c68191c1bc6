package compose

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/goliatone/go-scene/exprvar"
	"github.com/goliatone/go-scene/layer"
	"github.com/goliatone/go-scene/listop"
	"github.com/goliatone/go-scene/sdfpath"
)

// maxIndexNodes bounds the size of one prim index graph.
const maxIndexNodes = 4096

// IndexLookup returns the prim index for another path, typically through a
// cache. Relocations use it to graft the source prim's index.
type IndexLookup func(ctx context.Context, path sdfpath.Path) (*PrimIndex, error)

// IndexerOption configures an Indexer.
type IndexerOption func(*Indexer)

// WithVariantFallbacks sets, per variant set name, the selections tried in
// order when no opinion selects a variant.
func WithVariantFallbacks(fallbacks map[string][]string) IndexerOption {
	return func(ix *Indexer) { ix.fallbacks = maps.Clone(fallbacks) }
}

// WithPayloadPredicate decides whether payloads authored on a prim path are
// composed. Without it payloads are never composed.
func WithPayloadPredicate(include func(sdfpath.Path) bool) IndexerOption {
	return func(ix *Indexer) { ix.includePayload = include }
}

// WithIndexLogger sets the logger that receives composition warnings.
func WithIndexLogger(logger *slog.Logger) IndexerOption {
	return func(ix *Indexer) {
		if logger != nil {
			ix.logger = logger
		}
	}
}

// Indexer computes prim indices for one root layer stack.
type Indexer struct {
	root           *LayerStack
	stacks         *LayerStackCache
	engine         *exprvar.Engine
	fallbacks      map[string][]string
	includePayload func(sdfpath.Path) bool
	logger         *slog.Logger
}

// NewIndexer constructs an indexer composing from root. Referenced layer
// stacks are shared through stacks.
func NewIndexer(root *LayerStack, stacks *LayerStackCache, opts ...IndexerOption) *Indexer {
	ix := &Indexer{
		root:   root,
		stacks: stacks,
		engine: stacks.engine,
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(ix)
		}
	}
	return ix
}

// RootStack returns the root layer stack.
func (ix *Indexer) RootStack() *LayerStack { return ix.root }

// Compute builds the prim index for path from the index of its parent. The
// pseudo-root needs no parent. Arc failures are recorded on the index; an
// error is returned only for paths that cannot have an index.
func (ix *Indexer) Compute(ctx context.Context, path sdfpath.Path, parent *PrimIndex, lookup IndexLookup) (*PrimIndex, error) {
	if !path.IsAbsoluteRoot() && (!path.IsAbsolute() || !path.IsPrimPath() || path.ContainsVariantSelection()) {
		return nil, fmt.Errorf("%w: %q is not an absolute prim path", layer.ErrInvalidPath, path.String())
	}
	ctx, span := startIndexSpan(ctx, path.String())
	defer span.End()
	start := time.Now()

	b := &indexBuilder{
		ix:         ix,
		ctx:        ctx,
		path:       path,
		depth:      path.Depth(),
		selections: map[string]string{},
		seenStacks: map[LayerStackKey]bool{ix.root.key: true},
	}
	if path.IsAbsoluteRoot() {
		b.root = &Node{Arc: ArcRoot, Site: Site{Stack: ix.root, Path: path}, Offset: layer.IdentityOffset, HasSpecs: true}
	} else {
		if parent == nil {
			return nil, fmt.Errorf("compose: index for %q needs its parent index", path.String())
		}
		b.root = parent.root.cloneForChild(nil, path.Name())
		b.walk(b.root, func(n *Node) { b.queue = append(b.queue, n) })
		b.count = len(b.queue)
		b.addRelocation(lookup)
	}
	b.run()
	idx := b.finish()

	for _, err := range idx.errors {
		ix.logger.Warn("composition arc dropped", "prim", path.String(), "kind", err.Kind.String(), "site", err.Site, "target", err.Target, "error", err.Err)
	}
	if len(idx.errors) > 0 {
		span.SetStatus(codes.Error, "composition errors")
	}
	setIndexSpanResult(span, len(idx.nodes), len(idx.errors))
	recordIndexMetrics(ctx, time.Since(start), len(idx.nodes), len(idx.errors))
	return idx, nil
}

type indexBuilder struct {
	ix         *Indexer
	ctx        context.Context
	path       sdfpath.Path
	depth      int
	root       *Node
	queue      []*Node
	variants   []*Node
	errors     []*CompositionError
	selections map[string]string
	seenStacks map[LayerStackKey]bool

	hasPayload      bool
	payloadIncluded bool
	count           int
}

func (b *indexBuilder) walk(n *Node, fn func(*Node)) {
	fn(n)
	for _, child := range n.Children {
		b.walk(child, fn)
	}
}

func (b *indexBuilder) fail(kind ErrorKind, site Site, target string, err error) {
	b.errors = append(b.errors, compositionError(kind, site.String(), target, err))
}

func (b *indexBuilder) addRelocation(lookup IndexLookup) {
	source, ok := b.ix.root.RelocationSource(b.path)
	if !ok {
		return
	}
	site := Site{Stack: b.ix.root, Path: source}
	if lookup == nil || source.HasPrefix(b.path) || b.path.HasPrefix(source) {
		b.fail(KindInvalidRelocation, b.root.Site, site.String(), nil)
		return
	}
	if b.ix.root.RelocationCycle(b.path) {
		b.fail(KindArcCycle, b.root.Site, site.String(), errRelocationCycle)
		return
	}
	src, err := lookup(b.ctx, source)
	if err != nil {
		b.fail(KindInvalidRelocation, b.root.Site, site.String(), err)
		return
	}
	g := src.root.graft(b.root)
	g.Arc = ArcRelocate
	g.MapToParent = NewMapFunction(PathPair{Source: source, Target: b.path})
	g.OriginDepth = b.depth
	b.root.Children = append(b.root.Children, g)
	b.errors = append(b.errors, src.errors...)
	b.walk(g, func(*Node) { b.count++ })
}

func (b *indexBuilder) run() {
	for {
		for len(b.queue) > 0 {
			n := b.queue[0]
			b.queue = b.queue[1:]
			b.expand(n)
		}
		if len(b.variants) == 0 {
			return
		}
		// Variants are evaluated strongest node first, once every other arc
		// is known, so selections authored across references are seen.
		n := b.strongestPendingVariant()
		b.expandVariants(n)
	}
}

func (b *indexBuilder) strongestPendingVariant() *Node {
	order := flatten(b.root)
	best, bestRank := 0, len(order)
	for i, n := range b.variants {
		if rank := slices.Index(order, n); rank >= 0 && rank < bestRank {
			best, bestRank = i, rank
		}
	}
	n := b.variants[best]
	b.variants = slices.Delete(b.variants, best, best+1)
	return n
}

func (b *indexBuilder) expand(n *Node) {
	if !n.HasSpecs {
		return
	}
	b.addClassArcs(n, ArcInherit, layer.FieldInheritPaths)
	b.addClassArcs(n, ArcSpecialize, layer.FieldSpecializes)
	b.addReferenceArcs(n, ArcReference, layer.FieldReferences)

	if targets := b.arcTargets(n, layer.FieldPayload); len(targets) > 0 {
		b.hasPayload = true
		if b.ix.includePayload != nil && b.ix.includePayload(b.path) {
			b.payloadIncluded = true
			b.addTargets(n, ArcPayload, targets)
		}
	}
	if len(composeOps[string](n.Site, layer.FieldVariantSetNames)) > 0 {
		b.variants = append(b.variants, n)
	}
}

func (b *indexBuilder) addArc(parent *Node, arc ArcType, site Site, mapFn MapFunction, offset layer.LayerOffset, sibling int, implied bool) (*Node, *CompositionError) {
	if arc != ArcVariant {
		for cur := parent; cur != nil; cur = cur.Parent {
			if !sameStack(cur.Site.Stack, site.Stack) {
				continue
			}
			if site.Path.HasPrefix(cur.Site.Path) || cur.Site.Path.HasPrefix(site.Path) {
				return nil, compositionError(KindArcCycle, parent.Site.String(), site.String(),
					fmt.Errorf("%s arc to %s reaches %s", arc, site, cur.Site))
			}
		}
	}
	if b.count >= maxIndexNodes {
		return nil, compositionError(KindArcCycle, parent.Site.String(), site.String(),
			fmt.Errorf("index exceeds %d nodes", maxIndexNodes))
	}
	n := &Node{
		Arc:         arc,
		Site:        site,
		Parent:      parent,
		MapToParent: mapFn,
		Offset:      offset.Normalize(),
		OriginDepth: b.depth,
		SiblingNum:  sibling,
		Implied:     implied,
		HasSpecs:    site.Stack.HasSpec(site.Path),
	}
	parent.Children = append(parent.Children, n)
	b.count++
	b.queue = append(b.queue, n)
	if !b.seenStacks[site.Stack.key] {
		b.seenStacks[site.Stack.key] = true
		b.errors = append(b.errors, site.Stack.errors...)
	}
	return n, nil
}

func (b *indexBuilder) addClassArcs(n *Node, arc ArcType, field string) {
	for i, target := range composeOps[sdfpath.Path](n.Site, field) {
		site := Site{Stack: n.Site.Stack, Path: target}
		mapFn := NewMapFunction(PathPair{Source: target, Target: n.Site.Path}, rootIdentity())
		if _, err := b.addArc(n, arc, site, mapFn, n.Offset, i, false); err != nil {
			b.errors = append(b.errors, err)
			continue
		}
		b.addImplied(n, arc, target, i)
	}
}

// addImplied propagates a class arc found in a weaker layer stack to the
// stronger stack that composed it, so local opinions on the class win.
func (b *indexBuilder) addImplied(n *Node, arc ArcType, target sdfpath.Path, sibling int) {
	p := n.Parent
	if p == nil || sameStack(p.Site.Stack, n.Site.Stack) {
		return
	}
	mapped := n.MapToParent.Map(target)
	if mapped.IsEmpty() || mapped == p.Site.Path {
		return
	}
	site := Site{Stack: p.Site.Stack, Path: mapped}
	for _, existing := range p.Children {
		if existing.Arc == arc && existing.Site.sameAs(site) {
			return
		}
	}
	mapFn := NewMapFunction(PathPair{Source: mapped, Target: p.Site.Path}, rootIdentity())
	if _, err := b.addArc(p, arc, site, mapFn, p.Offset, sibling, true); err != nil {
		return
	}
	b.addImplied(p, arc, mapped, sibling)
}

// arcTarget is a reference or payload with its asset path resolved.
type arcTarget struct {
	Layer  string
	Path   sdfpath.Path
	Offset layer.LayerOffset
}

func (b *indexBuilder) arcTargets(n *Node, field string) []arcTarget {
	stack := n.Site.Stack
	var ops []listop.ListOp[arcTarget]
	for i := range stack.Len() {
		l, offset := stack.LayerAt(i)
		v, ok := l.ReadField(n.Site.Path, field)
		if !ok {
			continue
		}
		resolve := func(asset string, prim sdfpath.Path, arcOffset layer.LayerOffset) (arcTarget, bool) {
			return b.resolveTarget(n.Site, l, offset, asset, prim, arcOffset)
		}
		switch op := v.(type) {
		case listop.ListOp[layer.Reference]:
			ops = append(ops, listop.Map(op, func(r layer.Reference) (arcTarget, bool) {
				return resolve(r.AssetPath, r.PrimPath, r.Offset)
			}))
		case listop.ListOp[layer.Payload]:
			ops = append(ops, listop.Map(op, func(p layer.Payload) (arcTarget, bool) {
				return resolve(p.AssetPath, p.PrimPath, p.Offset)
			}))
		}
	}
	return listop.Compose(ops...)
}

func (b *indexBuilder) resolveTarget(site Site, l *layer.Layer, layerOffset layer.LayerOffset, asset string, prim sdfpath.Path, arcOffset layer.LayerOffset) (arcTarget, bool) {
	if exprvar.IsExpression(asset) {
		out, err := b.ix.engine.EvaluateString(exprvar.Scope{Vars: site.Stack.vars, Layer: l.Identifier()}, asset)
		if err != nil {
			b.fail(KindInvalidExpression, site, asset, err)
			return arcTarget{}, false
		}
		asset = out
	}
	t := arcTarget{Path: prim, Offset: layerOffset.Compose(arcOffset).Normalize()}
	if asset != "" {
		t.Layer = resolveAsset(b.ix.stacks.reg, l, asset)
	}
	return t, true
}

func (b *indexBuilder) addReferenceArcs(n *Node, arc ArcType, field string) {
	b.addTargets(n, arc, b.arcTargets(n, field))
}

func (b *indexBuilder) addTargets(n *Node, arc ArcType, targets []arcTarget) {
	for i, t := range targets {
		stack := n.Site.Stack
		external := t.Layer != ""
		if external {
			l, err := b.ix.stacks.reg.FindOrOpen(b.ctx, t.Layer)
			if err != nil {
				b.fail(KindLoadFailure, n.Site, t.Layer, err)
				continue
			}
			stack, err = b.ix.stacks.Get(b.ctx, l, nil, n.Site.Stack.vars)
			if err != nil {
				b.fail(KindLoadFailure, n.Site, t.Layer, err)
				continue
			}
		}
		target := t.Path
		if target.IsEmpty() {
			name := stack.Root().DefaultPrim()
			if name == "" {
				b.fail(KindUnresolvedTarget, n.Site, stack.Identifier(), fmt.Errorf("no default prim"))
				continue
			}
			target = sdfpath.AbsoluteRoot().AppendChild(name)
		}
		site := Site{Stack: stack, Path: target}
		if target.IsEmpty() || !stack.HasSpec(target) {
			b.fail(KindUnresolvedTarget, n.Site, site.String(), fmt.Errorf("no prim at target"))
			continue
		}
		pairs := []PathPair{{Source: target, Target: n.Site.Path}}
		if external {
			pairs = append(pairs, rootIdentity())
		}
		if _, err := b.addArc(n, arc, site, NewMapFunction(pairs...), n.Offset.Compose(t.Offset), i, false); err != nil {
			b.errors = append(b.errors, err)
		}
	}
}

func (b *indexBuilder) expandVariants(n *Node) {
	for i, set := range composeOps[string](n.Site, layer.FieldVariantSetNames) {
		sel := b.selectionFor(set, n)
		if sel == "" {
			continue
		}
		vpath := n.Site.Path.AppendVariantSelection(set, sel)
		if vpath.IsEmpty() {
			b.fail(KindInvalidVariantSelection, n.Site, set+"="+sel, fmt.Errorf("invalid variant name"))
			continue
		}
		if _, ok := b.selections[set]; !ok {
			b.selections[set] = sel
		}
		if !n.Site.Stack.HasSpec(vpath) {
			continue
		}
		mapFn := NewMapFunction(PathPair{Source: vpath, Target: n.Site.Path})
		if _, err := b.addArc(n, ArcVariant, Site{Stack: n.Site.Stack, Path: vpath}, mapFn, n.Offset, i, false); err != nil {
			b.errors = append(b.errors, err)
		}
	}
}

// selectionFor returns the strongest authored selection for set across the
// index, then the first fallback that names an existing variant.
func (b *indexBuilder) selectionFor(set string, n *Node) string {
	for _, m := range flatten(b.root) {
		if !m.HasSpecs {
			continue
		}
		stack := m.Site.Stack
		for i := range stack.Len() {
			l, _ := stack.LayerAt(i)
			v, ok := l.ReadField(m.Site.Path, layer.FieldVariantSelection)
			if !ok {
				continue
			}
			sels, _ := v.(map[string]string)
			sel, ok := sels[set]
			if !ok || sel == "" {
				continue
			}
			if exprvar.IsExpression(sel) {
				out, err := b.ix.engine.EvaluateString(exprvar.Scope{Vars: stack.vars, Layer: l.Identifier()}, sel)
				if err != nil {
					b.fail(KindInvalidExpression, m.Site, sel, err)
					continue
				}
				sel = out
			}
			return strings.TrimSpace(sel)
		}
	}
	for _, fallback := range b.ix.fallbacks[set] {
		if n.Site.Stack.HasSpec(n.Site.Path.AppendVariantSelection(set, fallback)) {
			return fallback
		}
	}
	return ""
}

func (b *indexBuilder) finish() *PrimIndex {
	nodes := flatten(b.root)
	seen := map[Dependency]bool{}
	var deps []Dependency
	for _, n := range nodes {
		for _, id := range n.Site.Stack.LayerIDs() {
			d := Dependency{Layer: id, Path: n.Site.Path}
			if !seen[d] {
				seen[d] = true
				deps = append(deps, d)
			}
		}
	}
	slices.SortFunc(deps, func(a, b Dependency) int {
		if c := strings.Compare(a.Layer, b.Layer); c != 0 {
			return c
		}
		return sdfpath.Compare(a.Path, b.Path)
	})
	return &PrimIndex{
		path:            b.path,
		root:            b.root,
		nodes:           nodes,
		errors:          b.errors,
		hasPayload:      b.hasPayload,
		payloadIncluded: b.payloadIncluded,
		selections:      b.selections,
		deps:            deps,
	}
}

// composeOps folds the list op field across the site's layer stack.
func composeOps[T comparable](site Site, field string) []T {
	var ops []listop.ListOp[T]
	for _, l := range site.Stack.layers {
		v, ok := l.ReadField(site.Path, field)
		if !ok {
			continue
		}
		if op, ok := v.(listop.ListOp[T]); ok {
			ops = append(ops, op)
		}
	}
	return listop.Compose(ops...)
}
