// Package compose builds layer stacks and prim indices: the ordered set of
// layer stack sites that contribute opinions to each namespace location of a
// stage, gathered by walking sublayer, inherit, variant, relocate, reference,
// payload and specialize arcs.
package compose

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/mitchellh/hashstructure/v2"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/goliatone/go-scene/exprvar"
	"github.com/goliatone/go-scene/layer"
	"github.com/goliatone/go-scene/layering"
	"github.com/goliatone/go-scene/sdfpath"
)

// LayerStackKey identifies a layer stack by its construction inputs.
type LayerStackKey struct {
	Root     string
	Session  string
	VarsHash uint64
}

func (k LayerStackKey) String() string {
	var b strings.Builder
	b.WriteString(k.Root)
	if k.Session != "" {
		b.WriteString("+")
		b.WriteString(k.Session)
	}
	if k.VarsHash != 0 {
		fmt.Fprintf(&b, "#%016x", k.VarsHash)
	}
	return b.String()
}

// HashVariables returns the key component for expression variable overrides.
func HashVariables(vars map[string]any) uint64 {
	if len(vars) == 0 {
		return 0
	}
	h, err := hashstructure.Hash(vars, hashstructure.FormatV2, nil)
	if err != nil {
		return 0
	}
	return h
}

// LayerTree is the sublayer hierarchy of a layer stack.
type LayerTree struct {
	Layer    *layer.Layer
	Offset   layer.LayerOffset
	Children []*LayerTree
}

// String renders the tree one layer per line, indented by depth.
func (t *LayerTree) String() string {
	var b strings.Builder
	t.write(&b, 0)
	return b.String()
}

func (t *LayerTree) write(b *strings.Builder, depth int) {
	if t == nil {
		return
	}
	if t.Layer != nil {
		b.WriteString(strings.Repeat("  ", depth))
		b.WriteString(t.Layer.Identifier())
		if !t.Offset.IsIdentity() {
			fmt.Fprintf(b, " (offset=%g scale=%g)", t.Offset.Offset, t.Offset.Normalize().Scale)
		}
		b.WriteString("\n")
		depth++
	}
	for _, child := range t.Children {
		child.write(b, depth)
	}
}

// LayerStack is the flattened, strength ordered sequence of layers for one
// composition root. It is immutable once built.
type LayerStack struct {
	key       LayerStackKey
	root      *layer.Layer
	session   *layer.Layer
	layers    []*layer.Layer
	offsets   []layer.LayerOffset
	tree      *LayerTree
	vars      map[string]any
	relocates []layer.Relocate
	errors    []*CompositionError
}

// Key returns the stack's cache key.
func (s *LayerStack) Key() LayerStackKey { return s.key }

// Identifier returns a stable identifier for the stack.
func (s *LayerStack) Identifier() string { return s.key.String() }

// Root returns the root layer.
func (s *LayerStack) Root() *layer.Layer { return s.root }

// Session returns the session layer, if any.
func (s *LayerStack) Session() *layer.Layer { return s.session }

// Layers returns the layers strongest first.
func (s *LayerStack) Layers() []*layer.Layer { return slices.Clone(s.layers) }

// Len returns the number of layers.
func (s *LayerStack) Len() int { return len(s.layers) }

// LayerAt returns the i-th strongest layer and its offset to stack time.
func (s *LayerStack) LayerAt(i int) (*layer.Layer, layer.LayerOffset) {
	return s.layers[i], s.offsets[i]
}

// Offset returns the offset mapping l's times into the stack's time.
func (s *LayerStack) Offset(l *layer.Layer) (layer.LayerOffset, bool) {
	for i, candidate := range s.layers {
		if candidate == l {
			return s.offsets[i], true
		}
	}
	return layer.IdentityOffset, false
}

// HasLayer reports whether the stack contains the layer with identifier id.
func (s *LayerStack) HasLayer(id string) bool {
	id = layer.CanonicalIdentifier(id)
	for _, l := range s.layers {
		if l.Identifier() == id {
			return true
		}
	}
	return false
}

// LayerIDs returns the identifiers of the stack's layers, strongest first.
func (s *LayerStack) LayerIDs() []string {
	out := make([]string, len(s.layers))
	for i, l := range s.layers {
		out[i] = l.Identifier()
	}
	return out
}

// Tree returns the sublayer hierarchy.
func (s *LayerStack) Tree() *LayerTree { return s.tree }

// ExpressionVariables returns a copy of the composed expression variables.
func (s *LayerStack) ExpressionVariables() map[string]any { return layering.Clone(s.vars) }

// Relocates returns the composed relocations.
func (s *LayerStack) Relocates() []layer.Relocate { return slices.Clone(s.relocates) }

// RelocationSource returns the source relocated to target.
func (s *LayerStack) RelocationSource(target sdfpath.Path) (sdfpath.Path, bool) {
	for _, r := range s.relocates {
		if r.Target == target {
			return r.Source, true
		}
	}
	return sdfpath.Path{}, false
}

// RelocationCycle reports whether composing target needs, through the
// relocation sources it grafts and their relocated ancestors, an index that
// in turn needs target or another path already on that chain.
func (s *LayerStack) RelocationCycle(target sdfpath.Path) bool {
	onChain := map[sdfpath.Path]bool{}
	done := map[sdfpath.Path]bool{}
	var visit func(t sdfpath.Path) bool
	visit = func(t sdfpath.Path) bool {
		if onChain[t] {
			return true
		}
		if done[t] {
			return false
		}
		source, ok := s.RelocationSource(t)
		if !ok {
			return false
		}
		onChain[t] = true
		for _, r := range s.relocates {
			if source.HasPrefix(r.Target) && visit(r.Target) {
				return true
			}
		}
		onChain[t] = false
		done[t] = true
		return false
	}
	return visit(target)
}

// IsRelocationSource reports whether p was relocated away.
func (s *LayerStack) IsRelocationSource(p sdfpath.Path) bool {
	for _, r := range s.relocates {
		if r.Source == p {
			return true
		}
	}
	return false
}

// Errors returns the non-fatal errors recorded while building the stack.
func (s *LayerStack) Errors() []*CompositionError { return slices.Clone(s.errors) }

// HasSpec reports whether any layer has a spec at p.
func (s *LayerStack) HasSpec(p sdfpath.Path) bool {
	for _, l := range s.layers {
		if l.HasSpec(p) {
			return true
		}
	}
	return false
}

// StackOption configures BuildLayerStack.
type StackOption func(*stackConfig)

type stackConfig struct {
	overrides map[string]any
	engine    *exprvar.Engine
}

// WithVariableOverrides sets expression variables that win over every layer
// in the stack, such as those of a referencing stack.
func WithVariableOverrides(vars map[string]any) StackOption {
	return func(cfg *stackConfig) { cfg.overrides = vars }
}

// WithExpressionEngine sets the engine used for expression sublayer paths.
func WithExpressionEngine(engine *exprvar.Engine) StackOption {
	return func(cfg *stackConfig) { cfg.engine = engine }
}

// BuildLayerStack flattens the session layer (when not nil) and the root
// layer with their sublayers into a stack: session first, then the root
// followed by its sublayers depth first in authored order. The session
// layer's sublayer op edits the root's list instead of adding its own. Sublayers are
// opened through reg. A sublayer that cannot be opened is skipped and
// recorded; a sublayer cycle fails the build with ErrComposition.
func BuildLayerStack(ctx context.Context, reg *layer.Registry, root, session *layer.Layer, opts ...StackOption) (*LayerStack, error) {
	if root == nil {
		return nil, fmt.Errorf("%w: nil root layer", layer.ErrLayerNotFound)
	}
	cfg := stackConfig{}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if cfg.engine == nil {
		cfg.engine = defaultEngine()
	}

	ctx, span := startStackSpan(ctx, root.Identifier())
	defer span.End()
	start := time.Now()

	key := LayerStackKey{Root: root.Identifier(), VarsHash: HashVariables(cfg.overrides)}
	if session != nil {
		key.Session = session.Identifier()
	}
	b := &stackBuilder{
		ctx:    ctx,
		reg:    reg,
		engine: cfg.engine,
		stack:  &LayerStack{key: key, root: root, session: session, tree: &LayerTree{}},
	}

	// Sublayer expressions see the session and root variables only.
	var sessionVars map[string]any
	if session != nil {
		sessionVars = session.ExpressionVariables()
	}
	b.vars = layering.MergeDictionaries(nil, cfg.overrides, sessionVars, root.ExpressionVariables())

	rootSubs := root.SubLayers()
	if session != nil {
		if err := b.add(session, layer.IdentityOffset, b.stack.tree, nil, nil); err != nil {
			return b.fail(ctx, span, start, err)
		}
		rootSubs = layer.ResolveSubLayers(session.SubLayersOp(), root.SubLayersOp())
	}
	if err := b.add(root, layer.IdentityOffset, b.stack.tree, nil, rootSubs); err != nil {
		return b.fail(ctx, span, start, err)
	}

	dicts := make([]map[string]any, 0, len(b.stack.layers)+1)
	dicts = append(dicts, cfg.overrides)
	for _, l := range b.stack.layers {
		dicts = append(dicts, l.ExpressionVariables())
	}
	b.stack.vars = layering.MergeDictionaries(nil, dicts...)
	if b.stack.vars == nil {
		b.stack.vars = map[string]any{}
	}
	b.stack.relocates = composeRelocates(b.stack.layers)

	recordStackMetrics(ctx, time.Since(start), len(b.stack.layers), true)
	return b.stack, nil
}

type stackBuilder struct {
	ctx    context.Context
	reg    *layer.Registry
	engine *exprvar.Engine
	vars   map[string]any
	stack  *LayerStack
}

func (b *stackBuilder) fail(ctx context.Context, span trace.Span, start time.Time, err error) (*LayerStack, error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, "layer stack build failed")
	recordStackMetrics(ctx, time.Since(start), len(b.stack.layers), false)
	return nil, err
}

func (b *stackBuilder) add(l *layer.Layer, offset layer.LayerOffset, parent *LayerTree, visiting []string, subs []layer.SubLayer) error {
	id := l.Identifier()
	if slices.Contains(visiting, id) {
		return compositionError(KindSublayerCycle, visiting[len(visiting)-1], id,
			fmt.Errorf("cycle %s", strings.Join(append(slices.Clone(visiting), id), " -> ")))
	}
	node := &LayerTree{Layer: l, Offset: offset}
	parent.Children = append(parent.Children, node)
	if !slices.Contains(b.stack.layers, l) {
		b.stack.layers = append(b.stack.layers, l)
		b.stack.offsets = append(b.stack.offsets, offset.Normalize())
	}
	visiting = append(visiting, id)

	for _, sub := range subs {
		asset, err := b.engine.EvaluateString(exprvar.Scope{Vars: b.vars, Layer: id}, sub.AssetPath)
		if err != nil {
			b.stack.errors = append(b.stack.errors, compositionError(KindInvalidExpression, id, sub.AssetPath, err))
			continue
		}
		if asset == "" {
			continue
		}
		target := resolveAsset(b.reg, l, asset)
		if slices.Contains(visiting, target) {
			return compositionError(KindSublayerCycle, id, target,
				fmt.Errorf("cycle %s", strings.Join(append(slices.Clone(visiting), target), " -> ")))
		}
		subLayer, err := openLayer(b.ctx, b.reg, target)
		if err != nil {
			b.stack.errors = append(b.stack.errors, compositionError(KindLoadFailure, id, target, err))
			continue
		}
		if err := b.add(subLayer, offset.Compose(sub.Offset), node, visiting, subLayer.SubLayers()); err != nil {
			return err
		}
	}
	return nil
}

func resolveAsset(reg *layer.Registry, anchor *layer.Layer, asset string) string {
	if reg == nil {
		return layer.CanonicalIdentifier(asset)
	}
	return reg.ResolveAssetPath(anchor, asset)
}

func openLayer(ctx context.Context, reg *layer.Registry, id string) (*layer.Layer, error) {
	if reg == nil {
		return nil, fmt.Errorf("%w: %q", layer.ErrLayerNotFound, id)
	}
	return reg.FindOrOpen(ctx, id)
}

// composeRelocates keeps the strongest relocation for each source.
func composeRelocates(layers []*layer.Layer) []layer.Relocate {
	seen := map[sdfpath.Path]bool{}
	var out []layer.Relocate
	for _, l := range layers {
		for _, r := range l.Relocates() {
			if seen[r.Source] {
				continue
			}
			seen[r.Source] = true
			out = append(out, r)
		}
	}
	slices.SortStableFunc(out, func(a, b layer.Relocate) int { return sdfpath.Compare(a.Source, b.Source) })
	return out
}
