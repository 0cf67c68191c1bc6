package scene

import (
	"context"
	"maps"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/goliatone/go-scene/layer"
	"github.com/goliatone/go-scene/pkg/activity"
	"github.com/goliatone/go-scene/sdfpath"
)

// Notice reports the stage paths affected by one change block.
type Notice struct {
	BlockID string
	// Resynced paths were recomposed; their descendants are affected too.
	Resynced []sdfpath.Path
	// ChangedInfo paths kept their composition and only changed resolved
	// values.
	ChangedInfo []sdfpath.Path
	// ChangedFields names the edited fields per ChangedInfo path.
	ChangedFields map[sdfpath.Path][]string
}

// IsEmpty reports whether the notice affects no path.
func (n Notice) IsEmpty() bool {
	return len(n.Resynced) == 0 && len(n.ChangedInfo) == 0
}

// Affects reports whether p, or one of its ancestors, was resynced, or p
// itself changed.
func (n Notice) Affects(p sdfpath.Path) bool {
	for _, r := range n.Resynced {
		if p.HasPrefix(r) {
			return true
		}
	}
	return slices.Contains(n.ChangedInfo, p)
}

// Subscribe registers fn to receive stage notices. Notices are delivered
// after the change block closes, in block order. The returned function
// removes fn.
func (s *Stage) Subscribe(fn func(Notice)) (cancel func()) {
	return s.register(s.subs, fn)
}

// onInvalidate registers fn to run while readers are still excluded, so
// dependent caches drop entries before the next query.
func (s *Stage) onInvalidate(fn func(Notice)) (cancel func()) {
	return s.register(s.invalidates, fn)
}

func (s *Stage) register(into map[int]func(Notice), fn func(Notice)) func() {
	if fn == nil {
		return func() {}
	}
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	into[id] = fn
	s.subMu.Unlock()
	return func() {
		s.subMu.Lock()
		delete(into, id)
		s.subMu.Unlock()
	}
}

func (s *Stage) listeners(from map[int]func(Notice)) []func(Notice) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	ids := slices.Sorted(maps.Keys(from))
	out := make([]func(Notice), 0, len(ids))
	for _, id := range ids {
		out = append(out, from[id])
	}
	return out
}

// process is the registry processor. It runs while readers are excluded,
// drops every index the edits invalidate and returns the delivery step.
func (s *Stage) process(n layer.Notice) func() {
	if s.closed.Load() {
		return nil
	}
	ctx, span := startChangeSpan(context.Background(), n.BlockID, len(n.Layers))
	defer span.End()

	s.mu.Lock()
	notice := s.classify(n)
	s.mu.Unlock()

	span.SetAttributes(
		attribute.Int("scene.resynced", len(notice.Resynced)),
		attribute.Int("scene.changed_info", len(notice.ChangedInfo)),
	)
	if notice.IsEmpty() {
		return nil
	}
	for _, fn := range s.listeners(s.invalidates) {
		fn(notice)
	}
	return func() { s.deliver(ctx, notice, n) }
}

// changeSet accumulates the stage paths of one notice.
type changeSet struct {
	resynced map[sdfpath.Path]struct{}
	changed  map[sdfpath.Path][]string
}

func (c *changeSet) resync(p sdfpath.Path) {
	if !p.IsEmpty() {
		c.resynced[p] = struct{}{}
	}
}

func (c *changeSet) change(p sdfpath.Path, field string) {
	if p.IsEmpty() {
		return
	}
	if !slices.Contains(c.changed[p], field) {
		c.changed[p] = append(c.changed[p], field)
	}
}

// classify maps layer edits to stage paths and invalidates the affected
// indices. Callers hold s.mu under an exclusive epoch.
func (s *Stage) classify(n layer.Notice) Notice {
	c := &changeSet{
		resynced: map[sdfpath.Path]struct{}{},
		changed:  map[sdfpath.Path][]string{},
	}
	schema := s.reg.Schema()
	for _, lc := range n.Layers {
		id := lc.Layer.Identifier()
		for _, e := range lc.Entries {
			switch e.Kind {
			case layer.ContentReplaced:
				s.resyncLayer(c, id)
			case layer.SpecAdded, layer.SpecRemoved:
				s.resyncSpec(c, id, e.Path, e.Type)
			case layer.SpecMoved:
				s.resyncSpec(c, id, e.OldPath, e.Type)
				s.resyncSpec(c, id, e.Path, e.Type)
			case layer.ChildrenReordered:
				s.resyncSite(c, id, e.Path)
			case layer.FieldChanged:
				switch {
				case e.Path.IsAbsoluteRoot():
					if schema.AffectsComposition(e.Field) {
						s.resyncLayer(c, id)
					} else if s.stack.HasLayer(id) {
						c.change(e.Path, e.Field)
					}
				case e.Path.IsPropertyPath():
					for _, prim := range s.dependents(id, e.Path.Parent()) {
						c.change(prim.AppendProperty(e.Path.Name()), e.Field)
					}
				case schema.AffectsComposition(e.Field):
					s.resyncSite(c, id, e.Path)
				default:
					for _, prim := range s.dependents(id, e.Path) {
						c.change(prim, e.Field)
					}
				}
			}
		}
	}
	return c.notice(n.BlockID)
}

// resyncLayer handles edits that may change which layers a stack holds. An
// edit to the root stack recomposes everything; other layers resync the
// indices that consumed them or failed to load them.
func (s *Stage) resyncLayer(c *changeSet, id string) {
	s.stacks.Invalidate(id)
	if s.stale || s.stack.HasLayer(id) {
		s.stale = true
		s.cache.Clear()
		c.resync(sdfpath.AbsoluteRoot())
		return
	}
	for _, p := range s.cache.LayerDependents(id) {
		s.cache.InvalidateSubtree(p)
		c.resync(p)
	}
	for _, p := range s.cache.Paths() {
		idx, ok := s.cache.Peek(p)
		if !ok {
			continue
		}
		for _, err := range idx.Errors() {
			if err.Target == id {
				s.cache.InvalidateSubtree(p)
				c.resync(p)
				break
			}
		}
	}
}

// resyncSpec handles a spec added or removed at site.
func (s *Stage) resyncSpec(c *changeSet, id string, site sdfpath.Path, kind layer.SpecType) {
	switch {
	case kind.IsProperty() || site.IsPropertyPath():
		for _, prim := range s.dependents(id, site.Parent()) {
			c.resync(prim.AppendProperty(site.Name()))
		}
	case kind == layer.SpecTypeVariant || kind == layer.SpecTypeVariantSet || site.IsVariantSelectionPath():
		s.resyncSite(c, id, site.Parent())
	default:
		s.resyncSite(c, id, site)
		for _, parent := range s.dependents(id, site.Parent()) {
			child := parent.AppendChild(site.Name())
			s.cache.InvalidateSubtree(child)
			c.resync(child)
		}
	}
}

// resyncSite resyncs every index that consumed site.
func (s *Stage) resyncSite(c *changeSet, id string, site sdfpath.Path) {
	for _, p := range s.dependents(id, site) {
		s.cache.InvalidateSubtree(p)
		c.resync(p)
	}
}

// dependents returns the stage prims that consumed site of layer id. Sites
// in the root layer stack also name their own stage path, so edits to prims
// that were never queried are still reported.
func (s *Stage) dependents(id string, site sdfpath.Path) []sdfpath.Path {
	out := s.cache.Dependents(id, site)
	if !s.stack.HasLayer(id) {
		return out
	}
	own := site.StripVariantSelections()
	if own.IsEmpty() || !(own.IsAbsoluteRoot() || own.IsPrimPath()) || slices.Contains(out, own) {
		return out
	}
	return append(out, own)
}

// notice reduces the change set: resynced paths under another resynced path
// are dropped, as are value changes under a resync.
func (c *changeSet) notice(blockID string) Notice {
	out := Notice{BlockID: blockID}
	resynced := slices.SortedFunc(maps.Keys(c.resynced), sdfpath.Compare)
	for _, p := range resynced {
		if !coveredBy(p, out.Resynced) {
			out.Resynced = append(out.Resynced, p)
		}
	}
	changed := slices.SortedFunc(maps.Keys(c.changed), sdfpath.Compare)
	for _, p := range changed {
		if coveredBy(p, out.Resynced) {
			continue
		}
		if out.ChangedFields == nil {
			out.ChangedFields = map[sdfpath.Path][]string{}
		}
		out.ChangedInfo = append(out.ChangedInfo, p)
		out.ChangedFields[p] = c.changed[p]
	}
	return out
}

func coveredBy(p sdfpath.Path, roots []sdfpath.Path) bool {
	for _, r := range roots {
		if p.HasPrefix(r) {
			return true
		}
	}
	return false
}

// deliver hands a notice to subscribers and activity hooks once readers are
// readmitted.
func (s *Stage) deliver(ctx context.Context, notice Notice, source layer.Notice) {
	recordNotice(notice)
	s.logger.Debug("stage changed",
		"block", notice.BlockID,
		"resynced", len(notice.Resynced),
		"changed", len(notice.ChangedInfo),
	)
	for _, fn := range s.listeners(s.subs) {
		fn(notice)
	}
	if !s.emitter.Enabled() {
		return
	}
	now := time.Now()
	stage := s.root.Identifier()
	var events []activity.Event
	for _, lc := range source.Layers {
		e := activity.Event{
			Verb:       activity.LayerChanged,
			Stage:      stage,
			BlockID:    notice.BlockID,
			Layer:      layerRef(lc.Layer),
			OccurredAt: now,
		}
		for _, entry := range lc.Entries {
			e.Paths = append(e.Paths, entry.Path.String())
			e.Fields = activity.AddField(e.Fields, entry.Field)
		}
		events = append(events, e)
	}
	if len(notice.Resynced) > 0 {
		events = append(events, activity.Event{
			Verb:       activity.PrimsResynced,
			Stage:      stage,
			BlockID:    notice.BlockID,
			Paths:      pathStrings(notice.Resynced),
			OccurredAt: now,
		})
	}
	if len(notice.ChangedInfo) > 0 {
		e := activity.Event{
			Verb:       activity.ValuesChanged,
			Stage:      stage,
			BlockID:    notice.BlockID,
			Paths:      pathStrings(notice.ChangedInfo),
			OccurredAt: now,
		}
		for _, p := range notice.ChangedInfo {
			for _, f := range notice.ChangedFields[p] {
				e.Fields = activity.AddField(e.Fields, f)
			}
		}
		events = append(events, e)
	}
	if err := s.emitter.Emit(ctx, events...); err != nil {
		s.logger.Warn("activity hooks failed", "block", notice.BlockID, "error", err)
	}
}

func layerRef(l *layer.Layer) activity.LayerRef {
	return activity.LayerRef{
		Identifier: l.Identifier(),
		Version:    l.Version(),
		Anonymous:  l.IsAnonymous(),
	}
}

func pathStrings(paths []sdfpath.Path) []string {
	out := make([]string, len(paths))
	for i, p := range paths {
		out[i] = p.String()
	}
	return out
}
