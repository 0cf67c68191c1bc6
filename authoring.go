package scene

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/goliatone/go-scene/layer"
	"github.com/goliatone/go-scene/pkg/activity"
	"github.com/goliatone/go-scene/sdfpath"
)

// EditTarget returns the layer that stage-level edits author into.
func (s *Stage) EditTarget() *layer.Layer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.editTarget
}

// SetEditTarget directs stage-level edits to l, which must belong to the
// root layer stack.
func (s *Stage) SetEditTarget(ctx context.Context, l *layer.Layer) error {
	if l == nil {
		return ErrInvalidEditTarget
	}
	end := s.reg.BeginRead()
	defer end()
	if _, _, err := s.current(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.stack.HasLayer(l.Identifier()) {
		return fmt.Errorf("%w: %s", ErrInvalidEditTarget, l.Identifier())
	}
	s.editTarget = l
	return nil
}

// ensureOver creates over specs in l for path and any missing ancestors.
func ensureOver(l *layer.Layer, path sdfpath.Path) error {
	if path.IsAbsoluteRoot() || l.HasSpec(path) {
		return nil
	}
	if err := ensureOver(l, path.Parent()); err != nil {
		return err
	}
	return l.CreatePrim(path, layer.SpecifierOver, "")
}

// SetVariantSelection authors the selection for set on the prim at path in
// the edit target. An empty selection clears the authored selection.
func (s *Stage) SetVariantSelection(ctx context.Context, path sdfpath.Path, set, selection string) error {
	if err := checkPrimPath(path); err != nil {
		return err
	}
	if path.IsAbsoluteRoot() || set == "" {
		return fmt.Errorf("%w: variant selection needs a prim and a set name", layer.ErrInvalidField)
	}
	target := s.EditTarget()
	return s.reg.ChangeBlock(ctx, func(context.Context) error {
		if err := ensureOver(target, path); err != nil {
			return err
		}
		selections := map[string]string{}
		if v, ok := target.GetField(path, layer.FieldVariantSelection); ok {
			if current, ok := v.(map[string]string); ok {
				maps.Copy(selections, current)
			}
		}
		if selection == "" {
			delete(selections, set)
		} else {
			selections[set] = selection
		}
		if len(selections) == 0 {
			return target.EraseField(path, layer.FieldVariantSelection)
		}
		return target.SetField(path, layer.FieldVariantSelection, selections)
	})
}

// SetValue authors value for field on the prim or property at path in the
// edit target, creating over specs for missing prims. Attribute values need
// an existing attribute spec somewhere in the stage; its value type is
// copied to the new spec.
func (s *Stage) SetValue(ctx context.Context, path sdfpath.Path, field string, value any) error {
	prim := path
	if path.IsPropertyPath() {
		prim = path.Parent()
	}
	if err := checkPrimPath(prim); err != nil {
		return err
	}
	typeName := ""
	if path.IsPropertyPath() && !s.EditTarget().HasSpec(path) {
		v, ok, err := s.GetValue(ctx, path, layer.FieldTypeName, DefaultTime)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: no attribute at %s", layer.ErrSpecNotFound, path)
		}
		typeName, _ = v.(string)
	}
	if field == "" {
		field = layer.FieldDefault
	}
	target := s.EditTarget()
	return s.reg.ChangeBlock(ctx, func(context.Context) error {
		if err := ensureOver(target, prim); err != nil {
			return err
		}
		if path.IsPropertyPath() && !target.HasSpec(path) {
			if err := target.CreateAttribute(path, typeName); err != nil {
				return err
			}
		}
		return target.SetField(path, field, value)
	})
}

// Load composes the payloads on path and its descendants.
func (s *Stage) Load(ctx context.Context, path sdfpath.Path) error {
	return s.setLoadRule(ctx, path, true)
}

// Unload stops composing the payloads on path and its descendants.
func (s *Stage) Unload(ctx context.Context, path sdfpath.Path) error {
	return s.setLoadRule(ctx, path, false)
}

// setLoadRule records a load rule for path, replacing rules below it, and
// resyncs path.
func (s *Stage) setLoadRule(ctx context.Context, path sdfpath.Path, load bool) error {
	if err := checkPrimPath(path); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}
	notice := Notice{Resynced: []sdfpath.Path{path}}
	err := s.reg.ChangeBlock(ctx, func(context.Context) error {
		s.loadMu.Lock()
		for p := range s.loads {
			if p.HasPrefix(path) {
				delete(s.loads, p)
			}
		}
		s.loads[path] = load
		s.loadMu.Unlock()

		s.mu.Lock()
		if !s.stale {
			s.cache.InvalidateSubtree(path)
		}
		s.mu.Unlock()
		for _, fn := range s.listeners(s.invalidates) {
			fn(notice)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.deliver(ctx, notice, layer.Notice{})
	return nil
}

// includePayload applies the deepest load rule covering path, falling back
// to the load policy.
func (s *Stage) includePayload(path sdfpath.Path) bool {
	s.loadMu.RLock()
	defer s.loadMu.RUnlock()
	for p := path; !p.IsEmpty(); p = p.Parent() {
		if load, ok := s.loads[p]; ok {
			return load
		}
	}
	return s.cfg.loadPolicy == LoadAll
}

// IsLoaded reports whether payloads on path are composed.
func (s *Stage) IsLoaded(path sdfpath.Path) bool {
	return s.includePayload(path)
}

// Save writes every dirty, non-anonymous layer of the root layer stack and
// reports each saved layer to the activity hooks.
func (s *Stage) Save(ctx context.Context) error {
	stack, err := s.LayerStack(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, l := range stack.Layers() {
		if l.IsAnonymous() || !l.IsDirty() {
			continue
		}
		if err := s.reg.Save(ctx, l); err != nil {
			errs = append(errs, err)
			continue
		}
		event := activity.Event{
			Verb:       activity.LayerSaved,
			Stage:      s.root.Identifier(),
			Layer:      layerRef(l),
			OccurredAt: time.Now(),
		}
		if err := s.emitter.Emit(ctx, event); err != nil {
			s.logger.Warn("activity hooks failed", "layer", l.Identifier(), "error", err)
		}
	}
	return errors.Join(errs...)
}
