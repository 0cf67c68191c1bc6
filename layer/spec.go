package layer

import (
	"runtime"
	"sync"

	"github.com/goliatone/go-scene/identity"
	"github.com/goliatone/go-scene/sdfpath"
)

// Spec is a handle to one spec in a layer. It holds a reference on the spec's
// identity, so it keeps addressing the same spec after MoveSpec. A handle
// whose spec was deleted is dormant: reads report nothing and edits fail with
// ErrSpecNotFound.
type Spec struct {
	layer   *Layer
	id      *identity.Identity
	once    sync.Once
	cleanup runtime.Cleanup
}

func newSpec(l *Layer, id *identity.Identity) *Spec {
	s := &Spec{layer: l, id: id}
	s.cleanup = runtime.AddCleanup(s, func(id *identity.Identity) { id.Release() }, id)
	return s
}

// Layer returns the owning layer.
func (s *Spec) Layer() *Layer { return s.layer }

// Path returns the spec's current path.
func (s *Spec) Path() sdfpath.Path { return s.id.Path() }

// Type returns the spec's type, or SpecTypeUnknown when dormant.
func (s *Spec) Type() SpecType { return s.layer.SpecType(s.Path()) }

// IsDormant reports whether the handle no longer addresses an existing spec.
func (s *Spec) IsDormant() bool {
	p := s.Path()
	return p.IsEmpty() || !s.layer.HasSpec(p)
}

// Field returns a copy of the named field.
func (s *Spec) Field(name string) (any, bool) { return s.layer.GetField(s.Path(), name) }

// Fields returns the names of the authored fields.
func (s *Spec) Fields() []string { return s.layer.ListFields(s.Path()) }

// SetField authors a field on the spec.
func (s *Spec) SetField(name string, value any) error {
	p := s.Path()
	if p.IsEmpty() {
		return specNotFound(p)
	}
	return s.layer.SetField(p, name, value)
}

// EraseField removes a field from the spec.
func (s *Spec) EraseField(name string) error {
	p := s.Path()
	if p.IsEmpty() {
		return specNotFound(p)
	}
	return s.layer.EraseField(p, name)
}

// Children returns the paths of the spec's prim children.
func (s *Spec) Children() []sdfpath.Path { return s.layer.Children(s.Path()) }

// Properties returns the paths of the spec's properties.
func (s *Spec) Properties() []sdfpath.Path { return s.layer.Properties(s.Path()) }

// Release drops the handle's identity reference ahead of garbage collection.
// The handle must not be used afterwards.
func (s *Spec) Release() {
	s.once.Do(func() {
		s.cleanup.Stop()
		s.id.Release()
	})
}
