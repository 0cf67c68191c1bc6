// Package identity keeps one reference-counted identity per (layer, path) so
// that handles to specs keep following a spec across renames.
package identity

import (
	"sync"
	"sync/atomic"

	"github.com/goliatone/go-scene/sdfpath"
)

const (
	// DefaultSweepFloor is the minimum number of dead entries tolerated before
	// a sweep runs.
	DefaultSweepFloor = 64
	// DefaultDeadRatio bounds dead entries relative to live entries.
	DefaultDeadRatio = 1
)

// Identity is a stable handle for one spec location within a layer. Its path
// changes when the spec moves; the Identity value itself does not.
type Identity struct {
	registry *Registry
	refs     atomic.Int32
	path     sdfpath.Path
	dead     bool
}

// Path returns the current path of the identity. Detached identities (whose
// location was taken over by a move) report the empty path.
func (id *Identity) Path() sdfpath.Path {
	if id == nil || id.registry == nil {
		return sdfpath.Path{}
	}
	id.registry.mu.Lock()
	defer id.registry.mu.Unlock()
	return id.path
}

// Refs returns the current reference count.
func (id *Identity) Refs() int {
	if id == nil {
		return 0
	}
	return int(id.refs.Load())
}

// Retain adds a reference to id and returns it.
func (id *Identity) Retain() *Identity {
	if id != nil {
		id.refs.Add(1)
	}
	return id
}

// Release drops one reference. When the last reference is released the entry
// becomes dead and is reclaimed by a later sweep.
func (id *Identity) Release() {
	if id == nil {
		return
	}
	if id.refs.Add(-1) != 0 {
		return
	}
	if id.registry != nil {
		id.registry.markDead(id)
	}
}

// Option configures a Registry.
type Option func(*Registry)

// WithSweepFloor overrides the minimum dead-entry count that triggers a sweep.
func WithSweepFloor(floor int) Option {
	return func(r *Registry) {
		if floor > 0 {
			r.floor = floor
		}
	}
}

// WithDeadRatio overrides the dead-to-live ratio that triggers a sweep.
func WithDeadRatio(ratio int) Option {
	return func(r *Registry) {
		if ratio > 0 {
			r.ratio = ratio
		}
	}
}

// Registry maps paths to identities for a single layer. All mutations and
// lookups share one mutex: moves and inserts must be atomic with respect to
// sweeps, and every critical section is a map operation.
type Registry struct {
	mu      sync.Mutex
	entries map[sdfpath.Path]*Identity
	dead    int
	floor   int
	ratio   int
	sweeps  int
}

// NewRegistry constructs an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		entries: make(map[sdfpath.Path]*Identity),
		floor:   DefaultSweepFloor,
		ratio:   DefaultDeadRatio,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Identify returns the identity for path, creating it on first use. The
// returned identity carries one new reference owned by the caller.
func (r *Registry) Identify(path sdfpath.Path) *Identity {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.entries[path]; ok {
		id.refs.Add(1)
		if id.dead {
			id.dead = false
			r.dead--
		}
		return id
	}
	id := &Identity{registry: r, path: path}
	id.refs.Store(1)
	r.entries[path] = id
	return id
}

// Lookup returns the identity registered for path without creating one or
// adding a reference.
func (r *Registry) Lookup(path sdfpath.Path) (*Identity, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.entries[path]
	if !ok || id.refs.Load() == 0 {
		return nil, false
	}
	return id, true
}

// MoveIdentity re-points the identity registered at oldPath to newPath. It is
// a no-op when oldPath has no identity. An identity previously registered at
// newPath is detached.
func (r *Registry) MoveIdentity(oldPath, newPath sdfpath.Path) {
	if oldPath == newPath {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.entries[oldPath]
	if !ok {
		return
	}
	delete(r.entries, oldPath)
	r.placeLocked(id, newPath)
}

// placeLocked registers id at path, detaching any identity already there.
func (r *Registry) placeLocked(id *Identity, path sdfpath.Path) {
	if displaced, exists := r.entries[path]; exists {
		displaced.path = sdfpath.Path{}
		if displaced.dead {
			displaced.dead = false
			r.dead--
		}
	}
	id.path = path
	r.entries[path] = id
}

// MoveSubtree moves every identity at or below oldPrefix so that it sits at
// the same relative location below newPrefix.
// The whole subtree moves under one lock hold, so no lookup or sweep sees
// it half moved.
func (r *Registry) MoveSubtree(oldPrefix, newPrefix sdfpath.Path) {
	if oldPrefix == newPrefix {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var moving []*Identity
	for path, id := range r.entries {
		if path.HasPrefix(oldPrefix) {
			moving = append(moving, id)
			delete(r.entries, path)
		}
	}
	for _, id := range moving {
		r.placeLocked(id, id.path.ReplacePrefix(oldPrefix, newPrefix))
	}
}

// Stats reports the number of live and dead entries.
func (r *Registry) Stats() (live, dead int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries) - r.dead, r.dead
}

// Sweeps reports how many reclamation sweeps have run.
func (r *Registry) Sweeps() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sweeps
}

// Sweep removes every dead entry immediately.
func (r *Registry) Sweep() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweepLocked()
}

func (r *Registry) markDead(id *Identity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id.dead || r.entries[id.path] != id || id.refs.Load() != 0 {
		return
	}
	id.dead = true
	r.dead++
	live := len(r.entries) - r.dead
	threshold := max(r.floor, live*r.ratio)
	if r.dead > threshold {
		r.sweepLocked()
	}
}

func (r *Registry) sweepLocked() {
	for path, id := range r.entries {
		if id.refs.Load() == 0 {
			id.dead = false
			delete(r.entries, path)
		}
	}
	r.dead = 0
	r.sweeps++
}
