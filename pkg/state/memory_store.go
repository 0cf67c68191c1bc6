package state

import (
	"context"
	"sync"
	"time"

	"github.com/goliatone/go-scene/layer"
)

// MemoryStore is a minimal in-memory Store implementation intended for tests
// and examples. It uses Ref.Identifier() as its deterministic key and assigns
// a fresh ETag on every save.
type MemoryStore[T any] struct {
	mu      sync.RWMutex
	records map[string]memoryRecord[T]
	clone   func(T) T
}

type memoryRecord[T any] struct {
	snapshot T
	meta     Meta
}

// NewMemoryStore returns an empty store. Snapshots are kept as given.
func NewMemoryStore[T any]() *MemoryStore[T] {
	return &MemoryStore[T]{records: map[string]memoryRecord[T]{}}
}

// NewLayerMemoryStore returns a store of layer content that deep copies data
// on the way in and out.
func NewLayerMemoryStore() *MemoryStore[layer.Data] {
	s := NewMemoryStore[layer.Data]()
	s.clone = cloneData
	return s
}

func (s *MemoryStore[T]) Load(_ context.Context, ref Ref) (T, Meta, bool, error) {
	var zero T
	key, err := ref.Identifier()
	if err != nil {
		return zero, Meta{}, false, err
	}

	s.mu.RLock()
	record, ok := s.records[key]
	s.mu.RUnlock()
	if !ok {
		return zero, Meta{}, false, nil
	}
	return s.copy(record.snapshot), cloneMeta(record.meta), true, nil
}

func (s *MemoryStore[T]) Save(_ context.Context, ref Ref, snapshot T, meta Meta) (Meta, error) {
	key, err := ref.Identifier()
	if err != nil {
		return Meta{}, err
	}

	saved := cloneMeta(meta)
	saved.ETag = newSnapshotID()
	if saved.SnapshotID == "" {
		saved.SnapshotID = saved.ETag
	}
	if saved.UpdatedAt.IsZero() {
		saved.UpdatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	s.records[key] = memoryRecord[T]{snapshot: s.copy(snapshot), meta: saved}
	s.mu.Unlock()
	return cloneMeta(saved), nil
}

// Keys returns the stored identifiers.
func (s *MemoryStore[T]) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.records))
	for key := range s.records {
		out = append(out, key)
	}
	return out
}

func (s *MemoryStore[T]) copy(v T) T {
	if s.clone == nil {
		return v
	}
	return s.clone(v)
}

// cloneData deep copies layer data by importing it into a scratch layer.
func cloneData(data layer.Data) layer.Data {
	scratch := layer.New("state:clone")
	if err := scratch.Import(data); err != nil {
		return data
	}
	return scratch.Export()
}
