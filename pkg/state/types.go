package state

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/goliatone/go-scene/layer"
)

var ErrInvalidRef = errors.New("state: invalid ref")

var ErrETagMismatch = errors.New("state: etag mismatch")

var ErrNotFound = errors.New("state: layer not stored")

// Ref identifies one persisted layer.
type Ref struct {
	Layer string
}

// Meta is storage-owned metadata used for trace/audit and concurrency control.
type Meta struct {
	SnapshotID string            `json:"snapshot_id,omitempty"`
	ETag       string            `json:"etag,omitempty"`
	UpdatedAt  time.Time         `json:"updated_at,omitempty"`
	Extra      map[string]string `json:"extra,omitempty"`
}

// Store loads/saves one snapshot for a single layer reference.
type Store[T any] interface {
	Load(ctx context.Context, ref Ref) (snapshot T, meta Meta, ok bool, err error)
	Save(ctx context.Context, ref Ref, snapshot T, meta Meta) (Meta, error)
}

// LayerStore stores layer content.
type LayerStore = Store[layer.Data]

// Mutator edits a detached layer inside Resolver.Mutate.
type Mutator func(*layer.Layer) error

// Identifier returns the canonical storage key for r.
func (r Ref) Identifier() (string, error) {
	id := layer.CanonicalIdentifier(strings.TrimSpace(r.Layer))
	switch {
	case id == "" || id == ".":
		return "", fmt.Errorf("%w: layer identifier is required", ErrInvalidRef)
	case strings.HasPrefix(id, layer.AnonymousPrefix):
		return "", fmt.Errorf("%w: anonymous layer %q has no storage key", ErrInvalidRef, id)
	case id == ".." || strings.HasPrefix(id, "../"):
		return "", fmt.Errorf("%w: %q escapes the store root", ErrInvalidRef, id)
	}
	return id, nil
}

func mergeMeta(base, override Meta) Meta {
	out := base
	if override.SnapshotID != "" {
		out.SnapshotID = override.SnapshotID
	}
	if override.ETag != "" {
		out.ETag = override.ETag
	}
	if !override.UpdatedAt.IsZero() {
		out.UpdatedAt = override.UpdatedAt
	}
	if override.Extra != nil {
		out.Extra = override.Extra
	}
	return out
}

func cloneMeta(meta Meta) Meta {
	meta.Extra = maps.Clone(meta.Extra)
	return meta
}

// newSnapshotID returns a fresh snapshot identifier for a save.
func newSnapshotID() string { return uuid.NewString() }
