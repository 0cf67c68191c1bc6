package state

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/goliatone/go-scene/layer"
)

// Resolver finds stored layers for authored asset paths and applies
// read-modify-write edits to them.
type Resolver struct {
	Store LayerStore
	// SearchPaths are tried, in order, after the anchor's directory when an
	// asset path is relative.
	SearchPaths []string
	// Schema types detached layers built by Load and Mutate.
	Schema *layer.Schema
}

// Resolve returns the identifier of the stored layer that asset, authored in
// the layer anchor, names. Absolute and scheme-qualified asset paths are
// looked up as is.
func (r Resolver) Resolve(ctx context.Context, anchor, asset string) (string, error) {
	if r.Store == nil {
		return "", fmt.Errorf("state: store is required")
	}
	if asset == "" {
		return "", fmt.Errorf("%w: asset path is required", ErrInvalidRef)
	}
	for _, candidate := range r.candidates(anchor, asset) {
		_, _, ok, err := r.Store.Load(ctx, Ref{Layer: candidate})
		if errors.Is(err, ErrInvalidRef) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("state: resolve %q: %w", asset, err)
		}
		if ok {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%w: %q from %q", ErrNotFound, asset, anchor)
}

func (r Resolver) candidates(anchor, asset string) []string {
	if strings.HasPrefix(asset, "/") || strings.Contains(asset, "://") {
		return []string{layer.CanonicalIdentifier(asset)}
	}
	var out []string
	if anchor != "" && !strings.HasPrefix(anchor, layer.AnonymousPrefix) {
		out = append(out, anchoredPath(anchor, asset))
	} else {
		out = append(out, layer.CanonicalIdentifier(asset))
	}
	for _, dir := range r.SearchPaths {
		out = append(out, layer.CanonicalIdentifier(path.Join(dir, asset)))
	}
	return out
}

func anchoredPath(anchor, asset string) string {
	if i := strings.Index(anchor, "://"); i > 0 {
		scheme, rest := anchor[:i], anchor[i+3:]
		return scheme + "://" + strings.TrimPrefix(path.Join(path.Dir(rest), asset), "/")
	}
	return layer.CanonicalIdentifier(path.Join(path.Dir(anchor), asset))
}

// AssetResolver returns a layer.AssetResolver backed by Resolve. Asset paths
// that resolve nowhere fall back to the anchor's directory so that the load
// failure names the expected location.
func (r Resolver) AssetResolver(ctx context.Context) layer.AssetResolver {
	return func(anchor, asset string) string {
		id, err := r.Resolve(ctx, anchor, asset)
		if err == nil {
			return id
		}
		return r.candidates(anchor, asset)[0]
	}
}

// Load returns a detached layer holding the stored content of ref.
func (r Resolver) Load(ctx context.Context, ref Ref) (*layer.Layer, Meta, bool, error) {
	if r.Store == nil {
		return nil, Meta{}, false, fmt.Errorf("state: store is required")
	}
	id, err := ref.Identifier()
	if err != nil {
		return nil, Meta{}, false, err
	}
	data, meta, ok, err := r.Store.Load(ctx, ref)
	if err != nil {
		return nil, Meta{}, false, fmt.Errorf("state: load %q: %w", id, err)
	}
	l := r.detached(id)
	if !ok {
		return l, Meta{}, false, nil
	}
	if err := l.Import(data); err != nil {
		return nil, Meta{}, false, fmt.Errorf("state: load %q: %w", id, err)
	}
	return l, meta, true, nil
}

func (r Resolver) detached(id string) *layer.Layer {
	if r.Schema != nil {
		return layer.New(id, layer.WithLayerSchema(r.Schema))
	}
	return layer.New(id)
}

// Mutate loads the layer for ref, applies fn to a detached copy, then saves
// it. A non-empty meta.ETag must match the stored ETag. Layers that are not
// stored yet start empty. Nothing is saved when fn fails.
func (r Resolver) Mutate(ctx context.Context, ref Ref, meta Meta, fn Mutator) (*layer.Layer, Meta, error) {
	if r.Store == nil {
		return nil, Meta{}, fmt.Errorf("state: store is required")
	}
	if fn == nil {
		return nil, Meta{}, fmt.Errorf("state: mutator is required")
	}
	id, err := ref.Identifier()
	if err != nil {
		return nil, Meta{}, err
	}

	l, loadedMeta, _, err := r.Load(ctx, ref)
	if err != nil {
		return nil, Meta{}, err
	}

	if meta.ETag != "" && loadedMeta.ETag != "" && meta.ETag != loadedMeta.ETag {
		return nil, loadedMeta, fmt.Errorf("%w: expected %q, got %q", ErrETagMismatch, meta.ETag, loadedMeta.ETag)
	}

	if err := fn(l); err != nil {
		return nil, loadedMeta, err
	}

	saveMeta := mergeMeta(loadedMeta, meta)
	saveMeta.SnapshotID = newSnapshotID()
	saveMeta.UpdatedAt = meta.UpdatedAt
	savedMeta, err := r.Store.Save(ctx, Ref{Layer: id}, l.Export(), saveMeta)
	if err != nil {
		return nil, loadedMeta, fmt.Errorf("state: save %q: %w", id, err)
	}
	return l, savedMeta, nil
}
