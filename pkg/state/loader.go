package state

import (
	"context"
	"fmt"

	"github.com/goliatone/go-scene/layer"
)

type storeLoader struct {
	store LayerStore
}

// NewLoader adapts store to the layer.Loader used by layer.Registry. Loading
// an identifier the store does not hold fails with ErrNotFound, which the
// registry reports as layer.ErrIO.
func NewLoader(store LayerStore) layer.Loader {
	return storeLoader{store: store}
}

func (l storeLoader) Load(ctx context.Context, identifier string) (layer.Data, error) {
	data, _, ok, err := l.store.Load(ctx, Ref{Layer: identifier})
	if err != nil {
		return layer.Data{}, err
	}
	if !ok {
		return layer.Data{}, fmt.Errorf("%w: %q", ErrNotFound, identifier)
	}
	return data, nil
}

func (l storeLoader) Save(ctx context.Context, identifier string, data layer.Data) error {
	_, err := l.store.Save(ctx, Ref{Layer: identifier}, data, Meta{SnapshotID: newSnapshotID()})
	return err
}
