package layer

import (
	"errors"
	"fmt"

	"github.com/goliatone/go-scene/sdfpath"
)

var (
	// ErrInvalidPath reports a path that does not name a legal spec location:
	// malformed syntax, a missing parent or a path kind that disagrees with
	// the requested spec type.
	ErrInvalidPath = errors.New("layer: invalid path")
	// ErrTypeMismatch reports a field value whose type disagrees with the
	// field schema or with the attribute's declared value type.
	ErrTypeMismatch = errors.New("layer: type mismatch")
	// ErrInvalidField reports a registered field set on a spec type it does
	// not apply to.
	ErrInvalidField = errors.New("layer: field not valid for spec type")
	// ErrSpecNotFound reports an edit addressed to a spec that does not exist.
	ErrSpecNotFound = errors.New("layer: spec not found")
	// ErrSpecExists reports a create or move onto an occupied path.
	ErrSpecExists = errors.New("layer: spec already exists")
	// ErrLayerNotFound reports an identifier unknown to the registry.
	ErrLayerNotFound = errors.New("layer: layer not found")
	// ErrIO wraps storage failures while loading or saving layer content.
	ErrIO = errors.New("layer: io error")
	// ErrParse wraps malformed layer content.
	ErrParse = errors.New("layer: parse error")
	// ErrNoLoader reports a load or save on a registry without a Loader.
	ErrNoLoader = errors.New("layer: registry has no loader")
)

func invalidPath(path sdfpath.Path, reason string) error {
	return fmt.Errorf("%w: %q: %s", ErrInvalidPath, path.String(), reason)
}

func specNotFound(path sdfpath.Path) error {
	return fmt.Errorf("%w: %q", ErrSpecNotFound, path.String())
}
