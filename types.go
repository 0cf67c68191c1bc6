package scene

import (
	"errors"
	"math"
)

// ErrNotFound reports a query for a path with no composed prim.
var ErrNotFound = errors.New("scene: prim not found")

// ErrInvalidEditTarget reports an edit target outside the stage's root layer
// stack.
var ErrInvalidEditTarget = errors.New("scene: edit target is not in the root layer stack")

// ErrUnregisteredLayer reports a root layer that no registry owns.
var ErrUnregisteredLayer = errors.New("scene: root layer is not registered")

// ErrClosed reports a query on a closed stage.
var ErrClosed = errors.New("scene: stage closed")

// TimeCode is a point on the stage time line. DefaultTime selects authored
// defaults and ignores time samples.
type TimeCode float64

// DefaultTime is the sentinel time code for default values.
var DefaultTime = TimeCode(math.NaN())

// IsDefault reports whether t is the default time code.
func (t TimeCode) IsDefault() bool { return math.IsNaN(float64(t)) }

// Interpolation selects how attribute values between two samples resolve.
type Interpolation uint8

const (
	// InterpolationLinear blends numeric values between bracketing samples.
	InterpolationLinear Interpolation = iota
	// InterpolationHeld keeps the earlier sample's value.
	InterpolationHeld
)

func (i Interpolation) String() string {
	if i == InterpolationHeld {
		return "held"
	}
	return "linear"
}

// ParseInterpolation parses "linear" or "held".
func ParseInterpolation(name string) (Interpolation, error) {
	switch name {
	case "", "linear":
		return InterpolationLinear, nil
	case "held":
		return InterpolationHeld, nil
	}
	return InterpolationLinear, errors.New("scene: unknown interpolation " + name)
}

// LoadPolicy decides whether payloads are composed when no Load or Unload
// rule covers a prim.
type LoadPolicy uint8

const (
	// LoadAll composes every payload.
	LoadAll LoadPolicy = iota
	// LoadNone composes only payloads under explicitly loaded prims.
	LoadNone
)
