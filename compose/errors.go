package compose

import (
	"errors"
	"fmt"
)

// ErrComposition matches every *CompositionError through errors.Is.
var ErrComposition = errors.New("compose: composition error")

var errRelocationCycle = errors.New("relocation sources form a cycle")

// ErrorKind classifies composition failures.
type ErrorKind int

const (
	KindSublayerCycle ErrorKind = iota + 1
	KindArcCycle
	KindUnresolvedTarget
	KindLoadFailure
	KindInvalidExpression
	KindInvalidVariantSelection
	KindInvalidRelocation
)

func (k ErrorKind) String() string {
	switch k {
	case KindSublayerCycle:
		return "sublayer cycle"
	case KindArcCycle:
		return "arc cycle"
	case KindUnresolvedTarget:
		return "unresolved target"
	case KindLoadFailure:
		return "load failure"
	case KindInvalidExpression:
		return "invalid expression"
	case KindInvalidVariantSelection:
		return "invalid variant selection"
	case KindInvalidRelocation:
		return "invalid relocation"
	default:
		return "unknown"
	}
}

// CompositionError describes one arc or sublayer that could not be composed.
// Site names where the arc was authored and Target what it pointed at.
type CompositionError struct {
	Kind   ErrorKind
	Site   string
	Target string
	Err    error
}

func (e *CompositionError) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := fmt.Sprintf("compose: %s at %s", e.Kind, e.Site)
	if e.Target != "" {
		msg += " -> " + e.Target
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CompositionError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is lets errors.Is(err, ErrComposition) match any composition error.
func (e *CompositionError) Is(target error) bool {
	return target == ErrComposition
}

func compositionError(kind ErrorKind, site, target string, err error) *CompositionError {
	return &CompositionError{Kind: kind, Site: site, Target: target, Err: err}
}
