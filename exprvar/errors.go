package exprvar

import (
	"errors"
	"fmt"
)

var (
	// ErrNoEvaluator reports an engine that cannot be built, such as js
	// without the js_eval build tag.
	ErrNoEvaluator = errors.New("exprvar: evaluator not available")
	// ErrUnknownEngine reports an engine name with no evaluator.
	ErrUnknownEngine = errors.New("exprvar: unknown engine")
	// ErrEmpty reports an expression with no body.
	ErrEmpty = errors.New("exprvar: empty expression")
	// ErrNotString reports an expression whose result is not a string where
	// one is required, such as a variant selection or an asset path.
	ErrNotString = errors.New("exprvar: expression result is not a string")
)

// Op is the evaluation phase that failed.
type Op string

const (
	OpCompile Op = "compile"
	OpRun     Op = "run"
)

// Error describes one failed expression.
type Error struct {
	Engine string
	Op     Op
	Expr   string
	Layer  string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("exprvar: %s %s %q in %s: %v", e.Engine, e.Op, e.Expr, e.Layer, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
