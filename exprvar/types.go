// Package exprvar evaluates variable expressions: backtick-quoted strings
// authored in variant selections and asset paths that compute their value
// from a layer stack's expression variables.
//
// Variables are bound as top-level identifiers and again under "vars";
// "layer" holds the authoring layer's identifier. Expressions see no clock,
// so a result depends only on the layer stack.
package exprvar

import (
	"maps"
	"slices"
	"strings"
	"sync"
)

// Scope carries the inputs of one evaluation.
type Scope struct {
	// Vars are the composed expression variables of the layer stack.
	Vars map[string]any
	// Layer identifies the layer that authored the expression.
	Layer string
}

func (s Scope) layerLabel() string {
	if s.Layer != "" {
		return s.Layer
	}
	return "unknown"
}

// names returns the sorted variable names, excluding reserved ones.
func (s Scope) names() []string {
	out := make([]string, 0, len(s.Vars))
	for _, k := range slices.Sorted(maps.Keys(s.Vars)) {
		if !reserved(k) {
			out = append(out, k)
		}
	}
	return out
}

// bindings returns the identifiers visible to an expression.
func (s Scope) bindings() map[string]any {
	vars := s.Vars
	if vars == nil {
		vars = map[string]any{}
	}
	env := make(map[string]any, len(vars)+2)
	for k, v := range vars {
		if !reserved(k) {
			env[k] = v
		}
	}
	env["vars"] = vars
	env["layer"] = s.Layer
	return env
}

func reserved(name string) bool {
	return name == "vars" || name == "layer" || name == "call"
}

// Program is a compiled expression.
type Program interface {
	Run(Scope) (any, error)
}

// ProgramFunc adapts a function to Program.
type ProgramFunc func(Scope) (any, error)

func (f ProgramFunc) Run(s Scope) (any, error) { return f(s) }

// Evaluator compiles expressions of one language. names lists, sorted, the
// variables that will be in scope when the program runs.
type Evaluator interface {
	Name() string
	Compile(expr string, names []string) (Program, error)
}

// ProgramCache stores compiled programs.
type ProgramCache interface {
	Get(key string) (Program, bool)
	Set(key string, p Program)
}

type programCache struct {
	programs sync.Map
}

// NewProgramCache returns a ProgramCache safe for concurrent use.
func NewProgramCache() ProgramCache {
	return &programCache{}
}

func (c *programCache) Get(key string) (Program, bool) {
	v, ok := c.programs.Load(key)
	if !ok {
		return nil, false
	}
	return v.(Program), true
}

func (c *programCache) Set(key string, p Program) {
	c.programs.Store(key, p)
}

// cacheKey separates programs by engine and by the variable names in scope.
func cacheKey(engine, expr string, names []string) string {
	return engine + "\x00" + expr + "\x00" + strings.Join(names, ",")
}
