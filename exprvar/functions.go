package exprvar

import (
	"errors"
	"fmt"
	"maps"
	"path"
	"slices"
	"strings"
	"sync"
)

// Function is a helper callable from expressions.
type Function func(args ...any) (any, error)

var errNoFunction = errors.New("exprvar: function not registered")

// FunctionRegistry maps case-insensitive names to helpers.
type FunctionRegistry struct {
	mu  sync.RWMutex
	fns map[string]Function
}

func NewFunctionRegistry() *FunctionRegistry {
	return &FunctionRegistry{fns: map[string]Function{}}
}

// Register adds fn under name. A name can be registered once.
func (r *FunctionRegistry) Register(name string, fn Function) error {
	key := strings.ToLower(strings.TrimSpace(name))
	switch {
	case key == "":
		return errors.New("exprvar: function name is empty")
	case fn == nil:
		return fmt.Errorf("exprvar: function %q is nil", name)
	case reserved(key):
		return fmt.Errorf("exprvar: %q is a reserved name", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fns == nil {
		r.fns = map[string]Function{}
	}
	if _, dup := r.fns[key]; dup {
		return fmt.Errorf("exprvar: function %q already registered", name)
	}
	r.fns[key] = fn
	return nil
}

// MustRegister is Register that panics on error, for package-level setup.
func (r *FunctionRegistry) MustRegister(name string, fn Function) *FunctionRegistry {
	if err := r.Register(name, fn); err != nil {
		panic(err)
	}
	return r
}

// Clone returns an independent copy; nil clones to nil.
func (r *FunctionRegistry) Clone() *FunctionRegistry {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return &FunctionRegistry{fns: maps.Clone(r.fns)}
}

// Call runs the function registered as name.
func (r *FunctionRegistry) Call(name string, args ...any) (any, error) {
	var fn Function
	if r != nil {
		r.mu.RLock()
		fn = r.fns[strings.ToLower(name)]
		r.mu.RUnlock()
	}
	if fn == nil {
		return nil, fmt.Errorf("%w: %q", errNoFunction, name)
	}
	return fn(args...)
}

// Names returns the registered names, sorted.
func (r *FunctionRegistry) Names() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.fns))
}

func (r *FunctionRegistry) bind(name string) func(args ...any) (any, error) {
	return func(args ...any) (any, error) { return r.Call(name, args...) }
}

// DefaultFunctions returns the helpers used in asset path and variant
// expressions:
//
//	lower(s) upper(s) trim(s)
//	pad(v, width)          zero-padded, pad(7, 3) == "007"
//	join_path(parts...)    join_path("shots", SHOT) == "shots/s010"
//	fallback(v, other)     other when v is nil or ""
func DefaultFunctions() *FunctionRegistry {
	return NewFunctionRegistry().
		MustRegister("lower", stringFunc(strings.ToLower)).
		MustRegister("upper", stringFunc(strings.ToUpper)).
		MustRegister("trim", stringFunc(strings.TrimSpace)).
		MustRegister("pad", pad).
		MustRegister("join_path", joinPath).
		MustRegister("fallback", fallback)
}

func stringFunc(fn func(string) string) Function {
	return func(args ...any) (any, error) {
		if len(args) != 1 {
			return nil, fmt.Errorf("expected one argument, got %d", len(args))
		}
		s, ok := args[0].(string)
		if !ok {
			return nil, fmt.Errorf("expected a string, got %T", args[0])
		}
		return fn(s), nil
	}
}

func pad(args ...any) (any, error) {
	if len(args) != 2 {
		return nil, errors.New("pad expects (value, width)")
	}
	width, ok := toInt(args[1])
	if !ok || width < 0 {
		return nil, errors.New("pad width must be a non-negative integer")
	}
	return fmt.Sprintf("%0*v", width, args[0]), nil
}

func joinPath(args ...any) (any, error) {
	parts := make([]string, 0, len(args))
	for _, a := range args {
		if list, ok := a.([]any); ok {
			for _, item := range list {
				parts = append(parts, fmt.Sprint(item))
			}
			continue
		}
		parts = append(parts, fmt.Sprint(a))
	}
	return path.Join(parts...), nil
}

func fallback(args ...any) (any, error) {
	if len(args) != 2 {
		return nil, errors.New("fallback expects (value, other)")
	}
	if args[0] == nil || args[0] == "" {
		return args[1], nil
	}
	return args[0], nil
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n == float64(int(n)) {
			return int(n), true
		}
	}
	return 0, false
}
