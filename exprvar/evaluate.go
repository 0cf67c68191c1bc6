package exprvar

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// IsExpression reports whether s is a variable expression: text enclosed in
// backticks.
func IsExpression(s string) bool {
	return len(s) >= 2 && s[0] == '`' && s[len(s)-1] == '`'
}

func expressionBody(s string) string {
	if IsExpression(s) {
		s = s[1 : len(s)-1]
	}
	return strings.TrimSpace(s)
}

// Backend builds an evaluator exposing fns.
type Backend func(fns *FunctionRegistry) Evaluator

var (
	backendsMu sync.RWMutex
	backends   = map[string]Backend{
		"expr": NewExprEvaluator,
		"cel":  NewCELEvaluator,
	}
)

// RegisterBackend makes a language available to WithEngine.
func RegisterBackend(name string, b Backend) {
	backendsMu.Lock()
	defer backendsMu.Unlock()
	backends[strings.ToLower(name)] = b
}

func backend(name string) (Backend, bool) {
	backendsMu.RLock()
	defer backendsMu.RUnlock()
	b, ok := backends[name]
	return b, ok
}

// Option configures an Engine.
type Option func(*engineConfig)

type engineConfig struct {
	name      string
	evaluator Evaluator
	cache     ProgramCache
	functions *FunctionRegistry
	observer  Observer
}

// WithEngine selects the expression language: "expr" (default), "cel" or
// "js". The js engine requires the js_eval build tag.
func WithEngine(name string) Option {
	return func(cfg *engineConfig) { cfg.name = strings.ToLower(strings.TrimSpace(name)) }
}

// WithEvaluator installs a custom evaluator, overriding WithEngine.
func WithEvaluator(evaluator Evaluator) Option {
	return func(cfg *engineConfig) { cfg.evaluator = evaluator }
}

// WithProgramCache shares compiled programs between engines.
func WithProgramCache(cache ProgramCache) Option {
	return func(cfg *engineConfig) { cfg.cache = cache }
}

// WithFunctions exposes helper functions to expressions.
func WithFunctions(registry *FunctionRegistry) Option {
	return func(cfg *engineConfig) { cfg.functions = registry }
}

// WithObserver reports every evaluation to fn.
func WithObserver(fn Observer) Option {
	return func(cfg *engineConfig) { cfg.observer = fn }
}

// Engine compiles, caches and runs variable expressions. It is safe for
// concurrent use; concurrent first uses of one expression compile once.
type Engine struct {
	eval     Evaluator
	cache    ProgramCache
	observer Observer
	compile  singleflight.Group
}

// New builds an Engine. Without options it uses the expr language, a fresh
// program cache and DefaultFunctions.
func New(opts ...Option) (*Engine, error) {
	cfg := engineConfig{name: "expr"}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if cfg.cache == nil {
		cfg.cache = NewProgramCache()
	}
	if cfg.functions == nil {
		cfg.functions = DefaultFunctions()
	}
	eval := cfg.evaluator
	if eval == nil {
		if cfg.name == "" {
			cfg.name = "expr"
		}
		b, ok := backend(cfg.name)
		switch {
		case ok:
			eval = b(cfg.functions.Clone())
		case cfg.name == "js":
			return nil, fmt.Errorf("%w: js (built without js_eval)", ErrNoEvaluator)
		default:
			return nil, fmt.Errorf("%w: %q", ErrUnknownEngine, cfg.name)
		}
	}
	if eval == nil {
		return nil, ErrNoEvaluator
	}
	return &Engine{eval: eval, cache: cfg.cache, observer: cfg.observer}, nil
}

// Name returns the expression language.
func (e *Engine) Name() string {
	if e == nil || e.eval == nil {
		return "unknown"
	}
	return e.eval.Name()
}

// program returns the compiled form of expr for the variables in scope.
func (e *Engine) program(expr string, scope Scope) (Program, bool, error) {
	names := scope.names()
	key := cacheKey(e.eval.Name(), expr, names)
	if p, ok := e.cache.Get(key); ok {
		return p, true, nil
	}
	v, err, _ := e.compile.Do(key, func() (any, error) {
		if p, ok := e.cache.Get(key); ok {
			return p, nil
		}
		p, err := e.eval.Compile(expr, names)
		if err != nil {
			return nil, err
		}
		e.cache.Set(key, p)
		return p, nil
	})
	if err != nil {
		return nil, false, err
	}
	return v.(Program), false, nil
}

// Evaluate runs expression in scope. The surrounding backticks are
// optional.
func (e *Engine) Evaluate(scope Scope, expression string) (any, error) {
	if e == nil || e.eval == nil {
		return nil, ErrNoEvaluator
	}
	expr := expressionBody(expression)
	start := time.Now()
	value, cached, err := e.run(expr, scope)
	if e.observer != nil {
		e.observer(Evaluation{
			Engine:   e.eval.Name(),
			Expr:     expr,
			Layer:    scope.layerLabel(),
			Cached:   cached,
			Duration: time.Since(start),
			Err:      err,
		})
	}
	return value, err
}

func (e *Engine) run(expr string, scope Scope) (any, bool, error) {
	fail := func(op Op, err error) error {
		return &Error{Engine: e.eval.Name(), Op: op, Expr: expr, Layer: scope.layerLabel(), Err: err}
	}
	if expr == "" {
		return nil, false, fail(OpCompile, ErrEmpty)
	}
	p, cached, err := e.program(expr, scope)
	if err != nil {
		return nil, false, fail(OpCompile, err)
	}
	value, err := p.Run(scope)
	if err != nil {
		return nil, cached, fail(OpRun, err)
	}
	return value, cached, nil
}

// EvaluateString returns s unchanged when it is not an expression, and the
// string result of evaluating it otherwise.
func (e *Engine) EvaluateString(scope Scope, s string) (string, error) {
	if !IsExpression(s) {
		return s, nil
	}
	value, err := e.Evaluate(scope, s)
	if err != nil {
		return "", err
	}
	out, ok := value.(string)
	if !ok {
		return "", &Error{
			Engine: e.eval.Name(),
			Op:     OpRun,
			Expr:   expressionBody(s),
			Layer:  scope.layerLabel(),
			Err:    fmt.Errorf("%w: got %T", ErrNotString, value),
		}
	}
	return out, nil
}
