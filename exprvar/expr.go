package exprvar

import (
	exprlang "github.com/expr-lang/expr"
	exprvm "github.com/expr-lang/expr/vm"
)

type exprEvaluator struct {
	fns *FunctionRegistry
}

// NewExprEvaluator returns the default evaluator, backed by
// github.com/expr-lang/expr. Every registered function is callable by name
// and through call(name, args...).
func NewExprEvaluator(fns *FunctionRegistry) Evaluator {
	return exprEvaluator{fns: fns}
}

func (exprEvaluator) Name() string { return "expr" }

func (e exprEvaluator) Compile(expr string, _ []string) (Program, error) {
	opts := []exprlang.Option{
		exprlang.Env(map[string]any{}),
		exprlang.AllowUndefinedVariables(),
	}
	for _, name := range e.fns.Names() {
		opts = append(opts, exprlang.Function(name, e.fns.bind(name)))
	}
	program, err := exprlang.Compile(expr, opts...)
	if err != nil {
		return nil, err
	}
	return exprProgram{program: program, fns: e.fns}, nil
}

type exprProgram struct {
	program *exprvm.Program
	fns     *FunctionRegistry
}

func (p exprProgram) Run(scope Scope) (any, error) {
	env := scope.bindings()
	if p.fns != nil {
		env["call"] = p.fns.Call
	}
	return exprlang.Run(p.program, env)
}
