//go:build js_eval

package exprvar

import (
	"fmt"

	"github.com/dop251/goja"
)

func init() {
	RegisterBackend("js", NewJSEvaluator)
}

type jsEvaluator struct {
	fns *FunctionRegistry
}

// NewJSEvaluator returns an evaluator backed by goja. Every run gets a
// fresh runtime.
func NewJSEvaluator(fns *FunctionRegistry) Evaluator {
	return jsEvaluator{fns: fns}
}

func (jsEvaluator) Name() string { return "js" }

func (e jsEvaluator) Compile(expr string, _ []string) (Program, error) {
	program, err := goja.Compile("", fmt.Sprintf("(function(){ return (%s); })()", expr), false)
	if err != nil {
		return nil, err
	}
	return ProgramFunc(func(scope Scope) (any, error) {
		vm := goja.New()
		for name, value := range scope.bindings() {
			if err := vm.Set(name, value); err != nil {
				return nil, err
			}
		}
		if e.fns != nil {
			_ = vm.Set("call", e.fns.Call)
			for _, name := range e.fns.Names() {
				_ = vm.Set(name, e.fns.bind(name))
			}
		}
		value, err := vm.RunProgram(program)
		if err != nil {
			return nil, err
		}
		return value.Export(), nil
	}), nil
}
