package exprvar

import (
	"strings"

	celgo "github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
)

type celEvaluator struct {
	fns *FunctionRegistry
}

// NewCELEvaluator returns an evaluator backed by cel-go. CEL type-checks
// identifiers, so a program is compiled for one set of variable names.
// Registered functions are reachable through call(name, args...) with up to
// maxCallArgs arguments.
func NewCELEvaluator(fns *FunctionRegistry) Evaluator {
	return celEvaluator{fns: fns}
}

func (celEvaluator) Name() string { return "cel" }

func (e celEvaluator) Compile(expr string, names []string) (Program, error) {
	opts := []celgo.EnvOption{
		celgo.Variable("layer", celgo.StringType),
		celgo.Variable("vars", celgo.MapType(celgo.StringType, celgo.DynType)),
	}
	for _, name := range names {
		opts = append(opts, celgo.Variable(name, celgo.DynType))
	}
	if e.fns != nil {
		opts = append(opts, celgo.Function("call", e.callOverloads()...))
	}
	env, err := celgo.NewEnv(opts...)
	if err != nil {
		return nil, err
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, err
	}
	return ProgramFunc(func(scope Scope) (any, error) {
		out, _, err := prg.Eval(scope.bindings())
		if err != nil {
			return nil, err
		}
		return out.Value(), nil
	}), nil
}

const maxCallArgs = 4

// callOverloads declares call(string, dyn...) for each supported arity; CEL
// has no variadic declarations.
func (e celEvaluator) callOverloads() []celgo.FunctionOpt {
	out := make([]celgo.FunctionOpt, 0, maxCallArgs+1)
	args := []*celgo.Type{celgo.StringType}
	id := []string{"call", "string"}
	for n := 0; n <= maxCallArgs; n++ {
		out = append(out, celgo.Overload(strings.Join(id, "_"),
			append([]*celgo.Type(nil), args...),
			celgo.DynType,
			celgo.FunctionBinding(e.call),
		))
		args = append(args, celgo.DynType)
		id = append(id, "dyn")
	}
	return out
}

func (e celEvaluator) call(values ...ref.Val) ref.Val {
	if len(values) == 0 {
		return types.NewErr("call requires a function name")
	}
	name, ok := values[0].Value().(string)
	if !ok {
		return types.NewErr("call name must be a string")
	}
	args := make([]any, len(values)-1)
	for i, v := range values[1:] {
		args[i] = v.Value()
	}
	result, err := e.fns.Call(name, args...)
	if err != nil {
		return types.NewErr("%s", err.Error())
	}
	if result == nil {
		return types.NullValue
	}
	return types.DefaultTypeAdapter.NativeToValue(result)
}
