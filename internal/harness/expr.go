package harness

import (
	"fmt"
	"maps"
	"slices"

	exprlang "github.com/expr-lang/expr"
	exprvm "github.com/expr-lang/expr/vm"

	"github.com/roach88/cellsync/internal/ir"
	"github.com/roach88/cellsync/internal/runtime"
)

// compileExpr compiles a derivation expression. Input names are the
// variables; an absent input reads as nil, so expressions can default it
// with ??.
func compileExpr(def DerivationDef) (*exprvm.Program, error) {
	program, err := exprlang.Compile(def.Expr,
		exprlang.Env(map[string]any{}),
		exprlang.AllowUndefinedVariables(),
	)
	if err != nil {
		return nil, fmt.Errorf("derivation %q: %w", def.Name, err)
	}
	return program, nil
}

// exprDerivation evaluates program over the current values of inputs.
func exprDerivation(program *exprvm.Program, inputs map[string]runtime.Cell) runtime.DeriveFunc {
	names := slices.Sorted(maps.Keys(inputs))
	return func(r *runtime.Reader) (ir.Value, error) {
		env := make(map[string]any, len(names))
		for _, name := range names {
			env[name] = ir.ToAny(r.Get(inputs[name]))
		}
		out, err := exprlang.Run(program, env)
		if err != nil {
			return nil, err
		}
		return ir.FromAny(out)
	}
}
