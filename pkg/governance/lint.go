package governance

import (
	"fmt"

	"github.com/google/cel-go/cel"
	exprpb "google.golang.org/genproto/googleapis/api/expr/v1alpha1"
)

// Issue is a determinism problem found in a gate expression.
type Issue struct {
	Kind    string `json:"kind"` // banned_function, float_literal, map_iteration
	Name    string `json:"name"`
	Message string `json:"message"`
}

// bannedFunctions depend on wall time or randomness.
var bannedFunctions = map[string]bool{
	"now":          true,
	"timestamp":    true,
	"duration":     true,
	"random":       true,
	"uuid":         true,
	"getFullYear":  true,
	"getMonth":     true,
	"getDayOfWeek": true,
	"getHours":     true,
	"getMinutes":   true,
	"getSeconds":   true,
}

// Lint parses expr and reports constructs whose result may vary between
// evaluations of the same inputs.
func Lint(env *cel.Env, expr string) ([]Issue, error) {
	parsed, iss := env.Parse(expr)
	if iss != nil && iss.Err() != nil {
		return nil, iss.Err()
	}
	var issues []Issue
	walk(parsed.Expr(), &issues) //nolint:staticcheck // AST traversal still needs the proto form
	return issues, nil
}

func walk(e *exprpb.Expr, issues *[]Issue) {
	if e == nil {
		return
	}

	switch k := e.ExprKind.(type) {
	case *exprpb.Expr_ConstExpr:
		if _, ok := k.ConstExpr.ConstantKind.(*exprpb.Constant_DoubleValue); ok {
			*issues = append(*issues, Issue{
				Kind:    "float_literal",
				Name:    fmt.Sprint(k.ConstExpr.GetDoubleValue()),
				Message: "floating point literals are not allowed; compare integer fields",
			})
		}

	case *exprpb.Expr_CallExpr:
		call := k.CallExpr
		if bannedFunctions[call.Function] {
			*issues = append(*issues, Issue{
				Kind:    "banned_function",
				Name:    call.Function,
				Message: fmt.Sprintf("%s() is not allowed in quality gates", call.Function),
			})
		}
		if call.Function == "keys" || call.Function == "values" {
			*issues = append(*issues, Issue{
				Kind:    "map_iteration",
				Name:    call.Function,
				Message: "map iteration order is unspecified",
			})
		}
		walk(call.Target, issues)
		for _, arg := range call.Args {
			walk(arg, issues)
		}

	case *exprpb.Expr_SelectExpr:
		walk(k.SelectExpr.Operand, issues)

	case *exprpb.Expr_ListExpr:
		for _, el := range k.ListExpr.Elements {
			walk(el, issues)
		}

	case *exprpb.Expr_StructExpr:
		for _, entry := range k.StructExpr.Entries {
			walk(entry.GetMapKey(), issues)
			walk(entry.Value, issues)
		}

	case *exprpb.Expr_ComprehensionExpr:
		comp := k.ComprehensionExpr
		walk(comp.IterRange, issues)
		walk(comp.AccuInit, issues)
		walk(comp.LoopCondition, issues)
		walk(comp.LoopStep, issues)
		walk(comp.Result, issues)
	}
}
