package enforcement

import (
	"errors"
	"fmt"

	"github.com/google/cel-go/cel"
	exprpb "google.golang.org/genproto/googleapis/api/expr/v1alpha1"
)

// maxExprDepth bounds expression nesting so a pathological probe cannot
// blow the sweep's stack or eval budget.
const maxExprDepth = 32

var errComprehension = errors.New("comprehensions (all/exists/map/filter) are not allowed in probe expressions")

// validateDeterministic restricts a compiled probe to the bounded subset:
// no comprehension macros and limited nesting depth. Probes run on health
// paths, so their cost has to be predictable.
func validateDeterministic(ast *cel.Ast) error {
	expr := ast.Expr() //nolint:staticcheck // Deprecated but no alternative for AST traversal yet
	return walkExpr(expr, 0)
}

func walkExpr(e *exprpb.Expr, depth int) error {
	if e == nil {
		return nil
	}
	if depth > maxExprDepth {
		return fmt.Errorf("expression nesting exceeds %d levels", maxExprDepth)
	}

	switch k := e.ExprKind.(type) {
	case *exprpb.Expr_ConstExpr, *exprpb.Expr_IdentExpr:
		return nil

	case *exprpb.Expr_SelectExpr:
		return walkExpr(k.SelectExpr.Operand, depth+1)

	case *exprpb.Expr_CallExpr:
		if err := walkExpr(k.CallExpr.Target, depth+1); err != nil {
			return err
		}
		for _, arg := range k.CallExpr.Args {
			if err := walkExpr(arg, depth+1); err != nil {
				return err
			}
		}
		return nil

	case *exprpb.Expr_ListExpr:
		for _, el := range k.ListExpr.Elements {
			if err := walkExpr(el, depth+1); err != nil {
				return err
			}
		}
		return nil

	case *exprpb.Expr_StructExpr:
		for _, entry := range k.StructExpr.Entries {
			if key := entry.GetMapKey(); key != nil {
				if err := walkExpr(key, depth+1); err != nil {
					return err
				}
			}
			if err := walkExpr(entry.Value, depth+1); err != nil {
				return err
			}
		}
		return nil

	case *exprpb.Expr_ComprehensionExpr:
		return errComprehension
	}
	return nil
}
