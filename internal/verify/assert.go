package verify

import (
	"errors"
	"fmt"
	"sort"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/parser"
)

// errUnsupported is the uniform rejection for any construct outside the
// assertion grammar. Sellers get no hint about what the evaluator would
// or would not run.
var errUnsupported = errors.New("unsupported")

// allowedCalls is the closed set of callables an assertion may use.
var allowedCalls = map[string]bool{
	"len": true, "abs": true, "min": true, "max": true, "sum": true,
	"any": true, "all": true, "sorted": true, "range": true,
	"str": true, "int": true, "float": true, "bool": true,
}

var allowedBinaryOps = map[string]bool{
	"+": true, "-": true, "*": true, "/": true, "%": true,
	"^": true, "**": true,
	"==": true, "!=": true, "<": true, "<=": true, ">": true, ">=": true,
	"&&": true, "||": true, "and": true, "or": true,
	"in": true,
}

type exprChecker struct {
	err error
}

func (c *exprChecker) Visit(node *ast.Node) {
	if c.err != nil {
		return
	}
	switch n := (*node).(type) {
	case *ast.NilNode, *ast.IntegerNode, *ast.FloatNode, *ast.BoolNode,
		*ast.StringNode, *ast.ConstantNode, *ast.ArrayNode, *ast.MapNode,
		*ast.PairNode, *ast.ConditionalNode, *ast.ClosureNode,
		*ast.PointerNode, *ast.SliceNode, *ast.ChainNode, *ast.MemberNode:
	case *ast.IdentifierNode:
		if n.Value != "output" && !allowedCalls[n.Value] {
			c.err = errUnsupported
		}
	case *ast.UnaryNode:
		switch n.Operator {
		case "not", "!", "-", "+":
		default:
			c.err = errUnsupported
		}
	case *ast.BinaryNode:
		if !allowedBinaryOps[n.Operator] {
			c.err = errUnsupported
		}
	case *ast.CallNode:
		id, ok := n.Callee.(*ast.IdentifierNode)
		if !ok || !allowedCalls[id.Value] {
			c.err = errUnsupported
		}
	case *ast.BuiltinNode:
		if !allowedCalls[n.Name] {
			c.err = errUnsupported
		}
	default:
		c.err = errUnsupported
	}
}

// checkExpression statically vets an assertion: length bound, parseable,
// and every AST node inside the whitelist.
func checkExpression(raw string) error {
	if len(raw) > maxExpressionLen {
		return fmt.Errorf("expression too long (max %d chars)", maxExpressionLen)
	}
	tree, err := parser.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid expression syntax")
	}
	checker := &exprChecker{}
	ast.Walk(&tree.Node, checker)
	return checker.err
}

// evalAssertion compiles and runs a vetted assertion against the
// deliverable. The result is truthy-tested the way the grammar's bool()
// would.
func evalAssertion(raw string, output any) (bool, error) {
	if err := checkExpression(raw); err != nil {
		return false, err
	}
	env := assertionEnv(output)
	program, err := expr.Compile(raw, expr.Env(env))
	if err != nil {
		return false, fmt.Errorf("invalid expression syntax")
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return false, err
	}
	return truthy(out), nil
}

func assertionEnv(output any) map[string]any {
	return map[string]any{
		"output": output,
		"str":    func(v any) string { return fmt.Sprint(v) },
		"bool":   truthy,
		"sorted": sortedCopy,
		"range":  rangeInts,
	}
}

func sortedCopy(v []any) []any {
	out := append([]any(nil), v...)
	sort.Slice(out, func(i, j int) bool {
		fi, iok := toFloat(out[i])
		fj, jok := toFloat(out[j])
		if iok && jok {
			return fi < fj
		}
		return fmt.Sprint(out[i]) < fmt.Sprint(out[j])
	})
	return out
}

func rangeInts(n int) []int {
	if n <= 0 {
		return nil
	}
	if n > 1_000_000 {
		n = 1_000_000
	}
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	}
	return 0, false
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	case int:
		return t != 0
	case int64:
		return t != 0
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	}
	return true
}
