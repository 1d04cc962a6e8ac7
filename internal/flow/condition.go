package flow

import (
	"log/slog"
	"math"
	"strconv"
	"strings"
	"sync"

	"github.com/BTreeMap/FunnelPipe/internal/models"
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Condition operators.
const (
	OpEquals      = "equals"
	OpNotEquals   = "not_equals"
	OpContains    = "contains"
	OpNotContains = "not_contains"
	OpStartsWith  = "starts_with"
	OpEndsWith    = "ends_with"
	OpIsEmpty     = "is_empty"
	OpIsNotEmpty  = "is_not_empty"
	OpGreaterThan = "greater_than"
	OpLessThan    = "less_than"
)

// Evaluate combines rules under combinator. With no rules AND is true and OR is false.
// Rule values are rendered against scope before comparing.
func Evaluate(rules []models.ConditionRule, combinator models.Combinator, scope map[string]string) bool {
	if strings.EqualFold(string(combinator), string(models.CombinatorOr)) {
		for _, r := range rules {
			if evaluateRule(r, scope) {
				return true
			}
		}
		return false
	}
	for _, r := range rules {
		if !evaluateRule(r, scope) {
			return false
		}
	}
	return true
}

func evaluateRule(r models.ConditionRule, scope map[string]string) bool {
	left := scope[r.Variable]
	right := Render(r.Value, scope)
	l, rt := strings.ToLower(left), strings.ToLower(right)

	switch r.Operator {
	case OpEquals:
		return l == rt
	case OpNotEquals:
		return l != rt
	case OpContains:
		return strings.Contains(l, rt)
	case OpNotContains:
		return !strings.Contains(l, rt)
	case OpStartsWith:
		return strings.HasPrefix(l, rt)
	case OpEndsWith:
		return strings.HasSuffix(l, rt)
	case OpIsEmpty:
		return strings.TrimSpace(left) == ""
	case OpIsNotEmpty:
		return strings.TrimSpace(left) != ""
	case OpGreaterThan:
		return number(left) > number(right)
	case OpLessThan:
		return number(left) < number(right)
	default:
		slog.Warn("flow.Evaluate: unknown operator, rule is false", "operator", r.Operator, "variable", r.Variable)
		return false
	}
}

// number parses s as a float; anything unparsable is NaN, so every comparison with it is false.
func number(s string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return math.NaN()
	}
	return f
}

// programs caches compiled condition expressions by source.
var programs sync.Map

// EvaluateExpression runs an expr-lang boolean expression against scope.
// Compile or runtime errors evaluate to false.
func EvaluateExpression(source string, scope map[string]string) bool {
	env := make(map[string]any, len(scope))
	for k, v := range scope {
		env[k] = v
	}

	var program *vm.Program
	if cached, ok := programs.Load(source); ok {
		program = cached.(*vm.Program)
	} else {
		compiled, err := expr.Compile(source, expr.AsBool(), expr.AllowUndefinedVariables())
		if err != nil {
			slog.Warn("flow.EvaluateExpression: compile failed, condition is false", "expression", source, "error", err)
			return false
		}
		programs.Store(source, compiled)
		program = compiled
	}

	out, err := expr.Run(program, env)
	if err != nil {
		slog.Warn("flow.EvaluateExpression: run failed, condition is false", "expression", source, "error", err)
		return false
	}
	result, _ := out.(bool)
	return result
}

// evaluateCondition decides a condition node: an expression, when present, replaces the rules.
func evaluateCondition(content models.NodeContent, scope map[string]string) bool {
	if strings.TrimSpace(content.Expression) != "" {
		return EvaluateExpression(content.Expression, scope)
	}
	return Evaluate(content.Conditions, content.Logic, scope)
}
