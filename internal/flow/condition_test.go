package flow

import (
	"testing"

	"github.com/BTreeMap/FunnelPipe/internal/models"
	"github.com/stretchr/testify/assert"
)

func TestEvaluateIdentityElements(t *testing.T) {
	assert.True(t, Evaluate(nil, models.CombinatorAnd, map[string]string{}))
	assert.False(t, Evaluate(nil, models.CombinatorOr, map[string]string{}))
	assert.True(t, Evaluate([]models.ConditionRule{}, "", nil), "unknown combinator behaves as AND")
}

func TestEvaluateOperators(t *testing.T) {
	scope := map[string]string{
		"nome":   "Ana Souza",
		"idade":  "30",
		"vazio":  "   ",
		"limite": "18",
		"texto":  "abc",
	}

	tests := []struct {
		name string
		rule models.ConditionRule
		want bool
	}{
		{"equals ignores case", models.ConditionRule{Variable: "nome", Operator: OpEquals, Value: "ana souza"}, true},
		{"not_equals", models.ConditionRule{Variable: "nome", Operator: OpNotEquals, Value: "Bia"}, true},
		{"contains", models.ConditionRule{Variable: "nome", Operator: OpContains, Value: "SOUZA"}, true},
		{"not_contains", models.ConditionRule{Variable: "nome", Operator: OpNotContains, Value: "lima"}, true},
		{"starts_with", models.ConditionRule{Variable: "nome", Operator: OpStartsWith, Value: "an"}, true},
		{"ends_with", models.ConditionRule{Variable: "nome", Operator: OpEndsWith, Value: "za"}, true},
		{"is_empty on whitespace", models.ConditionRule{Variable: "vazio", Operator: OpIsEmpty}, true},
		{"is_empty on missing", models.ConditionRule{Variable: "missing", Operator: OpIsEmpty}, true},
		{"is_not_empty", models.ConditionRule{Variable: "nome", Operator: OpIsNotEmpty}, true},
		{"greater_than", models.ConditionRule{Variable: "idade", Operator: OpGreaterThan, Value: "18"}, true},
		{"less_than", models.ConditionRule{Variable: "idade", Operator: OpLessThan, Value: "18"}, false},
		{"value is rendered", models.ConditionRule{Variable: "idade", Operator: OpGreaterThan, Value: "{{limite}}"}, true},
		{"NaN greater_than", models.ConditionRule{Variable: "texto", Operator: OpGreaterThan, Value: "1"}, false},
		{"NaN less_than", models.ConditionRule{Variable: "texto", Operator: OpLessThan, Value: "1"}, false},
		{"unknown operator", models.ConditionRule{Variable: "nome", Operator: "matches", Value: "Ana"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Evaluate([]models.ConditionRule{tt.rule}, models.CombinatorAnd, scope))
		})
	}
}

func TestEvaluateCombinators(t *testing.T) {
	scope := map[string]string{"cidade": "Recife"}
	yes := models.ConditionRule{Variable: "cidade", Operator: OpEquals, Value: "recife"}
	no := models.ConditionRule{Variable: "cidade", Operator: OpEquals, Value: "natal"}

	assert.False(t, Evaluate([]models.ConditionRule{yes, no}, models.CombinatorAnd, scope))
	assert.True(t, Evaluate([]models.ConditionRule{yes, no}, models.CombinatorOr, scope))
	assert.True(t, Evaluate([]models.ConditionRule{no, yes}, "or", scope))
	assert.False(t, Evaluate([]models.ConditionRule{no, no}, models.CombinatorOr, scope))
}

func TestEvaluateExpression(t *testing.T) {
	scope := map[string]string{"nome": "Ana", "plano": "anual"}

	assert.True(t, EvaluateExpression(`nome == "Ana" && plano in ["anual", "mensal"]`, scope))
	assert.False(t, EvaluateExpression(`nome == "Bia"`, scope))
	assert.False(t, EvaluateExpression(`nome ==`, scope), "compile errors are false")
	assert.False(t, EvaluateExpression(`nome`, scope), "non-boolean expressions are false")
	// cached program, different scope
	assert.True(t, EvaluateExpression(`nome == "Bia"`, map[string]string{"nome": "Bia"}))
}

func TestEvaluateConditionPrefersExpression(t *testing.T) {
	content := models.NodeContent{
		Conditions: []models.ConditionRule{{Variable: "nome", Operator: OpEquals, Value: "Bia"}},
		Expression: `nome == "Ana"`,
	}
	assert.True(t, evaluateCondition(content, map[string]string{"nome": "Ana"}))

	content.Expression = "  "
	assert.False(t, evaluateCondition(content, map[string]string{"nome": "Ana"}))
}
