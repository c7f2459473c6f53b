package rules_test

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kage/internal/model"
	"github.com/ashita-ai/kage/internal/rules"
)

func mustCompile(t *testing.T, typ model.RuleType, def string) *rules.Rule {
	t.Helper()
	r, err := rules.Compile(typ, json.RawMessage(def))
	require.NoError(t, err)
	return r
}

func requireDefinitionError(t *testing.T, err error) *rules.DefinitionError {
	t.Helper()
	require.Error(t, err)
	var de *rules.DefinitionError
	require.True(t, errors.As(err, &de), "expected *DefinitionError, got %T: %v", err, err)
	return de
}

func requireEvalCode(t *testing.T, err error, code string) *rules.EvaluationError {
	t.Helper()
	require.Error(t, err)
	var ee *rules.EvaluationError
	require.True(t, errors.As(err, &ee), "expected *EvaluationError, got %T: %v", err, err)
	assert.Equal(t, code, ee.Code)
	return ee
}

// ---- formula ----------------------------------------------------------------

func TestFormula_WeightedSum(t *testing.T) {
	r := mustCompile(t, model.RuleFormula, `{"expr": "score = base*0.6 + bonus*0.4"}`)

	res, err := r.Evaluate(map[string]any{"base": 80.0, "bonus": 50.0})
	require.NoError(t, err)
	require.NotNil(t, res.Outcome.Score)
	assert.Equal(t, 68.0, *res.Outcome.Score)
	assert.Equal(t, []string{"base", "bonus"}, res.VariablesUsed)

	var terms []model.Step
	for _, st := range res.Explanation {
		if st.Kind == model.StepTerm {
			terms = append(terms, st)
		}
	}
	require.Len(t, terms, 2)
	assert.Equal(t, "base", terms[0].Variable)
	assert.Equal(t, "base*0.6", terms[0].Expression)
	assert.Equal(t, 48.0, *terms[0].Contribution)
	assert.Equal(t, "bonus", terms[1].Variable)
	assert.Equal(t, 20.0, *terms[1].Contribution)

	assert.Equal(t, model.StepVariable, res.Explanation[0].Kind)
	assert.Equal(t, "base", res.Explanation[0].Variable)
	assert.Equal(t, 80.0, res.Explanation[0].Value)
	assert.Equal(t, model.StepResult, res.Explanation[len(res.Explanation)-1].Kind)
}

func TestFormula_Expressions(t *testing.T) {
	tests := []struct {
		name  string
		expr  string
		input map[string]any
		want  float64
	}{
		{"precedence", "a + b * c", map[string]any{"a": 1, "b": 2, "c": 3}, 7},
		{"parentheses", "(a + b) * c", map[string]any{"a": 1, "b": 2, "c": 3}, 9},
		{"subtraction is left associative", "a - b - c", map[string]any{"a": 10, "b": 3, "c": 2}, 5},
		{"unary minus", "-a + 5", map[string]any{"a": 2}, 3},
		{"division", "a / 4", map[string]any{"a": 10}, 2.5},
		{"comparison yields one", "a > 3", map[string]any{"a": 4}, 1},
		{"comparison yields zero", "a <= 3", map[string]any{"a": 4}, 0},
		{"ternary taken", "a >= 50 ? 10 : 1", map[string]any{"a": 50}, 10},
		{"ternary not taken", "a >= 50 ? 10 : 1", map[string]any{"a": 49.5}, 1},
		{"string equality", "tier == 'gold' ? 3 : 0", map[string]any{"tier": "gold"}, 3},
		{"logical and", "a > 1 && b > 1", map[string]any{"a": 2, "b": 0}, 0},
		{"logical or short-circuits", "a > 1 || missing > 1", map[string]any{"a": 2}, 1},
		{"not", "!flag", map[string]any{"flag": false}, 1},
		{"booleans are numbers", "flag * 10", map[string]any{"flag": true}, 10},
		{"nested path", "company.size * 2", map[string]any{"company": map[string]any{"size": 10}}, 20},
		{"json number input", "a + 1", map[string]any{"a": json.Number("1.5")}, 2.5},
		{"exact decimal arithmetic", "a * 0.1 + b * 0.2", map[string]any{"a": 1, "b": 1}, 0.3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := mustCompile(t, model.RuleFormula, `{"expr": `+quote(tt.expr)+`}`)
			res, err := r.Evaluate(tt.input)
			require.NoError(t, err)
			require.NotNil(t, res.Outcome.Score)
			assert.Equal(t, tt.want, *res.Outcome.Score)
		})
	}
}

func quote(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func TestFormula_MissingVariable(t *testing.T) {
	r := mustCompile(t, model.RuleFormula, `{"expr": "a + b"}`)
	_, err := r.Evaluate(map[string]any{"a": 1})
	ee := requireEvalCode(t, err, rules.CodeMissingVariable)
	assert.Equal(t, "b", ee.Variable)
}

func TestFormula_NullCountsAsMissing(t *testing.T) {
	r := mustCompile(t, model.RuleFormula, `{"expr": "a + b"}`)
	_, err := r.Evaluate(map[string]any{"a": 1, "b": nil})
	requireEvalCode(t, err, rules.CodeMissingVariable)
}

func TestFormula_DefaultsMakeVariablesOptional(t *testing.T) {
	r := mustCompile(t, model.RuleFormula, `{"expr": "a + b", "defaults": {"b": 2}}`)
	res, err := r.Evaluate(map[string]any{"a": 1})
	require.NoError(t, err)
	assert.Equal(t, 3.0, *res.Outcome.Score)

	var bStep model.Step
	for _, st := range res.Explanation {
		if st.Kind == model.StepVariable && st.Variable == "b" {
			bStep = st
		}
	}
	assert.Equal(t, "default", bStep.Detail)
}

func TestFormula_DivisionByZero(t *testing.T) {
	r := mustCompile(t, model.RuleFormula, `{"expr": "a / b"}`)
	_, err := r.Evaluate(map[string]any{"a": 1, "b": 0})
	requireEvalCode(t, err, rules.CodeDivisionByZero)
}

func TestFormula_TypeMismatch(t *testing.T) {
	r := mustCompile(t, model.RuleFormula, `{"expr": "tier * 2"}`)
	_, err := r.Evaluate(map[string]any{"tier": "gold"})
	requireEvalCode(t, err, rules.CodeTypeMismatch)

	_, err = r.Evaluate(map[string]any{"tier": []any{1, 2}})
	requireEvalCode(t, err, rules.CodeTypeMismatch)
}

func TestFormula_Tiers(t *testing.T) {
	r := mustCompile(t, model.RuleFormula, `{
		"expr": "base*0.6 + bonus*0.4",
		"tiers": [{"min": 40, "label": "warm"}, {"min": 70, "label": "hot", "confidence": 0.9}],
		"default_category": "cold",
		"confidence": 0.6
	}`)

	tests := []struct {
		base, bonus float64
		category    string
		confidence  float64
	}{
		{100, 100, "hot", 0.9},
		{80, 50, "warm", 0.6},
		{10, 10, "cold", 0.6},
	}
	for _, tt := range tests {
		res, err := r.Evaluate(map[string]any{"base": tt.base, "bonus": tt.bonus})
		require.NoError(t, err)
		assert.Equal(t, tt.category, res.Outcome.Category)
		require.NotNil(t, res.Outcome.Confidence)
		assert.Equal(t, tt.confidence, *res.Outcome.Confidence)
	}
}

func TestFormula_NegativeTermsExplained(t *testing.T) {
	r := mustCompile(t, model.RuleFormula, `{"expr": "fit*1 - churn_risk*2"}`)
	res, err := r.Evaluate(map[string]any{"fit": 50, "churn_risk": 5})
	require.NoError(t, err)
	assert.Equal(t, 40.0, *res.Outcome.Score)

	var contributions []float64
	for _, st := range res.Explanation {
		if st.Kind == model.StepTerm {
			contributions = append(contributions, *st.Contribution)
		}
	}
	assert.Equal(t, []float64{50, -10}, contributions)
	assert.Contains(t, res.Summary, "However, Churn Risk pulled it down by 10.")
}

// ---- decision tree ------------------------------------------------------------

const tierTree = `{
	"nodes": [
		{"condition": {"op": "eq", "var": "tier", "value": "A"}, "result": "A"},
		{"condition": {"op": "eq", "var": "tier", "value": "B"}, "result": "B"}
	],
	"default": "C"
}`

func TestDecisionTree_FallbackToDefault(t *testing.T) {
	r := mustCompile(t, model.RuleDecisionTree, tierTree)

	res, err := r.Evaluate(map[string]any{"tier": "Z"})
	require.NoError(t, err)
	assert.Equal(t, "C", res.Outcome.Category)
	assert.Equal(t, "C", res.Value)

	last := res.Explanation[len(res.Explanation)-2]
	assert.Equal(t, model.StepDefault, last.Kind)
}

func TestDecisionTree_FirstMatchWins(t *testing.T) {
	r := mustCompile(t, model.RuleDecisionTree, `{
		"nodes": [
			{"condition": {"op": "in", "var": "tier", "values": ["A", "B"]}, "result": {"category": "premium", "score": 90}},
			{"condition": {"op": "eq", "var": "tier", "value": "A"}, "result": "unreachable"}
		],
		"default": "C"
	}`)
	res, err := r.Evaluate(map[string]any{"tier": "A"})
	require.NoError(t, err)
	assert.Equal(t, "premium", res.Outcome.Category)
	assert.Equal(t, 90.0, *res.Outcome.Score)

	var conds int
	for _, st := range res.Explanation {
		if st.Kind == model.StepCondition {
			conds++
		}
	}
	assert.Equal(t, 1, conds, "evaluation stops at the first match")
}

func TestDecisionTree_Operators(t *testing.T) {
	def := `{
		"nodes": [
			{"condition": {"op": "and", "conditions": [
				{"op": "gt", "var": "employees", "value": 500},
				{"op": "eq", "var": "region", "value": "emea"}
			]}, "result": "enterprise-emea"},
			{"condition": {"op": "between", "var": "employees", "min": 50, "max": 500}, "result": "mid"},
			{"condition": {"op": "or", "conditions": [
				{"op": "lt", "var": "employees", "value": 5},
				{"op": "ne", "var": "verified", "value": true}
			]}, "result": "risky"},
			{"condition": {"op": "not", "condition": {"op": "gte", "var": "employees", "value": 50}}, "result": "small"}
		],
		"default": "other"
	}`
	r := mustCompile(t, model.RuleDecisionTree, def)

	tests := []struct {
		name  string
		input map[string]any
		want  string
	}{
		{"and", map[string]any{"employees": 1000, "region": "emea"}, "enterprise-emea"},
		{"and fails through", map[string]any{"employees": 1000, "region": "us", "verified": true}, "other"},
		{"between lower bound inclusive", map[string]any{"employees": 50}, "mid"},
		{"between upper bound inclusive", map[string]any{"employees": 500}, "mid"},
		{"or", map[string]any{"employees": 3, "verified": true}, "risky"},
		{"not", map[string]any{"employees": 20, "verified": true}, "small"},
		{"numeric strings compare as numbers", map[string]any{"employees": "75"}, "mid"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := r.Evaluate(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Outcome.Category)
		})
	}
}

func TestDecisionTree_MissingVariableDoesNotMatch(t *testing.T) {
	r := mustCompile(t, model.RuleDecisionTree, tierTree)
	res, err := r.Evaluate(map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, "C", res.Outcome.Category)
	assert.Contains(t, res.Summary, "Tier was not provided")
}

// ---- lookup / range_lookup ----------------------------------------------------

func TestLookup(t *testing.T) {
	r := mustCompile(t, model.RuleLookup, `{
		"var": "industry",
		"table": {
			"saas": {"category": "A", "score": 80, "confidence": 0.9},
			"retail": "B",
			"5": "five",
			"true": "yes"
		},
		"default": "C"
	}`)

	tests := []struct {
		name  string
		input any
		want  string
	}{
		{"object result", "saas", "A"},
		{"label result", "retail", "B"},
		{"numeric key", 5.0, "five"},
		{"numeric string key", "5.0", "five"},
		{"boolean key", true, "yes"},
		{"unknown falls through", "mining", "C"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := r.Evaluate(map[string]any{"industry": tt.input})
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Outcome.Category)
		})
	}

	res, err := r.Evaluate(map[string]any{"industry": "saas"})
	require.NoError(t, err)
	assert.Equal(t, 80.0, *res.Outcome.Score)
	assert.Equal(t, 0.9, *res.Outcome.Confidence)

	res, err = r.Evaluate(map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, "C", res.Outcome.Category, "missing variable uses the default")
}

func TestRangeLookup(t *testing.T) {
	r := mustCompile(t, model.RuleRangeLookup, `{
		"var": "employees",
		"ranges": [
			{"max": 10, "result": "micro"},
			{"min": 10, "max": 100, "result": "small"},
			{"min": 100, "result": {"category": "large", "score": 1}}
		],
		"default": "unknown"
	}`)
	tests := []struct {
		input any
		want  string
	}{
		{0, "micro"},
		{9.99, "micro"},
		{10, "small"},
		{99, "small"},
		{100, "large"},
		{1e6, "large"},
	}
	for _, tt := range tests {
		res, err := r.Evaluate(map[string]any{"employees": tt.input})
		require.NoError(t, err)
		assert.Equal(t, tt.want, res.Outcome.Category, "employees=%v", tt.input)
	}

	res, err := r.Evaluate(map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, "unknown", res.Outcome.Category)

	_, err = r.Evaluate(map[string]any{"employees": "lots"})
	requireEvalCode(t, err, rules.CodeTypeMismatch)
}

// ---- threshold ------------------------------------------------------------------

func TestThreshold(t *testing.T) {
	r := mustCompile(t, model.RuleThreshold, `{
		"var": "score",
		"tiers": [{"min": 40, "label": "warm"}, {"min": 80, "label": "hot", "score": 90}],
		"default": "cold"
	}`)
	tests := []struct {
		in   float64
		want string
	}{
		{85, "hot"},
		{80, "hot"},
		{79.999, "warm"},
		{40, "warm"},
		{10, "cold"},
	}
	for _, tt := range tests {
		res, err := r.Evaluate(map[string]any{"score": tt.in})
		require.NoError(t, err)
		assert.Equal(t, tt.want, res.Outcome.Category, "score=%v", tt.in)
	}

	res, err := r.Evaluate(map[string]any{"score": 99})
	require.NoError(t, err)
	assert.Equal(t, 90.0, *res.Outcome.Score)
}

// ---- publish-time validation ----------------------------------------------------

func TestCompile_RejectsMissingFallback(t *testing.T) {
	tests := []struct {
		name string
		typ  model.RuleType
		def  string
	}{
		{"tree", model.RuleDecisionTree, `{"nodes": [{"condition": {"op": "eq", "var": "x", "value": 1}, "result": "a"}]}`},
		{"tree with null default", model.RuleDecisionTree, `{"nodes": [{"condition": {"op": "eq", "var": "x", "value": 1}, "result": "a"}], "default": null}`},
		{"lookup", model.RuleLookup, `{"var": "x", "table": {"a": "b"}}`},
		{"range lookup", model.RuleRangeLookup, `{"var": "x", "ranges": [{"min": 1, "result": "a"}]}`},
		{"threshold", model.RuleThreshold, `{"var": "x", "tiers": [{"min": 1, "label": "a"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := rules.Compile(tt.typ, json.RawMessage(tt.def))
			de := requireDefinitionError(t, err)
			assert.Equal(t, "default", de.Path)
		})
	}
}

func TestCompile_RejectsMalformedDefinitions(t *testing.T) {
	tests := []struct {
		name string
		typ  model.RuleType
		def  string
	}{
		{"unknown rule type", model.RuleType("script"), `{}`},
		{"empty definition", model.RuleFormula, ``},
		{"empty expr", model.RuleFormula, `{"expr": ""}`},
		{"dangling operator", model.RuleFormula, `{"expr": "a +"}`},
		{"unbalanced paren", model.RuleFormula, `{"expr": "(a + b"}`},
		{"incomplete ternary", model.RuleFormula, `{"expr": "a ? b"}`},
		{"illegal character", model.RuleFormula, `{"expr": "a $ b"}`},
		{"function call", model.RuleFormula, `{"expr": "exec(a)"}`},
		{"unterminated string", model.RuleFormula, `{"expr": "a == 'x"}`},
		{"unknown field", model.RuleFormula, `{"expr": "a", "exprs": "b"}`},
		{"tree without nodes", model.RuleDecisionTree, `{"nodes": [], "default": "x"}`},
		{"unknown operator", model.RuleDecisionTree, `{"nodes": [{"condition": {"op": "like", "var": "x", "value": 1}, "result": "a"}], "default": "x"}`},
		{"between inverted", model.RuleDecisionTree, `{"nodes": [{"condition": {"op": "between", "var": "x", "min": 5, "max": 1}, "result": "a"}], "default": "x"}`},
		{"empty in", model.RuleDecisionTree, `{"nodes": [{"condition": {"op": "in", "var": "x", "values": []}, "result": "a"}], "default": "x"}`},
		{"empty and", model.RuleDecisionTree, `{"nodes": [{"condition": {"op": "and"}, "result": "a"}], "default": "x"}`},
		{"node without result", model.RuleDecisionTree, `{"nodes": [{"condition": {"op": "eq", "var": "x", "value": 1}}], "default": "x"}`},
		{"empty lookup table", model.RuleLookup, `{"var": "x", "table": {}, "default": "x"}`},
		{"lookup keys collide", model.RuleLookup, `{"var": "n", "table": {"5": "A", "5.0": "B", "05": "C"}, "default": "x"}`},
		{"range without bounds", model.RuleRangeLookup, `{"var": "x", "ranges": [{"result": "a"}], "default": "x"}`},
		{"range inverted", model.RuleRangeLookup, `{"var": "x", "ranges": [{"min": 5, "max": 5, "result": "a"}], "default": "x"}`},
		{"threshold without tiers", model.RuleThreshold, `{"var": "x", "tiers": [], "default": "x"}`},
		{"duplicate cutoff", model.RuleThreshold, `{"var": "x", "tiers": [{"min": 1, "label": "a"}, {"min": 1.0, "label": "b"}], "default": "x"}`},
		{"confidence out of range", model.RuleLookup, `{"var": "x", "table": {"a": {"category": "a", "confidence": 1.5}}, "default": "x"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := rules.Compile(tt.typ, json.RawMessage(tt.def))
			requireDefinitionError(t, err)
		})
	}
}

func TestCompile_LookupDuplicateKeyIsStable(t *testing.T) {
	def := json.RawMessage(`{"var": "n", "table": {"5": "A", "5.0": "B", "05": "C"}, "default": "x"}`)
	for range 20 {
		_, err := rules.Compile(model.RuleLookup, def)
		de := requireDefinitionError(t, err)
		assert.Equal(t, "table.5", de.Path)
		assert.Contains(t, de.Reason, "duplicate key")
	}
}

// ---- properties -----------------------------------------------------------------

func TestEvaluate_Deterministic(t *testing.T) {
	docs := []struct {
		typ   model.RuleType
		def   string
		input map[string]any
	}{
		{model.RuleFormula, `{"expr": "a*0.3 + b/3 - c", "tiers": [{"min": 0, "label": "pos"}], "default_category": "neg"}`, map[string]any{"a": 7, "b": 10, "c": 1.25}},
		{model.RuleDecisionTree, tierTree, map[string]any{"tier": "B"}},
		{model.RuleLookup, `{"var": "k", "table": {"a": "x", "b": "y", "c": "z"}, "default": "d"}`, map[string]any{"k": "c"}},
		{model.RuleThreshold, `{"var": "s", "tiers": [{"min": 3, "label": "c"}, {"min": 1, "label": "a"}, {"min": 2, "label": "b"}], "default": "z"}`, map[string]any{"s": 2.5}},
	}
	for _, d := range docs {
		r := mustCompile(t, d.typ, d.def)
		first, err := r.Evaluate(d.input)
		require.NoError(t, err)
		for range 200 {
			again, err := r.Evaluate(d.input)
			require.NoError(t, err)
			assert.Equal(t, first, again)
		}
	}
}

func TestEvaluate_DoesNotMutateInput(t *testing.T) {
	r := mustCompile(t, model.RuleFormula, `{"expr": "a + b", "defaults": {"b": 1}}`)
	input := map[string]any{"a": 1.0}
	_, err := r.Evaluate(input)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": 1.0}, input)
}

func TestRuleVariables(t *testing.T) {
	r := mustCompile(t, model.RuleFormula, `{"expr": "a*2 + b*a + c.d"}`)
	assert.Equal(t, []string{"a", "b", "c.d"}, r.Variables())

	r = mustCompile(t, model.RuleDecisionTree, `{
		"nodes": [{"condition": {"op": "or", "conditions": [
			{"op": "eq", "var": "x", "value": 1},
			{"op": "not", "condition": {"op": "eq", "var": "y", "value": 1}}
		]}, "result": "a"}],
		"default": "b"
	}`)
	assert.Equal(t, []string{"x", "y"}, r.Variables())
}

func TestCheck_WrapsDocumentKey(t *testing.T) {
	err := rules.Check(model.RuleDocument{
		ToolName: "lead_scoring", Version: "1.2.0",
		RuleType: model.RuleLookup, Definition: json.RawMessage(`{"var": "x", "table": {"a": "b"}}`),
	})
	requireDefinitionError(t, err)
	assert.Contains(t, err.Error(), "lead_scoring@1.2.0")
}
