// Package rules compiles and evaluates declarative rule documents.
//
// Compile validates a definition once, at publish time, and returns a Rule
// that can be evaluated any number of times, concurrently, with no I/O, no
// clock and no randomness. The same rule and input always produce the same
// result and the same explanation.
package rules

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/ashita-ai/kage/internal/model"
)

// Rule is a compiled rule document. Safe for concurrent use.
type Rule struct {
	typ      model.RuleType
	defaults map[string]value
	eval     evaluator
	vars     []string
}

// Result is the output of one evaluation.
type Result struct {
	Outcome       model.Outcome
	Value         any
	Explanation   []model.Step
	VariablesUsed []string
	Summary       string
}

type evaluator interface {
	evaluate(r *reader) (outcome, []model.Step, error)
}

// Compile validates definition against ruleType and returns the compiled rule.
// Any problem with the document is reported as a *DefinitionError.
func Compile(ruleType model.RuleType, definition json.RawMessage) (*Rule, error) {
	if !ruleType.Valid() {
		return nil, defErr("rule_type", "unknown rule type %q", ruleType)
	}
	if !present(definition) {
		return nil, defErr("", "definition is required")
	}

	r := &Rule{typ: ruleType}
	var err error
	switch ruleType {
	case model.RuleFormula:
		var d formulaDef
		if err = strictDecode(definition, &d); err == nil {
			r.eval, r.defaults, r.vars, err = compileFormula(d)
		}
	case model.RuleDecisionTree:
		var d treeDef
		if err = strictDecode(definition, &d); err == nil {
			r.eval, r.vars, err = compileTree(d)
		}
	case model.RuleLookup:
		var d lookupDef
		if err = strictDecode(definition, &d); err == nil {
			r.eval, err = compileLookup(d)
			r.vars = []string{d.Var}
		}
	case model.RuleRangeLookup:
		var d rangeLookupDef
		if err = strictDecode(definition, &d); err == nil {
			r.eval, err = compileRangeLookup(d)
			r.vars = []string{d.Var}
		}
	case model.RuleThreshold:
		var d thresholdDef
		if err = strictDecode(definition, &d); err == nil {
			r.eval, err = compileThreshold(d)
			r.vars = []string{d.Var}
		}
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

// strictDecode rejects unknown fields so typos in a rule document fail at
// publish time instead of being silently ignored.
func strictDecode(raw json.RawMessage, dst any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return defErr("", "%v", err)
	}
	return nil
}

// Type returns the rule's type.
func (r *Rule) Type() model.RuleType { return r.typ }

// Variables returns the input variables the rule can read, in definition order.
func (r *Rule) Variables() []string {
	out := make([]string, len(r.vars))
	copy(out, r.vars)
	return out
}

// Evaluate runs the rule against input. input is only read.
func (r *Rule) Evaluate(input map[string]any) (Result, error) {
	rd := newReader(input, r.defaults)
	out, steps, err := r.eval.evaluate(rd)
	if err != nil {
		return Result{VariablesUsed: rd.used}, err
	}

	explanation := make([]model.Step, 0, len(rd.reads)+len(steps)+1)
	for _, vr := range rd.reads {
		st := model.Step{Kind: model.StepVariable, Variable: vr.name}
		switch {
		case vr.missing:
			st.Detail = "missing"
		case vr.defaulted:
			st.Value = vr.val.native()
			st.Detail = "default"
		default:
			st.Value = vr.val.native()
		}
		explanation = append(explanation, st)
	}
	explanation = append(explanation, steps...)

	res := Result{
		Outcome:       out.toModel(),
		Value:         out.raw,
		VariablesUsed: rd.used,
	}
	resultStep := model.Step{Kind: model.StepResult, Value: out.raw}
	if res.Outcome.Score != nil {
		s := *res.Outcome.Score
		resultStep.Contribution = &s
	}
	resultStep.Detail = out.label()
	res.Explanation = append(explanation, resultStep)
	res.Summary = summarize(r.typ, res)
	return res, nil
}

// Evaluate compiles and evaluates in one step. Intended for dry runs and
// tooling; the serving path compiles once and reuses the Rule.
func Evaluate(ruleType model.RuleType, definition json.RawMessage, input map[string]any) (Result, error) {
	r, err := Compile(ruleType, definition)
	if err != nil {
		return Result{}, err
	}
	return r.Evaluate(input)
}

// Check validates a document without keeping the compiled rule.
func Check(doc model.RuleDocument) error {
	if _, err := Compile(doc.RuleType, doc.Definition); err != nil {
		return fmt.Errorf("%s@%s: %w", doc.ToolName, doc.Version, err)
	}
	return nil
}
