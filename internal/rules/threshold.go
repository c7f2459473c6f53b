package rules

import (
	"encoding/json"
	"fmt"

	"github.com/ashita-ai/kage/internal/model"
)

// thresholdDef compares one numeric variable against descending cutoffs.
//
//	{"var": "score", "tiers": [{"min": 80, "label": "hot", "score": 90}], "default": "cold"}
type thresholdDef struct {
	Var     string          `json:"var"`
	Tiers   []tierDef       `json:"tiers"`
	Default json.RawMessage `json:"default"`
}

type thresholdRule struct {
	name  string
	tiers []tier
	def   outcome
}

func compileThreshold(d thresholdDef) (evaluator, error) {
	if d.Var == "" {
		return nil, defErr("var", "var is required")
	}
	if !present(d.Default) {
		return nil, defErr("default", "a threshold rule must declare a default label")
	}
	def, err := parseOutcome("default", d.Default)
	if err != nil {
		return nil, err
	}
	tiers, err := compileTiers("tiers", d.Tiers, true)
	if err != nil {
		return nil, err
	}
	return &thresholdRule{name: d.Var, tiers: tiers, def: def}, nil
}

func (t *thresholdRule) evaluate(r *reader) (outcome, []model.Step, error) {
	v, ok, err := r.getNumber(t.name)
	if err != nil {
		return outcome{}, nil, err
	}
	if ok {
		if tr, hit := pickTier(t.tiers, v); hit {
			matched := true
			out := outcome{category: tr.label, score: tr.score, confidence: tr.confidence, raw: tr.label}
			return out, []model.Step{{
				Kind:       model.StepThreshold,
				Variable:   t.name,
				Value:      v.InexactFloat64(),
				Expression: fmt.Sprintf("%s >= %s", t.name, tr.min),
				Matched:    &matched,
				Detail:     tr.label,
			}}, nil
		}
	}
	matched := false
	return t.def, []model.Step{
		{Kind: model.StepThreshold, Variable: t.name, Matched: &matched, Detail: fallthroughDetail(ok)},
		{Kind: model.StepDefault, Detail: "below every cutoff"},
	}, nil
}
