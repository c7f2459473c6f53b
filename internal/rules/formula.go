package rules

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/ashita-ai/kage/internal/model"
)

// formulaDef is the JSON shape of a formula rule.
//
//	{"expr": "score = base*0.6 + bonus*0.4",
//	 "defaults": {"bonus": 0},
//	 "tiers": [{"min": 70, "label": "hot"}, {"min": 40, "label": "warm"}],
//	 "default_category": "cold",
//	 "confidence": 0.8}
type formulaDef struct {
	Expr            string                     `json:"expr"`
	Defaults        map[string]json.RawMessage `json:"defaults,omitempty"`
	Tiers           []tierDef                  `json:"tiers,omitempty"`
	DefaultCategory string                     `json:"default_category,omitempty"`
	Confidence      *float64                   `json:"confidence,omitempty"`
}

type formulaRule struct {
	target          string
	terms           []signedTerm
	tiers           []tier
	defaultCategory string
	confidence      *float64
}

func compileFormula(d formulaDef) (evaluator, map[string]value, []string, error) {
	if d.Expr == "" {
		return nil, nil, nil, defErr("expr", "expression is required")
	}
	p, err := parseFormula(d.Expr)
	if err != nil {
		return nil, nil, nil, defErr("expr", "%v", err)
	}

	var defaults map[string]value
	if len(d.Defaults) > 0 {
		defaults = make(map[string]value, len(d.Defaults))
		for name, raw := range d.Defaults {
			v, err := parseScalar("defaults."+name, raw)
			if err != nil {
				return nil, nil, nil, err
			}
			defaults[name] = v
		}
	}

	tiers, err := compileTiers("tiers", d.Tiers, false)
	if err != nil {
		return nil, nil, nil, err
	}
	if d.Confidence != nil && (*d.Confidence < 0 || *d.Confidence > 1) {
		return nil, nil, nil, defErr("confidence", "must be within [0,1]")
	}

	f := &formulaRule{
		target:          p.target,
		terms:           additiveTerms(p.body),
		tiers:           tiers,
		defaultCategory: d.DefaultCategory,
		confidence:      d.Confidence,
	}
	return f, defaults, dedupe(vars(p.body, nil)), nil
}

func (f *formulaRule) evaluate(r *reader) (outcome, []model.Step, error) {
	sum := decimal.Zero
	steps := make([]model.Step, 0, len(f.terms))
	for _, t := range f.terms {
		v, err := t.node.eval(r)
		if err != nil {
			return outcome{}, nil, err
		}
		if v.isStr {
			return outcome{}, nil, typeMismatch("", "term %s is not numeric", t.node)
		}
		c := v.num
		expr := t.node.String()
		if t.negative {
			c = c.Neg()
			expr = "-" + wrap(t.node, precedence("-"), true)
		}
		sum = sum.Add(c)

		contribution := c.InexactFloat64()
		st := model.Step{Kind: model.StepTerm, Expression: expr, Contribution: &contribution}
		if names := dedupe(vars(t.node, nil)); len(names) == 1 {
			st.Variable = names[0]
		}
		steps = append(steps, st)
	}

	out := outcome{score: &sum, confidence: f.confidence, category: f.defaultCategory}
	if tr, ok := pickTier(f.tiers, sum); ok {
		out.category = tr.label
		if tr.confidence != nil {
			out.confidence = tr.confidence
		}
		matched := true
		steps = append(steps, model.Step{
			Kind:       model.StepThreshold,
			Expression: fmt.Sprintf("%s >= %s", f.targetName(), tr.min),
			Matched:    &matched,
			Detail:     tr.label,
		})
	}
	out.raw = sum.InexactFloat64()
	return out, steps, nil
}

func (f *formulaRule) targetName() string {
	if f.target != "" {
		return f.target
	}
	return "result"
}

// dedupe keeps the first occurrence of each name.
func dedupe(names []string) []string {
	seen := make(map[string]bool, len(names))
	out := names[:0]
	for _, n := range names {
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	return out
}

// tierDef is one cutoff of a threshold rule or a formula's tier mapping.
type tierDef struct {
	Min        json.RawMessage `json:"min"`
	Label      string          `json:"label"`
	Score      json.RawMessage `json:"score,omitempty"`
	Confidence *float64        `json:"confidence,omitempty"`
}

type tier struct {
	min        decimal.Decimal
	label      string
	score      *decimal.Decimal
	confidence *float64
}

// compileTiers validates tiers and sorts them by descending cutoff.
func compileTiers(path string, defs []tierDef, required bool) ([]tier, error) {
	if len(defs) == 0 {
		if required {
			return nil, defErr(path, "at least one tier is required")
		}
		return nil, nil
	}
	out := make([]tier, 0, len(defs))
	seen := make(map[string]bool, len(defs))
	for i, td := range defs {
		p := fmt.Sprintf("%s[%d]", path, i)
		minV, err := parseScalar(p+".min", td.Min)
		if err != nil {
			return nil, err
		}
		if minV.isStr {
			return nil, defErr(p+".min", "cutoff must be a number")
		}
		if td.Label == "" {
			return nil, defErr(p+".label", "label is required")
		}
		if seen[minV.num.String()] {
			return nil, defErr(p+".min", "duplicate cutoff %s", minV.num)
		}
		seen[minV.num.String()] = true
		t := tier{min: minV.num, label: td.Label, confidence: td.Confidence}
		if present(td.Score) {
			s, err := decimalFromJSON(td.Score)
			if err != nil {
				return nil, defErr(p+".score", "invalid number")
			}
			t.score = &s
		}
		if td.Confidence != nil && (*td.Confidence < 0 || *td.Confidence > 1) {
			return nil, defErr(p+".confidence", "must be within [0,1]")
		}
		out = append(out, t)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].min.GreaterThan(out[j].min) })
	return out, nil
}

// pickTier returns the first tier whose cutoff is at or below v.
func pickTier(tiers []tier, v decimal.Decimal) (tier, bool) {
	for _, t := range tiers {
		if v.GreaterThanOrEqual(t.min) {
			return t, true
		}
	}
	return tier{}, false
}
