package rules

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"

	"github.com/shopspring/decimal"

	"github.com/ashita-ai/kage/internal/model"
)

// lookupDef maps the exact value of one variable to a result.
//
//	{"var": "industry", "table": {"saas": "A", "retail": "B"}, "default": "C"}
type lookupDef struct {
	Var     string                     `json:"var"`
	Table   map[string]json.RawMessage `json:"table"`
	Default json.RawMessage            `json:"default"`
}

type lookupRule struct {
	name  string
	table map[string]outcome
	def   outcome
}

func compileLookup(d lookupDef) (evaluator, error) {
	if d.Var == "" {
		return nil, defErr("var", "var is required")
	}
	if !present(d.Default) {
		return nil, defErr("default", "a lookup must declare a default result")
	}
	def, err := parseOutcome("default", d.Default)
	if err != nil {
		return nil, err
	}
	if len(d.Table) == 0 {
		return nil, defErr("table", "table must have at least one entry")
	}
	l := &lookupRule{name: d.Var, def: def, table: make(map[string]outcome, len(d.Table))}
	seen := make(map[string]string, len(d.Table))
	for _, k := range slices.Sorted(maps.Keys(d.Table)) {
		nk := normalizeKey(k)
		if prev, dup := seen[nk]; dup {
			return nil, defErr("table."+k, "duplicate key: %q and %q both match %s", prev, k, nk)
		}
		seen[nk] = k
		o, err := parseOutcome("table."+k, d.Table[k])
		if err != nil {
			return nil, err
		}
		l.table[nk] = o
	}
	return l, nil
}

// normalizeKey makes numeric table keys match numeric inputs ("5.0" and 5 are
// the same key).
func normalizeKey(k string) string {
	if d, err := decimal.NewFromString(k); err == nil {
		return d.String()
	}
	return k
}

func (l *lookupRule) evaluate(r *reader) (outcome, []model.Step, error) {
	v, ok, err := r.get(l.name)
	if err != nil {
		return outcome{}, nil, err
	}
	if ok {
		key := v.key()
		if v.isStr {
			key = normalizeKey(key)
		}
		if o, hit := l.table[key]; hit {
			matched := true
			return o, []model.Step{{
				Kind: model.StepLookup, Variable: l.name, Value: v.native(), Matched: &matched,
				Detail: fmt.Sprintf("table[%s]", key),
			}}, nil
		}
	}
	matched := false
	return l.def, []model.Step{
		{Kind: model.StepLookup, Variable: l.name, Matched: &matched, Detail: fallthroughDetail(ok)},
		{Kind: model.StepDefault, Detail: "default entry"},
	}, nil
}

func fallthroughDetail(present bool) string {
	if present {
		return "no table entry"
	}
	return "variable missing"
}

// rangeLookupDef maps a numeric variable to the first range containing it.
// Ranges are half-open: min <= v < max. Either bound may be omitted.
type rangeLookupDef struct {
	Var     string          `json:"var"`
	Ranges  []rangeDef      `json:"ranges"`
	Default json.RawMessage `json:"default"`
}

type rangeDef struct {
	Min    json.RawMessage `json:"min,omitempty"`
	Max    json.RawMessage `json:"max,omitempty"`
	Result json.RawMessage `json:"result"`
}

type numRange struct {
	min, max *decimal.Decimal
	result   outcome
}

func (nr numRange) contains(v decimal.Decimal) bool {
	if nr.min != nil && v.LessThan(*nr.min) {
		return false
	}
	if nr.max != nil && !v.LessThan(*nr.max) {
		return false
	}
	return true
}

func (nr numRange) String() string {
	lo, hi := "-inf", "+inf"
	if nr.min != nil {
		lo = nr.min.String()
	}
	if nr.max != nil {
		hi = nr.max.String()
	}
	return "[" + lo + ", " + hi + ")"
}

type rangeLookupRule struct {
	name   string
	ranges []numRange
	def    outcome
}

func compileRangeLookup(d rangeLookupDef) (evaluator, error) {
	if d.Var == "" {
		return nil, defErr("var", "var is required")
	}
	if !present(d.Default) {
		return nil, defErr("default", "a range lookup must declare a default result")
	}
	def, err := parseOutcome("default", d.Default)
	if err != nil {
		return nil, err
	}
	if len(d.Ranges) == 0 {
		return nil, defErr("ranges", "at least one range is required")
	}
	rl := &rangeLookupRule{name: d.Var, def: def}
	for i, rd := range d.Ranges {
		path := fmt.Sprintf("ranges[%d]", i)
		var nr numRange
		if present(rd.Min) {
			m, err := decimalFromJSON(rd.Min)
			if err != nil {
				return nil, defErr(path+".min", "invalid number")
			}
			nr.min = &m
		}
		if present(rd.Max) {
			m, err := decimalFromJSON(rd.Max)
			if err != nil {
				return nil, defErr(path+".max", "invalid number")
			}
			nr.max = &m
		}
		if nr.min == nil && nr.max == nil {
			return nil, defErr(path, "a range needs min, max or both")
		}
		if nr.min != nil && nr.max != nil && !nr.min.LessThan(*nr.max) {
			return nil, defErr(path, "min must be less than max")
		}
		nr.result, err = parseOutcome(path+".result", rd.Result)
		if err != nil {
			return nil, err
		}
		rl.ranges = append(rl.ranges, nr)
	}
	return rl, nil
}

func (rl *rangeLookupRule) evaluate(r *reader) (outcome, []model.Step, error) {
	v, ok, err := r.getNumber(rl.name)
	if err != nil {
		return outcome{}, nil, err
	}
	if ok {
		for _, nr := range rl.ranges {
			if nr.contains(v) {
				matched := true
				return nr.result, []model.Step{{
					Kind: model.StepLookup, Variable: rl.name, Value: v.InexactFloat64(),
					Expression: rl.name + " in " + nr.String(), Matched: &matched,
				}}, nil
			}
		}
	}
	matched := false
	return rl.def, []model.Step{
		{Kind: model.StepLookup, Variable: rl.name, Matched: &matched, Detail: fallthroughDetail(ok)},
		{Kind: model.StepDefault, Detail: "default entry"},
	}, nil
}
