package rules

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// conditionDef is the JSON shape of a decision tree condition.
//
//	{"op": "eq", "var": "tier", "value": "A"}
//	{"op": "in", "var": "tier", "values": ["A", "B"]}
//	{"op": "between", "var": "age", "min": 18, "max": 65}
//	{"op": "and", "conditions": [...]}
//	{"op": "not", "condition": {...}}
type conditionDef struct {
	Op         string            `json:"op"`
	Var        string            `json:"var,omitempty"`
	Value      json.RawMessage   `json:"value,omitempty"`
	Values     []json.RawMessage `json:"values,omitempty"`
	Min        json.RawMessage   `json:"min,omitempty"`
	Max        json.RawMessage   `json:"max,omitempty"`
	Conditions []conditionDef    `json:"conditions,omitempty"`
	Condition  *conditionDef     `json:"condition,omitempty"`
}

// condition is a compiled predicate. A variable missing from the input makes
// the predicate that reads it false rather than an error.
type condition interface {
	match(r *reader) (bool, error)
	String() string
}

func parseScalar(path string, raw json.RawMessage) (value, error) {
	if !present(raw) {
		return value{}, defErr(path, "value is required")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var x any
	if err := dec.Decode(&x); err != nil {
		return value{}, defErr(path, "invalid JSON: %v", err)
	}
	v, ok := toValue(x)
	if !ok {
		return value{}, defErr(path, "must be a string, number or boolean")
	}
	return v, nil
}

func compileCondition(path string, d conditionDef) (condition, error) {
	op := strings.ToLower(d.Op)
	switch op {
	case "and", "or":
		if len(d.Conditions) == 0 {
			return nil, defErr(path, "%s needs at least one condition", op)
		}
		subs := make([]condition, 0, len(d.Conditions))
		for i, sd := range d.Conditions {
			c, err := compileCondition(fmt.Sprintf("%s.conditions[%d]", path, i), sd)
			if err != nil {
				return nil, err
			}
			subs = append(subs, c)
		}
		return logicalCond{all: op == "and", subs: subs}, nil
	case "not":
		if d.Condition == nil {
			return nil, defErr(path, "not needs a condition")
		}
		c, err := compileCondition(path+".condition", *d.Condition)
		if err != nil {
			return nil, err
		}
		return notCond{c}, nil
	}

	if d.Var == "" {
		return nil, defErr(path, "var is required for %q", d.Op)
	}
	switch op {
	case "eq", "ne":
		v, err := parseScalar(path+".value", d.Value)
		if err != nil {
			return nil, err
		}
		return eqCond{name: d.Var, want: v, negate: op == "ne"}, nil
	case "lt", "lte", "gt", "gte":
		v, err := parseScalar(path+".value", d.Value)
		if err != nil {
			return nil, err
		}
		if v.isStr {
			return nil, defErr(path+".value", "%s needs a number", op)
		}
		return cmpCond{name: d.Var, op: op, bound: v.num}, nil
	case "between":
		lo, err := parseScalar(path+".min", d.Min)
		if err != nil {
			return nil, err
		}
		hi, err := parseScalar(path+".max", d.Max)
		if err != nil {
			return nil, err
		}
		if lo.isStr || hi.isStr {
			return nil, defErr(path, "between needs numeric bounds")
		}
		if lo.num.GreaterThan(hi.num) {
			return nil, defErr(path, "min %s is greater than max %s", lo.num, hi.num)
		}
		return betweenCond{name: d.Var, lo: lo.num, hi: hi.num}, nil
	case "in":
		if len(d.Values) == 0 {
			return nil, defErr(path+".values", "in needs at least one value")
		}
		set := make([]value, 0, len(d.Values))
		for i, raw := range d.Values {
			v, err := parseScalar(fmt.Sprintf("%s.values[%d]", path, i), raw)
			if err != nil {
				return nil, err
			}
			set = append(set, v)
		}
		return inCond{name: d.Var, set: set}, nil
	case "":
		return nil, defErr(path+".op", "op is required")
	}
	return nil, defErr(path+".op", "unknown operator %q", d.Op)
}

// sameValue compares an input value with a literal. A numeric string in the
// input equals the matching number.
func sameValue(got, want value) bool {
	if got.isStr == want.isStr {
		if got.isStr {
			return got.str == want.str
		}
		return got.num.Equal(want.num)
	}
	s, n := got, want
	if !got.isStr {
		s, n = want, got
	}
	d, err := decimal.NewFromString(strings.TrimSpace(s.str))
	return err == nil && d.Equal(n.num)
}

type eqCond struct {
	name   string
	want   value
	negate bool
}

func (c eqCond) match(r *reader) (bool, error) {
	v, ok, err := r.get(c.name)
	if err != nil || !ok {
		return false, err
	}
	return sameValue(v, c.want) != c.negate, nil
}

func (c eqCond) String() string {
	op := "=="
	if c.negate {
		op = "!="
	}
	return fmt.Sprintf("%s %s %s", c.name, op, c.want)
}

type cmpCond struct {
	name  string
	op    string
	bound decimal.Decimal
}

var cmpSymbols = map[string]string{"lt": "<", "lte": "<=", "gt": ">", "gte": ">="}

func (c cmpCond) match(r *reader) (bool, error) {
	v, ok, err := r.getNumber(c.name)
	if err != nil || !ok {
		return false, err
	}
	switch c.op {
	case "lt":
		return v.LessThan(c.bound), nil
	case "lte":
		return v.LessThanOrEqual(c.bound), nil
	case "gt":
		return v.GreaterThan(c.bound), nil
	default:
		return v.GreaterThanOrEqual(c.bound), nil
	}
}

func (c cmpCond) String() string {
	return fmt.Sprintf("%s %s %s", c.name, cmpSymbols[c.op], c.bound)
}

// betweenCond is inclusive on both ends.
type betweenCond struct {
	name   string
	lo, hi decimal.Decimal
}

func (c betweenCond) match(r *reader) (bool, error) {
	v, ok, err := r.getNumber(c.name)
	if err != nil || !ok {
		return false, err
	}
	return v.GreaterThanOrEqual(c.lo) && v.LessThanOrEqual(c.hi), nil
}

func (c betweenCond) String() string {
	return fmt.Sprintf("%s between %s and %s", c.name, c.lo, c.hi)
}

type inCond struct {
	name string
	set  []value
}

func (c inCond) match(r *reader) (bool, error) {
	v, ok, err := r.get(c.name)
	if err != nil || !ok {
		return false, err
	}
	for _, want := range c.set {
		if sameValue(v, want) {
			return true, nil
		}
	}
	return false, nil
}

func (c inCond) String() string {
	parts := make([]string, len(c.set))
	for i, v := range c.set {
		parts[i] = v.String()
	}
	return fmt.Sprintf("%s in {%s}", c.name, strings.Join(parts, ", "))
}

type logicalCond struct {
	all  bool
	subs []condition
}

func (c logicalCond) match(r *reader) (bool, error) {
	for _, s := range c.subs {
		ok, err := s.match(r)
		if err != nil {
			return false, err
		}
		if ok != c.all {
			return ok, nil
		}
	}
	return c.all, nil
}

func (c logicalCond) String() string {
	sep := " or "
	if c.all {
		sep = " and "
	}
	parts := make([]string, len(c.subs))
	for i, s := range c.subs {
		parts[i] = s.String()
	}
	return "(" + strings.Join(parts, sep) + ")"
}

type notCond struct{ inner condition }

func (c notCond) match(r *reader) (bool, error) {
	ok, err := c.inner.match(r)
	return !ok && err == nil, err
}

func (c notCond) String() string { return "not " + c.inner.String() }
