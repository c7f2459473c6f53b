package rules

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// value is the interpreter's scalar: a decimal number or a string.
// Booleans are numbers (1 and 0).
type value struct {
	num    decimal.Decimal
	str    string
	isStr  bool
	isBool bool // came from a boolean input; keys as "true"/"false"
}

var (
	one  = decimal.NewFromInt(1)
	zero = decimal.Zero
)

func numVal(d decimal.Decimal) value { return value{num: d} }
func strVal(s string) value          { return value{str: s, isStr: true} }

func boolVal(b bool) value {
	if b {
		return numVal(one)
	}
	return numVal(zero)
}

func (v value) truthy() bool {
	if v.isStr {
		return v.str != ""
	}
	return !v.num.IsZero()
}

// native converts v back into a plain Go value for explanations.
func (v value) native() any {
	if v.isStr {
		return v.str
	}
	return v.num.InexactFloat64()
}

// key renders v the way lookup tables are keyed.
func (v value) key() string {
	switch {
	case v.isStr:
		return v.str
	case v.isBool:
		if v.num.IsZero() {
			return "false"
		}
		return "true"
	}
	return v.num.String()
}

func (v value) String() string { return v.key() }

// toValue converts a decoded JSON (or Go) scalar into a value.
// ok is false for nil, maps and slices.
func toValue(raw any) (value, bool) {
	switch x := raw.(type) {
	case float64:
		return numVal(decimal.NewFromFloat(x)), true
	case float32:
		return numVal(decimal.NewFromFloat32(x)), true
	case int:
		return numVal(decimal.NewFromInt(int64(x))), true
	case int32:
		return numVal(decimal.NewFromInt32(x)), true
	case int64:
		return numVal(decimal.NewFromInt(x)), true
	case uint:
		return numVal(decimal.RequireFromString(strconv.FormatUint(uint64(x), 10))), true
	case uint64:
		return numVal(decimal.RequireFromString(strconv.FormatUint(x, 10))), true
	case json.Number:
		d, err := decimal.NewFromString(x.String())
		if err != nil {
			return value{}, false
		}
		return numVal(d), true
	case decimal.Decimal:
		return numVal(x), true
	case bool:
		v := boolVal(x)
		v.isBool = true
		return v, true
	case string:
		return strVal(x), true
	}
	return value{}, false
}

// lookupPath walks a dotted path through nested maps.
func lookupPath(input map[string]any, path string) (any, bool) {
	if v, ok := input[path]; ok {
		return v, true
	}
	var cur any = input
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// reader resolves variables for one evaluation and records, in first-read
// order, which variables were consulted and what they held.
type reader struct {
	input    map[string]any
	defaults map[string]value
	seen     map[string]bool
	used     []string
	reads    []varRead
}

type varRead struct {
	name      string
	val       value
	defaulted bool
	missing   bool
}

func newReader(input map[string]any, defaults map[string]value) *reader {
	return &reader{input: input, defaults: defaults, seen: make(map[string]bool)}
}

func (r *reader) record(vr varRead) {
	if r.seen[vr.name] {
		return
	}
	r.seen[vr.name] = true
	r.used = append(r.used, vr.name)
	r.reads = append(r.reads, vr)
}

// get returns the variable's value. present is false when the input lacks the
// variable and no default exists. A non-scalar value is a type mismatch.
func (r *reader) get(name string) (v value, present bool, err error) {
	raw, ok := lookupPath(r.input, name)
	if !ok || raw == nil {
		if d, ok := r.defaults[name]; ok {
			r.record(varRead{name: name, val: d, defaulted: true})
			return d, true, nil
		}
		r.record(varRead{name: name, missing: true})
		return value{}, false, nil
	}
	v, ok = toValue(raw)
	if !ok {
		return value{}, false, typeMismatch(name, "unsupported value of type %T", raw)
	}
	r.record(varRead{name: name, val: v})
	return v, true, nil
}

// getNumber is get for variables that must be numeric.
func (r *reader) getNumber(name string) (decimal.Decimal, bool, error) {
	v, present, err := r.get(name)
	if err != nil || !present {
		return zero, present, err
	}
	if v.isStr {
		d, perr := decimal.NewFromString(strings.TrimSpace(v.str))
		if perr != nil {
			return zero, true, typeMismatch(name, "expected a number, got %q", v.str)
		}
		return d, true, nil
	}
	return v.num, true, nil
}

// decimalFromJSON parses a JSON number literal from a definition.
func decimalFromJSON(raw json.RawMessage) (decimal.Decimal, error) {
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return zero, fmt.Errorf("expected a number")
	}
	return decimal.NewFromString(n.String())
}
