package rules

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"github.com/ashita-ai/kage/internal/model"
)

// Humanize turns a variable path like "company.employee_count" into
// "Company Employee Count" for summaries.
func Humanize(name string) string {
	fields := strings.FieldsFunc(name, func(r rune) bool { return r == '_' || r == '.' || r == '-' })
	for i, f := range fields {
		rs := []rune(f)
		rs[0] = unicode.ToUpper(rs[0])
		fields[i] = string(rs)
	}
	return strings.Join(fields, " ")
}

func formatNum(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// summarize renders a one-paragraph "why this result" from the explanation.
func summarize(typ model.RuleType, res Result) string {
	head := "Result " + resultLabel(res.Outcome)
	switch typ {
	case model.RuleFormula:
		return head + formulaReason(res.Explanation)
	default:
		return head + branchReason(res.Explanation)
	}
}

func resultLabel(o model.Outcome) string {
	switch {
	case o.Category != "" && o.Score != nil:
		return fmt.Sprintf("%s (%s)", o.Category, formatNum(*o.Score))
	case o.Category != "":
		return o.Category
	case o.Score != nil:
		return formatNum(*o.Score)
	}
	return "(empty)"
}

func termName(st model.Step) string {
	if st.Variable != "" {
		return Humanize(st.Variable)
	}
	return st.Expression
}

// formulaReason names the largest positive term, counts the other positive
// ones, and calls out the largest negative term.
func formulaReason(steps []model.Step) string {
	var pos, neg []model.Step
	for _, st := range steps {
		if st.Kind != model.StepTerm || st.Contribution == nil {
			continue
		}
		switch {
		case *st.Contribution > 0:
			pos = append(pos, st)
		case *st.Contribution < 0:
			neg = append(neg, st)
		}
	}
	// Stable sorts keep source order on ties so the text is deterministic.
	sort.SliceStable(pos, func(i, j int) bool { return *pos[i].Contribution > *pos[j].Contribution })
	sort.SliceStable(neg, func(i, j int) bool { return *neg[i].Contribution < *neg[j].Contribution })

	var b strings.Builder
	if len(pos) > 0 {
		fmt.Fprintf(&b, " driven mostly by %s (+%s)", termName(pos[0]), formatNum(*pos[0].Contribution))
		switch n := len(pos) - 1; n {
		case 0:
		case 1:
			fmt.Fprintf(&b, ", plus %s (+%s)", termName(pos[1]), formatNum(*pos[1].Contribution))
		default:
			fmt.Fprintf(&b, ", plus %d other positive terms", n)
		}
	}
	b.WriteString(".")
	if len(neg) > 0 {
		fmt.Fprintf(&b, " However, %s pulled it down by %s.", termName(neg[0]), formatNum(-*neg[0].Contribution))
	}
	for _, st := range steps {
		if st.Kind == model.StepThreshold {
			fmt.Fprintf(&b, " Tier %s applies (%s).", st.Detail, st.Expression)
		}
	}
	return b.String()
}

// branchReason reports which condition, table entry or cutoff decided the result.
func branchReason(steps []model.Step) string {
	for i := len(steps) - 1; i >= 0; i-- {
		st := steps[i]
		switch {
		case st.Kind == model.StepDefault:
			return " via the default because " + defaultCause(steps[:i]) + "."
		case st.Matched != nil && *st.Matched:
			what := st.Expression
			if what == "" {
				what = fmt.Sprintf("%s = %v", st.Variable, st.Value)
			}
			if st.Variable != "" {
				return fmt.Sprintf(" because %s matched (%s).", Humanize(st.Variable), what)
			}
			return fmt.Sprintf(" because %s matched (%s).", st.Detail, what)
		}
	}
	return "."
}

func defaultCause(before []model.Step) string {
	for i := len(before) - 1; i >= 0; i-- {
		if before[i].Kind != model.StepVariable && before[i].Detail == "variable missing" {
			return Humanize(before[i].Variable) + " was not provided"
		}
	}
	for _, st := range before {
		if st.Kind == model.StepVariable && st.Detail == "missing" {
			return Humanize(st.Variable) + " was not provided"
		}
	}
	return "nothing else matched"
}
