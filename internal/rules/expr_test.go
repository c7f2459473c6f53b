package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFormula_Target(t *testing.T) {
	p, err := parseFormula("score = base*0.6 + bonus*0.4")
	require.NoError(t, err)
	assert.Equal(t, "score", p.target)
	assert.Equal(t, "base*0.6+bonus*0.4", p.body.String())

	p, err = parseFormula("base == 1")
	require.NoError(t, err)
	assert.Empty(t, p.target, "== is a comparison, not an assignment")
}

func TestParseFormula_PrintsMinimalParentheses(t *testing.T) {
	tests := []struct{ in, want string }{
		{"a*(b+c)", "a*(b+c)"},
		{"(a*b)+c", "a*b+c"},
		{"a-(b-c)", "a-(b-c)"},
		{"(a-b)-c", "a-b-c"},
		{"-(a+b)", "-(a+b)"},
		{"a > 1 ? b : c", "a>1 ? b : c"},
		{"x + (a ? b : c)", "x+(a ? b : c)"},
	}
	for _, tt := range tests {
		p, err := parseFormula(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, p.body.String(), tt.in)
	}
}

func TestAdditiveTerms(t *testing.T) {
	p, err := parseFormula("a*2 - b + (c - d)")
	require.NoError(t, err)
	terms := additiveTerms(p.body)
	require.Len(t, terms, 3)
	assert.Equal(t, "a*2", terms[0].node.String())
	assert.False(t, terms[0].negative)
	assert.Equal(t, "b", terms[1].node.String())
	assert.True(t, terms[1].negative)
	assert.Equal(t, "c-d", terms[2].node.String(), "parenthesized groups stay one term")
}

func TestLex_Errors(t *testing.T) {
	for _, src := range []string{"a # b", "'abc", "a & b", "a | b"} {
		_, err := parseFormula(src)
		assert.Error(t, err, src)
	}
}

func TestParseFormula_BadIdentifiers(t *testing.T) {
	for _, src := range []string{"a. + 1", "a..b"} {
		_, err := parseFormula(src)
		assert.Error(t, err, src)
	}
}
