package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kage/internal/auth"
	"github.com/ashita-ai/kage/internal/model"
)

const leadScoreYAML = `
tool_name: lead_score
version: 1.2.0
rule_type: formula
description: heavier weight on engagement
definition:
  expr: score = base * 0.5 + bonus * 0.5
  tiers:
    - {min: 70, label: hot}
    - {min: 40, label: warm}
  default_category: cold
  confidence: 0.8
`

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestParseRuleFileYAML(t *testing.T) {
	req, err := parseRuleFile([]byte(leadScoreYAML))
	require.NoError(t, err)
	assert.Equal(t, "lead_score", req.ToolName)
	assert.Equal(t, "1.2.0", req.Version)
	assert.Equal(t, "formula", req.RuleType)
	assert.False(t, req.Activate)
	assert.JSONEq(t, `{
		"expr": "score = base * 0.5 + bonus * 0.5",
		"tiers": [{"min": 70, "label": "hot"}, {"min": 40, "label": "warm"}],
		"default_category": "cold",
		"confidence": 0.8
	}`, string(req.Definition))
}

func TestParseRuleFileJSON(t *testing.T) {
	req, err := parseRuleFile([]byte(`{"tool_name":"churn","version":"2.0.0","rule_type":"threshold",
		"activate":true,"definition":{"variable":"days_inactive","thresholds":[{"min":30,"label":"at_risk"}]}}`))
	require.NoError(t, err)
	assert.Equal(t, "churn", req.ToolName)
	assert.True(t, req.Activate)
	assert.Contains(t, string(req.Definition), `"days_inactive"`)
}

func TestParseRuleFileErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not yaml", "tool_name: [unclosed"},
		{"no definition", "tool_name: lead_score\nversion: 1.0.0\nrule_type: formula\n"},
		{"non-string keys", "tool_name: t\ndefinition:\n  ? [a, b]\n  : 1\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseRuleFile([]byte(tt.data))
			assert.Error(t, err)
		})
	}
}

func TestPublishSendsRuleAndToken(t *testing.T) {
	var got model.PublishRuleRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "POST", r.Method)
		assert.Equal(t, "/v1/rules", r.URL.Path)
		assert.Equal(t, "Bearer op-token", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(model.APIResponse{Data: model.RuleDocument{
			ToolName: got.ToolName, Version: got.Version, RuleType: model.RuleType(got.RuleType), Active: got.Activate,
		}})
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "lead_score.yaml")
	require.NoError(t, os.WriteFile(path, []byte(leadScoreYAML), 0o600))

	out, err := execute(t, "--server", srv.URL, "--token", "op-token", "publish", "--activate", path)
	require.NoError(t, err)
	assert.True(t, got.Activate, "--activate overrides the file")
	assert.Equal(t, "1.2.0", got.Version)

	var doc model.RuleDocument
	require.NoError(t, json.Unmarshal([]byte(out), &doc))
	assert.True(t, doc.Active)
}

func TestAPIErrorSurfaced(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(model.APIError{Error: model.ErrorDetail{
			Code: model.ErrCodeInvalidRule, Message: "unknown variable", Details: map[string]string{"path": "definition.expr"},
		}})
	}))
	defer srv.Close()

	_, err := execute(t, "--server", srv.URL, "activate", "lead_score", "1.2.0")
	require.Error(t, err)
	var apiErr *apiError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
	assert.Equal(t, model.ErrCodeInvalidRule, apiErr.Code)
	assert.Contains(t, err.Error(), "definition.expr")
}

func TestVersionsMarksActive(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/rules/lead_score", r.URL.Path)
		_ = json.NewEncoder(w).Encode(model.APIResponse{Data: []model.RuleDocument{
			{ToolName: "lead_score", Version: "1.0.0", RuleType: model.RuleFormula, Active: true},
			{ToolName: "lead_score", Version: "1.1.0", RuleType: model.RuleFormula},
		}})
	}))
	defer srv.Close()

	out, err := execute(t, "--server", srv.URL, "versions", "lead_score")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "* 1.0.0"))
	assert.True(t, strings.HasPrefix(lines[1], "  1.1.0"))
}

func TestExperimentSetRequiresVersions(t *testing.T) {
	_, err := execute(t, "--server", "http://127.0.0.1:0", "experiment", "set", "lead_score", "--test", "1.2.0")
	assert.Error(t, err)
}

func TestJobRunRejectsUnknownJob(t *testing.T) {
	_, err := execute(t, "--server", "http://127.0.0.1:0", "job", "run", "reindex")
	assert.Error(t, err)
}

func TestKeygenAndTokenRoundTrip(t *testing.T) {
	dir := t.TempDir()
	_, err := execute(t, "keygen", "--dir", dir)
	require.NoError(t, err)

	priv, pub := filepath.Join(dir, "private.pem"), filepath.Join(dir, "public.pem")
	out, err := execute(t, "token", "--subject", "checkout-api", "--role", "operator",
		"--ttl", "1h", "--private-key", priv, "--public-key", pub)
	require.NoError(t, err)

	verifier, err := auth.NewJWTManager("", pub, time.Hour)
	require.NoError(t, err)
	claims, err := verifier.ValidateToken(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "checkout-api", claims.Subject)
	assert.Equal(t, auth.RoleOperator, claims.Role)
}

func TestTokenRejectsUnknownRole(t *testing.T) {
	_, err := execute(t, "token", "--subject", "x", "--role", "admin")
	assert.Error(t, err)
}
