package mcp

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kage/internal/model"
	"github.com/ashita-ai/kage/internal/service/adjust"
	"github.com/ashita-ai/kage/internal/service/catalog"
	"github.com/ashita-ai/kage/internal/service/feedback"
	"github.com/ashita-ai/kage/internal/storage/memstore"
	"github.com/ashita-ai/kage/internal/testutil"
)

const leadScore = `{"expr":"score = base * 0.6 + bonus * 0.4",
	"tiers":[{"min":70,"label":"hot"},{"min":40,"label":"warm"}],
	"default_category":"cold","confidence":0.8}`

type fixture struct {
	srv   *Server
	store *memstore.Store
	cache *adjust.FactorCache
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	ctx := context.Background()
	logger := testutil.TestLogger()
	store := memstore.New()
	cat := catalog.New(store, logger)
	require.NoError(t, cat.Refresh(ctx))

	for _, v := range []string{"1.0.0", "1.1.0"} {
		_, err := cat.Publish(ctx, model.PublishRuleRequest{
			ToolName:   "lead_score",
			Version:    v,
			RuleType:   string(model.RuleFormula),
			Definition: json.RawMessage(leadScore),
			Activate:   v == "1.0.0",
		})
		require.NoError(t, err)
	}

	cache := adjust.NewFactorCache(time.Hour)
	return fixture{
		srv:   New(cat, feedback.New(store, logger), cache, logger, "test"),
		store: store,
		cache: cache,
	}
}

func callRequest(name string, args map[string]any) mcplib.CallToolRequest {
	return mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{Name: name, Arguments: args},
	}
}

func parseToolText(t *testing.T, result *mcplib.CallToolResult) string {
	t.Helper()
	for _, c := range result.Content {
		if tc, ok := c.(mcplib.TextContent); ok {
			return tc.Text
		}
	}
	t.Fatal("no TextContent found in tool result")
	return ""
}

func TestHandleExplainActiveVersion(t *testing.T) {
	f := newFixture(t)
	result, err := f.srv.handleExplain(context.Background(), callRequest("kage_explain", map[string]any{
		"tool_name": "lead_score",
		"input":     map[string]any{"base": 100, "bonus": 50},
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, parseToolText(t, result))

	var resp model.ExplainResponse
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &resp))
	assert.Equal(t, "1.0.0", resp.RuleVersion)
	require.NotNil(t, resp.Output)
	assert.Equal(t, "hot", resp.Output.Category)
	require.NotNil(t, resp.Output.Score)
	assert.InDelta(t, 80.0, *resp.Output.Score, 1e-9)
	assert.ElementsMatch(t, []string{"base", "bonus"}, resp.VariablesUsed)
	assert.NotEmpty(t, resp.Explanation)
}

func TestHandleExplainEvaluationErrorIsAnswer(t *testing.T) {
	f := newFixture(t)
	result, err := f.srv.handleExplain(context.Background(), callRequest("kage_explain", map[string]any{
		"tool_name": "lead_score",
		"version":   "1.1.0",
		"input":     map[string]any{"bonus": 50},
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var resp model.ExplainResponse
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &resp))
	assert.Equal(t, "1.1.0", resp.RuleVersion)
	assert.Nil(t, resp.Output)
	assert.Contains(t, resp.Error, "missing_variable")
}

func TestHandleExplainRejectsBadArguments(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name string
		args map[string]any
	}{
		{"bad tool name", map[string]any{"tool_name": "Lead Score", "input": map[string]any{}}},
		{"input not an object", map[string]any{"tool_name": "lead_score", "input": "base=1"}},
		{"unknown version", map[string]any{"tool_name": "lead_score", "version": "9.9.9", "input": map[string]any{}}},
		{"no active rule", map[string]any{"tool_name": "churn", "input": map[string]any{}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := f.srv.handleExplain(context.Background(), callRequest("kage_explain", tt.args))
			require.NoError(t, err)
			assert.True(t, result.IsError)
		})
	}
}

func TestHandleRuleVersions(t *testing.T) {
	f := newFixture(t)
	result, err := f.srv.handleRuleVersions(context.Background(), callRequest("kage_rule_versions", map[string]any{
		"tool_name": "lead_score",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var resp versionsResult
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &resp))
	require.Len(t, resp.Versions, 2)
	assert.Equal(t, "1.0.0", resp.Versions[0].Version)
	assert.True(t, resp.Versions[0].Active)
	assert.False(t, resp.Versions[1].Active)
	assert.Nil(t, resp.Experiment)
}

func TestHandleRuleVersionsUnknownToolIsEmpty(t *testing.T) {
	f := newFixture(t)
	result, err := f.srv.handleRuleVersions(context.Background(), callRequest("kage_rule_versions", map[string]any{
		"tool_name": "churn",
	}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"tool_name":"churn","versions":[]}`, parseToolText(t, result))
}

func TestHandleSubmitFeedback(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := uuid.New()
	_, err := f.store.UpsertDecision(ctx, model.Decision{
		ID:          id,
		ToolName:    "lead_score",
		RuleVersion: "1.0.0",
		ABGroup:     model.ABNone,
		Input:       map[string]any{"base": 1},
		CreatedAt:   time.Now().UTC(),
	})
	require.NoError(t, err)

	result, err := f.srv.handleSubmitFeedback(ctx, callRequest("kage_submit_feedback", map[string]any{
		"decision_id":      id.String(),
		"outcome_type":     "ignored",
		"outcome_positive": true,
		"outcome_value":    1200.5,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, parseToolText(t, result))

	samples, err := f.store.FeedbackWindow(ctx, model.ToolVersion{ToolName: "lead_score", RuleVersion: "1.0.0"}, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, samples, 1)
	assert.True(t, samples[0].Success(), "explicit outcome_positive wins over the outcome type")
}

func TestHandleSubmitFeedbackErrors(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name string
		args map[string]any
		want string
	}{
		{"unknown decision", map[string]any{"decision_id": uuid.NewString(), "outcome_type": "converted"}, "not found"},
		{"bad outcome type", map[string]any{"decision_id": uuid.NewString(), "outcome_type": "clicked"}, "outcome_type"},
		{"non-uuid decision id", map[string]any{"decision_id": "nope", "outcome_type": "converted"}, "not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := f.srv.handleSubmitFeedback(context.Background(), callRequest("kage_submit_feedback", tt.args))
			require.NoError(t, err)
			assert.True(t, result.IsError)
			assert.Contains(t, parseToolText(t, result), tt.want)
		})
	}
}

func TestParseActiveRuleURI(t *testing.T) {
	tests := []struct {
		uri     string
		want    string
		wantErr bool
	}{
		{uri: "kage://rules/lead_score/active", want: "lead_score"},
		{uri: "kage://rules/churn.v2/active", want: "churn.v2"},
		{uri: "kage://rules//active", wantErr: true},
		{uri: "kage://rules/lead_score", wantErr: true},
		{uri: "other://rules/lead_score/active", wantErr: true},
		{uri: "kage://rules/Lead Score/active", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.uri, func(t *testing.T) {
			got, err := parseActiveRuleURI(tt.uri)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResources(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.cache.Set(model.AdjustmentFactor{ToolName: "lead_score", RuleVersion: "1.0.0", Factor: 0.02, CalculatedAt: time.Now()})

	contents, err := f.srv.handleAdjustments(ctx, mcplib.ReadResourceRequest{
		Params: mcplib.ReadResourceParams{URI: adjustmentsURI},
	})
	require.NoError(t, err)
	require.Len(t, contents, 1)
	text := contents[0].(mcplib.TextResourceContents).Text
	assert.Contains(t, text, `"factor": 0.02`)

	contents, err = f.srv.handleActiveRule(ctx, mcplib.ReadResourceRequest{
		Params: mcplib.ReadResourceParams{URI: "kage://rules/lead_score/active"},
	})
	require.NoError(t, err)
	var doc model.RuleDocument
	require.NoError(t, json.Unmarshal([]byte(contents[0].(mcplib.TextResourceContents).Text), &doc))
	assert.Equal(t, "1.0.0", doc.Version)

	_, err = f.srv.handleActiveRule(ctx, mcplib.ReadResourceRequest{
		Params: mcplib.ReadResourceParams{URI: "kage://rules/churn/active"},
	})
	assert.Error(t, err)
}

func TestRolloutPrompt(t *testing.T) {
	f := newFixture(t)
	req := mcplib.GetPromptRequest{}
	req.Params.Arguments = map[string]string{"tool_name": "lead_score", "version": "1.1.0"}
	result, err := f.srv.handleRolloutPrompt(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, result.Messages, 1)
	text := result.Messages[0].Content.(mcplib.TextContent).Text
	assert.Contains(t, text, `kage_explain with tool_name="lead_score", version="1.1.0"`)

	req.Params.Arguments = map[string]string{"tool_name": "lead_score"}
	_, err = f.srv.handleRolloutPrompt(context.Background(), req)
	assert.Error(t, err)
}
