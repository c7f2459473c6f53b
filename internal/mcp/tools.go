package mcp

import (
	"context"
	"errors"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/kage/internal/model"
	"github.com/ashita-ai/kage/internal/service/catalog"
	"github.com/ashita-ai/kage/internal/service/feedback"
	"github.com/ashita-ai/kage/internal/storage"
)

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcplib.NewTool("kage_explain",
			mcplib.WithDescription(`Dry-run a published rule version against an input and explain the result.

Nothing is logged and no legacy evaluator is called. The response carries the
rule output, the step-by-step explanation, the variables the rule read and a
one-line summary. Omit version to use the tool's active version.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("tool_name",
				mcplib.Description("Tool whose rule to run, e.g. lead_score"),
				mcplib.Required(),
			),
			mcplib.WithString("version",
				mcplib.Description("Semver rule version. Defaults to the active version."),
			),
			mcplib.WithObject("input",
				mcplib.Description("Input variables, as the tool would receive them"),
				mcplib.Required(),
			),
		),
		s.handleExplain,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("kage_rule_versions",
			mcplib.WithDescription("List every published version of a tool's rule in semver order, with the active flag and any running experiment."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("tool_name",
				mcplib.Description("Tool to list"),
				mcplib.Required(),
			),
		),
		s.handleRuleVersions,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("kage_submit_feedback",
			mcplib.WithDescription(`Report the real-world outcome of a previous decision.

Feedback feeds the confidence adjustment job. outcome_type is one of
converted, engaged, ignored, bounced, error. Set outcome_positive to override
the default reading (converted and engaged count as success).`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("decision_id",
				mcplib.Description("decision_id returned by the evaluate call"),
				mcplib.Required(),
			),
			mcplib.WithString("outcome_type",
				mcplib.Description("What happened downstream"),
				mcplib.Enum("converted", "engaged", "ignored", "bounced", "error"),
				mcplib.Required(),
			),
			mcplib.WithBoolean("outcome_positive",
				mcplib.Description("Explicit success flag"),
			),
			mcplib.WithNumber("outcome_value",
				mcplib.Description("Optional numeric outcome, e.g. deal size"),
			),
			mcplib.WithString("source",
				mcplib.Description("Who is reporting the outcome"),
			),
		),
		s.handleSubmitFeedback,
	)
}

func (s *Server) handleExplain(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	tool := request.GetString("tool_name", "")
	if err := model.ValidateToolName(tool); err != nil {
		return errorResult(err.Error()), nil
	}
	input, ok := request.GetArguments()["input"].(map[string]any)
	if !ok {
		return errorResult("input must be an object"), nil
	}

	doc, res, err := s.catalog.Explain(ctx, tool, request.GetString("version", ""), input)
	switch {
	case errors.Is(err, catalog.ErrNoActiveRule):
		return errorResult(fmt.Sprintf("%s has no active rule; pass a version", tool)), nil
	case errors.Is(err, storage.ErrNotFound):
		return errorResult("rule version not found"), nil
	case errors.Is(err, catalog.ErrInvalidVersion):
		return errorResult(err.Error()), nil
	}

	out := model.ExplainResponse{ToolName: tool, RuleVersion: doc.Version}
	if err != nil {
		if doc.Version == "" {
			return nil, fmt.Errorf("mcp: explain: %w", err)
		}
		// Evaluation errors are part of the answer, not a tool failure.
		out.Error = err.Error()
	} else {
		o := res.Outcome
		out.Output = &o
		out.Explanation = res.Explanation
		out.VariablesUsed = res.VariablesUsed
		out.Summary = res.Summary
	}
	return jsonResult(out)
}

type versionsResult struct {
	ToolName   string               `json:"tool_name"`
	Versions   []model.RuleDocument `json:"versions"`
	Experiment *model.Experiment    `json:"experiment,omitempty"`
}

func (s *Server) handleRuleVersions(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	tool := request.GetString("tool_name", "")
	if err := model.ValidateToolName(tool); err != nil {
		return errorResult(err.Error()), nil
	}
	docs, err := s.catalog.Versions(ctx, tool)
	if err != nil {
		return nil, fmt.Errorf("mcp: rule versions: %w", err)
	}
	out := versionsResult{ToolName: tool, Versions: docs}
	if out.Versions == nil {
		out.Versions = []model.RuleDocument{}
	}
	if exp, ok := s.catalog.Experiment(tool); ok {
		out.Experiment = &exp
	}
	return jsonResult(out)
}

func (s *Server) handleSubmitFeedback(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	args := request.GetArguments()
	req := model.SubmitFeedbackRequest{
		DecisionID:  request.GetString("decision_id", ""),
		OutcomeType: request.GetString("outcome_type", ""),
		Source:      request.GetString("source", "mcp"),
	}
	if v, ok := args["outcome_positive"].(bool); ok {
		req.OutcomePositive = &v
	}
	if v, ok := args["outcome_value"].(float64); ok {
		req.OutcomeValue = &v
	}

	f, err := s.feedback.Submit(ctx, req)
	if err != nil {
		var verr *feedback.ValidationError
		switch {
		case errors.As(err, &verr):
			return errorResult(verr.Error()), nil
		case errors.Is(err, feedback.ErrDecisionNotFound):
			return errorResult(fmt.Sprintf("decision %s not found", req.DecisionID)), nil
		}
		return nil, fmt.Errorf("mcp: submit feedback: %w", err)
	}
	return jsonResult(map[string]any{
		"feedback_id": f.ID,
		"decision_id": f.DecisionID,
		"status":      "recorded",
	})
}
