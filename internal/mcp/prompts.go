package mcp

import (
	"context"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerPrompts() {
	// rule-rollout walks a client through validating a candidate version
	// before it takes traffic.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("rule-rollout",
			mcplib.WithPromptDescription("Checklist for rolling out a new rule version of a tool"),
			mcplib.WithArgument("tool_name",
				mcplib.ArgumentDescription("Tool being changed"),
				mcplib.RequiredArgument(),
			),
			mcplib.WithArgument("version",
				mcplib.ArgumentDescription("Candidate version"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleRolloutPrompt,
	)
}

func (s *Server) handleRolloutPrompt(_ context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	tool := request.Params.Arguments["tool_name"]
	version := request.Params.Arguments["version"]
	if tool == "" || version == "" {
		return nil, fmt.Errorf("tool_name and version arguments are required")
	}

	return &mcplib.GetPromptResult{
		Description: fmt.Sprintf("Roll out %s@%s", tool, version),
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`You are validating version %[2]s of the %[1]s rule before it takes traffic.

1. CALL kage_rule_versions with tool_name="%[1]s". Note the active version and
   whether an experiment is already running.

2. CALL kage_explain with tool_name="%[1]s", version="%[2]s" on a handful of
   representative inputs, then again with the active version on the same
   inputs. Compare categories and scores. Explain every difference from the
   explanation steps, not from guesses.

3. If any input produces an error (missing_variable, type_mismatch,
   division_by_zero), stop and report it. The version is not ready.

4. Otherwise recommend an experiment: control = the active version, test =
   %[2]s, and a small traffic_split such as 0.1. Shadow comparisons and
   feedback will tell whether to widen it.`, tool, version),
				},
			},
		},
	}, nil
}
