package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/kage/internal/model"
)

const (
	adjustmentsURI   = "kage://adjustments"
	rulePrefix       = "kage://rules/"
	ruleActiveSuffix = "/active"
)

func (s *Server) registerResources() {
	if s.factors != nil {
		s.mcpServer.AddResource(
			mcplib.NewResource(
				adjustmentsURI,
				"Adjustment Factors",
				mcplib.WithResourceDescription("Current confidence adjustment factor per tool and rule version"),
				mcplib.WithMIMEType("application/json"),
			),
			s.handleAdjustments,
		)
	}

	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			rulePrefix+"{tool}"+ruleActiveSuffix,
			"Active Rule",
			mcplib.WithTemplateDescription("The active rule document of a tool"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleActiveRule,
	)
}

func (s *Server) handleAdjustments(_ context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	data, err := json.MarshalIndent(s.factors.Snapshot(), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal adjustments: %w", err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{URI: request.Params.URI, MIMEType: "application/json", Text: string(data)},
	}, nil
}

// parseActiveRuleURI extracts the tool name from kage://rules/{tool}/active.
func parseActiveRuleURI(uri string) (string, error) {
	if !strings.HasPrefix(uri, rulePrefix) || !strings.HasSuffix(uri, ruleActiveSuffix) {
		return "", fmt.Errorf("mcp: invalid active rule URI: %q", uri)
	}
	tool := strings.TrimSuffix(strings.TrimPrefix(uri, rulePrefix), ruleActiveSuffix)
	if err := model.ValidateToolName(tool); err != nil {
		return "", fmt.Errorf("mcp: invalid active rule URI: %w", err)
	}
	return tool, nil
}

func (s *Server) handleActiveRule(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	tool, err := parseActiveRuleURI(request.Params.URI)
	if err != nil {
		return nil, err
	}
	version, ok := s.catalog.ActiveVersion(tool)
	if !ok {
		return nil, fmt.Errorf("mcp: %s has no active rule", tool)
	}
	docs, err := s.catalog.Versions(ctx, tool)
	if err != nil {
		return nil, fmt.Errorf("mcp: active rule: %w", err)
	}
	for _, d := range docs {
		if d.Version != version {
			continue
		}
		data, err := json.MarshalIndent(d, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("mcp: marshal rule: %w", err)
		}
		return []mcplib.ResourceContents{
			mcplib.TextResourceContents{URI: request.Params.URI, MIMEType: "application/json", Text: string(data)},
		}, nil
	}
	return nil, fmt.Errorf("mcp: active rule %s@%s not in store", tool, version)
}
