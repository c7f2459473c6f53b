// Package mcp exposes kage's rule catalog and feedback intake over the Model
// Context Protocol, so an MCP client can inspect rule versions, dry-run a
// rule on an input and report outcomes without going through the REST API.
package mcp

import (
	"encoding/json"
	"log/slog"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/kage/internal/service/adjust"
	"github.com/ashita-ai/kage/internal/service/catalog"
	"github.com/ashita-ai/kage/internal/service/feedback"
)

// Server wraps the mcp-go server with kage's services.
type Server struct {
	mcpServer *mcpserver.MCPServer
	catalog   *catalog.Catalog
	feedback  *feedback.Service
	factors   *adjust.FactorCache
	logger    *slog.Logger
}

// New creates an MCP server with kage's tools, resources and prompts.
// factors may be nil, in which case the adjustments resource is omitted.
func New(cat *catalog.Catalog, fb *feedback.Service, factors *adjust.FactorCache, logger *slog.Logger, version string) *Server {
	s := &Server{
		catalog:  cat,
		feedback: fb,
		factors:  factors,
		logger:   logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"kage",
		version,
		mcpserver.WithResourceCapabilities(false, false),
		mcpserver.WithToolCapabilities(false),
		mcpserver.WithPromptCapabilities(false),
		mcpserver.WithRecovery(),
	)

	s.registerResources()
	s.registerTools()
	s.registerPrompts()
	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func jsonResult(v any) (*mcplib.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}, nil
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
