package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/kage/internal/auth"
	"github.com/ashita-ai/kage/internal/jobs"
	"github.com/ashita-ai/kage/internal/ratelimit"
	"github.com/ashita-ai/kage/internal/service/adjust"
	"github.com/ashita-ai/kage/internal/service/catalog"
	"github.com/ashita-ai/kage/internal/service/feedback"
	"github.com/ashita-ai/kage/internal/service/shadow"
	"github.com/ashita-ai/kage/internal/storage"
)

// Server is the kage HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Adjust, Jobs, Broker, JWTMgr, Limiter, MCPServer, OpenAPISpec, Middlewares.
// A nil JWTMgr disables authentication.
type ServerConfig struct {
	// Required dependencies.
	Store    storage.Store
	Catalog  *catalog.Catalog
	Harness  *shadow.Harness
	Feedback *feedback.Service
	Logger   *slog.Logger

	// Optional dependencies (nil = disabled).
	Adjust    *adjust.Engine
	Jobs      []*jobs.Runner
	Broker    *Broker
	JWTMgr    *auth.JWTManager
	Limiter   ratelimit.Limiter
	MCPServer   *mcpserver.MCPServer
	OpenAPISpec []byte

	// Middlewares wrap the root handler, first-registered outermost.
	Middlewares []func(http.Handler) http.Handler

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	StoreKind           string
	MaxRequestBodyBytes int64
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Store:               cfg.Store,
		StoreKind:           cfg.StoreKind,
		Catalog:             cfg.Catalog,
		Harness:             cfg.Harness,
		Feedback:            cfg.Feedback,
		Adjust:              cfg.Adjust,
		Jobs:                cfg.Jobs,
		Broker:              cfg.Broker,
		OpenAPISpec:         cfg.OpenAPISpec,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}
	evaluateRL := ratelimit.Middleware(cfg.Limiter, "evaluate", callerKeyFunc, reqIDFunc, cfg.Logger)
	feedbackRL := ratelimit.Middleware(cfg.Limiter, "feedback", callerKeyFunc, reqIDFunc, cfg.Logger)

	authOn := cfg.JWTMgr != nil
	serviceRole := requireRole(authOn, auth.RoleService)
	operatorRole := requireRole(authOn, auth.RoleOperator)

	mux := http.NewServeMux()

	// Ingest (service+, rate limited).
	mux.Handle("POST /v1/tools/{tool}/evaluate", serviceRole(evaluateRL(http.HandlerFunc(h.HandleEvaluate))))
	mux.Handle("POST /v1/feedback", serviceRole(feedbackRL(http.HandlerFunc(h.HandleSubmitFeedback))))

	// Rule management (operator).
	mux.Handle("POST /v1/rules", operatorRole(http.HandlerFunc(h.HandlePublishRule)))
	mux.Handle("GET /v1/rules/{tool}", operatorRole(http.HandlerFunc(h.HandleListRules)))
	mux.Handle("POST /v1/rules/{tool}/{version}/activate", operatorRole(http.HandlerFunc(h.HandleActivateRule)))
	mux.Handle("POST /v1/rules/{tool}/{version}/explain", operatorRole(http.HandlerFunc(h.HandleExplainRule)))
	mux.Handle("PUT /v1/experiments/{tool}", operatorRole(http.HandlerFunc(h.HandleSetExperiment)))
	mux.Handle("DELETE /v1/experiments/{tool}", operatorRole(http.HandlerFunc(h.HandleEndExperiment)))

	// Decisions, adjustments and review (operator).
	mux.Handle("GET /v1/decisions/{id}", operatorRole(http.HandlerFunc(h.HandleGetDecision)))
	mux.Handle("GET /v1/adjustments", operatorRole(http.HandlerFunc(h.HandleAdjustments)))
	mux.Handle("GET /v1/review-queue", operatorRole(http.HandlerFunc(h.HandleReviewQueue)))

	// Batch jobs (operator, synchronous).
	mux.Handle("POST /v1/jobs/{job}", operatorRole(http.HandlerFunc(h.HandleRunJob)))

	// Alert stream (operator, no rate limit: long-lived connection).
	mux.Handle("GET /v1/alerts/stream", operatorRole(http.HandlerFunc(h.HandleAlertStream)))

	// MCP StreamableHTTP transport (service+).
	if cfg.MCPServer != nil {
		mcpHTTP := mcpserver.NewStreamableHTTPServer(cfg.MCPServer)
		mux.Handle("/mcp", serviceRole(mcpHTTP))
	}

	// Health and OpenAPI spec (no auth, no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.HandleFunc("GET /openapi.yaml", h.HandleOpenAPISpec)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.JWTMgr, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)
	for i := len(cfg.Middlewares) - 1; i >= 0; i-- {
		handler = cfg.Middlewares[i](handler)
	}

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           handler,
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      cfg.WriteTimeout,
		},
		handler: handler,
		logger:  cfg.Logger,
	}
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
