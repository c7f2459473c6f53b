package model

import (
	"encoding/json"
	"fmt"
	"regexp"
	"time"
)

// Field limits for caller-supplied identifiers and payloads. They keep a single
// request from filling TEXT/JSONB columns with arbitrarily large values.
const (
	MaxToolNameLen  = 128
	MaxEntityKeyLen = 512
	MaxSourceLen    = 256
	MaxInputKeys    = 512
)

var toolNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_.-]*$`)

// ValidateToolName checks that a tool name is a lowercase slug within limits.
func ValidateToolName(name string) error {
	if name == "" {
		return fmt.Errorf("tool_name is required")
	}
	if len(name) > MaxToolNameLen {
		return fmt.Errorf("tool_name exceeds maximum length of %d characters", MaxToolNameLen)
	}
	if !toolNamePattern.MatchString(name) {
		return fmt.Errorf("tool_name must match %s", toolNamePattern.String())
	}
	return nil
}

// ValidateEvaluateRequest checks limits on an evaluation request.
func ValidateEvaluateRequest(r EvaluateRequest) error {
	if r.Input == nil {
		return fmt.Errorf("input is required")
	}
	if len(r.Input) > MaxInputKeys {
		return fmt.Errorf("input exceeds maximum of %d top-level keys", MaxInputKeys)
	}
	if len(r.EntityKey) > MaxEntityKeyLen {
		return fmt.Errorf("entity_key exceeds maximum length of %d characters", MaxEntityKeyLen)
	}
	return nil
}

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeInvalidRule   = "INVALID_RULE"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeForbidden     = "FORBIDDEN"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeRateLimited   = "RATE_LIMITED"
	ErrCodeJobRunning    = "JOB_RUNNING"
	ErrCodeJobTimeout    = "JOB_TIMEOUT"
	ErrCodeLegacyFailure = "LEGACY_FAILURE"
	ErrCodeNoLegacyRoute = "NO_LEGACY_EVALUATOR"
	ErrCodeServiceBusy   = "SERVICE_UNAVAILABLE"
)

// EvaluateRequest is the request body for POST /v1/tools/{tool}/evaluate.
type EvaluateRequest struct {
	Input     map[string]any `json:"input"`
	EntityKey string         `json:"entity_key,omitempty"`
}

// EvaluateResponse is what the caller of a tool receives: always the legacy
// result, with confidence adjusted by the current factor.
type EvaluateResponse struct {
	DecisionID       string   `json:"decision_id"`
	ToolName         string   `json:"tool_name"`
	RuleVersion      string   `json:"rule_version"`
	ABGroup          ABGroup  `json:"ab_group"`
	Output           Outcome  `json:"output"`
	RawConfidence    *float64 `json:"raw_confidence,omitempty"`
	AdjustmentFactor float64  `json:"adjustment_factor"`
	LatencyMS        int64    `json:"latency_ms"`
}

// SubmitFeedbackRequest is the request body for POST /v1/feedback.
type SubmitFeedbackRequest struct {
	DecisionID      string         `json:"decision_id" validate:"required,max=64"`
	OutcomePositive *bool          `json:"outcome_positive,omitempty"`
	OutcomeType     string         `json:"outcome_type" validate:"required,oneof=converted engaged ignored bounced error"`
	OutcomeValue    *float64       `json:"outcome_value,omitempty"`
	Source          string         `json:"source,omitempty" validate:"max=256"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// PublishRuleRequest is the request body for POST /v1/rules.
type PublishRuleRequest struct {
	ToolName    string          `json:"tool_name" validate:"required,max=128"`
	Version     string          `json:"version" validate:"required,max=64"`
	RuleType    string          `json:"rule_type" validate:"required,oneof=formula decision_tree lookup range_lookup threshold"`
	Definition  json.RawMessage `json:"definition" validate:"required"`
	Description string          `json:"description,omitempty" validate:"max=2000"`
	Activate    bool            `json:"activate,omitempty"`
}

// ExperimentRequest is the request body for PUT /v1/experiments/{tool}.
type ExperimentRequest struct {
	ControlVersion string  `json:"control_version" validate:"required"`
	TestVersion    string  `json:"test_version" validate:"required,nefield=ControlVersion"`
	TrafficSplit   float64 `json:"traffic_split" validate:"gte=0,lte=1"`
	EntityKeyField string  `json:"entity_key_field,omitempty" validate:"max=128"`
}

// ExplainRequest is the request body for the dry-run explain endpoint.
type ExplainRequest struct {
	Input map[string]any `json:"input"`
}

// ExplainResponse is a dry-run interpreter result.
type ExplainResponse struct {
	ToolName      string   `json:"tool_name"`
	RuleVersion   string   `json:"rule_version"`
	Output        *Outcome `json:"output,omitempty"`
	Error         string   `json:"error,omitempty"`
	Explanation   []Step   `json:"explanation,omitempty"`
	VariablesUsed []string `json:"variables_used,omitempty"`
	Summary       string   `json:"summary,omitempty"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status         string `json:"status"`
	Version        string `json:"version"`
	Store          string `json:"store"`
	QueueDepth     int    `json:"queue_depth"`
	QueueStatus    string `json:"queue_status"` // "ok", "high", "critical"
	QueueDropped   int64  `json:"queue_dropped"`
	PersistDropped int64  `json:"persist_dropped"`
	ActiveTools    int    `json:"active_tools"`
	Uptime         int64  `json:"uptime_seconds"`
}
