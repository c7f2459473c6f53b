package model

import (
	"math"
	"time"

	"github.com/google/uuid"
)

// ABGroup is the rollout arm a request was routed to.
type ABGroup string

const (
	ABControl ABGroup = "control"
	ABTest    ABGroup = "test"
	ABNone    ABGroup = "none" // no experiment configured for the tool
)

// Outcome is what one evaluator produced for one request. Legacy evaluators
// and the rule interpreter both report into this shape so they can be compared.
type Outcome struct {
	Score      *float64       `json:"score,omitempty"`
	Category   string         `json:"category,omitempty"`
	Confidence *float64       `json:"confidence,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
}

// ConfidenceOrZero returns the reported confidence, or 0 when none was reported.
func (o Outcome) ConfidenceOrZero() float64 {
	if o.Confidence == nil {
		return 0
	}
	return *o.Confidence
}

// Comparison is the verdict between the legacy and the rule outcome.
// Delta is nil when either side did not produce a score.
type Comparison struct {
	Match bool     `json:"match"`
	Delta *float64 `json:"delta,omitempty"`
}

// Compare computes match = equal categories and delta = |legacy.score - rule.score|.
// A nil rule outcome (rule path failed) never matches. Values are not rounded.
func Compare(legacy Outcome, rule *Outcome) Comparison {
	if rule == nil {
		return Comparison{}
	}
	c := Comparison{Match: legacy.Category == rule.Category}
	if legacy.Score != nil && rule.Score != nil {
		d := math.Abs(*legacy.Score - *rule.Score)
		c.Delta = &d
	}
	return c
}

// StepKind labels an explanation step.
type StepKind string

const (
	StepVariable  StepKind = "variable"
	StepTerm      StepKind = "term"
	StepCondition StepKind = "condition"
	StepLookup    StepKind = "lookup"
	StepThreshold StepKind = "threshold"
	StepDefault   StepKind = "default"
	StepResult    StepKind = "result"
)

// Step is one entry in a rule evaluation's "why this score" trail.
type Step struct {
	Kind         StepKind `json:"kind"`
	Variable     string   `json:"variable,omitempty"`
	Expression   string   `json:"expression,omitempty"`
	Value        any      `json:"value,omitempty"`
	Contribution *float64 `json:"contribution,omitempty"`
	Matched      *bool    `json:"matched,omitempty"`
	Detail       string   `json:"detail,omitempty"`
}

// Decision is one logged evaluation: both evaluator outputs and their comparison.
// Written once by the shadow harness. Annotations is the only field that may
// grow after creation, and only by adding keys.
type Decision struct {
	ID               uuid.UUID      `json:"decision_id"`
	ToolName         string         `json:"tool_name"`
	RuleVersion      string         `json:"rule_version"`
	ABGroup          ABGroup        `json:"ab_group"`
	EntityKey        string         `json:"entity_key,omitempty"`
	Input            map[string]any `json:"input"`
	LegacyOutput     Outcome        `json:"legacy_output"`
	RuleOutput       *Outcome       `json:"rule_output"`
	RuleError        *string        `json:"rule_error,omitempty"`
	Explanation      []Step         `json:"explanation,omitempty"`
	Comparison       Comparison     `json:"comparison"`
	ConfidenceScore  float64        `json:"confidence_score"`
	RawConfidence    float64        `json:"raw_confidence"`
	AdjustmentFactor float64        `json:"adjustment_factor"`
	LatencyMS        int64          `json:"latency_ms"`
	RuleLatencyMS    int64          `json:"rule_latency_ms"`
	Annotations      map[string]any `json:"annotations,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
}

// ToolVersion identifies the unit every aggregate is computed over.
type ToolVersion struct {
	ToolName    string `json:"tool_name"`
	RuleVersion string `json:"rule_version"`
}

func (tv ToolVersion) String() string {
	return tv.ToolName + "@" + tv.RuleVersion
}

// WindowStats aggregates decisions and feedback for one (tool, version) over a
// trailing window.
type WindowStats struct {
	ToolVersion
	WindowStart     time.Time `json:"window_start"`
	WindowEnd       time.Time `json:"window_end"`
	Decisions       int       `json:"decisions"`
	AvgConfidence   float64   `json:"avg_confidence"`
	FeedbackSamples int       `json:"feedback_samples"`
	Successes       int       `json:"successes"`
	PendingFeedback int       `json:"pending_feedback"` // decisions with no feedback yet
	ShadowCompared  int       `json:"shadow_compared"`  // decisions with a rule output
	ShadowMatches   int       `json:"shadow_matches"`
}

// SuccessRate is Successes / FeedbackSamples, or 0 with no samples.
func (s WindowStats) SuccessRate() float64 {
	if s.FeedbackSamples == 0 {
		return 0
	}
	return float64(s.Successes) / float64(s.FeedbackSamples)
}

// MatchRate is ShadowMatches / ShadowCompared, or 0 with nothing compared.
func (s WindowStats) MatchRate() float64 {
	if s.ShadowCompared == 0 {
		return 0
	}
	return float64(s.ShadowMatches) / float64(s.ShadowCompared)
}

// ReviewItem is a decision queued for manual review after a critical alert.
type ReviewItem struct {
	DecisionID      uuid.UUID `json:"decision_id"`
	ToolName        string    `json:"tool_name"`
	RuleVersion     string    `json:"rule_version"`
	Reason          string    `json:"reason"`
	ConfidenceScore float64   `json:"confidence_score"`
	Match           bool      `json:"match"`
	QueuedAt        time.Time `json:"queued_at"`
}
