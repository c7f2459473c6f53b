package model

import (
	"encoding/json"
	"time"
)

// RuleType enumerates the rule document variants the interpreter understands.
type RuleType string

const (
	RuleFormula      RuleType = "formula"
	RuleDecisionTree RuleType = "decision_tree"
	RuleLookup       RuleType = "lookup"
	RuleRangeLookup  RuleType = "range_lookup"
	RuleThreshold    RuleType = "threshold"
)

// Valid reports whether t is a known rule type.
func (t RuleType) Valid() bool {
	switch t {
	case RuleFormula, RuleDecisionTree, RuleLookup, RuleRangeLookup, RuleThreshold:
		return true
	}
	return false
}

// RuleDocument is a versioned, declarative scoring rule. Immutable once
// published; a new version is always a new document. Active is rollout
// metadata, not part of the definition.
type RuleDocument struct {
	ToolName    string          `json:"tool_name" yaml:"tool_name"`
	Version     string          `json:"version" yaml:"version"`
	RuleType    RuleType        `json:"rule_type" yaml:"rule_type"`
	Definition  json.RawMessage `json:"definition" yaml:"-"`
	Description string          `json:"description,omitempty" yaml:"description"`
	Active      bool            `json:"active" yaml:"-"`
	CreatedAt   time.Time       `json:"created_at" yaml:"-"`
}

// Key returns the (tool, version) pair of the document.
func (d RuleDocument) Key() ToolVersion {
	return ToolVersion{ToolName: d.ToolName, RuleVersion: d.Version}
}

// Experiment routes a fraction of a tool's traffic to a test version.
type Experiment struct {
	ToolName       string    `json:"tool_name"`
	ControlVersion string    `json:"control_version"`
	TestVersion    string    `json:"test_version"`
	TrafficSplit   float64   `json:"traffic_split"`
	EntityKeyField string    `json:"entity_key_field,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// AdjustmentFactor is the bounded confidence nudge computed from feedback for
// one (tool, version). History is append-only.
type AdjustmentFactor struct {
	ToolName      string    `json:"tool_name"`
	RuleVersion   string    `json:"rule_version"`
	Factor        float64   `json:"factor"`
	SuccessRate   float64   `json:"success_rate"`
	AvgConfidence float64   `json:"avg_confidence"`
	SampleSize    int       `json:"sample_size"`
	CalculatedAt  time.Time `json:"calculated_at"`
}

// Key returns the (tool, version) pair of the factor.
func (f AdjustmentFactor) Key() ToolVersion {
	return ToolVersion{ToolName: f.ToolName, RuleVersion: f.RuleVersion}
}
