package main

import (
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ashita-ai/kage/internal/model"
)

// ruleFile is the on-disk form of a rule version. YAML is a superset of
// JSON, so either works:
//
//	tool_name: lead_score
//	version: 1.2.0
//	rule_type: formula
//	description: heavier weight on engagement
//	definition:
//	  expr: score = base * 0.5 + bonus * 0.5
//	  tiers:
//	    - {min: 70, label: hot}
//	  default_category: cold
type ruleFile struct {
	ToolName    string `yaml:"tool_name"`
	Version     string `yaml:"version"`
	RuleType    string `yaml:"rule_type"`
	Description string `yaml:"description"`
	Activate    bool   `yaml:"activate"`
	Definition  any    `yaml:"definition"`
}

func readRuleFile(path string) (model.PublishRuleRequest, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return model.PublishRuleRequest{}, fmt.Errorf("read rule file: %w", err)
	}
	return parseRuleFile(data)
}

func parseRuleFile(data []byte) (model.PublishRuleRequest, error) {
	var f ruleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return model.PublishRuleRequest{}, fmt.Errorf("parse rule file: %w", err)
	}
	if f.Definition == nil {
		return model.PublishRuleRequest{}, fmt.Errorf("parse rule file: definition is required")
	}
	def, err := json.Marshal(f.Definition)
	if err != nil {
		// yaml.v3 only yields JSON-incompatible values for non-string map keys.
		return model.PublishRuleRequest{}, fmt.Errorf("parse rule file: definition is not JSON-compatible: %w", err)
	}
	return model.PublishRuleRequest{
		ToolName:    f.ToolName,
		Version:     f.Version,
		RuleType:    f.RuleType,
		Definition:  def,
		Description: f.Description,
		Activate:    f.Activate,
	}, nil
}
