package storage_test

import (
	"encoding/json"

	"github.com/ashita-ai/kage/internal/model"
)

func storetestDoc(tool string) model.RuleDocument {
	return model.RuleDocument{
		ToolName:   tool,
		Version:    "1.0.0",
		RuleType:   model.RuleLookup,
		Definition: json.RawMessage(`{"var":"tier","table":{"A":"high"},"default":"low"}`),
	}
}
