package model

import (
	"time"

	"github.com/google/uuid"
)

// OutcomeType enumerates the real-world outcomes downstream processes report.
type OutcomeType string

const (
	OutcomeConverted OutcomeType = "converted"
	OutcomeEngaged   OutcomeType = "engaged"
	OutcomeIgnored   OutcomeType = "ignored"
	OutcomeBounced   OutcomeType = "bounced"
	OutcomeError     OutcomeType = "error"
)

// OutcomeTypes lists every accepted outcome type.
var OutcomeTypes = []OutcomeType{
	OutcomeConverted, OutcomeEngaged, OutcomeIgnored, OutcomeBounced, OutcomeError,
}

// Valid reports whether t is one of OutcomeTypes.
func (t OutcomeType) Valid() bool {
	for _, v := range OutcomeTypes {
		if t == v {
			return true
		}
	}
	return false
}

// Positive reports whether the outcome type counts as a success when the
// submitter did not say so explicitly.
func (t OutcomeType) Positive() bool {
	return t == OutcomeConverted || t == OutcomeEngaged
}

// Feedback is an outcome record linked to a prior decision.
type Feedback struct {
	ID              uuid.UUID      `json:"feedback_id"`
	DecisionID      uuid.UUID      `json:"decision_id"`
	OutcomePositive *bool          `json:"outcome_positive,omitempty"`
	OutcomeType     OutcomeType    `json:"outcome_type"`
	OutcomeValue    *float64       `json:"outcome_value,omitempty"`
	Source          string         `json:"source,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}

// FeedbackSample is a feedback row joined to the confidence of its decision,
// the unit the adjustment engine aggregates.
type FeedbackSample struct {
	FeedbackID      uuid.UUID   `json:"feedback_id"`
	DecisionID      uuid.UUID   `json:"decision_id"`
	OutcomePositive *bool       `json:"outcome_positive,omitempty"`
	OutcomeType     OutcomeType `json:"outcome_type"`
	ConfidenceScore float64     `json:"confidence_score"`
	CreatedAt       time.Time   `json:"created_at"`
}

// Success resolves whether the sample counts as a success. An explicit
// outcome_positive wins over the outcome type.
func (s FeedbackSample) Success() bool {
	if s.OutcomePositive != nil {
		return *s.OutcomePositive
	}
	return s.OutcomeType.Positive()
}
