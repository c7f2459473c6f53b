// Package feedback records real-world outcomes against logged decisions.
package feedback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kage/internal/model"
	"github.com/ashita-ai/kage/internal/storage"
)

// ErrDecisionNotFound is returned when feedback references an unknown decision.
var ErrDecisionNotFound = errors.New("feedback: decision not found")

// ValidationError lists the invalid fields of a submission.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, k := range slices.Sorted(maps.Keys(e.Fields)) {
		parts = append(parts, k+" "+e.Fields[k])
	}
	return "feedback: invalid submission: " + strings.Join(parts, "; ")
}

// Service validates and stores feedback.
type Service struct {
	store  storage.FeedbackStore
	logger *slog.Logger
}

// New creates a feedback service.
func New(store storage.FeedbackStore, logger *slog.Logger) *Service {
	return &Service{store: store, logger: logger}
}

// Submit validates req and stores it. Nothing is written when it returns an
// error: *ValidationError for a malformed request, ErrDecisionNotFound when
// the decision does not exist.
func (s *Service) Submit(ctx context.Context, req model.SubmitFeedbackRequest) (model.Feedback, error) {
	if fields := model.ValidateStruct(req); fields != nil {
		return model.Feedback{}, &ValidationError{Fields: fields}
	}
	decisionID, err := uuid.Parse(req.DecisionID)
	if err != nil {
		// No decision can have an id that is not a UUID.
		return model.Feedback{}, fmt.Errorf("%w: %s", ErrDecisionNotFound, req.DecisionID)
	}

	f := model.Feedback{
		ID:              uuid.New(),
		DecisionID:      decisionID,
		OutcomePositive: req.OutcomePositive,
		OutcomeType:     model.OutcomeType(req.OutcomeType),
		OutcomeValue:    req.OutcomeValue,
		Source:          req.Source,
		Metadata:        req.Metadata,
		CreatedAt:       time.Now().UTC(),
	}
	stored, err := s.store.InsertFeedback(ctx, f)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return model.Feedback{}, fmt.Errorf("%w: %s", ErrDecisionNotFound, decisionID)
		}
		return model.Feedback{}, fmt.Errorf("feedback: submit: %w", err)
	}
	s.logger.Debug("feedback: recorded", "decision_id", decisionID, "outcome_type", f.OutcomeType)
	return stored, nil
}
