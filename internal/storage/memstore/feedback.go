package memstore

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kage/internal/model"
	"github.com/ashita-ai/kage/internal/storage"
)

func sample(f model.Feedback, d model.Decision) model.FeedbackSample {
	return model.FeedbackSample{
		FeedbackID:      f.ID,
		DecisionID:      f.DecisionID,
		OutcomePositive: f.OutcomePositive,
		OutcomeType:     f.OutcomeType,
		ConfidenceScore: d.RawConfidence,
		CreatedAt:       f.CreatedAt,
	}
}

func (s *Store) InsertFeedback(_ context.Context, f model.Feedback) (model.Feedback, error) {
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	stored, err := clone(f)
	if err != nil {
		return model.Feedback{}, &storage.PersistenceError{Op: "insert feedback", Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.decisions[f.DecisionID]; !ok {
		return model.Feedback{}, fmt.Errorf("memstore: decision %s: %w", f.DecisionID, storage.ErrNotFound)
	}
	for _, existing := range s.feedback {
		if existing.ID == f.ID {
			return model.Feedback{}, fmt.Errorf("memstore: feedback %s: %w", f.ID, storage.ErrDuplicate)
		}
	}
	s.feedback = append(s.feedback, stored)
	return f, nil
}

func (s *Store) FeedbackWindow(_ context.Context, tv model.ToolVersion, since time.Time) ([]model.FeedbackSample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.FeedbackSample
	for _, f := range s.feedback {
		d := s.decisions[f.DecisionID]
		if d.ToolName == tv.ToolName && d.RuleVersion == tv.RuleVersion && !f.CreatedAt.Before(since) {
			out = append(out, sample(f, d))
		}
	}
	slices.SortFunc(out, func(a, b model.FeedbackSample) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.FeedbackID.String(), b.FeedbackID.String()))
	})
	return out, nil
}

func (s *Store) InsertAdjustmentFactor(_ context.Context, f model.AdjustmentFactor) error {
	if f.CalculatedAt.IsZero() {
		f.CalculatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	s.factors = append(s.factors, f)
	s.mu.Unlock()
	return nil
}

// newestFirst orders factors by calculation time, newest first; insertion
// order breaks ties like the SQL id column does.
func (s *Store) newestFirst(keep func(model.AdjustmentFactor) bool) []model.AdjustmentFactor {
	var out []model.AdjustmentFactor
	for i := len(s.factors) - 1; i >= 0; i-- {
		if keep(s.factors[i]) {
			out = append(out, s.factors[i])
		}
	}
	slices.SortStableFunc(out, func(a, b model.AdjustmentFactor) int { return b.CalculatedAt.Compare(a.CalculatedAt) })
	return out
}

func (s *Store) LatestAdjustmentFactors(context.Context) ([]model.AdjustmentFactor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := map[model.ToolVersion]bool{}
	var out []model.AdjustmentFactor
	for _, f := range s.newestFirst(func(model.AdjustmentFactor) bool { return true }) {
		if seen[f.Key()] {
			continue
		}
		seen[f.Key()] = true
		out = append(out, f)
	}
	slices.SortFunc(out, func(a, b model.AdjustmentFactor) int {
		return cmp.Or(cmp.Compare(a.ToolName, b.ToolName), cmp.Compare(a.RuleVersion, b.RuleVersion))
	})
	return out, nil
}

func (s *Store) AdjustmentHistory(_ context.Context, tv model.ToolVersion, limit int) ([]model.AdjustmentFactor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.newestFirst(func(f model.AdjustmentFactor) bool { return f.Key() == tv })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) EnqueueReview(_ context.Context, items []model.ReviewItem) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	n := 0
	for _, it := range items {
		if _, ok := s.decisions[it.DecisionID]; !ok {
			return n, &storage.PersistenceError{Op: "enqueue review", Err: fmt.Errorf("decision %s: %w", it.DecisionID, storage.ErrNotFound)}
		}
		if _, ok := s.review[it.DecisionID]; ok {
			continue
		}
		if it.QueuedAt.IsZero() {
			it.QueuedAt = now
		}
		s.review[it.DecisionID] = it
		n++
	}
	return n, nil
}

func (s *Store) ListReviewQueue(_ context.Context, tool string, limit int) ([]model.ReviewItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.ReviewItem
	for _, it := range s.review {
		if tool == "" || it.ToolName == tool {
			out = append(out, it)
		}
	}
	slices.SortFunc(out, func(a, b model.ReviewItem) int {
		return cmp.Or(a.QueuedAt.Compare(b.QueuedAt), cmp.Compare(a.DecisionID.String(), b.DecisionID.String()))
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
