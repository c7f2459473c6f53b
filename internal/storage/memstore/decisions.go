package memstore

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kage/internal/model"
	"github.com/ashita-ai/kage/internal/storage"
)

func (s *Store) UpsertDecision(_ context.Context, d model.Decision) (bool, error) {
	if d.ID == uuid.Nil {
		return false, &storage.PersistenceError{Op: "upsert decision", Err: errors.New("decision id is required")}
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	stored, err := clone(d)
	if err != nil {
		return false, &storage.PersistenceError{Op: "upsert decision", Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.decisions[d.ID]; ok {
		return false, nil
	}
	s.decisions[d.ID] = stored
	return true, nil
}

func (s *Store) GetDecision(_ context.Context, id uuid.UUID) (model.Decision, error) {
	s.mu.RLock()
	d, ok := s.decisions[id]
	s.mu.RUnlock()
	if !ok {
		return model.Decision{}, fmt.Errorf("memstore: decision %s: %w", id, storage.ErrNotFound)
	}
	return clone(d)
}

func (s *Store) AnnotateDecisions(_ context.Context, ids []uuid.UUID, key string, value any) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	v, err := clone(value)
	if err != nil {
		return 0, &storage.PersistenceError{Op: "annotate decisions", Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, id := range ids {
		d, ok := s.decisions[id]
		if !ok {
			continue
		}
		if _, exists := d.Annotations[key]; exists {
			continue
		}
		anns := make(map[string]any, len(d.Annotations)+1)
		for k, x := range d.Annotations {
			anns[k] = x
		}
		anns[key] = v
		d.Annotations = anns
		s.decisions[id] = d
		n++
	}
	return n, nil
}

func (s *Store) ListToolVersions(_ context.Context, since time.Time) ([]model.ToolVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := map[model.ToolVersion]bool{}
	var out []model.ToolVersion
	for _, d := range s.decisions {
		tv := model.ToolVersion{ToolName: d.ToolName, RuleVersion: d.RuleVersion}
		if d.RuleVersion == "" || d.CreatedAt.Before(since) || seen[tv] {
			continue
		}
		seen[tv] = true
		out = append(out, tv)
	}
	slices.SortFunc(out, func(a, b model.ToolVersion) int {
		return cmp.Or(cmp.Compare(a.ToolName, b.ToolName), cmp.Compare(a.RuleVersion, b.RuleVersion))
	})
	return out, nil
}

func inWindow(t, since, until time.Time) bool {
	return !t.Before(since) && t.Before(until)
}

func (s *Store) WindowStats(_ context.Context, tv model.ToolVersion, since, until time.Time) (model.WindowStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := model.WindowStats{ToolVersion: tv, WindowStart: since, WindowEnd: until}
	withFeedback := map[uuid.UUID]bool{}
	for _, f := range s.feedback {
		withFeedback[f.DecisionID] = true
		d := s.decisions[f.DecisionID]
		if d.ToolName != tv.ToolName || d.RuleVersion != tv.RuleVersion || !inWindow(f.CreatedAt, since, until) {
			continue
		}
		st.FeedbackSamples++
		if sample(f, d).Success() {
			st.Successes++
		}
	}

	var sum float64
	for _, d := range s.decisions {
		if d.ToolName != tv.ToolName || d.RuleVersion != tv.RuleVersion || !inWindow(d.CreatedAt, since, until) {
			continue
		}
		st.Decisions++
		sum += d.ConfidenceScore
		if d.RuleOutput != nil {
			st.ShadowCompared++
			if d.Comparison.Match {
				st.ShadowMatches++
			}
		}
		if !withFeedback[d.ID] {
			st.PendingFeedback++
		}
	}
	if st.Decisions > 0 {
		st.AvgConfidence = sum / float64(st.Decisions)
	}
	return st, nil
}

func (s *Store) WorstDecisions(_ context.Context, tv model.ToolVersion, since time.Time, limit int) ([]model.Decision, error) {
	s.mu.RLock()
	var out []model.Decision
	for _, d := range s.decisions {
		if d.ToolName == tv.ToolName && d.RuleVersion == tv.RuleVersion && !d.CreatedAt.Before(since) {
			out = append(out, d)
		}
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b model.Decision) int {
		return cmp.Or(
			boolCmp(a.Comparison.Match, b.Comparison.Match),
			cmp.Compare(a.ConfidenceScore, b.ConfidenceScore),
			a.CreatedAt.Compare(b.CreatedAt),
			cmp.Compare(a.ID.String(), b.ID.String()),
		)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	for i := range out {
		c, err := clone(out[i])
		if err != nil {
			return nil, err
		}
		out[i] = c
	}
	return out, nil
}

// boolCmp orders false before true.
func boolCmp(a, b bool) int {
	switch {
	case a == b:
		return 0
	case !a:
		return -1
	default:
		return 1
	}
}
