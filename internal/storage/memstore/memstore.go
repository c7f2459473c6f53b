// Package memstore is an in-memory storage.Store used by tests and by
// `kage serve --store memory`. Values are copied in and out, so callers never
// share mutable state with the store.
package memstore

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kage/internal/model"
	"github.com/ashita-ai/kage/internal/storage"
)

// Store is a mutex-guarded set of maps mirroring the SQL schema.
type Store struct {
	mu          sync.RWMutex
	rules       map[model.ToolVersion]model.RuleDocument
	experiments map[string]model.Experiment
	decisions   map[uuid.UUID]model.Decision
	feedback    []model.Feedback
	factors     []model.AdjustmentFactor
	review      map[uuid.UUID]model.ReviewItem
}

var _ storage.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		rules:       make(map[model.ToolVersion]model.RuleDocument),
		experiments: make(map[string]model.Experiment),
		decisions:   make(map[uuid.UUID]model.Decision),
		review:      make(map[uuid.UUID]model.ReviewItem),
	}
}

func (s *Store) Ping(context.Context) error { return nil }
func (s *Store) Close(context.Context)      {}

// clone deep-copies v through JSON so stored values look exactly like the
// SQL backends' decoded rows.
func clone[T any](v T) (T, error) {
	var out T
	b, err := json.Marshal(v)
	if err != nil {
		return out, err
	}
	err = json.Unmarshal(b, &out)
	return out, err
}

func (s *Store) InsertRule(_ context.Context, doc model.RuleDocument) (model.RuleDocument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rules[doc.Key()]; ok {
		return model.RuleDocument{}, fmt.Errorf("memstore: rule %s: %w", doc.Key(), storage.ErrDuplicate)
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now().UTC()
	}
	doc.Active = false
	doc.Definition = slices.Clone(doc.Definition)
	s.rules[doc.Key()] = doc
	return doc, nil
}

func (s *Store) GetRule(_ context.Context, tool, version string) (model.RuleDocument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.rules[model.ToolVersion{ToolName: tool, RuleVersion: version}]
	if !ok {
		return model.RuleDocument{}, fmt.Errorf("memstore: rule %s@%s: %w", tool, version, storage.ErrNotFound)
	}
	return d, nil
}

func (s *Store) sortedRules(keep func(model.RuleDocument) bool) []model.RuleDocument {
	var out []model.RuleDocument
	for _, d := range s.rules {
		if keep(d) {
			out = append(out, d)
		}
	}
	slices.SortFunc(out, func(a, b model.RuleDocument) int {
		return cmp.Or(
			cmp.Compare(a.ToolName, b.ToolName),
			a.CreatedAt.Compare(b.CreatedAt),
			cmp.Compare(a.Version, b.Version),
		)
	})
	return out
}

func (s *Store) ListRules(_ context.Context, tool string) ([]model.RuleDocument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sortedRules(func(d model.RuleDocument) bool { return tool == "" || d.ToolName == tool }), nil
}

func (s *Store) ListActiveRules(context.Context) ([]model.RuleDocument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sortedRules(func(d model.RuleDocument) bool { return d.Active }), nil
}

func (s *Store) GetLatestActive(_ context.Context, tool string) (model.RuleDocument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, d := range s.rules {
		if d.ToolName == tool && d.Active {
			return d, nil
		}
	}
	return model.RuleDocument{}, fmt.Errorf("memstore: active rule for %s: %w", tool, storage.ErrNotFound)
}

func (s *Store) ActivateRule(_ context.Context, tool, version string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := model.ToolVersion{ToolName: tool, RuleVersion: version}
	target, ok := s.rules[key]
	if !ok {
		return fmt.Errorf("memstore: rule %s: %w", key, storage.ErrNotFound)
	}
	for k, d := range s.rules {
		if d.ToolName == tool && d.Active {
			d.Active = false
			s.rules[k] = d
		}
	}
	target.Active = true
	s.rules[key] = target
	return nil
}

func (s *Store) UpsertExperiment(_ context.Context, exp model.Experiment) (model.Experiment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range []string{exp.ControlVersion, exp.TestVersion} {
		if _, ok := s.rules[model.ToolVersion{ToolName: exp.ToolName, RuleVersion: v}]; !ok {
			return model.Experiment{}, fmt.Errorf("memstore: experiment versions for %s: %w", exp.ToolName, storage.ErrNotFound)
		}
	}
	exp.UpdatedAt = time.Now().UTC()
	s.experiments[exp.ToolName] = exp
	return exp, nil
}

func (s *Store) DeleteExperiment(_ context.Context, tool string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.experiments[tool]; !ok {
		return fmt.Errorf("memstore: experiment %s: %w", tool, storage.ErrNotFound)
	}
	delete(s.experiments, tool)
	return nil
}

func (s *Store) ListExperiments(context.Context) ([]model.Experiment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Experiment, 0, len(s.experiments))
	for _, e := range s.experiments {
		out = append(out, e)
	}
	slices.SortFunc(out, func(a, b model.Experiment) int { return cmp.Compare(a.ToolName, b.ToolName) })
	return out, nil
}
