// Package legacy adapts existing, hand-written scoring code to a common
// evaluator interface so the shadow harness can run it alongside rule documents.
package legacy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ashita-ai/kage/internal/model"
)

// ErrNoEvaluator is returned when no legacy evaluator is registered for a tool.
var ErrNoEvaluator = errors.New("legacy: no evaluator registered")

// Evaluator is the canonical, currently-serving implementation of a tool.
// Its output is what callers receive.
type Evaluator interface {
	Evaluate(ctx context.Context, tool string, input map[string]any) (model.Outcome, error)
}

// Func adapts a plain function to Evaluator.
type Func func(ctx context.Context, input map[string]any) (model.Outcome, error)

// Evaluate implements Evaluator.
func (f Func) Evaluate(ctx context.Context, _ string, input map[string]any) (model.Outcome, error) {
	return f(ctx, input)
}

// Registry maps tool names to their legacy evaluators. Safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	evaluators map[string]Evaluator
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{evaluators: make(map[string]Evaluator)}
}

// Register binds tool to e, replacing any previous binding.
func (r *Registry) Register(tool string, e Evaluator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evaluators[tool] = e
}

// Lookup returns the evaluator for tool.
func (r *Registry) Lookup(tool string) (Evaluator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.evaluators[tool]
	return e, ok
}

// Tools lists registered tool names in sorted order.
func (r *Registry) Tools() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.evaluators))
	for t := range r.evaluators {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Evaluate dispatches to the evaluator registered for tool.
func (r *Registry) Evaluate(ctx context.Context, tool string, input map[string]any) (model.Outcome, error) {
	e, ok := r.Lookup(tool)
	if !ok {
		return model.Outcome{}, fmt.Errorf("%w for tool %q", ErrNoEvaluator, tool)
	}
	return e.Evaluate(ctx, tool, input)
}

// ParseEndpoints parses "tool=url,tool2=url2" into a map.
func ParseEndpoints(s string) (map[string]string, error) {
	out := make(map[string]string)
	if strings.TrimSpace(s) == "" {
		return out, nil
	}
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		tool, url, ok := strings.Cut(pair, "=")
		tool, url = strings.TrimSpace(tool), strings.TrimSpace(url)
		if !ok || tool == "" || url == "" {
			return nil, fmt.Errorf("legacy: invalid endpoint %q, want tool=url", pair)
		}
		if _, dup := out[tool]; dup {
			return nil, fmt.Errorf("legacy: duplicate endpoint for tool %q", tool)
		}
		out[tool] = url
	}
	return out, nil
}
