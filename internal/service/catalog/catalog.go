// Package catalog owns the published rule documents as seen by the hot path.
//
// Writes (publish, activate, experiment changes) go to the store and then
// rebuild an immutable snapshot of the active versions, experiments and
// compiled rules. Readers load the snapshot through an atomic pointer and
// never block or touch the store.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/mod/semver"

	"github.com/ashita-ai/kage/internal/model"
	"github.com/ashita-ai/kage/internal/rollout"
	"github.com/ashita-ai/kage/internal/rules"
	"github.com/ashita-ai/kage/internal/storage"
)

// ErrNoActiveRule is returned by Resolve when a tool has neither an active
// version nor an experiment.
var ErrNoActiveRule = errors.New("catalog: no active rule")

// ErrInvalidVersion is returned when a published version is not semver.
var ErrInvalidVersion = errors.New("catalog: version must be semver")

// Resolution is the rule a request should run, chosen by the version selector.
type Resolution struct {
	rollout.Assignment
	Rule *rules.Rule
}

type snapshot struct {
	active      map[string]string
	experiments map[string]model.Experiment
	compiled    map[model.ToolVersion]*rules.Rule
	loadedAt    time.Time
}

// Catalog is the single-writer, many-reader view of the rule store.
type Catalog struct {
	store  storage.RuleStore
	logger *slog.Logger

	refreshMu sync.Mutex
	snap      atomic.Pointer[snapshot]
}

// New creates an empty catalog. Call Refresh before serving traffic.
func New(store storage.RuleStore, logger *slog.Logger) *Catalog {
	c := &Catalog{store: store, logger: logger}
	c.snap.Store(&snapshot{
		active:      map[string]string{},
		experiments: map[string]model.Experiment{},
		compiled:    map[model.ToolVersion]*rules.Rule{},
	})
	return c
}

// NormalizeVersion validates v as semver and strips a leading "v".
func NormalizeVersion(v string) (string, error) {
	v = strings.TrimSpace(v)
	canon := v
	if !strings.HasPrefix(canon, "v") {
		canon = "v" + canon
	}
	if !semver.IsValid(canon) {
		return "", fmt.Errorf("%w: %q", ErrInvalidVersion, v)
	}
	return strings.TrimPrefix(v, "v"), nil
}

// CompareVersions orders two stored versions by semver precedence.
func CompareVersions(a, b string) int {
	return semver.Compare("v"+a, "v"+b)
}

// Publish compiles and stores a new rule document, optionally activating it.
// Returns a *rules.DefinitionError for malformed definitions and
// storage.ErrDuplicate when the version already exists.
func (c *Catalog) Publish(ctx context.Context, req model.PublishRuleRequest) (model.RuleDocument, error) {
	if err := model.ValidateToolName(req.ToolName); err != nil {
		return model.RuleDocument{}, err
	}
	version, err := NormalizeVersion(req.Version)
	if err != nil {
		return model.RuleDocument{}, err
	}
	doc := model.RuleDocument{
		ToolName:    req.ToolName,
		Version:     version,
		RuleType:    model.RuleType(req.RuleType),
		Definition:  req.Definition,
		Description: req.Description,
	}
	if err := rules.Check(doc); err != nil {
		return model.RuleDocument{}, err
	}

	stored, err := c.store.InsertRule(ctx, doc)
	if err != nil {
		return model.RuleDocument{}, fmt.Errorf("catalog: publish %s: %w", doc.Key(), err)
	}
	c.logger.Info("catalog: rule published", "tool", stored.ToolName, "version", stored.Version, "rule_type", stored.RuleType)

	if req.Activate {
		if err := c.Activate(ctx, stored.ToolName, stored.Version); err != nil {
			return stored, err
		}
		stored.Active = true
	}
	return stored, nil
}

// Activate makes version the active version of tool and refreshes the snapshot.
func (c *Catalog) Activate(ctx context.Context, tool, version string) error {
	version, err := NormalizeVersion(version)
	if err != nil {
		return err
	}
	if err := c.store.ActivateRule(ctx, tool, version); err != nil {
		return fmt.Errorf("catalog: activate %s@%s: %w", tool, version, err)
	}
	c.logger.Info("catalog: rule activated", "tool", tool, "version", version)
	return c.Refresh(ctx)
}

// SetExperiment routes TrafficSplit of tool's traffic to TestVersion.
func (c *Catalog) SetExperiment(ctx context.Context, tool string, req model.ExperimentRequest) (model.Experiment, error) {
	control, err := NormalizeVersion(req.ControlVersion)
	if err != nil {
		return model.Experiment{}, err
	}
	test, err := NormalizeVersion(req.TestVersion)
	if err != nil {
		return model.Experiment{}, err
	}
	if control == test {
		return model.Experiment{}, fmt.Errorf("catalog: control and test versions must differ")
	}
	if req.TrafficSplit < 0 || req.TrafficSplit > 1 {
		return model.Experiment{}, fmt.Errorf("catalog: traffic_split must be in [0, 1]")
	}
	exp, err := c.store.UpsertExperiment(ctx, model.Experiment{
		ToolName:       tool,
		ControlVersion: control,
		TestVersion:    test,
		TrafficSplit:   req.TrafficSplit,
		EntityKeyField: req.EntityKeyField,
	})
	if err != nil {
		return model.Experiment{}, fmt.Errorf("catalog: set experiment for %s: %w", tool, err)
	}
	c.logger.Info("catalog: experiment set", "tool", tool,
		"control", control, "test", test, "split", req.TrafficSplit)
	return exp, c.Refresh(ctx)
}

// EndExperiment removes tool's experiment; traffic returns to the active version.
func (c *Catalog) EndExperiment(ctx context.Context, tool string) error {
	if err := c.store.DeleteExperiment(ctx, tool); err != nil {
		return fmt.Errorf("catalog: end experiment for %s: %w", tool, err)
	}
	c.logger.Info("catalog: experiment ended", "tool", tool)
	return c.Refresh(ctx)
}

// Versions lists every published version of tool in semver order.
func (c *Catalog) Versions(ctx context.Context, tool string) ([]model.RuleDocument, error) {
	docs, err := c.store.ListRules(ctx, tool)
	if err != nil {
		return nil, fmt.Errorf("catalog: list versions: %w", err)
	}
	slices.SortStableFunc(docs, func(a, b model.RuleDocument) int { return CompareVersions(a.Version, b.Version) })
	return docs, nil
}

// Refresh reloads active versions and experiments from the store and swaps
// in a new snapshot. Rules already compiled are reused.
func (c *Catalog) Refresh(ctx context.Context) error {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	active, err := c.store.ListActiveRules(ctx)
	if err != nil {
		return fmt.Errorf("catalog: refresh active rules: %w", err)
	}
	exps, err := c.store.ListExperiments(ctx)
	if err != nil {
		return fmt.Errorf("catalog: refresh experiments: %w", err)
	}

	prev := c.snap.Load()
	next := &snapshot{
		active:      make(map[string]string, len(active)),
		experiments: make(map[string]model.Experiment, len(exps)),
		compiled:    make(map[model.ToolVersion]*rules.Rule),
		loadedAt:    time.Now(),
	}

	want := make(map[model.ToolVersion]*model.RuleDocument)
	for i := range active {
		next.active[active[i].ToolName] = active[i].Version
		want[active[i].Key()] = &active[i]
	}
	for _, e := range exps {
		next.experiments[e.ToolName] = e
		for _, v := range []string{e.ControlVersion, e.TestVersion} {
			key := model.ToolVersion{ToolName: e.ToolName, RuleVersion: v}
			if _, ok := want[key]; !ok {
				want[key] = nil
			}
		}
	}

	for key, doc := range want {
		if r, ok := prev.compiled[key]; ok {
			next.compiled[key] = r
			continue
		}
		if doc == nil {
			d, err := c.store.GetRule(ctx, key.ToolName, key.RuleVersion)
			if err != nil {
				c.logger.Error("catalog: experiment version missing", "rule", key.String(), "error", err)
				continue
			}
			doc = &d
		}
		r, err := rules.Compile(doc.RuleType, doc.Definition)
		if err != nil {
			// Only reachable for rows written around the publish path.
			c.logger.Error("catalog: stored rule does not compile", "rule", key.String(), "error", err)
			continue
		}
		next.compiled[key] = r
	}

	c.snap.Store(next)
	c.logger.Debug("catalog: refreshed", "active_tools", len(next.active), "experiments", len(next.experiments))
	return nil
}

// Resolve picks the version and compiled rule for one request. It reads
// only the in-memory snapshot.
func (c *Catalog) Resolve(tool, entityKey string, input map[string]any) (Resolution, error) {
	s := c.snap.Load()
	exp, hasExp := s.experiments[tool]
	activeVersion, hasActive := s.active[tool]
	if !hasExp && !hasActive {
		return Resolution{}, ErrNoActiveRule
	}

	var expPtr *model.Experiment
	if hasExp {
		expPtr = &exp
	}
	a := rollout.Assign(expPtr, activeVersion, entityKey, input)
	r, ok := s.compiled[model.ToolVersion{ToolName: tool, RuleVersion: a.Version}]
	if !ok {
		return Resolution{Assignment: a}, fmt.Errorf("%w: %s@%s not loaded", ErrNoActiveRule, tool, a.Version)
	}
	return Resolution{Assignment: a, Rule: r}, nil
}

// ActiveVersion returns the active version of tool from the snapshot.
func (c *Catalog) ActiveVersion(tool string) (string, bool) {
	v, ok := c.snap.Load().active[tool]
	return v, ok
}

// ActiveTools returns the number of tools with an active version.
func (c *Catalog) ActiveTools() int {
	return len(c.snap.Load().active)
}

// Experiment returns tool's experiment from the snapshot.
func (c *Catalog) Experiment(tool string) (model.Experiment, bool) {
	e, ok := c.snap.Load().experiments[tool]
	return e, ok
}

// Explain dry-runs a version of tool against input without logging a
// decision. An empty version means the active one.
func (c *Catalog) Explain(ctx context.Context, tool, version string, input map[string]any) (model.RuleDocument, rules.Result, error) {
	if version == "" {
		v, ok := c.ActiveVersion(tool)
		if !ok {
			return model.RuleDocument{}, rules.Result{}, ErrNoActiveRule
		}
		version = v
	}
	version, err := NormalizeVersion(version)
	if err != nil {
		return model.RuleDocument{}, rules.Result{}, err
	}
	doc, err := c.store.GetRule(ctx, tool, version)
	if err != nil {
		return model.RuleDocument{}, rules.Result{}, fmt.Errorf("catalog: explain: %w", err)
	}

	r, ok := c.snap.Load().compiled[doc.Key()]
	if !ok {
		if r, err = rules.Compile(doc.RuleType, doc.Definition); err != nil {
			return doc, rules.Result{}, err
		}
	}
	res, err := r.Evaluate(input)
	return doc, res, err
}
