// Package adjust turns outcome feedback into a bounded confidence factor per
// (tool, version).
//
// The factor nudges the confidence the legacy evaluator reports: success
// rates above 80% and average confidence above 0.75 push it up, lower values
// push it down. It never moves more than MaxFactor either way.
package adjust

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/ashita-ai/kage/internal/model"
	"github.com/ashita-ai/kage/internal/storage"
)

const (
	// MaxFactor bounds the factor magnitude.
	MaxFactor = 0.2

	successBaseline    = 0.80
	successSpan        = 0.20
	confidenceBaseline = 0.75
	confidenceSpan     = 0.25
	successWeight      = 0.3
	confidenceWeight   = 0.7

	// AnnotationKey marks decisions whose feedback fed a factor.
	AnnotationKey = "adjustment"
)

// Config tunes the engine. Zero values take the defaults.
type Config struct {
	Window       time.Duration // trailing feedback window, default 30 days
	MinSamples   int           // below this the factor is neutral, default 20
	LearningRate float64       // default 0.05
	Concurrency  int           // RunAll fan-out limit, default 4
}

func (c Config) withDefaults() Config {
	if c.Window <= 0 {
		c.Window = 30 * 24 * time.Hour
	}
	if c.MinSamples <= 0 {
		c.MinSamples = 20
	}
	if c.LearningRate <= 0 {
		c.LearningRate = 0.05
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	return c
}

// Store is the persistence the engine needs.
type Store interface {
	storage.DecisionStore
	storage.FeedbackStore
	storage.AdjustmentStore
}

// ComputeFactor maps a window's success rate and average confidence to a
// factor in [-MaxFactor, MaxFactor].
func ComputeFactor(successRate, avgConfidence, learningRate float64) float64 {
	successComponent := clamp((successRate-successBaseline)/successSpan, -1, 1)
	confidenceComponent := clamp((avgConfidence-confidenceBaseline)/confidenceSpan, -1, 1)
	raw := successWeight*successComponent + confidenceWeight*confidenceComponent
	return clamp(raw*learningRate, -MaxFactor, MaxFactor)
}

func clamp(v, lo, hi float64) float64 { return min(max(v, lo), hi) }

// Engine recalculates factors and keeps the cache current.
type Engine struct {
	store  Store
	cache  *FactorCache
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	group singleflight.Group
}

// New creates an engine writing into cache.
func New(store Store, cache *FactorCache, cfg Config, logger *slog.Logger) *Engine {
	return &Engine{
		store:  store,
		cache:  cache,
		cfg:    cfg.withDefaults(),
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Cache returns the factor cache the engine writes to.
func (e *Engine) Cache() *FactorCache { return e.cache }

// Recalculate computes the factor for tv from the trailing window, appends it
// to the history, caches it and annotates the decisions it consumed.
// Concurrent calls for the same pair share one computation.
func (e *Engine) Recalculate(ctx context.Context, tv model.ToolVersion) (model.AdjustmentFactor, error) {
	// The shared computation must not die with whichever caller arrived first,
	// but it still ends at that caller's deadline so a timed-out job releases
	// its store queries.
	v, err, _ := e.group.Do(tv.String(), func() (any, error) {
		shared := context.WithoutCancel(ctx)
		if dl, ok := ctx.Deadline(); ok {
			var cancel context.CancelFunc
			shared, cancel = context.WithDeadline(shared, dl)
			defer cancel()
		}
		return e.recalculate(shared, tv)
	})
	if err != nil {
		return model.AdjustmentFactor{}, err
	}
	return v.(model.AdjustmentFactor), nil
}

func (e *Engine) recalculate(ctx context.Context, tv model.ToolVersion) (model.AdjustmentFactor, error) {
	now := e.now()
	samples, err := e.store.FeedbackWindow(ctx, tv, now.Add(-e.cfg.Window))
	if err != nil {
		return model.AdjustmentFactor{}, fmt.Errorf("adjust: feedback window %s: %w", tv, err)
	}

	f := model.AdjustmentFactor{
		ToolName:     tv.ToolName,
		RuleVersion:  tv.RuleVersion,
		SampleSize:   len(samples),
		CalculatedAt: now,
	}
	if len(samples) > 0 {
		var successes int
		var confSum float64
		for _, s := range samples {
			if s.Success() {
				successes++
			}
			confSum += s.ConfidenceScore
		}
		f.SuccessRate = float64(successes) / float64(len(samples))
		f.AvgConfidence = confSum / float64(len(samples))
	}
	if len(samples) >= e.cfg.MinSamples {
		f.Factor = ComputeFactor(f.SuccessRate, f.AvgConfidence, e.cfg.LearningRate)
	}

	if err := e.store.InsertAdjustmentFactor(ctx, f); err != nil {
		return model.AdjustmentFactor{}, fmt.Errorf("adjust: record factor %s: %w", tv, err)
	}
	e.cache.Set(f)

	if len(samples) >= e.cfg.MinSamples {
		e.annotate(ctx, f, samples)
	}
	e.logger.Info("adjust: factor recalculated",
		"tool", tv.ToolName, "version", tv.RuleVersion,
		"factor", f.Factor, "success_rate", f.SuccessRate,
		"avg_confidence", f.AvgConfidence, "samples", f.SampleSize)
	return f, nil
}

// annotate is best-effort: the factor is already recorded.
func (e *Engine) annotate(ctx context.Context, f model.AdjustmentFactor, samples []model.FeedbackSample) {
	seen := make(map[uuid.UUID]bool, len(samples))
	ids := make([]uuid.UUID, 0, len(samples))
	for _, s := range samples {
		if !seen[s.DecisionID] {
			seen[s.DecisionID] = true
			ids = append(ids, s.DecisionID)
		}
	}
	value := map[string]any{
		"factor":        f.Factor,
		"calculated_at": f.CalculatedAt.Format(time.RFC3339Nano),
		"sample_size":   f.SampleSize,
	}
	if _, err := e.store.AnnotateDecisions(ctx, ids, AnnotationKey, value); err != nil {
		e.logger.Warn("adjust: annotate decisions failed",
			"tool", f.ToolName, "version", f.RuleVersion, "error", err)
	}
}

// Summary reports one RunAll pass.
type Summary struct {
	Pairs    int                      `json:"pairs"`
	Updated  int                      `json:"updated"`
	Neutral  int                      `json:"neutral"` // below the sample minimum
	Failed   int                      `json:"failed"`
	Factors  []model.AdjustmentFactor `json:"factors"`
	Duration time.Duration            `json:"duration_ns"`
}

// RunAll recalculates every (tool, version) with decisions in the window.
// A failing pair is logged and counted; only listing failures or
// cancellation abort the run.
func (e *Engine) RunAll(ctx context.Context) (Summary, error) {
	start := time.Now()
	pairs, err := e.store.ListToolVersions(ctx, e.now().Add(-e.cfg.Window))
	if err != nil {
		return Summary{}, fmt.Errorf("adjust: list tool versions: %w", err)
	}

	var (
		mu  sync.Mutex
		sum = Summary{Pairs: len(pairs)}
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Concurrency)
	for _, tv := range pairs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			f, err := e.Recalculate(gctx, tv)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				sum.Failed++
				e.logger.Error("adjust: recalculation failed", "tool", tv.ToolName, "version", tv.RuleVersion, "error", err)
				return nil
			}
			if f.SampleSize < e.cfg.MinSamples {
				sum.Neutral++
			} else {
				sum.Updated++
			}
			sum.Factors = append(sum.Factors, f)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return sum, fmt.Errorf("adjust: run: %w", err)
	}
	sortFactors(sum.Factors)
	sum.Duration = time.Since(start)
	return sum, nil
}

// Warm loads the latest stored factor of every pair into the cache.
func (e *Engine) Warm(ctx context.Context) error {
	latest, err := e.store.LatestAdjustmentFactors(ctx)
	if err != nil {
		return fmt.Errorf("adjust: warm cache: %w", err)
	}
	for _, f := range latest {
		e.cache.Set(f)
	}
	e.logger.Info("adjust: cache warmed", "factors", len(e.cache.Snapshot()), "stored", len(latest))
	return nil
}

// History returns the newest stored factors for tv.
func (e *Engine) History(ctx context.Context, tv model.ToolVersion, limit int) ([]model.AdjustmentFactor, error) {
	h, err := e.store.AdjustmentHistory(ctx, tv, limit)
	if err != nil {
		return nil, fmt.Errorf("adjust: history %s: %w", tv, err)
	}
	return h, nil
}

func sortFactors(fs []model.AdjustmentFactor) {
	slices.SortFunc(fs, func(a, b model.AdjustmentFactor) int {
		return cmp.Or(cmp.Compare(a.ToolName, b.ToolName), cmp.Compare(a.RuleVersion, b.RuleVersion))
	})
}
