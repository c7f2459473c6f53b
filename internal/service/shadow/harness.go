// Package shadow runs every evaluation through the legacy evaluator and the
// rule interpreter side by side.
//
// The caller only ever waits for the legacy evaluator. The rule path, the
// comparison and the decision write run on a bounded worker pool and their
// failures are logged and counted, never returned.
package shadow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kage/internal/legacy"
	"github.com/ashita-ai/kage/internal/model"
	"github.com/ashita-ai/kage/internal/rules"
	"github.com/ashita-ai/kage/internal/service/catalog"
	"github.com/ashita-ai/kage/internal/storage"
	"github.com/ashita-ai/kage/internal/telemetry"
)

// RuleEvaluator is a compiled rule. *rules.Rule satisfies it.
type RuleEvaluator interface {
	Evaluate(input map[string]any) (rules.Result, error)
}

// Route is the rule version a request was assigned to.
type Route struct {
	Version   string
	Group     model.ABGroup
	EntityKey string
	Rule      RuleEvaluator
}

// Router resolves the rule a request should run without touching the store.
type Router interface {
	Route(tool, entityKey string, input map[string]any) (Route, error)
}

// FactorReader returns the cached adjustment factor for a (tool, version),
// 0 when none is cached.
type FactorReader interface {
	Factor(tv model.ToolVersion) float64
}

type catalogRouter struct{ c *catalog.Catalog }

// CatalogRouter adapts a catalog to Router.
func CatalogRouter(c *catalog.Catalog) Router { return catalogRouter{c: c} }

func (r catalogRouter) Route(tool, entityKey string, input map[string]any) (Route, error) {
	res, err := r.c.Resolve(tool, entityKey, input)
	rt := Route{Version: res.Version, Group: res.Group, EntityKey: res.EntityKey}
	if err != nil {
		return rt, err
	}
	rt.Rule = res.Rule
	return rt, nil
}

// Config tunes the background path.
type Config struct {
	RuleTimeout    time.Duration // hard bound on one rule evaluation
	PersistRetries int           // extra attempts after the first decision write fails
	PersistBackoff time.Duration // first retry delay, doubled per attempt
}

// ErrLegacy wraps a legacy evaluator failure returned to the caller.
var ErrLegacy = errors.New("shadow: legacy evaluator failed")

// Harness is the public evaluation entry point.
type Harness struct {
	router  Router
	legacy  legacy.Evaluator
	factors FactorReader
	store   storage.DecisionStore
	pool    *Pool
	cfg     Config
	logger  *slog.Logger

	persistDropped atomic.Int64
	evaluations    metric.Int64Counter
	ruleFailures   metric.Int64Counter
	droppedWrites  metric.Int64Counter
	ruleLatency    metric.Float64Histogram
}

// New creates a harness. The pool must be started by the caller.
func New(router Router, ev legacy.Evaluator, factors FactorReader, store storage.DecisionStore, pool *Pool, cfg Config, logger *slog.Logger) *Harness {
	if cfg.RuleTimeout <= 0 {
		cfg.RuleTimeout = 2 * time.Second
	}
	if cfg.PersistRetries < 0 {
		cfg.PersistRetries = 0
	}
	h := &Harness{
		router:  router,
		legacy:  ev,
		factors: factors,
		store:   store,
		pool:    pool,
		cfg:     cfg,
		logger:  logger,
	}
	meter := telemetry.Meter("kage/shadow")
	h.evaluations, _ = meter.Int64Counter("kage.shadow.evaluations",
		metric.WithDescription("Evaluations served, by tool and A/B group"))
	h.ruleFailures, _ = meter.Int64Counter("kage.shadow.rule_failures",
		metric.WithDescription("Rule path failures, by error code"))
	h.droppedWrites, _ = meter.Int64Counter("kage.shadow.persist_dropped",
		metric.WithDescription("Decision writes dropped after exhausting retries"))
	h.ruleLatency, _ = meter.Float64Histogram(telemetry.RuleLatencyInstrument,
		metric.WithDescription("Rule path evaluation time"),
		metric.WithUnit("ms"))
	return h
}

// PersistDropped returns how many decision writes were given up on.
func (h *Harness) PersistDropped() int64 { return h.persistDropped.Load() }

// Pool returns the background worker pool.
func (h *Harness) Pool() *Pool { return h.pool }

type legacyResult struct {
	out     model.Outcome
	err     error
	latency time.Duration
}

type ruleResult struct {
	res     rules.Result
	err     error
	latency time.Duration
}

// Evaluate runs tool's legacy evaluator and returns its outcome with the
// confidence adjusted by the current factor. The rule path runs in the
// background against a snapshot of the input.
func (h *Harness) Evaluate(ctx context.Context, tool string, req model.EvaluateRequest) (model.EvaluateResponse, error) {
	if err := model.ValidateToolName(tool); err != nil {
		return model.EvaluateResponse{}, err
	}
	if err := model.ValidateEvaluateRequest(req); err != nil {
		return model.EvaluateResponse{}, err
	}

	input := Snapshot(req.Input)
	id := uuid.New()
	created := time.Now().UTC()

	route, routeErr := h.router.Route(tool, req.EntityKey, input)
	if routeErr != nil {
		route.Rule = nil
	}
	tv := model.ToolVersion{ToolName: tool, RuleVersion: route.Version}
	factor := 0.0
	if route.Version != "" && h.factors != nil {
		factor = h.factors.Factor(tv)
	}

	legacyCh := make(chan legacyResult, 1)
	h.pool.Submit(func(jobCtx context.Context) {
		h.shadow(jobCtx, shadowJob{
			id:       id,
			tool:     tool,
			route:    route,
			routeErr: routeErr,
			input:    input,
			factor:   factor,
			created:  created,
			legacy:   legacyCh,
		})
	})

	out, latency, err := h.callLegacy(ctx, tool, Snapshot(req.Input), legacyCh)
	if err != nil {
		if errors.Is(err, legacy.ErrNoEvaluator) {
			return model.EvaluateResponse{}, err
		}
		return model.EvaluateResponse{}, fmt.Errorf("%w: %s: %w", ErrLegacy, tool, err)
	}

	h.evaluations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.String("ab_group", string(route.Group)),
	))

	resp := model.EvaluateResponse{
		DecisionID:       id.String(),
		ToolName:         tool,
		RuleVersion:      route.Version,
		ABGroup:          route.Group,
		Output:           out,
		AdjustmentFactor: factor,
		LatencyMS:        latency.Milliseconds(),
	}
	if out.Confidence != nil {
		raw := *out.Confidence
		adjusted := ApplyFactor(raw, factor)
		resp.RawConfidence = &raw
		resp.Output.Confidence = &adjusted
	}
	return resp, nil
}

// callLegacy runs the legacy evaluator and hands its result to the shadow
// job. A panicking evaluator still releases the job before the panic
// continues up to the caller.
func (h *Harness) callLegacy(ctx context.Context, tool string, input map[string]any, ch chan<- legacyResult) (model.Outcome, time.Duration, error) {
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			ch <- legacyResult{err: fmt.Errorf("shadow: legacy panic: %v", p), latency: time.Since(start)}
			panic(p)
		}
	}()
	out, err := h.legacy.Evaluate(ctx, tool, input)
	latency := time.Since(start)
	ch <- legacyResult{out: out, err: err, latency: latency}
	return out, latency, err
}

// ApplyFactor returns confidence × (1 + factor) clamped to [0, 1].
func ApplyFactor(confidence, factor float64) float64 {
	return min(max(confidence*(1+factor), 0), 1)
}

type shadowJob struct {
	id       uuid.UUID
	tool     string
	route    Route
	routeErr error
	input    map[string]any
	factor   float64
	created  time.Time
	legacy   <-chan legacyResult
}

// shadow runs the rule path, waits for the legacy result, compares and logs.
func (h *Harness) shadow(ctx context.Context, j shadowJob) {
	var rr ruleResult
	switch {
	case j.routeErr != nil:
		rr.err = &rules.EvaluationError{Code: rules.CodeNoActiveRule, Message: j.routeErr.Error()}
	default:
		rr = h.runRule(j.route.Rule, j.input)
	}

	var lr legacyResult
	select {
	case lr = <-j.legacy:
	case <-ctx.Done():
		return
	}
	if lr.err != nil {
		// The caller already got the error; there is no canonical result to compare.
		h.logger.Debug("shadow: legacy failed, decision not logged", "tool", j.tool, "error", lr.err)
		return
	}

	d := h.buildDecision(j, lr, rr)
	h.ruleLatency.Record(ctx, float64(rr.latency.Microseconds())/1000, metric.WithAttributes(
		attribute.String("tool", j.tool),
		attribute.String("version", j.route.Version),
	))
	if rr.err != nil {
		code := errorCode(rr.err)
		h.ruleFailures.Add(ctx, 1, metric.WithAttributes(
			attribute.String("tool", j.tool),
			attribute.String("code", code),
		))
		h.logger.Debug("shadow: rule path failed", "tool", j.tool, "version", j.route.Version, "code", code, "error", rr.err)
	}
	h.persist(ctx, d)
}

func (h *Harness) runRule(r RuleEvaluator, input map[string]any) ruleResult {
	done := make(chan ruleResult, 1)
	start := time.Now()
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- ruleResult{err: &rules.EvaluationError{Code: rules.CodeInternal, Message: fmt.Sprint(p)}}
			}
		}()
		res, err := r.Evaluate(input)
		done <- ruleResult{res: res, err: err}
	}()

	timer := time.NewTimer(h.cfg.RuleTimeout)
	defer timer.Stop()
	select {
	case rr := <-done:
		rr.latency = time.Since(start)
		return rr
	case <-timer.C:
		return ruleResult{
			err:     &rules.EvaluationError{Code: rules.CodeTimeout, Message: "rule evaluation exceeded " + h.cfg.RuleTimeout.String()},
			latency: time.Since(start),
		}
	}
}

func (h *Harness) buildDecision(j shadowJob, lr legacyResult, rr ruleResult) model.Decision {
	raw := lr.out.ConfidenceOrZero()
	d := model.Decision{
		ID:               j.id,
		ToolName:         j.tool,
		RuleVersion:      j.route.Version,
		ABGroup:          j.route.Group,
		EntityKey:        j.route.EntityKey,
		Input:            j.input,
		LegacyOutput:     lr.out,
		ConfidenceScore:  ApplyFactor(raw, j.factor),
		RawConfidence:    raw,
		AdjustmentFactor: j.factor,
		LatencyMS:        lr.latency.Milliseconds(),
		RuleLatencyMS:    rr.latency.Milliseconds(),
		CreatedAt:        j.created,
	}
	if d.ABGroup == "" {
		d.ABGroup = model.ABNone
	}
	if rr.err != nil {
		code := errorCode(rr.err)
		d.RuleError = &code
	} else {
		out := rr.res.Outcome
		d.RuleOutput = &out
		d.Explanation = rr.res.Explanation
	}
	d.Comparison = model.Compare(lr.out, d.RuleOutput)
	return d
}

func (h *Harness) persist(ctx context.Context, d model.Decision) {
	err := storage.Retry(ctx, h.cfg.PersistRetries, h.cfg.PersistBackoff, nil, func() error {
		_, err := h.store.UpsertDecision(ctx, d)
		return err
	})
	if err != nil {
		h.persistDropped.Add(1)
		h.droppedWrites.Add(ctx, 1, metric.WithAttributes(attribute.String("tool", d.ToolName)))
		h.logger.Error("shadow: decision write dropped",
			"decision_id", d.ID, "tool", d.ToolName, "attempts", h.cfg.PersistRetries+1, "error", err)
	}
}

func errorCode(err error) string {
	var ee *rules.EvaluationError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return rules.CodeInternal
}
