// Package storetest is a conformance suite every storage.Store backend must pass.
package storetest

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kage/internal/model"
	"github.com/ashita-ai/kage/internal/storage"
)

// Run exercises s against the Store contract. Tool names are unique per
// subtest, so s may be shared with other tests.
func Run(t *testing.T, s storage.Store) {
	t.Helper()
	t.Run("Rules", func(t *testing.T) { testRules(t, s) })
	t.Run("Experiments", func(t *testing.T) { testExperiments(t, s) })
	t.Run("Decisions", func(t *testing.T) { testDecisions(t, s) })
	t.Run("Annotations", func(t *testing.T) { testAnnotations(t, s) })
	t.Run("WindowStats", func(t *testing.T) { testWindowStats(t, s) })
	t.Run("WorstDecisions", func(t *testing.T) { testWorstDecisions(t, s) })
	t.Run("Feedback", func(t *testing.T) { testFeedback(t, s) })
	t.Run("Adjustments", func(t *testing.T) { testAdjustments(t, s) })
	t.Run("Review", func(t *testing.T) { testReview(t, s) })
}

func tool(t *testing.T) string {
	return "tool-" + uuid.NewString()[:8]
}

func ptr[T any](v T) *T { return &v }

// Now returns a timestamp every backend round-trips exactly.
func Now() time.Time { return time.Now().UTC().Truncate(time.Millisecond) }

func doc(name, version string) model.RuleDocument {
	return model.RuleDocument{
		ToolName:   name,
		Version:    version,
		RuleType:   model.RuleThreshold,
		Definition: json.RawMessage(`{"var":"x","tiers":[{"min":1,"result":"high"}],"default":"low"}`),
	}
}

// Decision builds a logged decision for tv with the given confidence and match.
func Decision(tv model.ToolVersion, confidence float64, match bool, created time.Time) model.Decision {
	return model.Decision{
		ID:              uuid.New(),
		ToolName:        tv.ToolName,
		RuleVersion:     tv.RuleVersion,
		ABGroup:         model.ABNone,
		Input:           map[string]any{"x": 2.0},
		LegacyOutput:    model.Outcome{Category: "high", Score: ptr(2.0)},
		RuleOutput:      &model.Outcome{Category: "high", Score: ptr(2.0), Confidence: ptr(confidence)},
		Explanation:     []model.Step{{Kind: model.StepThreshold, Variable: "x", Value: 2.0}},
		Comparison:      model.Comparison{Match: match, Delta: ptr(0.0)},
		ConfidenceScore: confidence,
		RawConfidence:   confidence,
		LatencyMS:       3,
		CreatedAt:       created,
	}
}

func publish(t *testing.T, s storage.Store, name string, versions ...string) {
	t.Helper()
	for _, v := range versions {
		_, err := s.InsertRule(context.Background(), doc(name, v))
		require.NoError(t, err)
	}
}

func testRules(t *testing.T, s storage.Store) {
	ctx := context.Background()
	name := tool(t)

	got, err := s.InsertRule(ctx, doc(name, "1.0.0"))
	require.NoError(t, err)
	assert.False(t, got.Active)
	assert.False(t, got.CreatedAt.IsZero())

	_, err = s.InsertRule(ctx, doc(name, "1.0.0"))
	assert.ErrorIs(t, err, storage.ErrDuplicate)

	time.Sleep(2 * time.Millisecond)
	publish(t, s, name, "1.1.0")

	r, err := s.GetRule(ctx, name, "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, model.RuleThreshold, r.RuleType)
	assert.JSONEq(t, string(doc(name, "1.0.0").Definition), string(r.Definition))

	_, err = s.GetRule(ctx, name, "9.9.9")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	list, err := s.ListRules(ctx, name)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "1.0.0", list[0].Version)
	assert.Equal(t, "1.1.0", list[1].Version)

	_, err = s.GetLatestActive(ctx, name)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, s.ActivateRule(ctx, name, "1.0.0"))
	active, err := s.GetLatestActive(ctx, name)
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", active.Version)

	require.NoError(t, s.ActivateRule(ctx, name, "1.1.0"))
	active, err = s.GetLatestActive(ctx, name)
	require.NoError(t, err)
	assert.Equal(t, "1.1.0", active.Version)

	old, err := s.GetRule(ctx, name, "1.0.0")
	require.NoError(t, err)
	assert.False(t, old.Active, "activating a version deactivates the previous one")

	assert.ErrorIs(t, s.ActivateRule(ctx, name, "2.0.0"), storage.ErrNotFound)
	active, err = s.GetLatestActive(ctx, name)
	require.NoError(t, err)
	assert.Equal(t, "1.1.0", active.Version, "failed activation leaves the active version alone")

	all, err := s.ListActiveRules(ctx)
	require.NoError(t, err)
	n := 0
	for _, d := range all {
		if d.ToolName == name {
			n++
		}
	}
	assert.Equal(t, 1, n)
}

func testExperiments(t *testing.T, s storage.Store) {
	ctx := context.Background()
	name := tool(t)
	publish(t, s, name, "1.0.0", "2.0.0", "3.0.0")

	_, err := s.UpsertExperiment(ctx, model.Experiment{ToolName: name, ControlVersion: "1.0.0", TestVersion: "9.0.0", TrafficSplit: 0.1})
	assert.ErrorIs(t, err, storage.ErrNotFound)

	exp, err := s.UpsertExperiment(ctx, model.Experiment{ToolName: name, ControlVersion: "1.0.0", TestVersion: "2.0.0", TrafficSplit: 0.1, EntityKeyField: "customer_id"})
	require.NoError(t, err)
	assert.False(t, exp.UpdatedAt.IsZero())

	_, err = s.UpsertExperiment(ctx, model.Experiment{ToolName: name, ControlVersion: "1.0.0", TestVersion: "3.0.0", TrafficSplit: 0.25})
	require.NoError(t, err)

	list, err := s.ListExperiments(ctx)
	require.NoError(t, err)
	var found *model.Experiment
	for i := range list {
		if list[i].ToolName == name {
			found = &list[i]
		}
	}
	require.NotNil(t, found)
	assert.Equal(t, "3.0.0", found.TestVersion)
	assert.InDelta(t, 0.25, found.TrafficSplit, 1e-9)
	assert.Empty(t, found.EntityKeyField)

	require.NoError(t, s.DeleteExperiment(ctx, name))
	assert.ErrorIs(t, s.DeleteExperiment(ctx, name), storage.ErrNotFound)
}

func testDecisions(t *testing.T, s storage.Store) {
	ctx := context.Background()
	tv := model.ToolVersion{ToolName: tool(t), RuleVersion: "1.0.0"}
	d := Decision(tv, 0.82, true, Now())
	d.EntityKey = "cust-1"
	d.ABGroup = model.ABTest

	inserted, err := s.UpsertDecision(ctx, d)
	require.NoError(t, err)
	assert.True(t, inserted)

	d2 := d
	d2.ConfidenceScore = 0.1
	inserted, err = s.UpsertDecision(ctx, d2)
	require.NoError(t, err)
	assert.False(t, inserted, "second write with the same id is a no-op")

	got, err := s.GetDecision(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, d.ID, got.ID)
	assert.Equal(t, model.ABTest, got.ABGroup)
	assert.Equal(t, "cust-1", got.EntityKey)
	assert.InDelta(t, 0.82, got.ConfidenceScore, 1e-9)
	assert.Equal(t, "high", got.LegacyOutput.Category)
	require.NotNil(t, got.RuleOutput)
	assert.InDelta(t, 0.82, *got.RuleOutput.Confidence, 1e-9)
	assert.True(t, got.Comparison.Match)
	require.Len(t, got.Explanation, 1)
	assert.Equal(t, model.StepThreshold, got.Explanation[0].Kind)
	assert.WithinDuration(t, d.CreatedAt, got.CreatedAt, time.Millisecond)
	assert.Nil(t, got.RuleError)

	failed := Decision(tv, 0, false, Now())
	failed.RuleOutput = nil
	failed.Explanation = nil
	failed.Comparison = model.Comparison{}
	failed.RuleError = ptr("missing_variable")
	_, err = s.UpsertDecision(ctx, failed)
	require.NoError(t, err)

	got, err = s.GetDecision(ctx, failed.ID)
	require.NoError(t, err)
	assert.Nil(t, got.RuleOutput)
	assert.Nil(t, got.Comparison.Delta)
	require.NotNil(t, got.RuleError)
	assert.Equal(t, "missing_variable", *got.RuleError)

	_, err = s.GetDecision(ctx, uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)

	orphan := Decision(model.ToolVersion{ToolName: tv.ToolName}, 0, false, Now())
	_, err = s.UpsertDecision(ctx, orphan)
	require.NoError(t, err)

	tvs, err := s.ListToolVersions(ctx, Now().Add(-time.Hour))
	require.NoError(t, err)
	var mine []model.ToolVersion
	for _, x := range tvs {
		if x.ToolName == tv.ToolName {
			mine = append(mine, x)
		}
	}
	assert.Equal(t, []model.ToolVersion{tv}, mine, "decisions without a rule version are not listed")
}

func testAnnotations(t *testing.T, s storage.Store) {
	ctx := context.Background()
	tv := model.ToolVersion{ToolName: tool(t), RuleVersion: "1.0.0"}
	a := Decision(tv, 0.8, true, Now())
	b := Decision(tv, 0.8, true, Now())
	for _, d := range []model.Decision{a, b} {
		_, err := s.UpsertDecision(ctx, d)
		require.NoError(t, err)
	}

	n, err := s.AnnotateDecisions(ctx, []uuid.UUID{a.ID}, "adjustment", map[string]any{"factor": 0.01})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.AnnotateDecisions(ctx, []uuid.UUID{a.ID, b.ID}, "adjustment", map[string]any{"factor": 0.02})
	require.NoError(t, err)
	assert.Equal(t, 1, n, "existing keys are never overwritten")

	got, err := s.GetDecision(ctx, a.ID)
	require.NoError(t, err)
	adj, ok := got.Annotations["adjustment"].(map[string]any)
	require.True(t, ok)
	assert.InDelta(t, 0.01, adj["factor"], 1e-9)
	assert.InDelta(t, 0.8, got.ConfidenceScore, 1e-9, "annotation leaves the decision fields alone")

	n, err = s.AnnotateDecisions(ctx, nil, "adjustment", true)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func testWindowStats(t *testing.T, s storage.Store) {
	ctx := context.Background()
	tv := model.ToolVersion{ToolName: tool(t), RuleVersion: "1.0.0"}
	now := Now()

	var ids []uuid.UUID
	for i, c := range []float64{0.9, 0.7, 0.8} {
		d := Decision(tv, c, i != 1, now.Add(-time.Duration(i)*time.Minute))
		_, err := s.UpsertDecision(ctx, d)
		require.NoError(t, err)
		ids = append(ids, d.ID)
	}
	failed := Decision(tv, 0, false, now)
	failed.RuleOutput = nil
	failed.RuleError = ptr("timeout")
	_, err := s.UpsertDecision(ctx, failed)
	require.NoError(t, err)

	old := Decision(tv, 0.1, false, now.Add(-48*time.Hour))
	_, err = s.UpsertDecision(ctx, old)
	require.NoError(t, err)

	fb := []model.Feedback{
		{DecisionID: ids[0], OutcomeType: model.OutcomeConverted},
		{DecisionID: ids[1], OutcomeType: model.OutcomeIgnored, OutcomePositive: ptr(true)},
		{DecisionID: ids[1], OutcomeType: model.OutcomeBounced},
	}
	for _, f := range fb {
		_, err := s.InsertFeedback(ctx, f)
		require.NoError(t, err)
	}

	stats, err := s.WindowStats(ctx, tv, now.Add(-time.Hour), now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, tv, stats.ToolVersion)
	assert.Equal(t, 4, stats.Decisions)
	assert.InDelta(t, (0.9+0.7+0.8+0)/4, stats.AvgConfidence, 1e-9)
	assert.Equal(t, 3, stats.ShadowCompared)
	assert.Equal(t, 2, stats.ShadowMatches)
	assert.Equal(t, 2, stats.PendingFeedback)
	assert.Equal(t, 3, stats.FeedbackSamples)
	assert.Equal(t, 2, stats.Successes, "explicit outcome_positive wins over the outcome type")

	empty, err := s.WindowStats(ctx, model.ToolVersion{ToolName: tool(t), RuleVersion: "1"}, now.Add(-time.Hour), now)
	require.NoError(t, err)
	assert.Zero(t, empty.Decisions)
	assert.Zero(t, empty.AvgConfidence)
}

func testWorstDecisions(t *testing.T, s storage.Store) {
	ctx := context.Background()
	tv := model.ToolVersion{ToolName: tool(t), RuleVersion: "1.0.0"}
	now := Now()

	good := Decision(tv, 0.95, true, now)
	low := Decision(tv, 0.4, true, now)
	miss := Decision(tv, 0.9, false, now)
	for _, d := range []model.Decision{good, low, miss} {
		_, err := s.UpsertDecision(ctx, d)
		require.NoError(t, err)
	}

	worst, err := s.WorstDecisions(ctx, tv, now.Add(-time.Hour), 2)
	require.NoError(t, err)
	require.Len(t, worst, 2)
	assert.Equal(t, miss.ID, worst[0].ID, "mismatches first")
	assert.Equal(t, low.ID, worst[1].ID)
}

func testFeedback(t *testing.T, s storage.Store) {
	ctx := context.Background()
	tv := model.ToolVersion{ToolName: tool(t), RuleVersion: "1.0.0"}

	_, err := s.InsertFeedback(ctx, model.Feedback{DecisionID: uuid.New(), OutcomeType: model.OutcomeConverted})
	assert.ErrorIs(t, err, storage.ErrNotFound)

	d := Decision(tv, 0.7, true, Now())
	d.RawConfidence = 0.75
	_, err = s.UpsertDecision(ctx, d)
	require.NoError(t, err)

	f, err := s.InsertFeedback(ctx, model.Feedback{
		DecisionID:   d.ID,
		OutcomeType:  model.OutcomeEngaged,
		OutcomeValue: ptr(12.5),
		Source:       "crm",
		Metadata:     map[string]any{"campaign": "q3"},
	})
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, f.ID)
	assert.False(t, f.CreatedAt.IsZero())

	samples, err := s.FeedbackWindow(ctx, tv, Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, samples, 1)
	assert.Equal(t, d.ID, samples[0].DecisionID)
	assert.InDelta(t, 0.75, samples[0].ConfidenceScore, 1e-9, "samples carry the raw confidence")
	assert.True(t, samples[0].Success())

	samples, err = s.FeedbackWindow(ctx, tv, Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, samples)
}

func testAdjustments(t *testing.T, s storage.Store) {
	ctx := context.Background()
	tv := model.ToolVersion{ToolName: tool(t), RuleVersion: "1.0.0"}
	base := Now().Add(-time.Hour)

	for i, f := range []float64{0.01, 0.02, -0.03} {
		err := s.InsertAdjustmentFactor(ctx, model.AdjustmentFactor{
			ToolName: tv.ToolName, RuleVersion: tv.RuleVersion,
			Factor: f, SuccessRate: 0.8, AvgConfidence: 0.8, SampleSize: 20 + i,
			CalculatedAt: base.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
	}

	hist, err := s.AdjustmentHistory(ctx, tv, 2)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.InDelta(t, -0.03, hist[0].Factor, 1e-9)
	assert.InDelta(t, 0.02, hist[1].Factor, 1e-9)

	latest, err := s.LatestAdjustmentFactors(ctx)
	require.NoError(t, err)
	var mine []model.AdjustmentFactor
	for _, f := range latest {
		if f.Key() == tv {
			mine = append(mine, f)
		}
	}
	require.Len(t, mine, 1)
	assert.InDelta(t, -0.03, mine[0].Factor, 1e-9)
	assert.Equal(t, 22, mine[0].SampleSize)
}

func testReview(t *testing.T, s storage.Store) {
	ctx := context.Background()
	tv := model.ToolVersion{ToolName: tool(t), RuleVersion: "1.0.0"}
	a := Decision(tv, 0.3, false, Now())
	b := Decision(tv, 0.5, true, Now())
	for _, d := range []model.Decision{a, b} {
		_, err := s.UpsertDecision(ctx, d)
		require.NoError(t, err)
	}

	items := []model.ReviewItem{
		{DecisionID: a.ID, ToolName: tv.ToolName, RuleVersion: tv.RuleVersion, Reason: "success_rate", ConfidenceScore: 0.3},
		{DecisionID: b.ID, ToolName: tv.ToolName, RuleVersion: tv.RuleVersion, Reason: "success_rate", ConfidenceScore: 0.5, Match: true},
	}
	n, err := s.EnqueueReview(ctx, items)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = s.EnqueueReview(ctx, items)
	require.NoError(t, err)
	assert.Zero(t, n, "already queued decisions are skipped")

	queue, err := s.ListReviewQueue(ctx, tv.ToolName, 10)
	require.NoError(t, err)
	require.Len(t, queue, 2)
	assert.Equal(t, "success_rate", queue[0].Reason)

	queue, err = s.ListReviewQueue(ctx, tv.ToolName, 1)
	require.NoError(t, err)
	assert.Len(t, queue, 1)
}
