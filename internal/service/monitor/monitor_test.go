package monitor

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kage/internal/alert"
	"github.com/ashita-ai/kage/internal/model"
	"github.com/ashita-ai/kage/internal/storage/memstore"
	"github.com/ashita-ai/kage/internal/storage/storetest"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

type recorder struct {
	mu     sync.Mutex
	alerts []model.Alert
}

func (r *recorder) Send(_ context.Context, a model.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
	return nil
}

type batch struct {
	n          int
	confidence float64
	mismatched int // first n decisions are shadow mismatches
	feedback   int // first n decisions get feedback
	successes  int // of which the first n are successes
}

func seed(t *testing.T, s *memstore.Store, tv model.ToolVersion, b batch) []model.Decision {
	t.Helper()
	ctx := context.Background()
	at := storetest.Now().Add(-time.Hour)
	out := make([]model.Decision, 0, b.n)
	for i := range b.n {
		d := storetest.Decision(tv, b.confidence, i >= b.mismatched, at)
		_, err := s.UpsertDecision(ctx, d)
		require.NoError(t, err)
		if i < b.feedback {
			typ := model.OutcomeBounced
			if i < b.successes {
				typ = model.OutcomeConverted
			}
			_, err := s.InsertFeedback(ctx, model.Feedback{DecisionID: d.ID, OutcomeType: typ, CreatedAt: at})
			require.NoError(t, err)
		}
		out = append(out, d)
	}
	return out
}

func metrics(alerts []model.Alert) map[string]model.Severity {
	out := map[string]model.Severity{}
	for _, a := range alerts {
		out[a.Metric] = a.Severity
	}
	return out
}

func TestCheckThresholds(t *testing.T) {
	now := time.Now().UTC()
	tv := model.ToolVersion{ToolName: "t", RuleVersion: "1.0.0"}
	tests := []struct {
		name  string
		stats model.WindowStats
		want  map[string]model.Severity
	}{
		{
			name:  "low success rate",
			stats: model.WindowStats{ToolVersion: tv, Decisions: 150, AvgConfidence: 0.9, FeedbackSamples: 100, Successes: 84},
			want:  map[string]model.Severity{MetricSuccessRate: model.SeverityCritical},
		},
		{
			name:  "success rate at threshold",
			stats: model.WindowStats{ToolVersion: tv, Decisions: 150, AvgConfidence: 0.9, FeedbackSamples: 100, Successes: 85},
			want:  map[string]model.Severity{},
		},
		{
			name:  "too few feedback samples",
			stats: model.WindowStats{ToolVersion: tv, Decisions: 150, AvgConfidence: 0.9, FeedbackSamples: 99, Successes: 10},
			want:  map[string]model.Severity{},
		},
		{
			name:  "low confidence",
			stats: model.WindowStats{ToolVersion: tv, Decisions: 200, AvgConfidence: 0.74, FeedbackSamples: 200, Successes: 200},
			want:  map[string]model.Severity{MetricAvgConfidence: model.SeverityWarning},
		},
		{
			name:  "pending feedback",
			stats: model.WindowStats{ToolVersion: tv, Decisions: 101, AvgConfidence: 0.9, PendingFeedback: 101},
			want:  map[string]model.Severity{MetricPendingFeedback: model.SeverityInfo},
		},
		{
			name:  "pending feedback at threshold",
			stats: model.WindowStats{ToolVersion: tv, Decisions: 100, AvgConfidence: 0.9, PendingFeedback: 100},
			want:  map[string]model.Severity{},
		},
		{
			name:  "low match rate",
			stats: model.WindowStats{ToolVersion: tv, Decisions: 50, AvgConfidence: 0.9, ShadowCompared: 50, ShadowMatches: 44},
			want:  map[string]model.Severity{MetricMatchRate: model.SeverityWarning},
		},
		{
			name:  "match rate with too few comparisons",
			stats: model.WindowStats{ToolVersion: tv, Decisions: 50, AvgConfidence: 0.9, ShadowCompared: 49, ShadowMatches: 0},
			want:  map[string]model.Severity{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			alerts := Check(tt.stats, DefaultThresholds, now)
			assert.Equal(t, tt.want, metrics(alerts))
			for _, a := range alerts {
				assert.Equal(t, "t", a.Tool)
				assert.Equal(t, now, a.RaisedAt)
			}
		})
	}
}

func TestRunCriticalQueuesWorst(t *testing.T) {
	s := memstore.New()
	tv := model.ToolVersion{ToolName: "lead_score", RuleVersion: "1.0.0"}
	decisions := seed(t, s, tv, batch{n: 120, confidence: 0.9, mismatched: 3, feedback: 120, successes: 80})
	rec := &recorder{}
	m := New(s, rec, Config{}, testLogger())

	sum, err := m.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Pairs)
	require.Len(t, sum.Alerts, 1)
	assert.Equal(t, model.SeverityCritical, sum.Alerts[0].Severity)
	assert.InDelta(t, 80.0/120.0, sum.Alerts[0].Value, 1e-9)
	assert.Equal(t, 120, sum.Alerts[0].SampleSize)
	assert.Equal(t, sum.Alerts, rec.alerts)
	assert.Equal(t, 50, sum.ReviewQueued)

	queue, err := s.ListReviewQueue(context.Background(), "lead_score", 100)
	require.NoError(t, err)
	require.Len(t, queue, 50)
	queued := map[string]bool{}
	for _, item := range queue {
		queued[item.DecisionID.String()] = true
	}
	for _, d := range decisions[:3] {
		assert.True(t, queued[d.ID.String()], "mismatched decisions are queued first")
	}
}

func TestRunWarningsDoNotQueue(t *testing.T) {
	s := memstore.New()
	seed(t, s, model.ToolVersion{ToolName: "send_time", RuleVersion: "2.0.0"}, batch{n: 200, confidence: 0.6})
	seed(t, s, model.ToolVersion{ToolName: "churn", RuleVersion: "1.0.0"}, batch{n: 60, confidence: 0.9, mismatched: 10, feedback: 60, successes: 60})
	m := New(s, &recorder{}, Config{}, testLogger())

	sum, err := m.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Pairs)
	assert.Equal(t, map[string]model.Severity{
		MetricAvgConfidence:   model.SeverityWarning,
		MetricPendingFeedback: model.SeverityInfo,
		MetricMatchRate:       model.SeverityWarning,
	}, metrics(sum.Alerts))
	assert.Len(t, sum.Alerts, 3)
	assert.Zero(t, sum.ReviewQueued)
}

func TestRunReviewCapSpansPairs(t *testing.T) {
	s := memstore.New()
	for _, tool := range []string{"a", "b"} {
		seed(t, s, model.ToolVersion{ToolName: tool, RuleVersion: "1.0.0"}, batch{n: 100, confidence: 0.9, feedback: 100})
	}
	m := New(s, &recorder{}, Config{ReviewCap: 30}, testLogger())

	sum, err := m.Run(context.Background())
	require.NoError(t, err)
	assert.Len(t, sum.Alerts, 2)
	assert.Equal(t, 30, sum.ReviewQueued)

	queue, err := s.ListReviewQueue(context.Background(), "", 100)
	require.NoError(t, err)
	assert.Len(t, queue, 30)

	// A second run does not queue the same decisions again.
	sum, err = m.Run(context.Background())
	require.NoError(t, err)
	assert.LessOrEqual(t, sum.ReviewQueued, 30)
	queue, err = s.ListReviewQueue(context.Background(), "", 200)
	require.NoError(t, err)
	assert.Len(t, queue, 30+sum.ReviewQueued)
}

func TestRunSinkFailureIsContained(t *testing.T) {
	s := memstore.New()
	seed(t, s, model.ToolVersion{ToolName: "a", RuleVersion: "1.0.0"}, batch{n: 100, confidence: 0.9, feedback: 100})
	failing := alert.SinkFunc(func(context.Context, model.Alert) error { return errors.New("unreachable") })
	m := New(s, failing, Config{}, testLogger())

	sum, err := m.Run(context.Background())
	require.NoError(t, err)
	assert.Len(t, sum.Alerts, 1)
	assert.Equal(t, 50, sum.ReviewQueued)
}

func TestRunIgnoresDecisionsOutsideWindow(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()
	tv := model.ToolVersion{ToolName: "old", RuleVersion: "1.0.0"}
	for range 150 {
		d := storetest.Decision(tv, 0.1, false, storetest.Now().Add(-30*24*time.Hour))
		_, err := s.UpsertDecision(ctx, d)
		require.NoError(t, err)
	}
	m := New(s, &recorder{}, Config{}, testLogger())
	sum, err := m.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, sum.Pairs)
	assert.Empty(t, sum.Alerts)
}
