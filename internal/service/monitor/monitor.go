// Package monitor checks each (tool, version) against fixed performance
// thresholds, raises alerts and queues the worst decisions of a critical
// breach for manual review.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kage/internal/alert"
	"github.com/ashita-ai/kage/internal/model"
	"github.com/ashita-ai/kage/internal/storage"
	"github.com/ashita-ai/kage/internal/telemetry"
)

// Metric names carried on alerts.
const (
	MetricSuccessRate     = "success_rate"
	MetricAvgConfidence   = "avg_confidence"
	MetricPendingFeedback = "pending_feedback"
	MetricMatchRate       = "shadow_match_rate"
)

// Threshold is one check: breached when the value falls below Limit (or
// rises above it for Above checks) with at least MinSamples observations.
type Threshold struct {
	Metric     string
	Severity   model.Severity
	Limit      float64
	MinSamples int
	Above      bool
}

// DefaultThresholds are the production checks.
var DefaultThresholds = []Threshold{
	{Metric: MetricSuccessRate, Severity: model.SeverityCritical, Limit: 0.85, MinSamples: 100},
	{Metric: MetricAvgConfidence, Severity: model.SeverityWarning, Limit: 0.75, MinSamples: 200},
	{Metric: MetricPendingFeedback, Severity: model.SeverityInfo, Limit: 100, Above: true},
	{Metric: MetricMatchRate, Severity: model.SeverityWarning, Limit: 0.90, MinSamples: 50},
}

// Config tunes the monitor. Zero values take the defaults.
type Config struct {
	Window     time.Duration // trailing window, default 7 days
	ReviewCap  int           // decisions queued per run, default 50
	Thresholds []Threshold   // default DefaultThresholds
}

func (c Config) withDefaults() Config {
	if c.Window <= 0 {
		c.Window = 7 * 24 * time.Hour
	}
	if c.ReviewCap <= 0 {
		c.ReviewCap = 50
	}
	if c.Thresholds == nil {
		c.Thresholds = DefaultThresholds
	}
	return c
}

// Store is the persistence the monitor needs.
type Store interface {
	storage.DecisionStore
	storage.ReviewStore
}

// Monitor runs the checks.
type Monitor struct {
	store  Store
	sink   alert.Sink
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	alerts metric.Int64Counter
}

// New creates a monitor delivering alerts to sink.
func New(store Store, sink alert.Sink, cfg Config, logger *slog.Logger) *Monitor {
	m := &Monitor{
		store:  store,
		sink:   sink,
		cfg:    cfg.withDefaults(),
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
	m.alerts, _ = telemetry.Meter("kage/monitor").Int64Counter("kage.monitor.alerts",
		metric.WithDescription("Alerts raised, by metric and severity"))
	return m
}

// Summary reports one Run.
type Summary struct {
	Pairs          int           `json:"pairs"`
	Alerts         []model.Alert `json:"alerts"`
	ReviewQueued   int           `json:"review_queued"`
	Failed         int           `json:"failed"`
	Duration       time.Duration `json:"duration_ns"`
	ReviewCapacity int           `json:"review_capacity"`
}

// Run checks every (tool, version) with decisions in the window. A pair whose
// stats cannot be read is logged and skipped.
func (m *Monitor) Run(ctx context.Context) (Summary, error) {
	start := time.Now()
	until := m.now()
	since := until.Add(-m.cfg.Window)

	pairs, err := m.store.ListToolVersions(ctx, since)
	if err != nil {
		return Summary{}, fmt.Errorf("monitor: list tool versions: %w", err)
	}

	sum := Summary{Pairs: len(pairs), Alerts: []model.Alert{}, ReviewCapacity: m.cfg.ReviewCap}
	remaining := m.cfg.ReviewCap
	for _, tv := range pairs {
		if err := ctx.Err(); err != nil {
			return sum, fmt.Errorf("monitor: run: %w", err)
		}
		stats, err := m.store.WindowStats(ctx, tv, since, until)
		if err != nil {
			sum.Failed++
			m.logger.Error("monitor: window stats failed", "tool", tv.ToolName, "version", tv.RuleVersion, "error", err)
			continue
		}

		critical := false
		for _, a := range Check(stats, m.cfg.Thresholds, until) {
			m.raise(ctx, a)
			sum.Alerts = append(sum.Alerts, a)
			critical = critical || a.Severity == model.SeverityCritical
		}
		if critical && remaining > 0 {
			n, err := m.queueWorst(ctx, tv, since, remaining, until)
			if err != nil {
				m.logger.Error("monitor: enqueue review failed", "tool", tv.ToolName, "version", tv.RuleVersion, "error", err)
				continue
			}
			sum.ReviewQueued += n
			remaining -= n
		}
	}
	sum.Duration = time.Since(start)
	m.logger.Info("monitor: check complete",
		"pairs", sum.Pairs, "alerts", len(sum.Alerts), "review_queued", sum.ReviewQueued, "duration", sum.Duration)
	return sum, nil
}

// Check evaluates thresholds against one window. Each breached threshold
// yields exactly one alert.
func Check(s model.WindowStats, thresholds []Threshold, now time.Time) []model.Alert {
	var out []model.Alert
	for _, th := range thresholds {
		value, n := observe(s, th.Metric)
		if n < th.MinSamples {
			continue
		}
		breached := value < th.Limit
		if th.Above {
			breached = value > th.Limit
		}
		if !breached {
			continue
		}
		out = append(out, model.Alert{
			Severity:    th.Severity,
			Tool:        s.ToolName,
			Version:     s.RuleVersion,
			Metric:      th.Metric,
			Value:       value,
			Threshold:   th.Limit,
			SampleSize:  n,
			WindowStart: s.WindowStart,
			WindowEnd:   s.WindowEnd,
			RaisedAt:    now,
			Message:     message(th, value),
		})
	}
	return out
}

func observe(s model.WindowStats, metricName string) (value float64, samples int) {
	switch metricName {
	case MetricSuccessRate:
		return s.SuccessRate(), s.FeedbackSamples
	case MetricAvgConfidence:
		return s.AvgConfidence, s.Decisions
	case MetricPendingFeedback:
		return float64(s.PendingFeedback), s.Decisions
	case MetricMatchRate:
		return s.MatchRate(), s.ShadowCompared
	}
	return 0, 0
}

func message(th Threshold, value float64) string {
	if th.Above {
		return fmt.Sprintf("%s %.0f above %.0f", th.Metric, value, th.Limit)
	}
	return fmt.Sprintf("%s %.4f below %.4f", th.Metric, value, th.Limit)
}

func (m *Monitor) raise(ctx context.Context, a model.Alert) {
	m.alerts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("metric", a.Metric),
		attribute.String("severity", string(a.Severity)),
	))
	if err := m.sink.Send(ctx, a); err != nil {
		m.logger.Warn("monitor: alert delivery failed", "alert", a.String(), "error", err)
	}
}

func (m *Monitor) queueWorst(ctx context.Context, tv model.ToolVersion, since time.Time, limit int, now time.Time) (int, error) {
	worst, err := m.store.WorstDecisions(ctx, tv, since, limit)
	if err != nil {
		return 0, err
	}
	items := make([]model.ReviewItem, 0, len(worst))
	for _, d := range worst {
		items = append(items, model.ReviewItem{
			DecisionID:      d.ID,
			ToolName:        d.ToolName,
			RuleVersion:     d.RuleVersion,
			Reason:          MetricSuccessRate + " critical",
			ConfidenceScore: d.ConfidenceScore,
			Match:           d.Comparison.Match,
			QueuedAt:        now,
		})
	}
	return m.store.EnqueueReview(ctx, items)
}
