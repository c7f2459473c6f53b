// Package alert delivers performance alerts to operators.
package alert

import (
	"context"
	"errors"
	"log/slog"

	"github.com/ashita-ai/kage/internal/model"
)

// Sink receives alerts. Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, a model.Alert) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, a model.Alert) error

func (f SinkFunc) Send(ctx context.Context, a model.Alert) error { return f(ctx, a) }

// LogSink writes alerts as structured log records. Critical alerts log at
// error level, warnings at warn, everything else at info.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Send(ctx context.Context, a model.Alert) error {
	level := slog.LevelInfo
	switch a.Severity {
	case model.SeverityCritical:
		level = slog.LevelError
	case model.SeverityWarning:
		level = slog.LevelWarn
	}
	s.Logger.Log(ctx, level, "alert: threshold breached",
		"severity", a.Severity,
		"tool", a.Tool,
		"version", a.Version,
		"metric", a.Metric,
		"value", a.Value,
		"threshold", a.Threshold,
		"sample_size", a.SampleSize,
		"window_start", a.WindowStart,
		"window_end", a.WindowEnd,
		"message", a.Message,
	)
	return nil
}

// Multi fans an alert out to every sink. A failing sink is logged and does
// not stop delivery to the others; Send itself never fails.
type Multi struct {
	sinks  []Sink
	logger *slog.Logger
}

// NewMulti creates a fan-out sink. Nil sinks are skipped.
func NewMulti(logger *slog.Logger, sinks ...Sink) *Multi {
	m := &Multi{logger: logger}
	for _, s := range sinks {
		if s != nil {
			m.sinks = append(m.sinks, s)
		}
	}
	return m
}

func (m *Multi) Send(ctx context.Context, a model.Alert) error {
	for _, s := range m.sinks {
		if err := s.Send(ctx, a); err != nil {
			m.logger.Warn("alert: sink failed", "sink", sinkName(s), "tool", a.Tool, "metric", a.Metric, "error", err)
		}
	}
	return nil
}

// Close closes every sink that holds resources.
func (m *Multi) Close() error {
	var errs []error
	for _, s := range m.sinks {
		if c, ok := s.(interface{ Close() error }); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}

func sinkName(s Sink) string {
	switch s.(type) {
	case LogSink, *LogSink:
		return "log"
	case *KafkaSink:
		return "kafka"
	case *NATSSink:
		return "nats"
	default:
		return "custom"
	}
}
