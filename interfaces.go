package kage

import (
	"context"
	"net/http"
)

// LegacyEvaluator is the existing implementation of a tool. Its outcome is
// what callers receive; the rule interpreter only shadows it.
// Registered via WithLegacyEvaluator, it takes precedence over an HTTP
// endpoint configured for the same tool in KAGE_LEGACY_ENDPOINTS.
type LegacyEvaluator interface {
	Evaluate(ctx context.Context, tool string, input map[string]any) (Outcome, error)
}

// LegacyEvaluatorFunc adapts a plain function to LegacyEvaluator.
type LegacyEvaluatorFunc func(ctx context.Context, tool string, input map[string]any) (Outcome, error)

// Evaluate implements LegacyEvaluator.
func (f LegacyEvaluatorFunc) Evaluate(ctx context.Context, tool string, input map[string]any) (Outcome, error) {
	return f(ctx, tool, input)
}

// AlertSink receives performance and job alerts in addition to the built-in
// log, Kafka, NATS and SSE sinks. Send must be safe for concurrent use; an
// error is logged and does not stop delivery to other sinks.
type AlertSink interface {
	Send(ctx context.Context, alert Alert) error
}

// Middleware wraps the root HTTP handler.
// Applied outermost (before routing), so it sees all requests including /health.
// Multiple middlewares are applied in registration order (first-registered = outermost).
type Middleware func(http.Handler) http.Handler
