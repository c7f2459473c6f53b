package kage

import "log/slog"

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
type resolvedOptions struct {
	port        int
	databaseURL string
	notifyURL   string
	logger      *slog.Logger
	version     string
	legacy      map[string]LegacyEvaluator
	alertSinks  []AlertSink
	middlewares []Middleware
}

// WithPort overrides the TCP port from config (KAGE_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithDatabaseURL overrides the store URL from config (DATABASE_URL env var).
// postgres://, sqlite://path and memory:// are accepted.
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithNotifyURL overrides the direct Postgres URL used for LISTEN/NOTIFY (NOTIFY_URL env var).
// Set this when queries go through a connection pooler (e.g. PgBouncer); LISTEN/NOTIFY
// requires a direct connection.
func WithNotifyURL(url string) Option {
	return func(o *resolvedOptions) { o.notifyURL = url }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithLegacyEvaluator registers the in-process legacy implementation of tool.
// The last registration for a tool wins.
func WithLegacyEvaluator(tool string, ev LegacyEvaluator) Option {
	return func(o *resolvedOptions) {
		if o.legacy == nil {
			o.legacy = make(map[string]LegacyEvaluator)
		}
		o.legacy[tool] = ev
	}
}

// WithAlertSink adds a destination for alerts. Multiple sinks may be registered.
func WithAlertSink(sink AlertSink) Option {
	return func(o *resolvedOptions) { o.alertSinks = append(o.alertSinks, sink) }
}

// WithMiddleware registers an outermost HTTP middleware.
// Applied in registration order: the first-registered middleware is outermost.
func WithMiddleware(mw Middleware) Option {
	return func(o *resolvedOptions) { o.middlewares = append(o.middlewares, mw) }
}
