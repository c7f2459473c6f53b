// Package kage is the public API for embedding the kage rule shadowing server.
//
// kage sits in front of existing scoring and classification tools. Every
// request is answered by the legacy implementation while a declarative rule
// version is evaluated in the background and compared against it. Rule
// versions are published, A/B tested and activated at runtime, and a daily
// job nudges reported confidence from observed feedback.
//
//	app, err := kage.New(
//	    kage.WithVersion(version),
//	    kage.WithLogger(logger),
//	    kage.WithLegacyEvaluator("lead_score", myScorer),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The root package imports internal/*, but internal/* never imports the
// root. Public types (Outcome, Alert) are standalone structs; the adapters
// that convert them live here because this is the only file that sees both
// sides of the boundary.
package kage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/joho/godotenv"

	"github.com/ashita-ai/kage/api"
	"github.com/ashita-ai/kage/internal/alert"
	"github.com/ashita-ai/kage/internal/auth"
	"github.com/ashita-ai/kage/internal/config"
	"github.com/ashita-ai/kage/internal/jobs"
	"github.com/ashita-ai/kage/internal/legacy"
	"github.com/ashita-ai/kage/internal/mcp"
	"github.com/ashita-ai/kage/internal/model"
	"github.com/ashita-ai/kage/internal/ratelimit"
	"github.com/ashita-ai/kage/internal/server"
	"github.com/ashita-ai/kage/internal/service/adjust"
	"github.com/ashita-ai/kage/internal/service/catalog"
	"github.com/ashita-ai/kage/internal/service/feedback"
	"github.com/ashita-ai/kage/internal/service/monitor"
	"github.com/ashita-ai/kage/internal/service/shadow"
	"github.com/ashita-ai/kage/internal/storage"
	"github.com/ashita-ai/kage/internal/storage/memstore"
	"github.com/ashita-ai/kage/internal/storage/sqlite"
	"github.com/ashita-ai/kage/internal/telemetry"
	"github.com/ashita-ai/kage/migrations"
)

// App is the kage server lifecycle. Construct with New(), run with Run().
type App struct {
	cfg          config.Config
	store        storage.Store
	pg           *storage.DB // nil unless the store is Postgres
	srv          *server.Server
	catalog      *catalog.Catalog
	pool         *shadow.Pool
	runners      []*jobs.Runner
	alerts       *alert.Multi
	limiter      ratelimit.Limiter
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string

	loops sync.WaitGroup
}

// New initialises the kage server. It opens the store, runs migrations,
// loads the rule catalog and warms the factor cache, and returns a
// ready-to-run App. It does NOT start any goroutines or accept HTTP
// connections; call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.notifyURL != "" {
		cfg.NotifyURL = o.notifyURL
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("kage starting", "version", version, "port", cfg.Port, "store", cfg.StoreKind())

	ctx := context.Background()
	otelShutdown, err := telemetry.Init(ctx, telemetry.Config{
		Endpoint:    cfg.OTELEndpoint,
		Insecure:    cfg.OTELInsecure,
		ServiceName: cfg.ServiceName,
		Version:     version,
		StoreKind:   cfg.StoreKind(),
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	a := &App{cfg: cfg, otelShutdown: otelShutdown, logger: logger, version: version}
	if err := a.wire(ctx, o); err != nil {
		a.closeResources()
		return nil, err
	}
	return a, nil
}

// wire builds every subsystem. On error the caller releases whatever was
// already opened via closeResources.
func (a *App) wire(ctx context.Context, o resolvedOptions) error {
	cfg, logger := a.cfg, a.logger

	if err := a.openStore(ctx); err != nil {
		return err
	}

	var jwtMgr *auth.JWTManager
	if cfg.JWTPublicKeyPath != "" {
		m, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
		if err != nil {
			return fmt.Errorf("auth: %w", err)
		}
		jwtMgr = m
	} else {
		logger.Warn("auth: disabled (no KAGE_JWT_PUBLIC_KEY)")
	}

	a.catalog = catalog.New(a.store, logger)
	if err := a.catalog.Refresh(ctx); err != nil {
		return fmt.Errorf("catalog: %w", err)
	}
	logger.Info("catalog: loaded", "active_tools", a.catalog.ActiveTools())

	registry, err := newLegacyRegistry(cfg, o.legacy)
	if err != nil {
		return err
	}
	logger.Info("legacy: evaluators registered", "tools", registry.Tools())

	cache := adjust.NewFactorCache(cfg.FactorTTL)
	engine := adjust.New(a.store, cache, adjust.Config{
		Window:       cfg.AdjustWindow,
		MinSamples:   cfg.AdjustMinSamples,
		LearningRate: cfg.AdjustLearningRate,
	}, logger)
	if err := engine.Warm(ctx); err != nil {
		// Cold cache means neutral factors until the next run; not fatal.
		logger.Warn("adjust: warm factor cache failed", "error", err)
	}

	a.pool = shadow.NewPool(logger, cfg.Workers, cfg.QueueSize)
	harness := shadow.New(shadow.CatalogRouter(a.catalog), registry, cache, a.store, a.pool, shadow.Config{
		RuleTimeout:    cfg.RuleTimeout,
		PersistRetries: cfg.PersistRetries,
		PersistBackoff: cfg.PersistBackoff,
	}, logger)
	fb := feedback.New(a.store, logger)

	broker := server.NewBroker(logger)
	if err := a.buildAlerts(logger, broker, o.alertSinks); err != nil {
		return err
	}

	mon := monitor.New(a.store, a.alerts, monitor.Config{
		Window:    cfg.MonitorWindow,
		ReviewCap: cfg.ReviewCap,
	}, logger)
	a.runners = []*jobs.Runner{
		jobs.NewRunner(jobs.ConfidenceAdjustment, cfg.JobTimeout, func(ctx context.Context) (any, error) {
			return engine.RunAll(ctx)
		}, a.alerts, logger),
		jobs.NewRunner(jobs.PerformanceCheck, cfg.JobTimeout, func(ctx context.Context) (any, error) {
			return mon.Run(ctx)
		}, a.alerts, logger),
	}

	a.limiter = ratelimit.New(cfg.RateLimitRPS, cfg.RateLimitBurst)
	if cfg.RateLimitRPS > 0 {
		logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	} else {
		logger.Info("rate limiting: disabled")
	}

	middlewares := make([]func(http.Handler) http.Handler, 0, len(o.middlewares))
	for _, mw := range o.middlewares {
		middlewares = append(middlewares, mw)
	}

	a.srv = server.New(server.ServerConfig{
		Store:               a.store,
		StoreKind:           cfg.StoreKind(),
		Catalog:             a.catalog,
		Harness:             harness,
		Feedback:            fb,
		Adjust:              engine,
		Jobs:                a.runners,
		Broker:              broker,
		JWTMgr:              jwtMgr,
		Limiter:             a.limiter,
		MCPServer:           mcp.New(a.catalog, fb, cache, logger, a.version).MCPServer(),
		OpenAPISpec:         api.OpenAPISpec,
		Middlewares:         middlewares,
		Logger:              logger,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             a.version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})
	return nil
}

func (a *App) openStore(ctx context.Context) error {
	switch a.cfg.StoreKind() {
	case "postgres":
		db, err := storage.New(ctx, a.cfg.DatabaseURL, a.cfg.NotifyURL, a.logger)
		if err != nil {
			return fmt.Errorf("storage: %w", err)
		}
		a.store, a.pg = db, db
		if err := db.RunMigrations(ctx, migrations.FS); err != nil {
			return fmt.Errorf("migrations: %w", err)
		}
	case "sqlite":
		s, err := sqlite.Open(ctx, a.cfg.SQLitePath(), a.logger)
		if err != nil {
			return fmt.Errorf("storage: %w", err)
		}
		a.store = s
	default:
		a.logger.Warn("storage: in-memory store, nothing survives a restart")
		a.store = memstore.New()
	}
	return nil
}

func newLegacyRegistry(cfg config.Config, inProcess map[string]LegacyEvaluator) (*legacy.Registry, error) {
	endpoints, err := legacy.ParseEndpoints(cfg.LegacyEndpoints)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	reg := legacy.NewRegistry()
	for tool, url := range endpoints {
		// The legacy answer is the response, so it shares the write deadline.
		reg.Register(tool, legacy.NewHTTPEvaluator(url, cfg.WriteTimeout))
	}
	for tool, ev := range inProcess {
		if err := model.ValidateToolName(tool); err != nil {
			return nil, fmt.Errorf("legacy evaluator %q: %w", tool, err)
		}
		reg.Register(tool, legacyAdapter{ev: ev})
	}
	return reg, nil
}

func (a *App) buildAlerts(logger *slog.Logger, broker *server.Broker, extra []AlertSink) error {
	sinks := []alert.Sink{alert.LogSink{Logger: logger}, broker}
	if a.cfg.AlertKafkaBrokers != "" {
		sinks = append(sinks, alert.NewKafkaSink(a.cfg.AlertKafkaBrokers, a.cfg.AlertKafkaTopic))
		logger.Info("alerts: kafka enabled", "topic", a.cfg.AlertKafkaTopic)
	}
	if a.cfg.AlertNATSURL != "" {
		ns, err := alert.DialNATS(a.cfg.AlertNATSURL, a.cfg.AlertNATSSubject)
		if err != nil {
			return fmt.Errorf("alerts: %w", err)
		}
		sinks = append(sinks, ns)
		logger.Info("alerts: nats enabled", "subject", a.cfg.AlertNATSSubject)
	}
	for _, s := range extra {
		sinks = append(sinks, alertSinkAdapter{sink: s})
	}
	a.alerts = alert.NewMulti(logger, sinks...)
	return nil
}

// Handler returns the root HTTP handler, for tests and for serving kage
// from an existing http.Server.
func (a *App) Handler() http.Handler {
	return a.srv.Handler()
}

// Run starts the shadow workers, the catalog and job loops and the HTTP
// server, then blocks until ctx is cancelled or a fatal server error
// occurs. On return, Shutdown has been called.
func (a *App) Run(ctx context.Context) error {
	a.pool.Start(ctx)

	loopCtx, stopLoops := context.WithCancel(ctx)
	defer stopLoops()
	if a.pg != nil && a.cfg.NotifyURL != "" {
		a.loops.Go(func() { a.catalog.Listen(loopCtx, a.pg) })
	}
	a.loops.Go(func() { a.catalog.RefreshLoop(loopCtx, a.cfg.CatalogRefreshInterval) })
	for _, r := range a.runners {
		a.loops.Go(func() { r.Loop(loopCtx, a.cfg.JobInterval) })
	}

	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}
	stopLoops()
	return errors.Join(runErr, a.Shutdown(context.Background()))
}

// Shutdown stops accepting HTTP requests, waits for the background loops,
// drains queued shadow work within the shutdown timeout, and closes the
// store, alert sinks and OTEL provider.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("kage shutting down")

	httpCtx, httpCancel := contextWithOptionalTimeout(ctx, a.cfg.ShutdownTimeout)
	err := a.srv.Shutdown(httpCtx)
	httpCancel()
	if err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}

	a.loops.Wait()

	drainCtx, drainCancel := contextWithOptionalTimeout(ctx, a.cfg.ShutdownTimeout)
	a.pool.Drain(drainCtx)
	drainCancel()
	if dropped := a.pool.Dropped(); dropped > 0 {
		a.logger.Warn("shadow: jobs dropped during lifetime", "dropped", dropped)
	}

	a.closeResources()
	a.logger.Info("kage stopped")
	return err
}

func (a *App) closeResources() {
	if a.limiter != nil {
		a.limiter.Close()
	}
	if a.alerts != nil {
		if err := a.alerts.Close(); err != nil {
			a.logger.Warn("alerts: close sinks", "error", err)
		}
	}
	if a.store != nil {
		a.store.Close(context.Background())
	}
	if a.otelShutdown != nil {
		_ = a.otelShutdown(context.Background())
	}
}

// legacyAdapter adapts a public LegacyEvaluator to the internal interface.
type legacyAdapter struct {
	ev LegacyEvaluator
}

func (l legacyAdapter) Evaluate(ctx context.Context, tool string, input map[string]any) (model.Outcome, error) {
	out, err := l.ev.Evaluate(ctx, tool, input)
	if err != nil {
		return model.Outcome{}, err
	}
	return model.Outcome{
		Score:      out.Score,
		Category:   out.Category,
		Confidence: out.Confidence,
		Details:    out.Details,
	}, nil
}

// alertSinkAdapter adapts a public AlertSink to alert.Sink.
type alertSinkAdapter struct {
	sink AlertSink
}

func (s alertSinkAdapter) Send(ctx context.Context, a model.Alert) error {
	return s.sink.Send(ctx, toPublicAlert(a))
}

func toPublicAlert(a model.Alert) Alert {
	return Alert{
		Severity:    Severity(a.Severity),
		Tool:        a.Tool,
		Version:     a.Version,
		Metric:      a.Metric,
		Value:       a.Value,
		Threshold:   a.Threshold,
		SampleSize:  a.SampleSize,
		WindowStart: a.WindowStart,
		WindowEnd:   a.WindowEnd,
		RaisedAt:    a.RaisedAt,
		Message:     a.Message,
	}
}

func contextWithOptionalTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, timeout)
}
