// Package jobs runs the periodic batch work (confidence adjustment and
// performance checks) with a timeout and without overlapping runs.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kage/internal/alert"
	"github.com/ashita-ai/kage/internal/model"
	"github.com/ashita-ai/kage/internal/telemetry"
)

// Job names.
const (
	ConfidenceAdjustment = "confidence-adjustment"
	PerformanceCheck     = "performance-check"
)

var (
	// ErrAlreadyRunning is returned when a run is triggered while the
	// previous one has not finished.
	ErrAlreadyRunning = errors.New("jobs: already running")
	// ErrJobTimeout is returned when a run exceeds its timeout.
	ErrJobTimeout = errors.New("jobs: timed out")
)

// Func is the body of a job. It returns a summary for the caller.
type Func func(ctx context.Context) (any, error)

// Result describes one finished run.
type Result struct {
	Job       string        `json:"job"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration_ns"`
	Summary   any           `json:"summary"`
}

// Runner executes one named job.
type Runner struct {
	name    string
	timeout time.Duration
	fn      Func
	sink    alert.Sink
	logger  *slog.Logger

	running atomic.Bool
	runs    metric.Int64Counter
}

// NewRunner creates a runner. sink receives an alert when a run times out or
// fails; it may be nil.
func NewRunner(name string, timeout time.Duration, fn Func, sink alert.Sink, logger *slog.Logger) *Runner {
	r := &Runner{name: name, timeout: timeout, fn: fn, sink: sink, logger: logger}
	r.runs, _ = telemetry.Meter("kage/jobs").Int64Counter("kage.jobs.runs",
		metric.WithDescription("Batch job runs, by job and status"))
	return r
}

// Name returns the job name.
func (r *Runner) Name() string { return r.name }

// Running reports whether a run is in progress.
func (r *Runner) Running() bool { return r.running.Load() }

type outcome struct {
	summary any
	err     error
}

// Run executes the job once. The in-progress flag is held until the job body
// returns, even after a timeout has been reported, so runs never overlap.
func (r *Runner) Run(ctx context.Context) (Result, error) {
	if !r.running.CompareAndSwap(false, true) {
		r.record(ctx, "skipped")
		return Result{}, fmt.Errorf("%w: %s", ErrAlreadyRunning, r.name)
	}

	start := time.Now()
	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	done := make(chan outcome, 1)
	go func() {
		o := r.call(runCtx)
		r.running.Store(false)
		done <- o
	}()

	res := Result{Job: r.name, StartedAt: start.UTC()}
	var o outcome
	select {
	case o = <-done:
	case <-runCtx.Done():
		// Prefer a result that raced with the deadline.
		select {
		case o = <-done:
		default:
			o.err = runCtx.Err()
		}
	}
	res.Duration = time.Since(start)
	res.Summary = o.summary

	if o.err != nil {
		if errors.Is(o.err, context.DeadlineExceeded) && errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			err := fmt.Errorf("%w: %s after %s", ErrJobTimeout, r.name, r.timeout)
			r.fail(ctx, "timeout", err)
			return res, err
		}
		err := fmt.Errorf("jobs: %s: %w", r.name, o.err)
		r.fail(ctx, "error", err)
		return res, err
	}
	r.record(ctx, "ok")
	r.logger.Info("jobs: run complete", "job", r.name, "duration", res.Duration)
	return res, nil
}

func (r *Runner) call(ctx context.Context) (o outcome) {
	defer func() {
		if p := recover(); p != nil {
			o = outcome{err: fmt.Errorf("panicked: %v", p)}
		}
	}()
	s, err := r.fn(ctx)
	return outcome{summary: s, err: err}
}

func (r *Runner) fail(ctx context.Context, status string, err error) {
	r.record(ctx, status)
	r.logger.Error("jobs: run failed", "job", r.name, "status", status, "error", err)
	if r.sink == nil {
		return
	}
	a := model.Alert{
		Severity: model.SeverityWarning,
		Tool:     "kage",
		Metric:   "job." + r.name + "." + status,
		RaisedAt: time.Now().UTC(),
		Message:  err.Error(),
	}
	if sendErr := r.sink.Send(context.WithoutCancel(ctx), a); sendErr != nil {
		r.logger.Warn("jobs: failure alert not delivered", "job", r.name, "error", sendErr)
	}
}

func (r *Runner) record(ctx context.Context, status string) {
	r.runs.Add(ctx, 1, metric.WithAttributes(
		attribute.String("job", r.name),
		attribute.String("status", status),
	))
}

// Loop runs the job every interval until ctx is cancelled. A tick that finds
// the previous run still going is skipped.
func (r *Runner) Loop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Run(ctx); errors.Is(err, ErrAlreadyRunning) {
				r.logger.Warn("jobs: previous run still in progress, tick skipped", "job", r.name)
			}
		}
	}
}
