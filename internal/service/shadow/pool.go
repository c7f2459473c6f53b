package shadow

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kage/internal/telemetry"
)

// Job is one unit of background shadow work.
type Job func(ctx context.Context)

// Pool runs shadow jobs on a fixed number of workers fed by a bounded queue.
// When the queue is full the oldest queued job is discarded so Submit never
// blocks the request path.
type Pool struct {
	logger   *slog.Logger
	workers  int
	capacity int

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []Job
	closed bool

	dropped atomic.Int64 // jobs discarded by overflow or shutdown

	wg        sync.WaitGroup
	jobCtx    context.Context
	cancelJob context.CancelFunc
}

// NewPool creates a pool. Call Start before submitting work.
func NewPool(logger *slog.Logger, workers, capacity int) *Pool {
	if workers < 1 {
		workers = 1
	}
	if capacity < 1 {
		capacity = 1
	}
	p := &Pool{
		logger:   logger,
		workers:  workers,
		capacity: capacity,
		queue:    make([]Job, 0, capacity),
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Start launches the workers and registers OTEL gauges. Call Drain to stop.
func (p *Pool) Start(ctx context.Context) {
	p.registerMetrics()
	p.jobCtx, p.cancelJob = context.WithCancel(context.WithoutCancel(ctx))
	for range p.workers {
		p.wg.Add(1)
		go p.work()
	}
}

// Submit enqueues job. It reports false when the pool is shut down and the
// job was discarded; an overflow discards the oldest job instead and still
// reports true.
func (p *Pool) Submit(job Job) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		p.dropped.Add(1)
		return false
	}
	if len(p.queue) >= p.capacity {
		p.queue[0] = nil
		p.queue = p.queue[1:]
		p.dropped.Add(1)
		p.logger.Warn("shadow: queue full, dropped oldest job", "capacity", p.capacity)
	}
	p.queue = append(p.queue, job)
	p.cond.Signal()
	return true
}

func (p *Pool) work() {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.closed {
			p.cond.Wait()
		}
		if len(p.queue) == 0 {
			p.mu.Unlock()
			return
		}
		job := p.queue[0]
		p.queue[0] = nil
		p.queue = p.queue[1:]
		p.mu.Unlock()

		p.run(job)
	}
}

func (p *Pool) run(job Job) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("shadow: job panicked", "panic", r)
		}
	}()
	job(p.jobCtx)
}

// Drain stops accepting jobs, lets the workers finish what is queued, and
// returns. If ctx expires first, in-flight jobs are cancelled and whatever
// is still queued is counted as dropped.
func (p *Pool) Drain(ctx context.Context) {
	p.mu.Lock()
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		p.mu.Lock()
		remaining := len(p.queue)
		p.queue = nil
		p.mu.Unlock()
		p.dropped.Add(int64(remaining))
		p.logger.Warn("shadow: drain timed out", "dropped", remaining)
	}
	if p.cancelJob != nil {
		p.cancelJob()
	}
}

// Len returns the number of queued jobs.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Capacity returns the queue bound.
func (p *Pool) Capacity() int { return p.capacity }

// Dropped returns the total number of jobs discarded. A non-zero value
// means shadow decisions were lost.
func (p *Pool) Dropped() int64 {
	return p.dropped.Load()
}

// registerMetrics registers observable OTEL gauges for queue health.
// Called from Start after the global meter provider has been initialized.
func (p *Pool) registerMetrics() {
	meter := telemetry.Meter("kage/shadow")

	_, _ = meter.Int64ObservableGauge("kage.shadow.queue.depth",
		metric.WithDescription("Current number of shadow jobs waiting for a worker"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(p.Len()))
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("kage.shadow.queue.dropped_total",
		metric.WithDescription("Total shadow jobs discarded by queue overflow or shutdown"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(p.Dropped())
			return nil
		}),
	)
}
