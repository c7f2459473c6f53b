// Package ratelimit throttles the evaluation and feedback ingest endpoints.
//
// MemoryLimiter is a per-key token bucket held in process. The Limiter
// interface lets a shared implementation replace it when several instances
// sit behind one load balancer.
package ratelimit

import "context"

// Limiter decides whether a request identified by key should be allowed.
// Implementations must be safe for concurrent use.
type Limiter interface {
	// Allow reports whether the request may proceed. An error means the
	// limiter itself failed; the middleware lets the request through.
	Allow(ctx context.Context, key string) (bool, error)

	Close() error
}

// NoopLimiter permits every request.
type NoopLimiter struct{}

// Allow always returns true.
func (NoopLimiter) Allow(context.Context, string) (bool, error) { return true, nil }

// Close is a no-op.
func (NoopLimiter) Close() error { return nil }

// New returns a MemoryLimiter, or a NoopLimiter when rate is not positive.
func New(rate float64, burst int) Limiter {
	if rate <= 0 {
		return NoopLimiter{}
	}
	if burst < 1 {
		burst = 1
	}
	return NewMemoryLimiter(rate, burst)
}
