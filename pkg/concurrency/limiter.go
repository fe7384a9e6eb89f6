package concurrency

import (
	"context"
	"errors"
	"sync/atomic"
	"time"
)

// ErrCircuitOpen is returned by Acquire while the limiter's circuit breaker is open
var ErrCircuitOpen = errors.New("circuit breaker is open")

// LimiterStats is a snapshot of limiter counters
type LimiterStats struct {
	Acquired       int64
	Released       int64
	PeakConcurrent int64
	TotalWait      time.Duration
}

// Limiter provides semaphore-based concurrency control with observability
type Limiter struct {
	sem            chan struct{}
	active         atomic.Int64
	acquired       atomic.Int64
	released       atomic.Int64
	peak           atomic.Int64
	waitNs         atomic.Int64
	circuitBreaker *CircuitBreaker
}

// NewLimiter creates a limiter allowing maxConcurrent holders at once. Its breaker
// opens after 100 consecutive failures and probes again after 30s.
func NewLimiter(maxConcurrent int) *Limiter {
	return NewLimiterWithCircuitBreaker(maxConcurrent, NewCircuitBreaker(100, 30*time.Second))
}

// NewLimiterWithCircuitBreaker creates a limiter with custom circuit breaker settings
func NewLimiterWithCircuitBreaker(maxConcurrent int, cb *CircuitBreaker) *Limiter {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	if cb == nil {
		cb = NewCircuitBreaker(100, 30*time.Second)
	}
	return &Limiter{
		sem:            make(chan struct{}, maxConcurrent),
		circuitBreaker: cb,
	}
}

// Acquire blocks for a slot. It fails if ctx is done or the breaker is open.
func (l *Limiter) Acquire(ctx context.Context) error {
	if l.circuitBreaker.IsOpen() {
		return ErrCircuitOpen
	}

	start := time.Now()
	select {
	case l.sem <- struct{}{}:
		l.waitNs.Add(time.Since(start).Nanoseconds())
		l.acquired.Add(1)
		l.updatePeak(l.active.Add(1))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release releases a slot back to the limiter
func (l *Limiter) Release() {
	select {
	case <-l.sem:
		l.active.Add(-1)
		l.released.Add(1)
	default:
	}
}

// Go acquires a slot and runs fn in a goroutine, releasing the slot when fn returns.
// The outcome of fn feeds the circuit breaker.
func (l *Limiter) Go(ctx context.Context, fn func() error) error {
	if err := l.Acquire(ctx); err != nil {
		return err
	}

	go func() {
		defer l.Release()
		l.record(fn())
	}()

	return nil
}

// GoSync runs fn on the calling goroutine while holding a slot
func (l *Limiter) GoSync(ctx context.Context, fn func() error) error {
	if err := l.Acquire(ctx); err != nil {
		return err
	}
	defer l.Release()

	err := fn()
	l.record(err)
	return err
}

func (l *Limiter) record(err error) {
	if err != nil {
		l.circuitBreaker.RecordFailure()
		return
	}
	l.circuitBreaker.RecordSuccess()
}

// CurrentActive returns the number of slots currently held
func (l *Limiter) CurrentActive() int64 {
	return l.active.Load()
}

// Stats returns a snapshot of the limiter counters
func (l *Limiter) Stats() LimiterStats {
	return LimiterStats{
		Acquired:       l.acquired.Load(),
		Released:       l.released.Load(),
		PeakConcurrent: l.peak.Load(),
		TotalWait:      time.Duration(l.waitNs.Load()),
	}
}

// AverageWait is the mean time spent waiting in Acquire
func (l *Limiter) AverageWait() time.Duration {
	s := l.Stats()
	if s.Acquired == 0 {
		return 0
	}
	return s.TotalWait / time.Duration(s.Acquired)
}

// CircuitBreaker returns the breaker guarding this limiter
func (l *Limiter) CircuitBreaker() *CircuitBreaker {
	return l.circuitBreaker
}

func (l *Limiter) updatePeak(current int64) {
	for {
		peak := l.peak.Load()
		if current <= peak || l.peak.CompareAndSwap(peak, current) {
			return
		}
	}
}
