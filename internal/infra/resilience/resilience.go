// Package resilience provides fault-tolerance patterns:
// capped exponential backoff, circuit breaker, and bulkhead.
package resilience

import (
	"context"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/sony/gobreaker"
)

// CappedExponential returns min(base*2^attempt, max). attempt is zero-based.
func CappedExponential(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if max > 0 && d >= max {
			return max
		}
	}
	if max > 0 && d > max {
		return max
	}
	return d
}

// NewBackoff adapts a delay function into a go-retry Backoff. next is called
// once per failed attempt; returning stop=true ends the retry loop.
func NewBackoff(next func() (delay time.Duration, stop bool)) retry.Backoff {
	return retry.BackoffFunc(next)
}

// BreakerConfig tunes NewCircuitBreaker.
type BreakerConfig struct {
	MaxRequests uint32
	Interval    time.Duration
	Timeout     time.Duration
	MinRequests uint32
	FailureRate float64
	// IsFailure decides which errors count against the breaker. nil counts all.
	IsFailure     func(err error) bool
	OnStateChange func(name string, from, to gobreaker.State)
}

// DefaultBreakerConfig returns the defaults used for the generation backend.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests: 3,                // half-open: allow 3 requests
		Interval:    30 * time.Second, // closed: reset counters every 30s
		Timeout:     10 * time.Second, // open -> half-open after 10s
		MinRequests: 5,
		FailureRate: 0.6,
	}
}

// NewCircuitBreaker creates a circuit breaker from cfg.
func NewCircuitBreaker(name string, cfg BreakerConfig) *gobreaker.CircuitBreaker {
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= cfg.MinRequests && failureRatio >= cfg.FailureRate
		},
		OnStateChange: cfg.OnStateChange,
	}
	if cfg.IsFailure != nil {
		isFailure := cfg.IsFailure
		settings.IsSuccessful = func(err error) bool {
			return err == nil || !isFailure(err)
		}
	}
	return gobreaker.NewCircuitBreaker(settings)
}

// Bulkhead limits concurrent access to a resource.
type Bulkhead struct {
	sem chan struct{}
}

// NewBulkhead creates a bulkhead with the given max concurrency.
func NewBulkhead(maxConcurrency int) *Bulkhead {
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	return &Bulkhead{sem: make(chan struct{}, maxConcurrency)}
}

// Acquire blocks until a slot is available or context is cancelled.
func (b *Bulkhead) Acquire(ctx context.Context) error {
	select {
	case b.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees a slot.
func (b *Bulkhead) Release() {
	<-b.sem
}
