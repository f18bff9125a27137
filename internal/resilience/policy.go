// Package resilience wraps calls to the gateway's critical-path dependencies
// with timeout, retry-with-backoff, and circuit breaking. The exchange call
// and each destination's forwarded call get independent policies: a slow
// identity provider must not stall an otherwise-healthy destination, and
// vice versa.
package resilience

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker/v2"

	"github.com/jesuscorral/beer-competition-saas-sub001/internal/telemetry"
)

// ErrCircuitOpen is returned when the circuit breaker short-circuits a call.
// Surfaced to callers as 503 without attempting the wrapped call.
var ErrCircuitOpen = errors.New("circuit breaker open")

// Options configures a Policy.
type Options struct {
	// Name identifies the wrapped dependency in logs and metrics.
	Name string

	// Timeout bounds one Execute call end to end, retries included.
	Timeout time.Duration

	// MaxRetries is the number of retries after the first attempt. Zero
	// disables retrying entirely.
	MaxRetries uint64

	// RetryInitialInterval seeds the exponential backoff. Jitter is applied
	// by the backoff implementation.
	RetryInitialInterval time.Duration

	// Retryable classifies errors worth retrying. Errors it rejects are
	// returned immediately and do not count as breaker failures. A nil
	// Retryable disables retries and counts every error as a failure.
	Retryable func(error) bool

	// BreakerFailureRatio, BreakerMinRequests, BreakerInterval, and
	// BreakerCooldown parameterise the circuit breaker: the breaker opens
	// once the failure ratio within the sampling interval is reached (after
	// the minimum request count) and stays open for the cooldown.
	BreakerFailureRatio float64
	BreakerMinRequests  uint32
	BreakerInterval     time.Duration
	BreakerCooldown     time.Duration

	Metrics *telemetry.GatewayMetrics
}

// Policy wraps an operation with a bounded timeout, retry with exponential
// backoff, and a circuit breaker, in that nesting order: the breaker sees one
// logical call per Execute, however many attempts it took.
type Policy[T any] struct {
	name      string
	timeout   time.Duration
	retries   uint64
	interval  time.Duration
	retryable func(error) bool
	breaker   *gobreaker.CircuitBreaker[T]
}

// NewPolicy builds a policy from the given options.
func NewPolicy[T any](opts Options) *Policy[T] {
	p := &Policy[T]{
		name:      opts.Name,
		timeout:   opts.Timeout,
		retries:   opts.MaxRetries,
		interval:  opts.RetryInitialInterval,
		retryable: opts.Retryable,
	}

	metrics := opts.Metrics
	p.breaker = gobreaker.NewCircuitBreaker[T](gobreaker.Settings{
		Name:     opts.Name,
		Interval: opts.BreakerInterval,
		Timeout:  opts.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < opts.BreakerMinRequests {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return ratio >= opts.BreakerFailureRatio
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			// Non-transient rejections (e.g. a 4xx from the identity
			// provider) say nothing about dependency health and must not
			// trip the breaker.
			return p.retryable != nil && !p.retryable(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Printf("circuit breaker %s: %s -> %s", name, from, to)
			metrics.RecordBreakerChange(name, from.String(), to.String())
		},
	})

	return p
}

// Execute runs op under the policy. Returns ErrCircuitOpen without invoking
// op when the breaker is open.
func (p *Policy[T]) Execute(ctx context.Context, op func(context.Context) (T, error)) (T, error) {
	result, err := p.breaker.Execute(func() (T, error) {
		callCtx := ctx
		if p.timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, p.timeout)
			defer cancel()
		}

		if p.retries == 0 || p.retryable == nil {
			return op(callCtx)
		}
		return p.executeWithRetry(callCtx, op)
	})

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		var zero T
		return zero, ErrCircuitOpen
	}
	return result, err
}

func (p *Policy[T]) executeWithRetry(ctx context.Context, op func(context.Context) (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	if p.interval > 0 {
		b.InitialInterval = p.interval
	}
	b.MaxElapsedTime = p.timeout

	attempt := 0
	return backoff.RetryWithData(func() (T, error) {
		attempt++
		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		if !p.retryable(err) {
			var zero T
			return zero, backoff.Permanent(err)
		}
		log.Printf("%s attempt %d failed, retrying: %v", p.name, attempt, err)
		return result, err
	}, backoff.WithMaxRetries(backoff.WithContext(b, ctx), p.retries))
}
