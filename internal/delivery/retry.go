package delivery

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Default retry bounds: three attempts, waiting 4s then 8s (doubling, capped
// at 10s).
const (
	DefaultAttempts   = 3
	DefaultInitial    = 4 * time.Second
	DefaultMax        = 10 * time.Second
	DefaultMultiplier = 2.0
)

// Retrier retries an operation on transient failures with exponential
// backoff and no jitter. A wait requested by the server (see ServerDelay)
// raises the next delay but does not advance the schedule.
type Retrier struct {
	Attempts   int
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64

	// Sleep waits between attempts; replaced in tests.
	Sleep func(ctx context.Context, d time.Duration) error
	// IsRetryable decides which errors are retried. Defaults to IsTransient.
	IsRetryable func(error) bool
	// OnRetry, if set, is called before each wait.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// NewRetrier returns a Retrier with the given bounds and default policy.
func NewRetrier(attempts int, initial, maxDelay time.Duration) *Retrier {
	return &Retrier{
		Attempts:   attempts,
		Initial:    initial,
		Max:        maxDelay,
		Multiplier: DefaultMultiplier,
	}
}

// DefaultRetrier returns NewRetrier(DefaultAttempts, DefaultInitial, DefaultMax).
func DefaultRetrier() *Retrier {
	return NewRetrier(DefaultAttempts, DefaultInitial, DefaultMax)
}

func (r *Retrier) backOff() *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     r.Initial,
		RandomizationFactor: 0,
		Multiplier:          r.Multiplier,
		MaxInterval:         r.Max,
	}
	if b.InitialInterval <= 0 {
		b.InitialInterval = DefaultInitial
	}
	if b.Multiplier < 1 {
		b.Multiplier = DefaultMultiplier
	}
	if b.MaxInterval < b.InitialInterval {
		b.MaxInterval = b.InitialInterval
	}
	b.Reset()
	return b
}

// Schedule lists the waits between attempts.
func (r *Retrier) Schedule() []time.Duration {
	n := r.attempts() - 1
	b := r.backOff()
	out := make([]time.Duration, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, b.NextBackOff())
	}
	return out
}

func (r *Retrier) attempts() int {
	if r.Attempts < 1 {
		return 1
	}
	return r.Attempts
}

// Run calls op until it succeeds, fails with a non-retryable error, or the
// attempts run out. The last error is returned.
func (r *Retrier) Run(ctx context.Context, op func(ctx context.Context) error) error {
	_, err := Do(ctx, r, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// Do is Run for operations that produce a value.
func Do[T any](ctx context.Context, r *Retrier, op func(ctx context.Context) (T, error)) (T, error) {
	retryable := r.IsRetryable
	if retryable == nil {
		retryable = IsTransient
	}
	sleep := r.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	b := r.backOff()
	attempts := r.attempts()

	var zero T
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		var v T
		v, err = op(ctx)
		if err == nil {
			return v, nil
		}
		if attempt == attempts || !retryable(err) {
			break
		}
		delay := b.NextBackOff()
		if hint, ok := ServerDelay(err); ok && hint > delay {
			delay = hint
		}
		if r.OnRetry != nil {
			r.OnRetry(attempt, delay, err)
		}
		if serr := sleep(ctx, delay); serr != nil {
			return zero, fmt.Errorf("retry aborted after attempt %d: %w", attempt, err)
		}
	}
	return zero, err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
