package retry

import (
	"context"
	"math"
	"math/rand"
	"time"
)

const (
	DefaultMaxRetries = 3
	DefaultBaseDelay  = 1 * time.Second
	DefaultMaxDelay   = 10 * time.Second

	// maxJitter bounds the multiplicative jitter: delay * (1 + [0, maxJitter))
	maxJitter = 0.3
)

// Policy controls how an operation is retried
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration

	// ShouldRetry decides whether an error is worth another attempt.
	// Defaults to IsTransient.
	ShouldRetry func(err error) bool

	// OnRetry observes a failed attempt before sleeping. It has no effect on control flow.
	OnRetry func(err error, attempt int, delay time.Duration)

	// Sleep and Jitter are seams for deterministic tests
	Sleep  func(ctx context.Context, d time.Duration) error
	Jitter func() float64
}

// Result is the outcome of Do. Do never returns an error directly; callers inspect Success.
type Result[T any] struct {
	Success  bool
	Data     T
	Err      error
	Attempts int
}

// DefaultPolicy returns the standard policy: 3 retries, 1s base delay, 10s cap.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:  DefaultMaxRetries,
		BaseDelay:   DefaultBaseDelay,
		MaxDelay:    DefaultMaxDelay,
		ShouldRetry: IsTransient,
	}
}

func (p Policy) withDefaults() Policy {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultMaxDelay
	}
	if p.ShouldRetry == nil {
		p.ShouldRetry = IsTransient
	}
	if p.Sleep == nil {
		p.Sleep = sleepContext
	}
	if p.Jitter == nil {
		p.Jitter = func() float64 { return rand.Float64() * maxJitter }
	}
	return p
}

// Do runs op up to MaxRetries+1 times, sleeping with exponential backoff between attempts.
// It stops early when ShouldRetry rejects an error or ctx is done, and never sleeps after
// the final attempt.
func Do[T any](ctx context.Context, policy Policy, op func(ctx context.Context) (T, error)) Result[T] {
	p := policy.withDefaults()

	var result Result[T]
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		result.Attempts = attempt + 1

		data, err := op(ctx)
		if err == nil {
			result.Success = true
			result.Data = data
			result.Err = nil
			return result
		}
		result.Err = err

		if attempt == p.MaxRetries || !p.ShouldRetry(err) {
			return result
		}

		delay := Delay(attempt, p.BaseDelay, p.MaxDelay, p.Jitter())
		if p.OnRetry != nil {
			p.OnRetry(err, attempt+1, delay)
		}

		if sleepErr := p.Sleep(ctx, delay); sleepErr != nil {
			result.Err = sleepErr
			return result
		}
	}

	return result
}

// Delay computes min(base * 2^attempt * (1 + jitter), max) for a 0-indexed attempt.
func Delay(attempt int, base, max time.Duration, jitter float64) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if jitter < 0 {
		jitter = 0
	}

	delay := float64(base) * math.Pow(2, float64(attempt)) * (1 + jitter)
	if delay > float64(max) {
		delay = float64(max)
	}
	return time.Duration(delay)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
