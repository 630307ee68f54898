package resilience

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// Backoff is a pause schedule between attempts of one operation.
type Backoff struct {
	// Attempts is the total number of tries, the first included.
	Attempts int
	// Base is the pause after the first failure.
	Base time.Duration
	// Cap bounds every pause.
	Cap time.Duration
	// Factor multiplies the pause after each failure; 1 keeps it fixed.
	Factor float64
	// Jitter spreads each pause by up to this fraction in either direction.
	Jitter float64
}

// Exponential doubles the pause from base up to limit, with 25% jitter.
// Zero arguments fall back to 3 attempts, 500ms and 30s.
func Exponential(attempts int, base, limit time.Duration) Backoff {
	if attempts <= 0 {
		attempts = 3
	}
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	if limit <= 0 {
		limit = 30 * time.Second
	}
	if limit < base {
		limit = base
	}
	return Backoff{Attempts: attempts, Base: base, Cap: limit, Factor: 2, Jitter: 0.25}
}

// Fixed pauses exactly pause between attempts.
func Fixed(attempts int, pause time.Duration) Backoff {
	return Backoff{Attempts: attempts, Base: pause, Cap: pause, Factor: 1}
}

// Pause returns the wait after failed attempt n (1-based).
func (b Backoff) Pause(n int) time.Duration {
	factor := b.Factor
	if factor < 1 {
		factor = 1
	}
	d := float64(b.Base) * math.Pow(factor, float64(n-1))
	if b.Cap > 0 && d > float64(b.Cap) {
		d = float64(b.Cap)
	}
	if b.Jitter > 0 {
		d += d * b.Jitter * (2*rand.Float64() - 1)
	}
	return time.Duration(max(d, 0))
}

// Policy decides which failures of an operation are retried and how long to
// wait in between.
type Policy struct {
	Backoff
	// Retryable selects the errors worth another attempt. Default: IsTransient.
	Retryable func(error) bool
	// Clock drives the pauses. Default: the real clock.
	Clock clockwork.Clock
	// Name labels the retry log lines; empty disables them.
	Name string
}

// Run calls fn until it succeeds, fails with a non-retryable error or runs
// out of attempts. It returns the last error. Cancellation ends a pause
// early with ctx.Err().
func Run[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	attempts := max(p.Attempts, 1)
	retryable := p.Retryable
	if retryable == nil {
		retryable = IsTransient
	}
	clock := p.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	var zero T
	for n := 1; ; n++ {
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		if n >= attempts || ctx.Err() != nil || !retryable(err) {
			return zero, err
		}

		pause := p.Pause(n)
		if p.Name != "" {
			zap.L().Warn("retrying",
				zap.String("operation", p.Name),
				zap.Int("attempt", n),
				zap.Int("of", attempts),
				zap.Duration("pause", pause),
				zap.Error(err),
			)
		}
		if err := Sleep(ctx, clock, pause); err != nil {
			return zero, err
		}
	}
}

// Sleep waits d on clock. Cancellation ends the wait early with ctx.Err().
func Sleep(ctx context.Context, clock clockwork.Clock, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := clock.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.Chan():
		return nil
	}
}
