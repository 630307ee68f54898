// Package resilience retries and guards calls to the archive host and the
// reverse geocoder.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// ErrCircuitOpen is returned while a Breaker refuses calls.
var ErrCircuitOpen = eris.New("resilience: circuit open")

// OpenError is what a refusing Breaker returns. It matches ErrCircuitOpen.
type OpenError struct {
	Breaker string
	Streak  int
	// Wait is how long until the breaker lets the next call through.
	Wait time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("%s: %s: %d consecutive failures, retry in %s", ErrCircuitOpen, e.Breaker, e.Streak, e.Wait)
}

func (e *OpenError) Is(target error) bool { return target == ErrCircuitOpen }

// RetryAfter reports whether err came from an open Breaker and, if so, how
// long until that breaker admits a call again.
func RetryAfter(err error) (time.Duration, bool) {
	var oe *OpenError
	if errors.As(err, &oe) {
		return oe.Wait, true
	}
	if errors.Is(err, ErrCircuitOpen) {
		return 0, true
	}
	return 0, false
}

// State is the position of a Breaker.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	}
	return "unknown"
}

// Breaker refuses calls for a cooldown once threshold consecutive counted
// failures were seen. After the cooldown a single probe is let through: its
// success closes the breaker, a counted failure reopens it. Errors the count
// function rejects leave the streak at zero, like successes.
type Breaker struct {
	name      string
	threshold int
	cooldown  time.Duration
	counts    func(error) bool
	clock     clockwork.Clock

	mu       sync.Mutex
	state    State
	streak   int
	openedAt time.Time
}

// NewBreaker returns a Breaker, or nil when threshold is not positive. A nil
// counts function counts every error; a nil clock uses the real one.
func NewBreaker(name string, threshold int, cooldown time.Duration, counts func(error) bool, clock clockwork.Clock) *Breaker {
	if threshold <= 0 {
		return nil
	}
	if counts == nil {
		counts = func(err error) bool { return err != nil }
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Breaker{
		name:      name,
		threshold: threshold,
		cooldown:  cooldown,
		counts:    counts,
		clock:     clock,
	}
}

// Call runs fn through b. A nil Breaker runs fn directly.
func Call[T any](ctx context.Context, b *Breaker, fn func(ctx context.Context) (T, error)) (T, error) {
	if b == nil {
		return fn(ctx)
	}
	if err := b.admit(); err != nil {
		var zero T
		return zero, err
	}
	v, err := fn(ctx)
	b.record(err)
	return v, err
}

// Snapshot returns the current failure streak and state.
func (b *Breaker) Snapshot() (streak int, state State) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.streak, b.state
}

func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Open:
		if since := b.clock.Since(b.openedAt); since < b.cooldown {
			return &OpenError{Breaker: b.name, Streak: b.streak, Wait: b.cooldown - since}
		}
		b.move(HalfOpen)
	case HalfOpen:
		// A trial call is in flight; its outcome decides within one cooldown.
		return &OpenError{Breaker: b.name, Streak: b.streak, Wait: b.cooldown}
	}
	return nil
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil || !b.counts(err) {
		b.streak = 0
		if b.state != Closed {
			b.move(Closed)
		}
		return
	}

	b.streak++
	if b.state == HalfOpen || b.streak >= b.threshold {
		b.openedAt = b.clock.Now()
		if b.state != Open {
			b.move(Open)
		}
	}
}

func (b *Breaker) move(to State) {
	zap.L().Warn("circuit state change",
		zap.String("breaker", b.name),
		zap.String("from", b.state.String()),
		zap.String("to", to.String()),
		zap.Int("streak", b.streak),
	)
	b.state = to
}
