package resilience

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExponential_Defaults(t *testing.T) {
	b := Exponential(0, 0, 0)
	assert.Equal(t, 3, b.Attempts)
	assert.Equal(t, 500*time.Millisecond, b.Base)
	assert.Equal(t, 30*time.Second, b.Cap)
	assert.Equal(t, 2.0, b.Factor)

	b = Exponential(5, time.Second, time.Millisecond)
	assert.Equal(t, time.Second, b.Cap, "cap never below base")
}

func TestBackoff_Pause(t *testing.T) {
	b := Backoff{Base: 100 * time.Millisecond, Cap: time.Second, Factor: 2}
	assert.Equal(t, 100*time.Millisecond, b.Pause(1))
	assert.Equal(t, 200*time.Millisecond, b.Pause(2))
	assert.Equal(t, 800*time.Millisecond, b.Pause(4))
	assert.Equal(t, time.Second, b.Pause(10))

	fixed := Fixed(36, 5*time.Second)
	assert.Equal(t, 5*time.Second, fixed.Pause(1))
	assert.Equal(t, 5*time.Second, fixed.Pause(30))
}

func TestBackoff_PauseJitterBounds(t *testing.T) {
	b := Backoff{Base: time.Second, Cap: time.Second, Factor: 1, Jitter: 0.25}
	for range 100 {
		d := b.Pause(1)
		assert.GreaterOrEqual(t, d, 750*time.Millisecond)
		assert.LessOrEqual(t, d, 1250*time.Millisecond)
	}
}

// advanceWhileBlocked moves the fake clock forward whenever Run waits on it.
func advanceWhileBlocked(ctx context.Context, clock *clockwork.FakeClock, step time.Duration) {
	go func() {
		for {
			if err := clock.BlockUntilContext(ctx, 1); err != nil {
				return
			}
			clock.Advance(step)
		}
	}()
}

func TestRun_RetriesTransient(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	clock := clockwork.NewFakeClock()
	advanceWhileBlocked(ctx, clock, time.Second)

	var calls atomic.Int32
	v, err := Run(ctx, Policy{Backoff: Fixed(4, time.Second), Clock: clock, Name: "test"}, func(context.Context) (string, error) {
		if calls.Add(1) < 3 {
			return "", Transient(errors.New("busy"), 503)
		}
		return "done", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "done", v)
	assert.Equal(t, int32(3), calls.Load())
}

func TestRun_StopsOnPermanent(t *testing.T) {
	var calls int
	perm := errors.New("bad request")
	_, err := Run(context.Background(), Policy{Backoff: Fixed(5, time.Hour)}, func(context.Context) (int, error) {
		calls++
		return 0, perm
	})
	assert.ErrorIs(t, err, perm)
	assert.Equal(t, 1, calls)
}

func TestRun_ExhaustsAttempts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	clock := clockwork.NewFakeClock()
	advanceWhileBlocked(ctx, clock, time.Second)

	var calls atomic.Int32
	last := Transient(errors.New("still down"), 0)
	_, err := Run(ctx, Policy{Backoff: Fixed(3, time.Second), Clock: clock}, func(context.Context) (int, error) {
		calls.Add(1)
		return 0, last
	})
	assert.ErrorIs(t, err, last)
	assert.Equal(t, int32(3), calls.Load())
}

func TestRun_CustomRetryable(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	clock := clockwork.NewFakeClock()
	advanceWhileBlocked(ctx, clock, time.Second)

	status := errors.New("status 500")
	var calls atomic.Int32
	_, err := Run(ctx, Policy{
		Backoff:   Fixed(2, time.Second),
		Clock:     clock,
		Retryable: func(err error) bool { return errors.Is(err, status) },
	}, func(context.Context) (int, error) {
		calls.Add(1)
		return 0, status
	})
	assert.ErrorIs(t, err, status)
	assert.Equal(t, int32(2), calls.Load())
}

func TestRun_CancelDuringPause(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	clock := clockwork.NewFakeClock()
	go func() {
		_ = clock.BlockUntilContext(context.Background(), 1)
		cancel()
	}()

	var calls int
	_, err := Run(ctx, Policy{Backoff: Fixed(5, time.Hour), Clock: clock}, func(context.Context) (int, error) {
		calls++
		return 0, Transient(errors.New("busy"), 503)
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestSleep(t *testing.T) {
	clock := clockwork.NewFakeClock()
	assert.NoError(t, Sleep(context.Background(), clock, 0))

	done := make(chan error, 1)
	go func() { done <- Sleep(context.Background(), clock, time.Minute) }()
	require.NoError(t, clock.BlockUntilContext(context.Background(), 1))
	clock.Advance(time.Minute)
	assert.NoError(t, <-done)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, Sleep(ctx, clock, time.Hour), context.Canceled)
}
