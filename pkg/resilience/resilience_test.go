package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTransient = errors.New("transient")

func TestBreakerOpensAndRecovers(t *testing.T) {
	var transitions []State
	b := NewBreaker("store", BreakerConfig{
		Failures:     2,
		Cooldown:     time.Minute,
		OnTransition: func(_ string, to State) { transitions = append(transitions, to) },
	})
	now := time.Unix(0, 0)
	b.now = func() time.Time { return now }

	for range 2 {
		done, err := b.Allow()
		require.NoError(t, err)
		done(errTransient)
	}
	assert.Equal(t, StateOpen, b.State())
	_, err := b.Allow()
	assert.ErrorIs(t, err, ErrCircuitOpen)

	now = now.Add(time.Minute)
	probe, err := b.Allow()
	require.NoError(t, err)
	_, err = b.Allow()
	assert.ErrorIs(t, err, ErrCircuitOpen, "one probe at a time")
	probe(nil)
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, []State{StateOpen, StateHalfOpen, StateClosed}, transitions)
}

func TestBreakerFailedProbeReopens(t *testing.T) {
	b := NewBreaker("store", BreakerConfig{Failures: 1, Cooldown: time.Second})
	now := time.Unix(0, 0)
	b.now = func() time.Time { return now }

	done, _ := b.Allow()
	done(errTransient)
	now = now.Add(time.Second)
	probe, err := b.Allow()
	require.NoError(t, err)
	probe(errTransient)
	assert.Equal(t, StateOpen, b.State())
}

func TestPolicyStopsOnPermanentError(t *testing.T) {
	permanent := errors.New("permanent")
	calls := 0
	p := Policy{
		Name:      "op",
		Attempts:  5,
		Backoff:   Backoff{Initial: time.Millisecond},
		Retryable: func(err error) bool { return errors.Is(err, errTransient) },
	}
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errTransient
		}
		return permanent
	})
	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 3, calls)
}

func TestPolicyGivesUp(t *testing.T) {
	calls := 0
	p := Policy{Name: "op", Attempts: 3, Backoff: Backoff{Initial: time.Millisecond}}
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		return errTransient
	})
	assert.ErrorIs(t, err, errTransient)
	assert.ErrorContains(t, err, "after 3 attempts")
	assert.Equal(t, 3, calls)
}

func TestPolicyTimesOutEachAttempt(t *testing.T) {
	calls := 0
	p := Policy{
		Name:     "slow",
		Breaker:  NewBreaker("slow", BreakerConfig{Failures: 10}),
		Attempts: 2,
		Backoff:  Backoff{Initial: time.Millisecond},
		Timeout:  5 * time.Millisecond,
	}
	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		<-ctx.Done()
		return ctx.Err()
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 2, calls)
}

func TestPolicyOpenBreakerFailsFast(t *testing.T) {
	b := NewBreaker("down", BreakerConfig{Failures: 1, Cooldown: time.Hour})
	p := Policy{Name: "down", Breaker: b, Attempts: 3, Backoff: Backoff{Initial: time.Millisecond}}
	calls := 0
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		return errTransient
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 1, calls)
}

func TestBackoffDelay(t *testing.T) {
	b := Backoff{Initial: 10 * time.Millisecond, Max: 50 * time.Millisecond}
	assert.Equal(t, 10*time.Millisecond, b.Delay(1))
	assert.Equal(t, 40*time.Millisecond, b.Delay(3))
	assert.Equal(t, 50*time.Millisecond, b.Delay(10))
	assert.Equal(t, 50*time.Millisecond, b.Delay(100))
}
