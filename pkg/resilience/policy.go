package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"
)

// Backoff computes the wait before retry n (1-based): Initial doubled per
// retry, capped at Max, with ±Jitter of randomness.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	Jitter  float64
}

func (b Backoff) Delay(n int) time.Duration {
	initial, limit := b.Initial, b.Max
	if initial <= 0 {
		initial = 100 * time.Millisecond
	}
	if limit <= 0 {
		limit = 10 * time.Second
	}
	d := initial << min(n-1, 30)
	if d <= 0 || d > limit {
		d = limit
	}
	if b.Jitter > 0 {
		d += time.Duration(float64(d) * b.Jitter * (2*rand.Float64() - 1))
	}
	return d
}

// Policy is how calls to one backend are made.
type Policy struct {
	Name     string
	Breaker  *Breaker
	Attempts int
	Backoff  Backoff
	// Timeout bounds each attempt; zero leaves attempts unbounded.
	Timeout time.Duration
	// Retryable reports transient errors. Nil retries everything except
	// cancellation of the caller's context.
	Retryable func(error) bool
}

// Do calls fn until it succeeds, fails permanently, or the attempts run out.
// Calls rejected by an open breaker count as failed attempts.
func (p Policy) Do(ctx context.Context, fn func(context.Context) error) error {
	attempts := max(p.Attempts, 1)
	var err error
	for n := 1; ; n++ {
		err = p.attempt(ctx, fn)
		if err == nil || ctx.Err() != nil || !p.retryable(err) {
			return err
		}
		if n == attempts {
			break
		}
		delay := p.Backoff.Delay(n)
		slog.Default().Warn("call failed, retrying",
			"component", "resilience",
			"call", p.Name,
			"attempt", n,
			"delay", delay,
			"error", err,
		)
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("%s: %w", p.Name, ctx.Err())
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w", p.Name, attempts, err)
}

func (p Policy) attempt(ctx context.Context, fn func(context.Context) error) error {
	done := func(error) {}
	if p.Breaker != nil {
		var err error
		if done, err = p.Breaker.Allow(); err != nil {
			return fmt.Errorf("%s: %w", p.Name, err)
		}
	}
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}
	err := fn(ctx)
	done(err)
	return err
}

func (p Policy) retryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	return p.Retryable == nil || p.Retryable(err)
}
