// Package resilience guards calls to remote payload stores. A Policy runs
// each call under a per-attempt timeout, retries transient failures with
// jittered exponential backoff, and stops calling a backend that keeps
// failing until a cool-down has passed.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned without calling the backend while its breaker
// is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// BreakerConfig tunes a Breaker. Zero fields take defaults: 5 failures,
// 30s cool-down, 1 probe.
type BreakerConfig struct {
	Failures int
	Cooldown time.Duration
	Probes   int
	// OnTransition is called after every state change, under the breaker
	// lock.
	OnTransition func(name string, to State)
}

// Breaker opens after Failures consecutive failures. Once Cooldown has
// passed it lets Probes calls through; one success closes it again and one
// failure reopens it.
type Breaker struct {
	name string
	cfg  BreakerConfig
	now  func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	inFlight int
	logger   *slog.Logger
}

func NewBreaker(name string, cfg BreakerConfig) *Breaker {
	if cfg.Failures <= 0 {
		cfg.Failures = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.Probes <= 0 {
		cfg.Probes = 1
	}
	return &Breaker{
		name:   name,
		cfg:    cfg,
		now:    time.Now,
		logger: slog.Default().With("component", "circuit-breaker", "name", name),
	}
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Allow admits one call. The returned done must be called with the call's
// outcome.
func (b *Breaker) Allow() (done func(error), err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cfg.Cooldown {
			return nil, ErrCircuitOpen
		}
		b.transition(StateHalfOpen)
		b.inFlight = 0
		fallthrough
	case StateHalfOpen:
		if b.inFlight >= b.cfg.Probes {
			return nil, ErrCircuitOpen
		}
		b.inFlight++
	}
	return b.record, nil
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		b.failures = 0
		if b.state == StateHalfOpen {
			b.transition(StateClosed)
			b.logger.Info("circuit closed")
		}
		return
	}
	b.failures++
	switch {
	case b.state == StateHalfOpen:
		b.open()
		b.logger.Warn("probe failed, circuit reopened", "error", err)
	case b.state == StateClosed && b.failures >= b.cfg.Failures:
		b.open()
		b.logger.Warn("circuit opened", "failures", b.failures, "cooldown", b.cfg.Cooldown, "error", err)
	}
}

func (b *Breaker) open() {
	b.openedAt = b.now()
	b.transition(StateOpen)
}

func (b *Breaker) transition(to State) {
	b.state = to
	if b.cfg.OnTransition != nil {
		b.cfg.OnTransition(b.name, to)
	}
}
