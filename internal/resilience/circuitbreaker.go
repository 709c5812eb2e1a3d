// Package resilience keeps transcription available when a provider
// misbehaves: a per-provider [CircuitBreaker], ordered failover across
// providers, and a bounded [Retry] helper. All types are safe for concurrent
// use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/parley/internal/sched"
)

// ErrCircuitOpen is returned instead of calling a provider whose breaker is
// open or whose half-open probe budget is spent.
var ErrCircuitOpen = errors.New("resilience: circuit open")

// State is a breaker mode.
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

// CircuitBreakerConfig tunes a [CircuitBreaker]. Zero fields take defaults.
type CircuitBreakerConfig struct {
	Name string

	// MaxFailures opens a closed breaker after this many consecutive
	// counted failures. Default: 5.
	MaxFailures int

	// ResetTimeout is how long an open breaker rejects calls before it lets
	// probes through. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of probes that must all succeed to close the
	// breaker again. Default: 3.
	HalfOpenMax int

	// Clock defaults to the wall clock.
	Clock sched.Clock

	// Counts decides whether a failed call counts against the breaker.
	// Default: every error except context cancellation, which is the
	// caller giving up rather than the provider failing.
	Counts func(error) bool

	// OnStateChange observes transitions. It runs with the breaker unlocked.
	OnStateChange func(name string, from, to State)
}

// CircuitBreaker is a closed / open / half-open breaker.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probes   int // probes admitted in the current half-open window
	passed   int // probes that succeeded in the current half-open window
}

// NewCircuitBreaker returns a closed breaker.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	if cfg.Clock == nil {
		cfg.Clock = sched.Real()
	}
	if cfg.Counts == nil {
		cfg.Counts = countsAsFailure
	}
	return &CircuitBreaker{cfg: cfg}
}

func countsAsFailure(err error) bool {
	return !errors.Is(err, context.Canceled)
}

// Name returns the breaker label.
func (cb *CircuitBreaker) Name() string { return cb.cfg.Name }

// Execute calls fn unless the breaker rejects it with [ErrCircuitOpen].
func (cb *CircuitBreaker) Execute(fn func() error) error {
	done, err := cb.Allow()
	if err != nil {
		return err
	}
	err = fn()
	done(err)
	return err
}

// Allow admits one call. The returned func must be called exactly once with
// the call's outcome.
func (cb *CircuitBreaker) Allow() (func(error), error) {
	cb.mu.Lock()
	from := cb.state
	if cb.state == StateOpen {
		if cb.cfg.Clock.Now().Sub(cb.openedAt) < cb.cfg.ResetTimeout {
			cb.mu.Unlock()
			return nil, ErrCircuitOpen
		}
		cb.state, cb.probes, cb.passed = StateHalfOpen, 0, 0
	}
	probe := cb.state == StateHalfOpen
	if probe {
		if cb.probes >= cb.cfg.HalfOpenMax {
			cb.mu.Unlock()
			return nil, ErrCircuitOpen
		}
		cb.probes++
	}
	to := cb.state
	cb.mu.Unlock()
	cb.transitioned(from, to)

	var once sync.Once
	return func(err error) {
		once.Do(func() { cb.finish(probe, err) })
	}, nil
}

func (cb *CircuitBreaker) finish(probe bool, err error) {
	cb.mu.Lock()
	from := cb.state
	switch {
	case err != nil && !cb.cfg.Counts(err):
		if probe {
			// Give the slot back; the call told us nothing.
			cb.probes--
		}
	case err != nil:
		if probe || cb.failures+1 >= cb.cfg.MaxFailures {
			cb.state, cb.openedAt = StateOpen, cb.cfg.Clock.Now()
			cb.failures = 0
		} else {
			cb.failures++
		}
	case probe:
		// A stale probe from a previous half-open window is ignored.
		if cb.state == StateHalfOpen {
			cb.passed++
			if cb.passed >= cb.cfg.HalfOpenMax {
				cb.state, cb.failures = StateClosed, 0
			}
		}
	default:
		cb.failures = 0
	}
	to := cb.state
	cb.mu.Unlock()
	cb.transitioned(from, to)
}

func (cb *CircuitBreaker) transitioned(from, to State) {
	if from == to {
		return
	}
	level := slog.LevelInfo
	if to == StateOpen {
		level = slog.LevelWarn
	}
	slog.Log(context.Background(), level, "resilience: breaker state changed",
		"name", cb.cfg.Name, "from", from.String(), "to", to.String())
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.cfg.Name, from, to)
	}
}

// State reports the current mode. An open breaker whose reset timeout has
// passed reports [StateHalfOpen]; the transition itself happens on the next
// call.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.cfg.Clock.Now().Sub(cb.openedAt) >= cb.cfg.ResetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset closes the breaker and clears its counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.state
	cb.state, cb.failures, cb.probes, cb.passed = StateClosed, 0, 0, 0
	cb.mu.Unlock()
	cb.transitioned(from, StateClosed)
}
