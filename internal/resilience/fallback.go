package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrAllFailed wraps the per-provider errors when no provider in a
// [Failover] produced a result.
var ErrAllFailed = errors.New("resilience: all providers failed")

// FallbackConfig is the template for the breaker each provider gets. Its
// Name is replaced by the provider name.
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig

	// OnAttempt observes every call that reached a provider.
	OnAttempt func(provider string, err error)
}

type member[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// Failover is an ordered list of interchangeable providers, each behind its
// own [CircuitBreaker]. Use [Call] to run an operation against it.
type Failover[T any] struct {
	cfg FallbackConfig

	mu      sync.RWMutex
	members []member[T]
}

// NewFailover returns an empty failover list.
func NewFailover[T any](cfg FallbackConfig) *Failover[T] {
	return &Failover[T]{cfg: cfg}
}

// Add appends a provider. Providers are tried in the order they were added.
func (f *Failover[T]) Add(name string, v T) {
	bc := f.cfg.CircuitBreaker
	bc.Name = name
	f.mu.Lock()
	f.members = append(f.members, member[T]{name: name, value: v, breaker: NewCircuitBreaker(bc)})
	f.mu.Unlock()
}

func (f *Failover[T]) snapshot() []member[T] {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.members
}

// Call runs fn against the first provider whose breaker admits it and moves
// down the list on failure. It stops early when ctx is done. When every
// provider fails or is open the result wraps [ErrAllFailed] together with
// each provider's error.
func Call[T, R any](ctx context.Context, f *Failover[T], fn func(context.Context, T) (R, error)) (R, error) {
	var zero R
	var errs []error
	for i, m := range f.snapshot() {
		if err := ctx.Err(); err != nil {
			return zero, fmt.Errorf("resilience: %w", err)
		}
		done, err := m.breaker.Allow()
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", m.name, err))
			continue
		}
		v, err := fn(ctx, m.value)
		done(err)
		if f.cfg.OnAttempt != nil {
			f.cfg.OnAttempt(m.name, err)
		}
		if err == nil {
			if i > 0 {
				slog.Debug("resilience: served by fallback", "provider", m.name, "position", i)
			}
			return v, nil
		}
		slog.Warn("resilience: provider failed", "provider", m.name, "err", err)
		errs = append(errs, fmt.Errorf("%s: %w", m.name, err))
	}
	if len(errs) == 0 {
		return zero, ErrAllFailed
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, errors.Join(errs...))
}

// EntryStatus is the breaker state of one provider.
type EntryStatus struct {
	Name  string `json:"name"`
	State string `json:"state"`
}

// Status lists every provider's breaker state in order.
func (f *Failover[T]) Status() []EntryStatus {
	members := f.snapshot()
	out := make([]EntryStatus, len(members))
	for i, m := range members {
		out[i] = EntryStatus{Name: m.name, State: m.breaker.State().String()}
	}
	return out
}

// Available reports whether some provider would be tried right now.
func (f *Failover[T]) Available() bool {
	for _, m := range f.snapshot() {
		if m.breaker.State() != StateOpen {
			return true
		}
	}
	return false
}
