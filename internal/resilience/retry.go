package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// RetryPolicy bounds [Retry].
type RetryPolicy struct {
	// Name is a human-readable label used in log messages.
	Name string

	// Attempts is the total number of tries, including the first. Values
	// below 1 are treated as 1.
	Attempts int

	// Delay is the pause between tries.
	Delay time.Duration

	// Retryable decides whether err is worth another try. Nil retries every
	// error.
	Retryable func(err error) bool
}

// Retry calls fn until it succeeds, returns a non-retryable error, runs out
// of attempts or ctx is done. The last error is returned.
func Retry[T any](ctx context.Context, p RetryPolicy, fn func(context.Context) (T, error)) (T, error) {
	attempts := max(p.Attempts, 1)
	var zero T
	var err error
	for i := range attempts {
		var v T
		v, err = fn(ctx)
		if err == nil {
			return v, nil
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return zero, err
		}
		if i == attempts-1 {
			break
		}
		slog.Warn("retrying after failure", "name", p.Name, "attempt", i+1, "err", err)
		if p.Delay > 0 {
			t := time.NewTimer(p.Delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return zero, fmt.Errorf("%w (last error: %v)", ctx.Err(), err)
			case <-t.C:
			}
		} else if ctx.Err() != nil {
			return zero, fmt.Errorf("%w (last error: %v)", ctx.Err(), err)
		}
	}
	return zero, err
}
