// Package retry provides a bounded retry helper with an explicit result:
// callers can always tell "succeeded on attempt N" from "exhausted after N
// attempts" instead of falling through a loop.
package retry

import (
	"context"
	"errors"
	"fmt"
)

// ErrExhausted marks results whose attempt budget ran out.
var ErrExhausted = errors.New("retry attempts exhausted")

// Result is the outcome of a retried operation.
type Result[T any] struct {
	Value    T
	Attempts int
	Err      error
}

// Ok reports whether the operation eventually succeeded.
func (r Result[T]) Ok() bool {
	return r.Err == nil
}

// Do runs op up to maxAttempts times, returning after the first success.
// Attempts are synchronous with no backoff; a canceled context stops the
// loop early.
func Do[T any](ctx context.Context, maxAttempts int, op func(context.Context) (T, error)) Result[T] {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		value, err := op(ctx)
		if err == nil {
			return Result[T]{Value: value, Attempts: attempt}
		}
		lastErr = err
		if ctx.Err() != nil {
			return Result[T]{Attempts: attempt, Err: fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempt, lastErr)}
		}
	}
	return Result[T]{
		Attempts: maxAttempts,
		Err:      fmt.Errorf("%w after %d attempts: %w", ErrExhausted, maxAttempts, lastErr),
	}
}
