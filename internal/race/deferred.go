package race

import (
	"context"
	"time"
)

// Deferred wraps task so that it starts delay after being invoked.
// A non-positive delay starts it immediately. If ctx is cancelled
// during the wait the inner task never runs and ctx's error is
// returned.
func Deferred[T any](delay time.Duration, task Task[T]) Task[T] {
	if delay <= 0 {
		return task
	}
	return func(ctx context.Context) (T, error) {
		timer := time.NewTimer(delay)
		defer timer.Stop()

		select {
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		case <-timer.C:
		}
		return task(ctx)
	}
}
