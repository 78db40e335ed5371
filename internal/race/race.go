// Package race runs competing tasks concurrently and keeps the first
// acceptable success. Losing tasks are cancelled through their
// contexts; cancellation is advisory, so a task that ignores its
// context keeps running until it returns on its own, and its result is
// dropped.
package race

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
)

// ErrNoAcceptableResult is returned when every task completed without
// error but none satisfied the acceptance predicate, or when there were
// no tasks at all.
var ErrNoAcceptableResult = errors.New("no acceptable result")

// Task is one competitor. It must watch ctx at every point where it
// blocks so that cancellation actually stops it.
type Task[T any] func(ctx context.Context) (T, error)

// Failure records a task that returned an error, in completion order.
type Failure struct {
	Index int
	Err   error
}

// Outcome describes how a race ended. Winner is -1 when no task was
// accepted.
type Outcome[T any] struct {
	Result   T
	Winner   int
	Skipped  []T
	Failures []Failure
}

// ExhaustedError is returned when all tasks finished and none was
// accepted, and at least one failed. It reports the failure observed
// last; [errors.Unwrap] returns that error.
type ExhaustedError struct {
	Failures []Failure
}

// Last returns the most recently recorded failure.
func (e *ExhaustedError) Last() Failure {
	return e.Failures[len(e.Failures)-1]
}

func (e *ExhaustedError) Error() string {
	return e.Last().Err.Error()
}

func (e *ExhaustedError) Unwrap() error {
	return e.Last().Err
}

// PanicError wraps a value recovered from a panicking task.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("task panicked: %v", e.Value)
}

type completion[T any] struct {
	index int
	value T
	err   error
}

// FirstSuccess starts every task in its own goroutine and waits for
// completions in the order they happen. The first success for which
// accept returns true (accept == nil accepts everything) is returned
// immediately together with the successes skipped and failures seen so
// far; all tasks still running are cancelled exactly once.
//
// When every task has completed without an accepted result, the
// failures are returned as an [*ExhaustedError] whose message is that of
// the last failure. If nothing failed, [ErrNoAcceptableResult] is
// returned. If ctx ends first, outstanding tasks are cancelled and
// ctx's error is returned.
//
// The returned Outcome is never nil.
func FirstSuccess[T any](ctx context.Context, tasks []Task[T], accept func(T) bool) (*Outcome[T], error) {
	out := &Outcome[T]{Winner: -1}
	if len(tasks) == 0 {
		return out, ErrNoAcceptableResult
	}

	// Buffered so that tasks finishing after we return never block.
	done := make(chan completion[T], len(tasks))
	cancels := make([]context.CancelFunc, len(tasks))
	pending := make(map[int]struct{}, len(tasks))

	for i, task := range tasks {
		taskCtx, cancel := context.WithCancel(ctx)
		cancels[i] = cancel
		pending[i] = struct{}{}
		go run(taskCtx, i, task, done)
	}

	cancelPending := func() {
		for i := range pending {
			cancels[i]()
		}
	}
	defer cancelPending()

	for len(pending) > 0 {
		select {
		case <-ctx.Done():
			return out, ctx.Err()
		case c := <-done:
			delete(pending, c.index)
			// Release the finished task's context right away.
			cancels[c.index]()

			if c.err != nil {
				out.Failures = append(out.Failures, Failure{Index: c.index, Err: c.err})
				continue
			}
			if accept == nil || accept(c.value) {
				out.Result = c.value
				out.Winner = c.index
				return out, nil
			}
			out.Skipped = append(out.Skipped, c.value)
		}
	}

	if len(out.Failures) > 0 {
		return out, &ExhaustedError{Failures: out.Failures}
	}
	return out, ErrNoAcceptableResult
}

func run[T any](ctx context.Context, index int, task Task[T], done chan<- completion[T]) {
	c := completion[T]{index: index}
	defer func() {
		if r := recover(); r != nil {
			c.err = &PanicError{Value: r, Stack: debug.Stack()}
		}
		done <- c
	}()
	c.value, c.err = task(ctx)
}
