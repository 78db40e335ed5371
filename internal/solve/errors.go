package solve

import (
	"errors"
	"fmt"
	"time"

	"github.com/nugget/bypassd/internal/race"
)

// Machine-readable error codes. They are recorded in history and
// events; the envelope message stays the only thing clients see.
const (
	CodeSetup     = "setup_error"
	CodeAttempt   = "attempt_error"
	CodeAggregate = "all_attempts_failed"
	CodeIdentity  = "identity_error"
	CodeTimeout   = "timeout"
	CodeInternal  = "internal_error"
	CodeNoResult  = "no_result"
)

// timeoutMessage keeps the wording FlareSolverr clients match on.
const timeoutMessage = "Processing timeout (max_timeout=%d)"

// SetupError means the request could not be dispatched at all: a bad
// proxy, an invalid fork plan, or a debug directory that could not be
// created.
type SetupError struct {
	Err error
}

func (e *SetupError) Error() string { return e.Err.Error() }
func (e *SetupError) Unwrap() error { return e.Err }

// AttemptError is one attempt's failure.
type AttemptError struct {
	Index int
	Err   error
}

func (e *AttemptError) Error() string { return fmt.Sprintf("attempt %d: %v", e.Index, e.Err) }
func (e *AttemptError) Unwrap() error { return e.Err }

// AggregateError means every attempt failed. Last is the failure that
// completed last.
type AggregateError struct {
	Attempts int
	Last     error
	Failures []race.Failure
}

func (e *AggregateError) Error() string {
	if e.Attempts == 1 {
		return e.Last.Error()
	}
	return fmt.Sprintf("all %d attempts failed, last: %v", e.Attempts, e.Last)
}

func (e *AggregateError) Unwrap() error { return e.Last }

// IdentityError means the identity probe failed or timed out.
type IdentityError struct {
	Err error
}

func (e *IdentityError) Error() string { return "identity fetch: " + e.Err.Error() }
func (e *IdentityError) Unwrap() error { return e.Err }

// TimeoutError reports that the request's max timeout elapsed.
type TimeoutError struct {
	MaxTimeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf(timeoutMessage, e.MaxTimeout.Milliseconds())
}

// ErrorCode classifies err into one of the Code constants.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	var (
		setupErr     *SetupError
		identityErr  *IdentityError
		aggregateErr *AggregateError
		timeoutErr   *TimeoutError
		attemptErr   *AttemptError
	)
	switch {
	case errors.As(err, &setupErr):
		return CodeSetup
	case errors.As(err, &identityErr):
		return CodeIdentity
	case errors.As(err, &timeoutErr):
		return CodeTimeout
	case errors.As(err, &aggregateErr):
		return CodeAggregate
	case errors.As(err, &attemptErr):
		return CodeAttempt
	case errors.Is(err, race.ErrNoAcceptableResult):
		return CodeNoResult
	default:
		return CodeInternal
	}
}
