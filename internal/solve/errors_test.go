package solve

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/nugget/bypassd/internal/race"
)

func TestErrorMessages(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"setup", &SetupError{Err: boom}, "boom"},
		{"attempt", &AttemptError{Index: 2, Err: boom}, "attempt 2: boom"},
		{"single attempt aggregate", &AggregateError{Attempts: 1, Last: &AttemptError{Index: 0, Err: boom}}, "attempt 0: boom"},
		{"aggregate", &AggregateError{Attempts: 4, Last: &AttemptError{Index: 3, Err: boom}}, "all 4 attempts failed, last: attempt 3: boom"},
		{"identity", &IdentityError{Err: boom}, "identity fetch: boom"},
		{"timeout", &TimeoutError{MaxTimeout: 1500 * time.Millisecond}, "Processing timeout (max_timeout=1500)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestErrorCode(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"setup", &SetupError{Err: boom}, CodeSetup},
		{"wrapped setup", fmt.Errorf("outer: %w", &SetupError{Err: boom}), CodeSetup},
		{"attempt", &AttemptError{Err: boom}, CodeAttempt},
		{"aggregate", &AggregateError{Attempts: 2, Last: &AttemptError{Err: boom}}, CodeAggregate},
		{"identity timeout", &IdentityError{Err: &TimeoutError{}}, CodeIdentity},
		{"timeout", &TimeoutError{}, CodeTimeout},
		{"no result", race.ErrNoAcceptableResult, CodeNoResult},
		{"other", boom, CodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ErrorCode(tt.err); got != tt.want {
				t.Errorf("ErrorCode() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAggregateErrorUnwrapsLast(t *testing.T) {
	boom := errors.New("boom")
	err := &AggregateError{Attempts: 2, Last: &AttemptError{Index: 1, Err: boom}}
	if !errors.Is(err, boom) {
		t.Error("errors.Is(aggregate, cause) = false")
	}
	var ae *AttemptError
	if !errors.As(err, &ae) || ae.Index != 1 {
		t.Errorf("errors.As attempt = %+v", ae)
	}
}
