package solve

import (
	"context"
	"errors"
	"runtime/debug"
	"time"

	"github.com/nugget/bypassd/internal/race"
	"github.com/nugget/bypassd/internal/solver"
)

var errNoProbe = errors.New("no identity probe configured")

// FetchIdentity runs probe under its own deadline of maxTimeout (none
// when maxTimeout <= 0). Every failure is returned as an
// [*IdentityError]; an expired deadline is reported as a
// [*TimeoutError] inside it. A probe that ignores ctx is abandoned at
// the deadline rather than waited for.
func FetchIdentity(ctx context.Context, probe solver.IdentityProbe, env solver.Environment, maxTimeout time.Duration) (string, error) {
	if probe == nil {
		return "", &IdentityError{Err: errNoProbe}
	}

	pctx := ctx
	if maxTimeout > 0 {
		var cancel context.CancelFunc
		pctx, cancel = context.WithTimeout(ctx, maxTimeout)
		defer cancel()
	}

	type answer struct {
		identity string
		err      error
	}
	done := make(chan answer, 1)
	go func() {
		var a answer
		defer func() {
			if r := recover(); r != nil {
				a.err = &race.PanicError{Value: r, Stack: debug.Stack()}
			}
			done <- a
		}()
		a.identity, a.err = probe.Identity(pctx, env)
	}()

	select {
	case a := <-done:
		if a.err != nil {
			if ownDeadline(ctx, pctx) {
				return "", &IdentityError{Err: &TimeoutError{MaxTimeout: maxTimeout}}
			}
			return "", &IdentityError{Err: a.err}
		}
		return a.identity, nil
	case <-pctx.Done():
		if ownDeadline(ctx, pctx) {
			return "", &IdentityError{Err: &TimeoutError{MaxTimeout: maxTimeout}}
		}
		return "", &IdentityError{Err: pctx.Err()}
	}
}

// ownDeadline reports whether child expired on its own deadline while
// parent is still live.
func ownDeadline(parent, child context.Context) bool {
	return errors.Is(child.Err(), context.DeadlineExceeded) && parent.Err() == nil
}
