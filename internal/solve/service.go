// Package solve turns one solve request into a race of solver
// attempts joined with an identity probe, and assembles the outcome
// into an [Envelope].
//
// The flow for each request is:
//  1. normalize the proxy and validate the fork plan
//  2. allocate debug directories
//  3. build one primary attempt plus one attempt per fork group member
//  4. race the attempts while the identity probe runs alongside
//  5. assemble the envelope, record it, and publish events
//
// Any failure in steps 1-3 is a [SetupError] and no attempt starts.
// Both branches of step 4 are bounded by the request's max timeout,
// and the request fails if either branch fails.
package solve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/nugget/bypassd/internal/events"
	"github.com/nugget/bypassd/internal/isolate"
	"github.com/nugget/bypassd/internal/race"
	"github.com/nugget/bypassd/internal/solver"
)

// Input is one request as received from a client.
type Input struct {
	URL        string
	Command    string
	Cookies    []solver.Cookie
	MaxTimeout time.Duration // zero uses the service default
	Proxy      *Proxy
	Params     map[string]any

	// Forks nil uses the service default; an empty non-nil slice
	// disables forking for this request.
	Forks []ForkGroup
}

// Summary describes a finished request for persistence.
type Summary struct {
	ID        string
	URL       string
	Command   string
	Status    string
	Message   string
	ErrorCode string
	Attempts  int
	Winner    int
	Failures  int
	StartedAt time.Time
	EndedAt   time.Time
}

// Recorder persists request summaries.
type Recorder interface {
	RecordSolve(ctx context.Context, s Summary) error
}

// Options configures a [Service].
type Options struct {
	Solver   solver.Solver
	Identity solver.IdentityProbe // defaults to Solver when it implements IdentityProbe
	Isolator *isolate.Isolator

	// Base is the environment every attempt starts from. It is copied
	// per attempt, never mutated.
	Base solver.Environment

	DefaultForks      []ForkGroup
	DefaultMaxTimeout time.Duration

	Logger   *slog.Logger
	Bus      *events.Bus
	Recorder Recorder
}

// Service processes solve requests. It is safe for concurrent use.
type Service struct {
	solver         solver.Solver
	identity       solver.IdentityProbe
	isolator       *isolate.Isolator
	base           solver.Environment
	defaultForks   []ForkGroup
	defaultTimeout time.Duration
	logger         *slog.Logger
	bus            *events.Bus
	recorder       Recorder
	stats          *Stats
	now            func() time.Time
}

// NewService creates a Service.
func NewService(opts Options) *Service {
	probe := opts.Identity
	if probe == nil {
		probe, _ = opts.Solver.(solver.IdentityProbe)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.DefaultMaxTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Service{
		solver:         opts.Solver,
		identity:       probe,
		isolator:       opts.Isolator,
		base:           opts.Base,
		defaultForks:   opts.DefaultForks,
		defaultTimeout: timeout,
		logger:         logger,
		bus:            opts.Bus,
		recorder:       opts.Recorder,
		stats:          &Stats{},
		now:            time.Now,
	}
}

// Stats returns the service's request counters.
func (s *Service) Stats() *Stats {
	return s.stats
}

// Commands returns the names of the commands the base environment
// can run.
func (s *Service) Commands() []string {
	return s.base.Commands.Names()
}

// joined is what a successful request produces before assembly.
type joined struct {
	result   *solver.Result
	identity string
	winner   int
}

// Process runs one request to completion. It always returns an
// envelope; failures, including panics, become error envelopes.
func (s *Service) Process(ctx context.Context, in Input) (env *Envelope) {
	start := s.now()

	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	requestID := id.String()
	logger := s.logger.With("request_id", requestID)

	sum := Summary{
		ID:        requestID,
		URL:       in.URL,
		Command:   in.Command,
		Winner:    -1,
		StartedAt: start,
	}

	defer func() {
		if r := recover(); r != nil {
			logger.Error("solve panicked", "panic", r, "stack", string(debug.Stack()))
			env = errorEnvelope(start, s.now(), fmt.Errorf("internal error: %v", r))
			sum.ErrorCode = CodeInternal
		}
		s.finish(ctx, logger, env, &sum)
	}()

	logger.Info("solve start", "url", in.URL, "command", in.Command)

	j, err := s.run(ctx, requestID, in, logger, &sum)
	if err != nil {
		sum.ErrorCode = ErrorCode(err)
		logger.Warn("solve failed", "error", err, "error_code", sum.ErrorCode)
		return errorEnvelope(start, s.now(), err)
	}
	sum.Winner = j.winner
	return okEnvelope(start, s.now(), j.result, j.identity)
}

func (s *Service) finish(ctx context.Context, logger *slog.Logger, env *Envelope, sum *Summary) {
	sum.Status = env.Status
	sum.Message = env.Message
	sum.EndedAt = s.now()
	elapsed := sum.EndedAt.Sub(sum.StartedAt)

	s.stats.record(env.Status == StatusOK, sum.Attempts, sum.EndedAt, sum.ErrorCode)

	s.bus.Publish(events.Event{
		Source: events.SourceRequest,
		Kind:   events.KindRequestComplete,
		Data: map[string]any{
			"request_id": sum.ID,
			"status":     sum.Status,
			"error_code": sum.ErrorCode,
			"winner":     sum.Winner,
			"elapsed_ms": elapsed.Milliseconds(),
		},
	})

	if s.recorder != nil {
		if err := s.recorder.RecordSolve(context.WithoutCancel(ctx), *sum); err != nil {
			logger.Warn("failed to record solve", "error", err)
		}
	}

	logger.Info("solve complete",
		"status", sum.Status,
		"winner", sum.Winner,
		"attempts", sum.Attempts,
		"elapsed", elapsed.Round(time.Millisecond),
	)
}

func (s *Service) run(ctx context.Context, requestID string, in Input, logger *slog.Logger, sum *Summary) (*joined, error) {
	if s.solver == nil {
		return nil, &SetupError{Err: errors.New("no solver configured")}
	}

	proxy, err := in.Proxy.Normalize()
	if err != nil {
		return nil, &SetupError{Err: err}
	}

	maxTimeout := in.MaxTimeout
	if maxTimeout <= 0 {
		maxTimeout = s.defaultTimeout
	}

	forks := in.Forks
	if forks == nil {
		forks = s.defaultForks
	}

	dirs, err := s.isolator.Allocate()
	if err != nil {
		return nil, &SetupError{Err: err}
	}

	req := &solver.Request{
		URL:        in.URL,
		Command:    in.Command,
		Cookies:    in.Cookies,
		MaxTimeout: maxTimeout,
		Proxy:      proxy,
		Params:     in.Params,
	}

	base := s.base
	base.RequestID = requestID
	base.Proxy = proxy
	base.Logger = logger

	plan, err := BuildPlan(req, forks, base, dirs)
	if err != nil {
		return nil, &SetupError{Err: err}
	}
	sum.Attempts = len(plan)

	identityEnv := base
	identityEnv.Attempt = -1
	if identityEnv.DebugDir, err = dirs.Identity(isolate.CategoryDebug); err != nil {
		return nil, &SetupError{Err: err}
	}
	if identityEnv.ScreenshotsDir, err = dirs.Identity(isolate.CategoryScreenshots); err != nil {
		return nil, &SetupError{Err: err}
	}

	s.bus.Publish(events.Event{
		Source: events.SourceRequest,
		Kind:   events.KindRequestStart,
		Data: map[string]any{
			"request_id": requestID,
			"url":        in.URL,
			"command":    in.Command,
			"attempts":   len(plan),
		},
	})
	logger.Debug("fork plan built", "attempts", len(plan), "proxy", proxy != "", "max_timeout", maxTimeout)

	var (
		outcome  *race.Outcome[*solver.Result]
		identity string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		outcome, err = s.race(gctx, plan, maxTimeout)
		return err
	})
	g.Go(func() error {
		started := time.Now()
		var err error
		identity, err = FetchIdentity(gctx, s.identity, identityEnv, maxTimeout)
		s.bus.Publish(events.Event{
			Source: events.SourceIdentity,
			Kind:   events.KindIdentityDone,
			Data: map[string]any{
				"request_id": requestID,
				"ok":         err == nil,
				"elapsed_ms": time.Since(started).Milliseconds(),
			},
		})
		return err
	})
	if err := g.Wait(); err != nil {
		if outcome != nil {
			sum.Failures = len(outcome.Failures)
		}
		return nil, err
	}

	sum.Failures = len(outcome.Failures)
	return &joined{result: outcome.Result, identity: identity, winner: outcome.Winner}, nil
}

// race runs the plan under the request deadline and maps the race's
// errors onto the package error types.
func (s *Service) race(ctx context.Context, plan []AttemptTask, maxTimeout time.Duration) (*race.Outcome[*solver.Result], error) {
	rctx, cancel := context.WithTimeout(ctx, maxTimeout)
	defer cancel()

	tasks := make([]race.Task[*solver.Result], len(plan))
	for i, t := range plan {
		tasks[i] = race.Deferred(t.Delay, s.attempt(t))
	}

	out, err := race.FirstSuccess(rctx, tasks, nil)
	if err == nil {
		return out, nil
	}

	if errors.Is(err, context.DeadlineExceeded) && ownDeadline(ctx, rctx) {
		return out, &TimeoutError{MaxTimeout: maxTimeout}
	}
	var exhausted *race.ExhaustedError
	if errors.As(err, &exhausted) {
		return out, &AggregateError{
			Attempts: len(plan),
			Last:     exhausted.Last().Err,
			Failures: exhausted.Failures,
		}
	}
	return out, err
}

// attempt wraps one planned attempt as a race task.
func (s *Service) attempt(t AttemptTask) race.Task[*solver.Result] {
	return func(ctx context.Context) (*solver.Result, error) {
		logger := t.Env.Logger
		if logger == nil {
			logger = s.logger
		}
		started := time.Now()

		s.bus.Publish(events.Event{
			Source: events.SourceRace,
			Kind:   events.KindAttemptStart,
			Data: map[string]any{
				"request_id": t.Env.RequestID,
				"attempt":    t.Index,
				"delay_ms":   t.Delay.Milliseconds(),
			},
		})
		logger.Info("attempt start", "delay", t.Delay)

		res, err := s.solver.Solve(ctx, t.Request, t.Env)
		if err == nil && res == nil {
			err = errors.New("solver returned no result")
		}
		if err != nil {
			logger.Info("attempt failed", "error", err, "elapsed", time.Since(started).Round(time.Millisecond))
			s.bus.Publish(events.Event{
				Source: events.SourceRace,
				Kind:   events.KindAttemptFailed,
				Data: map[string]any{
					"request_id": t.Env.RequestID,
					"attempt":    t.Index,
					"error":      err.Error(),
				},
			})
			return nil, &AttemptError{Index: t.Index, Err: err}
		}

		logger.Info("attempt succeeded", "url", res.URL, "elapsed", time.Since(started).Round(time.Millisecond))
		s.bus.Publish(events.Event{
			Source: events.SourceRace,
			Kind:   events.KindAttemptWon,
			Data: map[string]any{
				"request_id": t.Env.RequestID,
				"attempt":    t.Index,
				"elapsed_ms": time.Since(started).Milliseconds(),
			},
		})
		return res, nil
	}
}
