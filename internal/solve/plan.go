package solve

import (
	"fmt"
	"time"

	"github.com/nugget/bypassd/internal/config"
	"github.com/nugget/bypassd/internal/isolate"
	"github.com/nugget/bypassd/internal/solver"
)

// ForkGroup is Count extra attempts that all start Delay after the
// request arrives. Members of a group are not staggered.
type ForkGroup struct {
	Delay time.Duration
	Count int
}

// ForkGroupsFromConfig converts configured forks.
func ForkGroupsFromConfig(forks config.Forks) []ForkGroup {
	out := make([]ForkGroup, 0, len(forks))
	for _, f := range forks {
		out = append(out, ForkGroup{Delay: f.Delay(), Count: f.Count})
	}
	return out
}

// AttemptTask is one planned attempt. It owns its index and its
// environment snapshot, so nothing is shared between attempts except
// the read-only request.
type AttemptTask struct {
	Index   int
	Delay   time.Duration
	Request *solver.Request
	Env     solver.Environment
}

// AttemptCount returns 1 + the sum of all group counts.
func AttemptCount(groups []ForkGroup) int {
	n := 1
	for _, g := range groups {
		n += g.Count
	}
	return n
}

// BuildPlan expands req and groups into attempts. Attempt 0 is the
// immediate primary; the rest follow in group order, then member
// order. No attempt computes identity inline. When dirs carries debug
// directories, each attempt's subdirectory is created here, before any
// attempt runs, so a creation failure aborts the request up front. Forks
// that never start still get an empty directory.
func BuildPlan(req *solver.Request, groups []ForkGroup, base solver.Environment, dirs *isolate.Dirs) ([]AttemptTask, error) {
	for i, g := range groups {
		if g.Count <= 0 {
			return nil, fmt.Errorf("fork group %d: count must be positive, got %d", i, g.Count)
		}
		if g.Delay < 0 {
			return nil, fmt.Errorf("fork group %d: delay must not be negative", i)
		}
	}

	tasks := make([]AttemptTask, 0, AttemptCount(groups))
	add := func(delay time.Duration) error {
		index := len(tasks)
		env, err := attemptEnv(base, dirs, index)
		if err != nil {
			return err
		}
		tasks = append(tasks, AttemptTask{
			Index:   index,
			Delay:   delay,
			Request: req,
			Env:     env,
		})
		return nil
	}

	if err := add(0); err != nil {
		return nil, err
	}
	for _, g := range groups {
		for range g.Count {
			if err := add(g.Delay); err != nil {
				return nil, err
			}
		}
	}
	return tasks, nil
}

func attemptEnv(base solver.Environment, dirs *isolate.Dirs, index int) (solver.Environment, error) {
	env := base
	env.Attempt = index
	env.SkipIdentity = true
	if base.Logger != nil {
		env.Logger = base.Logger.With("attempt", index)
	}

	var err error
	if env.DebugDir, err = dirs.Attempt(isolate.CategoryDebug, index); err != nil {
		return env, err
	}
	if env.ScreenshotsDir, err = dirs.Attempt(isolate.CategoryScreenshots, index); err != nil {
		return env, err
	}
	return env, nil
}
