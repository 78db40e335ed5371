// Package httpsolver is a plain-HTTP implementation of the solver
// contract. It fetches pages without a browser, so it never gets past
// an interstitial challenge; it detects one and fails the attempt,
// which lets a later fork try again. It is what bypassd serves when no
// browser-backed solver is wired in, and it doubles as the identity
// probe.
package httpsolver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/nugget/bypassd/internal/buildinfo"
	"github.com/nugget/bypassd/internal/httpkit"
	"github.com/nugget/bypassd/internal/solver"
)

// DefaultCommand runs when a request names no command.
const DefaultCommand = solver.CommandGetCookies

// Options tunes the HTTP clients built for each attempt.
type Options struct {
	// Timeout bounds each HTTP exchange. The attempt's context still
	// applies on top of it.
	Timeout     time.Duration
	InsecureTLS bool
	Retries     int
	RetryDelay  time.Duration
}

// Solver implements [solver.Solver] and [solver.IdentityProbe].
type Solver struct {
	opts Options
}

// New returns a Solver.
func New(opts Options) *Solver {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Retries > 0 && opts.RetryDelay <= 0 {
		opts.RetryDelay = 250 * time.Millisecond
	}
	return &Solver{opts: opts}
}

// Solve runs req's command in a fresh session.
func (s *Solver) Solve(ctx context.Context, req *solver.Request, env solver.Environment) (*solver.Result, error) {
	name := req.Command
	if name == "" {
		name = DefaultCommand
	}
	proc, err := env.Commands.Lookup(name)
	if err != nil {
		return nil, err
	}

	sess, err := newSession(req, env, s.opts)
	if err != nil {
		return nil, err
	}
	defer sess.close()

	return proc.Process(ctx, sess, req)
}

// identityResponse is the httpbin-style /user-agent payload.
type identityResponse struct {
	UserAgent string `json:"user-agent"`
}

// Identity reports the User-Agent this solver presents. With an
// identity URL configured it asks that endpoint to echo it back
// through the request's proxy; otherwise it reports the configured
// value.
func (s *Solver) Identity(ctx context.Context, env solver.Environment) (string, error) {
	ua := env.UserAgent
	if ua == "" {
		ua = buildinfo.UserAgent()
	}
	if env.IdentityURL == "" {
		return ua, nil
	}

	client, err := httpkit.NewClient(
		httpkit.WithTimeout(s.opts.Timeout),
		httpkit.WithProxy(env.Proxy),
		httpkit.WithUserAgent(ua),
	)
	if err != nil {
		return "", err
	}
	defer client.CloseIdleConnections()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, env.IdentityURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("identity endpoint returned %s", resp.Status)
	}
	var out identityResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode identity: %w", err)
	}
	if out.UserAgent == "" {
		return "", fmt.Errorf("identity endpoint returned no user-agent")
	}
	return out.UserAgent, nil
}
