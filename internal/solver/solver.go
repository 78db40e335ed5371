// Package solver defines the contract between the solve orchestrator
// and whatever actually visits the target site. A Solver performs one
// attempt; an IdentityProbe reports the client identity (User-Agent)
// the solver presents. Both receive an [Environment] snapshot that is
// private to the attempt.
package solver

import (
	"context"
	"log/slog"
	"math"
	"net/http"
	"time"
)

// Request is one logical solve request. It is built once per incoming
// call and shared read-only by every attempt.
type Request struct {
	URL        string
	Command    string
	Cookies    []Cookie
	MaxTimeout time.Duration
	Proxy      string // canonical scheme://[user:pass@]host[:port], "" for none
	Params     map[string]any
}

// Result is what a winning attempt produces.
type Result struct {
	Message  string
	URL      string
	Cookies  []Cookie
	Response any
}

// Cookie is the solver-native cookie shape. Optional attributes are
// pointers so that "absent" survives until the response is assembled.
type Cookie struct {
	Name    string   `json:"name"`
	Value   string   `json:"value"`
	Domain  string   `json:"domain"`
	Port    *int     `json:"port,omitempty"`
	Path    *string  `json:"path,omitempty"`
	Secure  *bool    `json:"secure,omitempty"`
	Expires *float64 `json:"expires,omitempty"` // epoch seconds
}

// CookieFromHTTP converts a response cookie. Domain falls back to
// host when the server did not set one.
func CookieFromHTTP(c *http.Cookie, host string) Cookie {
	out := Cookie{
		Name:   c.Name,
		Value:  c.Value,
		Domain: c.Domain,
	}
	if out.Domain == "" {
		out.Domain = host
	}
	if c.Path != "" {
		p := c.Path
		out.Path = &p
	}
	secure := c.Secure
	out.Secure = &secure
	if !c.Expires.IsZero() {
		exp := float64(c.Expires.Unix()) + float64(c.Expires.Nanosecond())/1e9
		out.Expires = &exp
	}
	return out
}

// HTTP converts the cookie for use in a cookie jar.
func (c Cookie) HTTP() *http.Cookie {
	hc := &http.Cookie{
		Name:   c.Name,
		Value:  c.Value,
		Domain: c.Domain,
		Path:   "/",
	}
	if c.Path != nil {
		hc.Path = *c.Path
	}
	if c.Secure != nil {
		hc.Secure = *c.Secure
	}
	if c.Expires != nil {
		hc.Expires = epochTime(*c.Expires)
	}
	return hc
}

// epochTime converts fractional epoch seconds without passing through
// int64 nanoseconds, which overflow after 2262.
func epochTime(sec float64) time.Time {
	whole, frac := math.Modf(sec)
	return time.Unix(int64(whole), int64(frac*1e9))
}

// Environment is the per-attempt configuration snapshot. It is passed
// by value; the Commands registry is shared but never mutated after
// startup.
type Environment struct {
	// Attempt is the attempt index (0 for the primary). Diagnostics only.
	Attempt int

	// RequestID correlates every attempt of one request in logs.
	RequestID string

	Proxy       string
	UserAgent   string
	IdentityURL string
	Headless    bool
	DisableGPU  bool

	// DebugDir and ScreenshotsDir are private to this attempt when
	// capture is enabled, empty otherwise.
	DebugDir       string
	ScreenshotsDir string

	// SkipIdentity tells the solver not to compute the client identity
	// inline; the orchestrator fetches it separately.
	SkipIdentity bool

	// MaxBodyBytes caps how much of a page the solver keeps.
	MaxBodyBytes int64

	Commands *Registry
	Logger   *slog.Logger
}

// Solver performs one solve attempt. Implementations must return
// promptly once ctx is cancelled.
type Solver interface {
	Solve(ctx context.Context, req *Request, env Environment) (*Result, error)
}

// IdentityProbe reports the client identity a solver presents to
// target sites.
type IdentityProbe interface {
	Identity(ctx context.Context, env Environment) (string, error)
}

// SolverFunc adapts a function to [Solver].
type SolverFunc func(ctx context.Context, req *Request, env Environment) (*Result, error)

// Solve calls f.
func (f SolverFunc) Solve(ctx context.Context, req *Request, env Environment) (*Result, error) {
	return f(ctx, req, env)
}

// IdentityFunc adapts a function to [IdentityProbe].
type IdentityFunc func(ctx context.Context, env Environment) (string, error)

// Identity calls f.
func (f IdentityFunc) Identity(ctx context.Context, env Environment) (string, error) {
	return f(ctx, env)
}
