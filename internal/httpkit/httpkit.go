// Package httpkit builds the outbound HTTP clients used by solve
// attempts and the identity probe. Every attempt gets its own
// transport so that proxies, cookie jars and connection pools are
// never shared between competing attempts.
package httpkit

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"syscall"
	"time"

	"github.com/nugget/bypassd/internal/buildinfo"
)

// Transport defaults.
const (
	DialTimeout           = 10 * time.Second
	KeepAlive             = 30 * time.Second
	TLSHandshakeTimeout   = 10 * time.Second
	ResponseHeaderTimeout = 20 * time.Second
	IdleConnTimeout       = 30 * time.Second

	// DefaultMaxRedirects matches what browsers tolerate before giving up.
	DefaultMaxRedirects = 20
)

// Option configures a client built by [NewClient].
type Option func(*options)

type options struct {
	timeout      time.Duration
	userAgent    string
	proxy        string
	jar          http.CookieJar
	insecure     bool
	maxRedirects int
	retries      int
	retryDelay   time.Duration
	logger       *slog.Logger
}

// WithTimeout sets the overall per-request timeout. Zero disables it,
// leaving the caller's context as the only bound.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithUserAgent sets the User-Agent sent when a request has none.
func WithUserAgent(ua string) Option {
	return func(o *options) { o.userAgent = ua }
}

// WithProxy routes every request through proxyURL. Supported schemes
// are http, https and socks5. An empty string means a direct
// connection, ignoring HTTP_PROXY and friends.
func WithProxy(proxyURL string) Option {
	return func(o *options) { o.proxy = proxyURL }
}

// WithJar attaches a cookie jar.
func WithJar(jar http.CookieJar) Option {
	return func(o *options) { o.jar = jar }
}

// WithInsecureTLS skips certificate verification.
func WithInsecureTLS() Option {
	return func(o *options) { o.insecure = true }
}

// WithMaxRedirects limits how many redirects are followed. Zero means
// redirects are not followed at all.
func WithMaxRedirects(n int) Option {
	return func(o *options) { o.maxRedirects = n }
}

// WithRetry retries requests that failed to connect (refused,
// unreachable). Nothing has reached the server in those cases, so a
// retry never duplicates a request.
func WithRetry(count int, delay time.Duration) Option {
	return func(o *options) {
		o.retries = count
		o.retryDelay = delay
	}
}

// WithLogger sets the logger used for retry diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// NewTransport returns a transport that dials through proxyURL, or
// directly when proxyURL is empty.
func NewTransport(proxyURL string) (*http.Transport, error) {
	t := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   DialTimeout,
			KeepAlive: KeepAlive,
		}).DialContext,
		TLSHandshakeTimeout:   TLSHandshakeTimeout,
		ResponseHeaderTimeout: ResponseHeaderTimeout,
		IdleConnTimeout:       IdleConnTimeout,
		MaxIdleConnsPerHost:   2,
		ForceAttemptHTTP2:     true,
	}
	if proxyURL == "" {
		return t, nil
	}

	u, err := url.Parse(proxyURL)
	if err != nil {
		return nil, fmt.Errorf("parse proxy: %w", err)
	}
	switch u.Scheme {
	case "http", "https", "socks5":
	default:
		return nil, fmt.Errorf("unsupported proxy scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("proxy %q has no host", proxyURL)
	}
	t.Proxy = http.ProxyURL(u)
	return t, nil
}

// NewClient builds a client from opts. It fails only when the proxy
// cannot be used.
func NewClient(opts ...Option) (*http.Client, error) {
	o := &options{
		timeout:      30 * time.Second,
		userAgent:    buildinfo.UserAgent(),
		maxRedirects: DefaultMaxRedirects,
	}
	for _, opt := range opts {
		opt(o)
	}

	t, err := NewTransport(o.proxy)
	if err != nil {
		return nil, err
	}
	if o.insecure {
		t.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // explicit opt-in
	}

	var rt http.RoundTripper = &headerTransport{base: t, ua: o.userAgent}
	if o.retries > 0 {
		rt = &retryTransport{
			base:   rt,
			count:  o.retries,
			delay:  o.retryDelay,
			logger: o.logger,
		}
	}

	limit := o.maxRedirects
	return &http.Client{
		Timeout:   o.timeout,
		Transport: rt,
		Jar:       o.jar,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if limit <= 0 {
				return http.ErrUseLastResponse
			}
			if len(via) >= limit {
				return fmt.Errorf("stopped after %d redirects", limit)
			}
			return nil
		},
	}, nil
}

// headerTransport fills in browser-like default headers without
// overriding anything the caller set.
type headerTransport struct {
	base http.RoundTripper
	ua   string
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	missingUA := t.ua != "" && req.Header.Get("User-Agent") == ""
	missingAccept := req.Header.Get("Accept") == ""
	if missingUA || missingAccept {
		req = req.Clone(req.Context())
		if missingUA {
			req.Header.Set("User-Agent", t.ua)
		}
		if missingAccept {
			req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
		}
	}
	return t.base.RoundTrip(req)
}

type retryTransport struct {
	base   http.RoundTripper
	count  int
	delay  time.Duration
	logger *slog.Logger
}

func (t *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	rewindable := req.Body == nil || req.Body == http.NoBody || req.GetBody != nil

	for try := 1; try <= t.count && err != nil && isConnectError(err) && rewindable; try++ {
		if t.logger != nil {
			t.logger.Debug("retrying after connect error",
				"method", req.Method,
				"host", req.URL.Host,
				"try", try,
				"error", err,
			)
		}

		timer := time.NewTimer(t.delay)
		select {
		case <-req.Context().Done():
			timer.Stop()
			return nil, req.Context().Err()
		case <-timer.C:
		}

		next := req.Clone(req.Context())
		if req.GetBody != nil {
			body, bodyErr := req.GetBody()
			if bodyErr != nil {
				return nil, fmt.Errorf("rewind body: %w", bodyErr)
			}
			next.Body = body
		}
		resp, err = t.base.RoundTrip(next)
	}
	return resp, err
}

// isConnectError reports failures that happen before any byte reaches
// the server. ECONNRESET is excluded: the server may already have
// acted on the request.
func isConnectError(err error) bool {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return false
	}
	switch errno {
	case syscall.ECONNREFUSED, syscall.EHOSTUNREACH, syscall.ENETUNREACH:
		return true
	}
	return false
}

// ReadLimited reads at most limit bytes of r. truncated is true when
// more data was available. A non-positive limit reads everything.
func ReadLimited(r io.Reader, limit int64) (body []byte, truncated bool, err error) {
	if limit <= 0 {
		body, err = io.ReadAll(r)
		return body, false, err
	}
	body, err = io.ReadAll(io.LimitReader(r, limit+1))
	if int64(len(body)) > limit {
		return body[:limit], true, err
	}
	return body, false, err
}

// DrainAndClose discards up to limit bytes of rc and closes it so the
// connection can be reused.
func DrainAndClose(rc io.ReadCloser, limit int64) {
	if rc == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(rc, limit))
	rc.Close()
}
