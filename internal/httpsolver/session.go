package httpsolver

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/net/publicsuffix"

	"github.com/nugget/bypassd/internal/httpkit"
	"github.com/nugget/bypassd/internal/solver"
)

// Debug artifact file names.
const (
	pageFile      = "page.html"
	challengeFile = "challenge.html"
)

// recordingJar is a public-suffix-aware jar that also remembers every
// cookie it accepted, in order, so the session can report the full
// set without knowing which URLs to ask for.
type recordingJar struct {
	*cookiejar.Jar

	mu    sync.Mutex
	order []string
	byKey map[string]solver.Cookie
}

func newRecordingJar() (*recordingJar, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, err
	}
	return &recordingJar{Jar: jar, byKey: make(map[string]solver.Cookie)}, nil
}

func (j *recordingJar) SetCookies(u *url.URL, cookies []*http.Cookie) {
	j.Jar.SetCookies(u, cookies)

	j.mu.Lock()
	defer j.mu.Unlock()
	for _, c := range cookies {
		sc := solver.CookieFromHTTP(c, u.Hostname())
		sc.Domain = strings.TrimPrefix(sc.Domain, ".")
		path := "/"
		if sc.Path != nil {
			path = *sc.Path
		}
		key := sc.Name + ";" + sc.Domain + ";" + path
		if c.MaxAge < 0 {
			delete(j.byKey, key)
			continue
		}
		if _, seen := j.byKey[key]; !seen {
			j.order = append(j.order, key)
		}
		j.byKey[key] = sc
	}
}

func (j *recordingJar) recorded() []solver.Cookie {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]solver.Cookie, 0, len(j.byKey))
	for _, key := range j.order {
		if c, ok := j.byKey[key]; ok {
			out = append(out, c)
		}
	}
	return out
}

// session is a [solver.Session] over one attempt's HTTP client.
type session struct {
	client         *http.Client
	jar            *recordingJar
	maxBody        int64
	debugDir       string
	screenshotsDir string
	logger         *slog.Logger
}

func newSession(req *solver.Request, env solver.Environment, opts Options) (*session, error) {
	jar, err := newRecordingJar()
	if err != nil {
		return nil, fmt.Errorf("cookie jar: %w", err)
	}

	if len(req.Cookies) > 0 {
		target, err := url.Parse(req.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid url %q: %w", req.URL, err)
		}
		seed := make([]*http.Cookie, 0, len(req.Cookies))
		for _, c := range req.Cookies {
			seed = append(seed, c.HTTP())
		}
		jar.SetCookies(target, seed)
	}

	clientOpts := []httpkit.Option{
		httpkit.WithTimeout(opts.Timeout),
		httpkit.WithProxy(env.Proxy),
		httpkit.WithJar(jar),
		httpkit.WithLogger(env.Logger),
	}
	if env.UserAgent != "" {
		clientOpts = append(clientOpts, httpkit.WithUserAgent(env.UserAgent))
	}
	if opts.InsecureTLS {
		clientOpts = append(clientOpts, httpkit.WithInsecureTLS())
	}
	if opts.Retries > 0 {
		clientOpts = append(clientOpts, httpkit.WithRetry(opts.Retries, opts.RetryDelay))
	}
	client, err := httpkit.NewClient(clientOpts...)
	if err != nil {
		return nil, err
	}

	logger := env.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &session{
		client:         client,
		jar:            jar,
		maxBody:        env.MaxBodyBytes,
		debugDir:       env.DebugDir,
		screenshotsDir: env.ScreenshotsDir,
		logger:         logger,
	}, nil
}

func (s *session) Navigate(ctx context.Context, rawURL string) (*solver.Page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	return s.do(req)
}

func (s *session) Post(ctx context.Context, rawURL string, form url.Values) (*solver.Page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return s.do(req)
}

func (s *session) Cookies() []solver.Cookie {
	return s.jar.recorded()
}

func (s *session) close() {
	s.client.CloseIdleConnections()
}

func (s *session) do(req *http.Request) (*solver.Page, error) {
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer httpkit.DrainAndClose(resp.Body, 64*1024)

	body, truncated, err := httpkit.ReadLimited(resp.Body, s.maxBody)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", req.URL, err)
	}
	if truncated {
		s.logger.Debug("response body truncated", "url", resp.Request.URL.String(), "limit", s.maxBody)
	}

	final := resp.Request.URL.String()
	in := inspect(body)
	if in.isChallenge(resp.StatusCode) {
		s.save(s.screenshotsDir, challengeFile, body)
		return nil, &ChallengeError{URL: final, StatusCode: resp.StatusCode, Title: in.title}
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, fmt.Errorf("%s returned %s", final, resp.Status)
	}

	s.save(s.debugDir, pageFile, body)
	s.logger.Debug("page loaded", "url", final, "status", resp.StatusCode, "title", in.title, "bytes", len(body))
	return &solver.Page{
		URL:        final,
		StatusCode: resp.StatusCode,
		Title:      in.title,
		Body:       body,
	}, nil
}

// save writes a debug artifact. Failures are logged, never fatal.
func (s *session) save(dir, name string, body []byte) {
	if dir == "" {
		return
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, body, 0o644); err != nil {
		s.logger.Warn("failed to write debug artifact", "path", path, "error", err)
	}
}
