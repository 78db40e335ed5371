package solver

import (
	"context"
	"fmt"
	"net/url"
	"sort"
)

// Messages reported by the built-in commands.
const (
	MessageNoChallenge = "Challenge not detected!"
	MessageSolved      = "Challenge solved!"
)

// Page is a loaded document as seen by a command processor.
type Page struct {
	URL        string
	StatusCode int
	Title      string
	Body       []byte

	// Challenged is true when the page had to get past a challenge.
	Challenged bool
}

// Session is what a solver hands to a command processor: a browsing
// context that already carries the request's cookies and proxy.
type Session interface {
	Navigate(ctx context.Context, rawURL string) (*Page, error)
	Post(ctx context.Context, rawURL string, form url.Values) (*Page, error)
	Cookies() []Cookie
}

// CommandProcessor implements one named command.
type CommandProcessor interface {
	Process(ctx context.Context, sess Session, req *Request) (*Result, error)
}

// CommandFunc adapts a function to [CommandProcessor].
type CommandFunc func(ctx context.Context, sess Session, req *Request) (*Result, error)

// Process calls f.
func (f CommandFunc) Process(ctx context.Context, sess Session, req *Request) (*Result, error) {
	return f(ctx, sess, req)
}

// Registry maps command names to processors. It is filled once at
// startup and only read afterwards, so it needs no locking.
type Registry struct {
	processors map[string]CommandProcessor
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{processors: make(map[string]CommandProcessor)}
}

// Register adds or replaces the processor for name.
func (r *Registry) Register(name string, p CommandProcessor) {
	r.processors[name] = p
}

// Lookup returns the processor for name.
func (r *Registry) Lookup(name string) (CommandProcessor, error) {
	if r != nil {
		if p, ok := r.processors[name]; ok {
			return p, nil
		}
	}
	return nil, fmt.Errorf("unknown command: %s", name)
}

// Names returns the registered command names, sorted.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.processors))
	for name := range r.processors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Built-in command names. The dotted names are FlareSolverr aliases.
const (
	CommandGetCookies  = "get_cookies"
	CommandGetPage     = "get_page"
	CommandMakePost    = "make_post"
	CommandRequestGet  = "request.get"
	CommandRequestPost = "request.post"
)

// Builtins returns the built-in processors keyed by command name.
func Builtins() map[string]CommandProcessor {
	return map[string]CommandProcessor{
		CommandGetCookies:  CommandFunc(getCookies),
		CommandGetPage:     CommandFunc(getPage),
		CommandMakePost:    CommandFunc(makePost),
		CommandRequestGet:  CommandFunc(getPage),
		CommandRequestPost: CommandFunc(makePost),
	}
}

// DefaultRegistry builds a registry holding the built-ins named in
// enabled, or all of them when enabled is empty.
func DefaultRegistry(enabled []string) (*Registry, error) {
	builtins := Builtins()
	r := NewRegistry()
	if len(enabled) == 0 {
		for name, p := range builtins {
			r.Register(name, p)
		}
		return r, nil
	}
	for _, name := range enabled {
		p, ok := builtins[name]
		if !ok {
			return nil, fmt.Errorf("unknown command %q (available: %v)", name, sortedKeys(builtins))
		}
		r.Register(name, p)
	}
	return r, nil
}

func sortedKeys(m map[string]CommandProcessor) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func pageMessage(p *Page) string {
	if p.Challenged {
		return MessageSolved
	}
	return MessageNoChallenge
}

func getCookies(ctx context.Context, sess Session, req *Request) (*Result, error) {
	page, err := sess.Navigate(ctx, req.URL)
	if err != nil {
		return nil, err
	}
	return &Result{
		Message: pageMessage(page),
		URL:     page.URL,
		Cookies: sess.Cookies(),
	}, nil
}

func getPage(ctx context.Context, sess Session, req *Request) (*Result, error) {
	page, err := sess.Navigate(ctx, req.URL)
	if err != nil {
		return nil, err
	}
	return &Result{
		Message:  pageMessage(page),
		URL:      page.URL,
		Cookies:  sess.Cookies(),
		Response: string(page.Body),
	}, nil
}

// makePost submits params["postData"] (an urlencoded string) to the
// request URL.
func makePost(ctx context.Context, sess Session, req *Request) (*Result, error) {
	raw, _ := req.Params["postData"].(string)
	form, err := url.ParseQuery(raw)
	if err != nil {
		return nil, fmt.Errorf("make_post: invalid postData: %w", err)
	}
	page, err := sess.Post(ctx, req.URL, form)
	if err != nil {
		return nil, err
	}
	return &Result{
		Message:  pageMessage(page),
		URL:      page.URL,
		Cookies:  sess.Cookies(),
		Response: string(page.Body),
	}, nil
}
