package solver

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"
)

type fakeSession struct {
	page     *Page
	err      error
	postForm url.Values
	cookies  []Cookie
}

func (s *fakeSession) Navigate(ctx context.Context, rawURL string) (*Page, error) {
	return s.page, s.err
}

func (s *fakeSession) Post(ctx context.Context, rawURL string, form url.Values) (*Page, error) {
	s.postForm = form
	return s.page, s.err
}

func (s *fakeSession) Cookies() []Cookie { return s.cookies }

func TestDefaultRegistry_All(t *testing.T) {
	r, err := DefaultRegistry(nil)
	if err != nil {
		t.Fatalf("DefaultRegistry() error: %v", err)
	}
	want := "get_cookies,get_page,make_post,request.get,request.post"
	if got := strings.Join(r.Names(), ","); got != want {
		t.Errorf("Names() = %q, want %q", got, want)
	}
}

func TestDefaultRegistry_Subset(t *testing.T) {
	r, err := DefaultRegistry([]string{"get_cookies"})
	if err != nil {
		t.Fatalf("DefaultRegistry() error: %v", err)
	}
	if _, err := r.Lookup("get_cookies"); err != nil {
		t.Errorf("Lookup(get_cookies) error: %v", err)
	}
	if _, err := r.Lookup("get_page"); err == nil {
		t.Error("Lookup(get_page) should fail when not enabled")
	}
}

func TestDefaultRegistry_Unknown(t *testing.T) {
	if _, err := DefaultRegistry([]string{"screenshot"}); err == nil {
		t.Fatal("DefaultRegistry with unknown command should fail")
	}
}

func TestRegistry_LookupNil(t *testing.T) {
	var r *Registry
	_, err := r.Lookup("get_page")
	if err == nil || err.Error() != "unknown command: get_page" {
		t.Errorf("Lookup on nil registry = %v", err)
	}
}

func TestGetPage(t *testing.T) {
	sess := &fakeSession{
		page:    &Page{URL: "https://x.com/final", StatusCode: 200, Body: []byte("<html>hi</html>")},
		cookies: []Cookie{{Name: "a", Value: "b", Domain: "x.com"}},
	}
	p, _ := DefaultRegistry(nil)
	proc, _ := p.Lookup(CommandGetPage)

	res, err := proc.Process(context.Background(), sess, &Request{URL: "https://x.com"})
	if err != nil {
		t.Fatalf("Process() error: %v", err)
	}
	if res.Message != MessageNoChallenge {
		t.Errorf("Message = %q", res.Message)
	}
	if res.URL != "https://x.com/final" {
		t.Errorf("URL = %q", res.URL)
	}
	if res.Response != "<html>hi</html>" {
		t.Errorf("Response = %v", res.Response)
	}
	if len(res.Cookies) != 1 {
		t.Errorf("Cookies = %v", res.Cookies)
	}
}

func TestGetCookies_NoBody(t *testing.T) {
	sess := &fakeSession{page: &Page{URL: "https://x.com", Body: []byte("body"), Challenged: true}}
	res, err := CommandFunc(getCookies).Process(context.Background(), sess, &Request{URL: "https://x.com"})
	if err != nil {
		t.Fatalf("Process() error: %v", err)
	}
	if res.Response != nil {
		t.Errorf("get_cookies should not return a body, got %v", res.Response)
	}
	if res.Message != MessageSolved {
		t.Errorf("Message = %q, want %q", res.Message, MessageSolved)
	}
}

func TestMakePost(t *testing.T) {
	sess := &fakeSession{page: &Page{URL: "https://x.com/post", Body: []byte("done")}}
	req := &Request{URL: "https://x.com/post", Params: map[string]any{"postData": "a=1&b=two"}}

	res, err := CommandFunc(makePost).Process(context.Background(), sess, req)
	if err != nil {
		t.Fatalf("Process() error: %v", err)
	}
	if sess.postForm.Get("a") != "1" || sess.postForm.Get("b") != "two" {
		t.Errorf("posted form = %v", sess.postForm)
	}
	if res.Response != "done" {
		t.Errorf("Response = %v", res.Response)
	}
}

func TestMakePost_InvalidData(t *testing.T) {
	sess := &fakeSession{page: &Page{}}
	req := &Request{Params: map[string]any{"postData": "%zz"}}
	if _, err := CommandFunc(makePost).Process(context.Background(), sess, req); err == nil {
		t.Fatal("expected error for malformed postData")
	}
}

func TestCommand_PropagatesNavigateError(t *testing.T) {
	want := errors.New("challenge detected")
	sess := &fakeSession{err: want}
	if _, err := CommandFunc(getCookies).Process(context.Background(), sess, &Request{}); !errors.Is(err, want) {
		t.Errorf("error = %v, want %v", err, want)
	}
}

func TestCookieFromHTTP(t *testing.T) {
	exp := time.Unix(1700000000, 0)
	c := CookieFromHTTP(&http.Cookie{Name: "cf_clearance", Value: "v", Path: "/app", Secure: true, Expires: exp}, "x.com")
	if c.Domain != "x.com" {
		t.Errorf("Domain = %q, want host fallback", c.Domain)
	}
	if c.Path == nil || *c.Path != "/app" {
		t.Errorf("Path = %v", c.Path)
	}
	if c.Secure == nil || !*c.Secure {
		t.Errorf("Secure = %v", c.Secure)
	}
	if c.Expires == nil || *c.Expires != 1700000000 {
		t.Errorf("Expires = %v", c.Expires)
	}

	back := c.HTTP()
	if back.Path != "/app" || !back.Secure || !back.Expires.Equal(exp) {
		t.Errorf("HTTP() = %+v", back)
	}
}

func TestCookieHTTP_Expires(t *testing.T) {
	tests := []struct {
		name    string
		expires float64
		want    time.Time
	}{
		{name: "fractional", expires: 1700000000.25, want: time.Unix(1700000000, 250_000_000)},
		{name: "beyond 2262", expires: 10000000000, want: time.Unix(10000000000, 0)},
		{name: "session", expires: -1, want: time.Unix(-1, 0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exp := tt.expires
			hc := Cookie{Name: "a", Value: "b", Expires: &exp}.HTTP()
			if !hc.Expires.Equal(tt.want) {
				t.Errorf("Expires = %v, want %v", hc.Expires, tt.want)
			}
		})
	}

	far := CookieFromHTTP(&http.Cookie{Name: "a", Expires: time.Unix(10000000000, 0)}, "x.com")
	if far.Expires == nil || *far.Expires != 10000000000 {
		t.Errorf("CookieFromHTTP Expires = %v", far.Expires)
	}
}

func TestCookieHTTP_Defaults(t *testing.T) {
	hc := Cookie{Name: "a", Value: "b", Domain: "x.com"}.HTTP()
	if hc.Path != "/" {
		t.Errorf("Path = %q, want /", hc.Path)
	}
	if !hc.Expires.IsZero() {
		t.Errorf("Expires = %v, want zero", hc.Expires)
	}
}
