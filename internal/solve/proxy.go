package solve

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ProxyObject is the structured proxy form FlareSolverr clients send:
// {"url": "http://host:port", "username": "...", "password": "..."}.
type ProxyObject struct {
	URL      *string `json:"url"`
	Username *string `json:"username"`
	Password *string `json:"password"`
}

// Proxy is a request's proxy as received: either a canonical string or
// a [ProxyObject]. The zero value means no proxy.
type Proxy struct {
	Raw    string
	Object *ProxyObject

	// invalid holds a decoding problem; it is reported by Normalize so
	// that a malformed proxy fails request setup rather than decoding.
	invalid error
}

// ProxyString returns a Proxy holding an already canonical string.
func ProxyString(s string) *Proxy {
	return &Proxy{Raw: s}
}

// UnmarshalJSON accepts null, a string, or an object. Any other shape
// decodes without error and is rejected later by Normalize.
func (p *Proxy) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		*p = Proxy{}
		return nil
	case len(data) > 0 && data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*p = Proxy{Raw: s}
		return nil
	case len(data) > 0 && data[0] == '{':
		var obj ProxyObject
		if err := json.Unmarshal(data, &obj); err != nil {
			*p = Proxy{invalid: fmt.Errorf("invalid proxy object: %w", err)}
			return nil
		}
		*p = Proxy{Object: &obj}
		return nil
	default:
		*p = Proxy{invalid: fmt.Errorf("proxy must be a string or an object, got %s", data)}
		return nil
	}
}

// Normalize returns the canonical proxy string
// scheme://[user:pass@]host[:port], or "" for no proxy. For the object
// form, scheme, host and port come from the object's url; credentials
// embedded in that url are dropped in favour of username/password. No
// username means no credential segment. A missing url means no proxy.
func (p *Proxy) Normalize() (string, error) {
	if p == nil {
		return "", nil
	}
	if p.invalid != nil {
		return "", p.invalid
	}
	if p.Object == nil {
		return p.Raw, nil
	}
	if p.Object.URL == nil || *p.Object.URL == "" {
		return "", nil
	}

	raw := *p.Object.URL
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid proxy url %q: %w", raw, err)
	}
	if u.Scheme == "" || u.Hostname() == "" {
		return "", fmt.Errorf("invalid proxy url %q: expected scheme://host[:port]", raw)
	}

	host := u.Hostname()
	switch {
	case u.Port() != "":
		host = net.JoinHostPort(host, u.Port())
	case strings.Contains(host, ":"):
		host = "[" + host + "]"
	}

	out := url.URL{Scheme: u.Scheme, Host: host}
	if p.Object.Username != nil && *p.Object.Username != "" {
		password := ""
		if p.Object.Password != nil {
			password = *p.Object.Password
		}
		out.User = url.UserPassword(*p.Object.Username, password)
	}
	return out.String(), nil
}
