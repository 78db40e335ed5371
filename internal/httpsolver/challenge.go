package httpsolver

import (
	"bytes"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Titles served by interstitial challenge pages.
var challengeTitles = []string{
	"Just a moment...",
	"Attention Required!",
	"DDoS-Guard",
}

// Element ids that only appear on challenge pages.
var challengeIDs = map[string]bool{
	"challenge-form":       true,
	"challenge-running":    true,
	"challenge-stage":      true,
	"cf-challenge-running": true,
	"cf-please-wait":       true,
	"turnstile-wrapper":    true,
	"trk_jschal_js":        true,
}

// ChallengeError is returned when a response is a challenge page
// instead of the requested content.
type ChallengeError struct {
	URL        string
	StatusCode int
	Title      string
}

func (e *ChallengeError) Error() string {
	if e.Title != "" {
		return fmt.Sprintf("challenge detected at %s (status %d, title %q)", e.URL, e.StatusCode, e.Title)
	}
	return fmt.Sprintf("challenge detected at %s (status %d)", e.URL, e.StatusCode)
}

// inspection is what we learn from one HTML document.
type inspection struct {
	title  string
	marker bool
}

// isChallenge decides whether a response is a challenge page. A known
// title is enough on its own; a challenge element only counts on the
// status codes challenge providers use.
func (in inspection) isChallenge(status int) bool {
	for _, t := range challengeTitles {
		if strings.HasPrefix(in.title, t) {
			return true
		}
	}
	if in.marker {
		return status == http.StatusForbidden || status == http.StatusServiceUnavailable
	}
	return false
}

func inspect(body []byte) inspection {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return inspection{}
	}
	var in inspection
	walk(doc, &in)
	in.title = strings.TrimSpace(in.title)
	return in
}

func walk(n *html.Node, in *inspection) {
	if n.Type == html.ElementNode {
		if n.DataAtom == atom.Title && in.title == "" {
			in.title = textContent(n)
		}
		for _, a := range n.Attr {
			if a.Key == "id" && challengeIDs[a.Val] {
				in.marker = true
			}
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c, in)
	}
}

func textContent(n *html.Node) string {
	if n.Type == html.TextNode {
		return n.Data
	}
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		b.WriteString(textContent(c))
	}
	return b.String()
}
