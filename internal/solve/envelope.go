package solve

import (
	"time"

	"github.com/nugget/bypassd/internal/solver"
)

// Envelope statuses.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Envelope is the single response shape for every solve request. The
// JSON field names follow the FlareSolverr wire format.
type Envelope struct {
	Status         string    `json:"status"`
	Message        string    `json:"message"`
	StartTimestamp float64   `json:"startTimestamp"`
	EndTimestamp   float64   `json:"endTimestamp"`
	Solution       *Solution `json:"solution,omitempty"`
}

// Solution is present only on success. Status is always 200; it is
// not taken from any transport-level response.
type Solution struct {
	Status   int      `json:"status"`
	URL      string   `json:"url"`
	Cookies  []Cookie `json:"cookies"`
	Identity string   `json:"userAgent,omitempty"`
	Response any      `json:"response,omitempty"`
}

// Cookie is the public cookie shape. Path and Secure are always
// present, Port and Expires only when known.
type Cookie struct {
	Name    string   `json:"name"`
	Value   string   `json:"value"`
	Domain  string   `json:"domain"`
	Port    *int     `json:"port,omitempty"`
	Path    string   `json:"path"`
	Secure  bool     `json:"secure"`
	Expires *float64 `json:"expires,omitempty"`
}

// PublicCookie applies the public defaults (path "/", secure true) to
// a solver cookie.
func PublicCookie(c solver.Cookie) Cookie {
	out := Cookie{
		Name:    c.Name,
		Value:   c.Value,
		Domain:  c.Domain,
		Port:    c.Port,
		Path:    "/",
		Secure:  true,
		Expires: c.Expires,
	}
	if c.Path != nil {
		out.Path = *c.Path
	}
	if c.Secure != nil {
		out.Secure = *c.Secure
	}
	return out
}

// EpochSeconds converts t to fractional seconds since the Unix epoch.
func EpochSeconds(t time.Time) float64 {
	return float64(t.Unix()) + float64(t.Nanosecond())/float64(time.Second)
}

func okEnvelope(start, end time.Time, res *solver.Result, identity string) *Envelope {
	cookies := make([]Cookie, 0, len(res.Cookies))
	for _, c := range res.Cookies {
		cookies = append(cookies, PublicCookie(c))
	}
	return &Envelope{
		Status:         StatusOK,
		Message:        res.Message,
		StartTimestamp: EpochSeconds(start),
		EndTimestamp:   EpochSeconds(end),
		Solution: &Solution{
			Status:   200,
			URL:      res.URL,
			Cookies:  cookies,
			Identity: identity,
			Response: res.Response,
		},
	}
}

func errorEnvelope(start, end time.Time, err error) *Envelope {
	return &Envelope{
		Status:         StatusError,
		Message:        "Error: " + err.Error(),
		StartTimestamp: EpochSeconds(start),
		EndTimestamp:   EpochSeconds(end),
	}
}
