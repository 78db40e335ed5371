package solve

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/nugget/bypassd/internal/solver"
)

func TestPublicCookie(t *testing.T) {
	path := "/app"
	secure := false
	port := 8443
	exp := 1700000000.5

	tests := []struct {
		name string
		in   solver.Cookie
		want string
	}{
		{
			name: "defaults",
			in:   solver.Cookie{Name: "a", Value: "b", Domain: "x.com"},
			want: `{"name":"a","value":"b","domain":"x.com","path":"/","secure":true}`,
		},
		{
			name: "all attributes",
			in:   solver.Cookie{Name: "a", Value: "b", Domain: "x.com", Port: &port, Path: &path, Secure: &secure, Expires: &exp},
			want: `{"name":"a","value":"b","domain":"x.com","port":8443,"path":"/app","secure":false,"expires":1700000000.5}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := json.Marshal(PublicCookie(tt.in))
			if err != nil {
				t.Fatal(err)
			}
			if string(b) != tt.want {
				t.Errorf("json = %s\nwant   %s", b, tt.want)
			}
		})
	}
}

func TestEnvelopeJSON(t *testing.T) {
	start := time.Unix(1700000000, 0)
	end := start.Add(250 * time.Millisecond)

	t.Run("error has no solution", func(t *testing.T) {
		b, err := json.Marshal(errorEnvelope(start, end, errors.New("boom")))
		if err != nil {
			t.Fatal(err)
		}
		var m map[string]any
		if err := json.Unmarshal(b, &m); err != nil {
			t.Fatal(err)
		}
		if _, ok := m["solution"]; ok {
			t.Errorf("solution present in %s", b)
		}
		if m["message"] != "Error: boom" || m["status"] != StatusError {
			t.Errorf("envelope = %s", b)
		}
		if m["startTimestamp"].(float64) != 1700000000 || m["endTimestamp"].(float64) != 1700000000.25 {
			t.Errorf("timestamps = %v, %v", m["startTimestamp"], m["endTimestamp"])
		}
	})

	t.Run("ok carries fixed status code", func(t *testing.T) {
		env := okEnvelope(start, end, &solver.Result{Message: "m", URL: "u", Response: "<html>"}, "ua")
		if env.Solution.Status != 200 {
			t.Errorf("Solution.Status = %d", env.Solution.Status)
		}
		b, err := json.Marshal(env)
		if err != nil {
			t.Fatal(err)
		}
		var m struct {
			Solution map[string]any `json:"solution"`
		}
		if err := json.Unmarshal(b, &m); err != nil {
			t.Fatal(err)
		}
		if m.Solution["userAgent"] != "ua" || m.Solution["response"] != "<html>" {
			t.Errorf("solution = %v", m.Solution)
		}
		if cookies, ok := m.Solution["cookies"].([]any); !ok || len(cookies) != 0 {
			t.Errorf("cookies = %v, want empty list", m.Solution["cookies"])
		}
	})
}
