package api

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/nugget/bypassd/internal/history"
	"github.com/nugget/bypassd/internal/solve"
)

func newHistoryServer(t *testing.T) (http.Handler, *history.Store) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	store, err := history.NewStore(db)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	srv := newTestServer(t, solve.Options{Solver: okSolver(&seen{}), Recorder: store})
	srv.SetHistory(store)
	return srv.Handler(), store
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestSolveHistory(t *testing.T) {
	h, _ := newHistoryServer(t)

	post(t, h, "/v1", `{"cmd": "request.get", "url": "https://example.com/a", "forks": []}`)
	post(t, h, "/v1", `{"cmd": "request.get", "url": "https://example.com/b", "proxy": 12}`)

	rec := get(t, h, "/v1/solves")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var list solveListResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatal(err)
	}
	if len(list.Solves) != 2 {
		t.Fatalf("solves = %d, want 2", len(list.Solves))
	}
	if list.Totals.OK != 1 || list.Totals.Failed != 1 {
		t.Errorf("totals = %+v", list.Totals)
	}

	rec = get(t, h, "/v1/solves?status=error")
	list = solveListResponse{}
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatal(err)
	}
	if len(list.Solves) != 1 || list.Solves[0].ErrorCode != solve.CodeSetup {
		t.Fatalf("error solves = %+v", list.Solves)
	}

	id := list.Solves[0].ID
	rec = get(t, h, "/v1/solves/"+id)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	var one history.Record
	if err := json.Unmarshal(rec.Body.Bytes(), &one); err != nil {
		t.Fatal(err)
	}
	if one.ID != id || one.URL != "https://example.com/b" {
		t.Errorf("record = %+v", one)
	}
}

func TestSolveHistory_Errors(t *testing.T) {
	h, _ := newHistoryServer(t)

	tests := []struct {
		name string
		path string
		want int
	}{
		{name: "unknown id", path: "/v1/solves/does-not-exist", want: http.StatusNotFound},
		{name: "bad limit", path: "/v1/solves?limit=abc", want: http.StatusBadRequest},
		{name: "zero limit", path: "/v1/solves?limit=0", want: http.StatusBadRequest},
		{name: "large limit is capped", path: "/v1/solves?limit=100000", want: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := get(t, h, tt.path); rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestSolveHistory_NotConfigured(t *testing.T) {
	h := newTestServer(t, solve.Options{Solver: okSolver(&seen{})}).Handler()
	for _, path := range []string{"/v1/solves", "/v1/solves/x"} {
		if rec := get(t, h, path); rec.Code != http.StatusServiceUnavailable {
			t.Errorf("%s status = %d, want 503", path, rec.Code)
		}
	}
}
