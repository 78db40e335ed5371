package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nugget/bypassd/internal/solve"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	// Each connection to :memory: is a separate database.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	store, err := NewStore(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func summary(id string, started time.Time, status string) solve.Summary {
	s := solve.Summary{
		ID:        id,
		URL:       "https://example.com/" + id,
		Command:   "get_cookies",
		Status:    status,
		Message:   "Challenge not detected!",
		Attempts:  3,
		Winner:    1,
		Failures:  1,
		StartedAt: started,
		EndedAt:   started.Add(1500 * time.Millisecond),
	}
	if status == solve.StatusError {
		s.Message = "Error: boom"
		s.ErrorCode = solve.CodeAggregate
		s.Winner = -1
		s.Failures = 3
	}
	return s
}

func TestStore_RecordAndGet(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	started := time.Date(2026, 3, 1, 12, 0, 0, 250_000_000, time.UTC)

	if err := store.RecordSolve(ctx, summary("a", started, solve.StatusOK)); err != nil {
		t.Fatalf("record: %v", err)
	}

	rec, err := store.Get(ctx, "a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.URL != "https://example.com/a" || rec.Command != "get_cookies" || rec.Status != solve.StatusOK {
		t.Errorf("record = %+v", rec)
	}
	if rec.Attempts != 3 || rec.Winner != 1 || rec.Failures != 1 {
		t.Errorf("counts = %d/%d/%d", rec.Attempts, rec.Winner, rec.Failures)
	}
	if !rec.StartedAt.Equal(started) {
		t.Errorf("StartedAt = %v, want %v", rec.StartedAt, started)
	}
	if rec.DurationMs != 1500 {
		t.Errorf("DurationMs = %d, want 1500", rec.DurationMs)
	}
	if rec.ErrorCode != "" {
		t.Errorf("ErrorCode = %q, want empty", rec.ErrorCode)
	}
}

func TestStore_GetMissing(t *testing.T) {
	store := setupTestStore(t)
	if _, err := store.Get(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestStore_DuplicateID(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	sum := summary("dup", time.Now(), solve.StatusOK)
	if err := store.RecordSolve(ctx, sum); err != nil {
		t.Fatal(err)
	}
	if err := store.RecordSolve(ctx, sum); err == nil {
		t.Error("second insert with same id succeeded")
	}
}

func TestStore_Recent(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	// Whole seconds and fractional seconds interleave to check ordering.
	for i := range 6 {
		status := solve.StatusOK
		if i%2 == 1 {
			status = solve.StatusError
		}
		started := base.Add(time.Duration(i) * 500 * time.Millisecond)
		if err := store.RecordSolve(ctx, summary(fmt.Sprintf("r%d", i), started, status)); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		name    string
		limit   int
		status  string
		wantIDs []string
	}{
		{"all", 0, "", []string{"r5", "r4", "r3", "r2", "r1", "r0"}},
		{"limited", 2, "", []string{"r5", "r4"}},
		{"errors only", 0, solve.StatusError, []string{"r5", "r3", "r1"}},
		{"ok limited", 1, solve.StatusOK, []string{"r4"}},
		{"unknown status", 0, "pending", []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recs, err := store.Recent(ctx, tt.limit, tt.status)
			if err != nil {
				t.Fatal(err)
			}
			if recs == nil {
				t.Fatal("Recent returned nil slice")
			}
			if len(recs) != len(tt.wantIDs) {
				t.Fatalf("len = %d, want %d", len(recs), len(tt.wantIDs))
			}
			for i, id := range tt.wantIDs {
				if recs[i].ID != id {
					t.Errorf("[%d] = %s, want %s", i, recs[i].ID, id)
				}
			}
		})
	}
}

func TestStore_TotalsAndPrune(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	totals, err := store.Totals(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if totals != (Totals{}) {
		t.Errorf("empty totals = %+v", totals)
	}

	old := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	recent := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for id, sum := range map[string]solve.Summary{
		"old-ok":    summary("old-ok", old, solve.StatusOK),
		"old-error": summary("old-error", old, solve.StatusError),
		"new-ok":    summary("new-ok", recent, solve.StatusOK),
	} {
		if err := store.RecordSolve(ctx, sum); err != nil {
			t.Fatalf("record %s: %v", id, err)
		}
	}

	totals, err = store.Totals(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if totals.OK != 2 || totals.Failed != 1 {
		t.Errorf("totals = %+v, want 2 ok / 1 failed", totals)
	}

	n, err := store.Prune(ctx, recent.Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("pruned = %d, want 2", n)
	}
	if _, err := store.Get(ctx, "new-ok"); err != nil {
		t.Errorf("recent record pruned: %v", err)
	}
}

func TestOpen_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	store, err := Open(path)
	if err != nil {
		t.Fatalf("Open(%q): %v", path, err)
	}
	ctx := context.Background()
	if err := store.RecordSolve(ctx, summary("persisted", time.Now(), solve.StatusOK)); err != nil {
		t.Fatal(err)
	}
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	if _, err := reopened.Get(ctx, "persisted"); err != nil {
		t.Errorf("record lost across reopen: %v", err)
	}
}
