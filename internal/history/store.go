// Package history persists a summary of every processed solve request
// in SQLite so operators can see what the service did after the fact.
// Only outcomes are stored: no cookies, page bodies or credentials.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nugget/bypassd/internal/solve"
)

// timeFormat is fixed width so that stored timestamps sort
// lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// ErrNotFound is returned by [Store.Get] for an unknown id.
var ErrNotFound = errors.New("solve not found")

// Record is one persisted request outcome.
type Record struct {
	ID         string    `json:"id"`
	URL        string    `json:"url"`
	Command    string    `json:"command,omitempty"`
	Status     string    `json:"status"`
	Message    string    `json:"message"`
	ErrorCode  string    `json:"error_code,omitempty"`
	Attempts   int       `json:"attempts"`
	Winner     int       `json:"winner"`
	Failures   int       `json:"failures"`
	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"ended_at"`
	DurationMs int64     `json:"duration_ms"`
}

// Totals counts stored outcomes by status.
type Totals struct {
	OK     int `json:"ok"`
	Failed int `json:"failed"`
}

// Store reads and writes the solves table. Safe for concurrent use.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the SQLite database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	s, err := NewStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewStore wraps an open database and creates the schema.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("history migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS solves (
			id          TEXT PRIMARY KEY,
			url         TEXT NOT NULL,
			command     TEXT,
			status      TEXT NOT NULL,
			message     TEXT,
			error_code  TEXT,
			attempts    INTEGER NOT NULL,
			winner      INTEGER NOT NULL,
			failures    INTEGER NOT NULL,
			started_at  TEXT NOT NULL,
			ended_at    TEXT NOT NULL,
			duration_ms INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_solves_started
			ON solves(started_at DESC);
		CREATE INDEX IF NOT EXISTS idx_solves_status
			ON solves(status, started_at DESC);
	`)
	return err
}

// RecordSolve stores a finished request. It satisfies [solve.Recorder].
func (s *Store) RecordSolve(ctx context.Context, sum solve.Summary) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO solves (
			id, url, command, status, message, error_code,
			attempts, winner, failures, started_at, ended_at, duration_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sum.ID, sum.URL, sum.Command, sum.Status, sum.Message, sum.ErrorCode,
		sum.Attempts, sum.Winner, sum.Failures,
		sum.StartedAt.UTC().Format(timeFormat),
		sum.EndedAt.UTC().Format(timeFormat),
		sum.EndedAt.Sub(sum.StartedAt).Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("record solve %s: %w", sum.ID, err)
	}
	return nil
}

const selectColumns = `
	SELECT id, url, command, status, message, error_code,
		attempts, winner, failures, started_at, ended_at, duration_ms
	FROM solves`

// Get returns one record by id.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	rec, err := scanInto(s.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get solve %s: %w", id, err)
	}
	return rec, nil
}

// Recent returns up to limit records, newest first, optionally
// restricted to one status. A non-positive limit returns everything.
func (s *Store) Recent(ctx context.Context, limit int, status string) ([]*Record, error) {
	var (
		where []string
		args  []any
	)
	if status != "" {
		where = append(where, "status = ?")
		args = append(args, status)
	}
	query := selectColumns
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list solves: %w", err)
	}
	defer rows.Close()

	records := []*Record{}
	for rows.Next() {
		rec, err := scanInto(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Totals counts every stored record by outcome.
func (s *Store) Totals(ctx context.Context) (Totals, error) {
	var t Totals
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status != ? THEN 1 ELSE 0 END), 0)
		FROM solves`, solve.StatusOK, solve.StatusOK,
	).Scan(&t.OK, &t.Failed)
	if err != nil {
		return Totals{}, fmt.Errorf("count solves: %w", err)
	}
	return t, nil
}

// Prune deletes records that started before cutoff and reports how
// many were removed.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM solves WHERE started_at < ?`,
		cutoff.UTC().Format(timeFormat),
	)
	if err != nil {
		return 0, fmt.Errorf("prune solves: %w", err)
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanInto(sc scanner) (*Record, error) {
	var (
		rec                       Record
		command, message, errCode sql.NullString
		startedAt, endedAt        string
	)
	err := sc.Scan(
		&rec.ID, &rec.URL, &command, &rec.Status, &message, &errCode,
		&rec.Attempts, &rec.Winner, &rec.Failures,
		&startedAt, &endedAt, &rec.DurationMs,
	)
	if err != nil {
		return nil, err
	}
	rec.Command = command.String
	rec.Message = message.String
	rec.ErrorCode = errCode.String
	rec.StartedAt, _ = time.Parse(timeFormat, startedAt)
	rec.EndedAt, _ = time.Parse(timeFormat, endedAt)
	return &rec, nil
}
