package solve

import (
	"sync"
	"time"
)

// Stats counts processed requests. Safe for concurrent use.
type Stats struct {
	mu        sync.Mutex
	ok        int64
	failed    int64
	attempts  int64
	lastSolve time.Time
	lastError string
}

// StatsSnapshot is a copy of [Stats] at one moment.
type StatsSnapshot struct {
	OK        int64     `json:"ok"`
	Failed    int64     `json:"failed"`
	Attempts  int64     `json:"attempts"`
	LastSolve time.Time `json:"last_solve,omitzero"`
	LastError string    `json:"last_error,omitempty"`
}

func (s *Stats) record(ok bool, attempts int, at time.Time, code string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts += int64(attempts)
	s.lastSolve = at
	if ok {
		s.ok++
		return
	}
	s.failed++
	s.lastError = code
}

// Snapshot returns the current counters.
func (s *Stats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return StatsSnapshot{
		OK:        s.ok,
		Failed:    s.failed,
		Attempts:  s.attempts,
		LastSolve: s.lastSolve,
		LastError: s.lastError,
	}
}
