package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/nugget/bypassd/internal/history"
)

// History is the read side of the solve history store.
type History interface {
	Recent(ctx context.Context, limit int, status string) ([]*history.Record, error)
	Get(ctx context.Context, id string) (*history.Record, error)
	Totals(ctx context.Context) (history.Totals, error)
}

const (
	defaultSolveLimit = 50
	maxSolveLimit     = 500
)

type solveListResponse struct {
	Solves []*history.Record `json:"solves"`
	Totals history.Totals    `json:"totals"`
}

// handleSolveList returns recent solves, newest first. Query
// parameters: limit (default 50, max 500) and status (ok or error).
func (s *Server) handleSolveList(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "history not configured")
		return
	}

	limit := defaultSolveLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.errorResponse(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxSolveLimit)
	}
	status := r.URL.Query().Get("status")

	solves, err := s.history.Recent(r.Context(), limit, status)
	if err != nil {
		s.logger.Error("list solves failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to list solves")
		return
	}
	totals, err := s.history.Totals(r.Context())
	if err != nil {
		s.logger.Error("solve totals failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to count solves")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, solveListResponse{Solves: solves, Totals: totals}, s.logger)
}

func (s *Server) handleSolveGet(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "history not configured")
		return
	}

	id := r.PathValue("id")
	rec, err := s.history.Get(r.Context(), id)
	if errors.Is(err, history.ErrNotFound) {
		s.errorResponse(w, http.StatusNotFound, "solve not found: "+id)
		return
	}
	if err != nil {
		s.logger.Error("get solve failed", "id", id, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to load solve")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, rec, s.logger)
}
