package api

import (
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/nugget/bypassd/internal/solve"
	"github.com/nugget/bypassd/internal/solver"
)

// SolveRequest is the FlareSolverr-style request body accepted by every
// solve endpoint.
type SolveRequest struct {
	Cmd        string          `json:"cmd"`
	URL        string          `json:"url"`
	Cookies    []solver.Cookie `json:"cookies"`
	MaxTimeout float64         `json:"maxTimeout"` // milliseconds
	Proxy      *solve.Proxy    `json:"proxy"`
	Params     map[string]any  `json:"params"`
	PostData   *string         `json:"postData"`

	// Forks absent (or null) uses the configured default plan; an
	// empty list disables forking.
	Forks []ForkSpec `json:"forks"`
}

// ForkSpec is one fork group on the wire.
type ForkSpec struct {
	Delay float64 `json:"delay"` // seconds
	Forks float64 `json:"forks"` // whole number
}

// Input converts the request into a solve input for command.
func (req *SolveRequest) Input(command string) solve.Input {
	in := solve.Input{
		URL:        req.URL,
		Command:    command,
		Cookies:    req.Cookies,
		MaxTimeout: time.Duration(req.MaxTimeout * float64(time.Millisecond)),
		Proxy:      req.Proxy,
		Params:     req.Params,
	}
	if req.PostData != nil {
		params := make(map[string]any, len(req.Params)+1)
		for k, v := range req.Params {
			params[k] = v
		}
		params["postData"] = *req.PostData
		in.Params = params
	}
	if req.Forks != nil {
		in.Forks = make([]solve.ForkGroup, 0, len(req.Forks))
		for _, f := range req.Forks {
			in.Forks = append(in.Forks, solve.ForkGroup{
				Delay: time.Duration(f.Delay * float64(time.Second)),
				Count: int(f.Forks),
			})
		}
	}
	return in
}

// validate rejects requests no solver could act on.
func (req *SolveRequest) validate(command string) error {
	if req.URL == "" {
		return fmt.Errorf("url is required")
	}
	for i, f := range req.Forks {
		if f.Forks != math.Trunc(f.Forks) {
			return fmt.Errorf("forks[%d]: forks must be a whole number, got %v", i, f.Forks)
		}
	}
	if command == solver.CommandMakePost && req.PostData == nil {
		if _, ok := req.Params["postData"].(string); !ok {
			return fmt.Errorf("postData is required for %s", command)
		}
	}
	return nil
}

// solveHandler serves a solve endpoint. An empty command takes the
// command from the body's cmd field.
func (s *Server) solveHandler(command string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.serveSolve(w, r, command)
	}
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	s.serveSolve(w, r, r.PathValue("command"))
}

func (s *Server) serveSolve(w http.ResponseWriter, r *http.Request, command string) {
	body, err := readBody(w, r, s.logger)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	var req SolveRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if command == "" {
		command = req.Cmd
	}
	if err := req.validate(command); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	env := s.svc.Process(r.Context(), req.Input(command))

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, env, s.logger)
}
