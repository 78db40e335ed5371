// Package api implements the FlareSolverr-compatible HTTP API.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/nugget/bypassd/internal/buildinfo"
	"github.com/nugget/bypassd/internal/events"
	"github.com/nugget/bypassd/internal/solve"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the HTTP API server.
type Server struct {
	address   string
	port      int
	svc       *solve.Service
	history   History
	bus       *events.Bus
	userAgent string
	logger    *slog.Logger
	server    *http.Server

	// closing is closed when Shutdown starts so hijacked event streams
	// can end; http.Server does not track them.
	closing chan struct{}
}

// NewServer creates a new API server.
func NewServer(address string, port int, svc *solve.Service, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address:   address,
		port:      port,
		svc:       svc,
		userAgent: buildinfo.UserAgent(),
		logger:    logger,
		closing:   make(chan struct{}),
	}
}

// SetHistory configures the store behind the /v1/solves endpoints.
func (s *Server) SetHistory(h History) {
	s.history = h
}

// SetEventBus configures the bus streamed by /v1/events.
func (s *Server) SetEventBus(bus *events.Bus) {
	s.bus = bus
}

// SetUserAgent sets the User-Agent advertised on the index page.
func (s *Server) SetUserAgent(ua string) {
	if ua != "" {
		s.userAgent = ua
	}
}

// Handler returns the routed handler, wrapped in request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Solve endpoints
	mux.HandleFunc("POST /v1", s.solveHandler(""))
	mux.HandleFunc("POST /get_cookies", s.solveHandler("get_cookies"))
	mux.HandleFunc("POST /get_page", s.solveHandler("get_page"))
	mux.HandleFunc("POST /make_post", s.solveHandler("make_post"))
	mux.HandleFunc("POST /command/{command}", s.handleCommand)

	// Service endpoints
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /docs", s.handleDocs)
	mux.HandleFunc("GET /{$}", s.handleRoot)

	// Observability
	mux.HandleFunc("GET /v1/events", s.handleEvents)
	mux.HandleFunc("GET /v1/solves", s.handleSolveList)
	mux.HandleFunc("GET /v1/solves/{id}", s.handleSolveGet)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests. It blocks until the server stops.
// In-flight solves are not tied to ctx; Shutdown lets them finish.
func (s *Server) Start(_ context.Context) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second, // a solve may run for its full maxTimeout
	}
	s.server.RegisterOnShutdown(func() { close(s.closing) })

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

// errorResponse writes a non-envelope error. Solve failures never use
// it; they are reported inside a 200 envelope.
func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]string{
		"status":  solve.StatusError,
		"message": message,
	}, s.logger)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"msg":       "bypassd is ready!",
		"version":   buildinfo.Version,
		"userAgent": s.userAgent,
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.RuntimeInfo(), s.logger)
}

// healthResponse is the /health payload. Status stays "ok" so
// FlareSolverr health checks keep working.
type healthResponse struct {
	Status   string              `json:"status"`
	Version  string              `json:"version"`
	Uptime   string              `json:"uptime"`
	Commands []string            `json:"commands"`
	Solves   solve.StatsSnapshot `json:"solves"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, healthResponse{
		Status:   "ok",
		Version:  buildinfo.Version,
		Uptime:   buildinfo.Uptime().Round(time.Second).String(),
		Commands: s.svc.Commands(),
		Solves:   s.svc.Stats().Snapshot(),
	}, s.logger)
}
