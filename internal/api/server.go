// Package api implements Parley's HTTP API: turns streamed as NDJSON,
// transcript and tool administration endpoints, and a WebSocket feed of
// operational events.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/parleyhq/parley/internal/agent"
	"github.com/parleyhq/parley/internal/buildinfo"
	"github.com/parleyhq/parley/internal/connwatch"
	"github.com/parleyhq/parley/internal/events"
	"github.com/parleyhq/parley/internal/tools"
	"github.com/parleyhq/parley/internal/transcript"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// TurnRunner starts turns. *agent.Loop implements it.
type TurnRunner interface {
	Run(ctx context.Context, req agent.Request) *agent.Turn
}

// HealthReporter reports backend reachability. *connwatch.Manager
// implements it.
type HealthReporter interface {
	Ready() bool
	Status() []connwatch.Status
}

// Server is the HTTP API server.
type Server struct {
	address    string
	port       int
	loop       TurnRunner
	transcript transcript.Store
	catalog    *tools.Catalog
	disabled   tools.DisabledStore
	bus        *events.Bus
	health     HealthReporter
	logger     *slog.Logger
	server     *http.Server
}

// NewServer creates a new API server.
func NewServer(address string, port int, loop TurnRunner, store transcript.Store, disabled tools.DisabledStore, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address:    address,
		port:       port,
		loop:       loop,
		transcript: store,
		catalog:    tools.NewCatalog(disabled),
		disabled:   disabled,
		logger:     logger,
	}
}

// SetEventBus enables the WebSocket event feed and publishes admin
// changes to bus.
func (s *Server) SetEventBus(bus *events.Bus) {
	s.bus = bus
}

// SetHealth adds backend status to /health.
func (s *Server) SetHealth(h HealthReporter) {
	s.health = h
}

// Handler returns the routed handler, wrapped in request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Conversation endpoints
	mux.HandleFunc("POST /v1/sessions", s.handleCreateSession)
	mux.HandleFunc("POST /v1/sessions/{id}/turns", s.handleTurn)
	mux.HandleFunc("GET /v1/sessions/{id}/messages", s.handleMessages)

	// Tool administration
	mux.HandleFunc("GET /v1/tools", s.handleToolList)
	mux.HandleFunc("GET /v1/tools/catalog", s.handleCatalog)
	mux.HandleFunc("GET /v1/tools/disabled", s.handleDisabledList)
	mux.HandleFunc("PUT /v1/tools/disabled/{type}", s.handleDisable)
	mux.HandleFunc("DELETE /v1/tools/disabled/{type}", s.handleEnable)

	// Operational event feed
	mux.HandleFunc("GET /v1/events", s.handleEvents)

	// Health endpoints
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /{$}", s.handleRoot)

	return s.withLogging(mux)
}

// Start serves HTTP requests until ctx is cancelled or the listener
// fails.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second, // Long for streaming turns
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)

	errCh := make(chan error, 1)
	go func() { errCh <- s.server.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-errCh
		return nil
	}
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

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "Parley",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

// handleHealth reports "healthy" when every watched backend is
// reachable and "degraded" with 503 otherwise.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if s.health == nil {
		writeJSON(w, map[string]string{"status": "healthy"}, s.logger)
		return
	}

	status := "healthy"
	if !s.health.Ready() {
		status = "degraded"
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	writeJSON(w, map[string]any{
		"status":   status,
		"services": s.health.Status(),
	}, s.logger)
}
