package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hummer98/sdd-orchestrator-sub011/internal/agent"
	"github.com/hummer98/sdd-orchestrator-sub011/internal/agentstore"
	"github.com/hummer98/sdd-orchestrator-sub011/internal/domain"
	"github.com/hummer98/sdd-orchestrator-sub011/internal/loganalyzer"
	"github.com/hummer98/sdd-orchestrator-sub011/internal/logparser"
	"github.com/hummer98/sdd-orchestrator-sub011/internal/logstream"
	"github.com/hummer98/sdd-orchestrator-sub011/internal/observer"
	"github.com/hummer98/sdd-orchestrator-sub011/internal/retry"
)

// AgentService is the part of the executor the API drives
type AgentService interface {
	Registry() *agent.Registry
	StopAgent(ctx context.Context, id string) error
	Remove(id string) error
	SpecBusy(specID string) bool
	Retry(ctx context.Context, sessionID string, retryCount int) (retry.Outcome, error)
}

// Store interface for agent history
type Store interface {
	ListAgents(opts agentstore.ListOptions) ([]*domain.AgentRecord, error)
	GetAgent(id string) (*domain.AgentRecord, error)
}

// Options configures a Server. Stats and Gatherer are optional.
type Options struct {
	Agents   AgentService
	Store    Store
	Stream   *logstream.Service
	Analyzer *loganalyzer.Analyzer
	Stats    *observer.Observer
	Gatherer prometheus.Gatherer
	// StateDir holds the per-spec state files
	StateDir string
	Addr     string
	Logger   *slog.Logger
}

// Server is the HTTP API server
type Server struct {
	agents   AgentService
	store    Store
	stream   *logstream.Service
	analyzer *loganalyzer.Analyzer
	stats    *observer.Observer
	gatherer prometheus.Gatherer
	stateDir string
	addr     string
	mux      *http.ServeMux
	hub      *SSEHub
	upgrader websocket.Upgrader
	logger   *slog.Logger
	now      func() time.Time

	unsubscribe func()
}

// NewServer creates a new API server and subscribes it to the log stream
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		agents:   opts.Agents,
		store:    opts.Store,
		stream:   opts.Stream,
		analyzer: opts.Analyzer,
		stats:    opts.Stats,
		gatherer: opts.Gatherer,
		stateDir: opts.StateDir,
		addr:     opts.Addr,
		mux:      http.NewServeMux(),
		hub:      NewSSEHub(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// the server binds to loopback by default; the UI may be served
			// from a dev server on another port
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger.With("component", "api"),
		now:    time.Now,
	}
	if s.stream != nil {
		s.unsubscribe = s.stream.Subscribe(logstream.ObserverFunc(s.onEntries))
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("GET /api/status", s.statusHandler())
	s.mux.HandleFunc("GET /api/stats", s.statsHandler())
	s.mux.HandleFunc("GET /api/agents", s.listAgentsHandler())
	s.mux.HandleFunc("GET /api/agents/{id}", s.getAgentHandler())
	s.mux.HandleFunc("DELETE /api/agents/{id}", s.removeAgentHandler())
	s.mux.HandleFunc("POST /api/agents/{id}/stop", s.stopAgentHandler())
	s.mux.HandleFunc("GET /api/agents/{id}/logs", s.agentLogsHandler())
	s.mux.HandleFunc("GET /api/agents/{id}/analysis", s.analysisHandler())
	s.mux.HandleFunc("GET /api/agents/{id}/stream", s.wsHandler())
	s.mux.HandleFunc("POST /api/sessions/{id}/retry", s.retryHandler())
	s.mux.HandleFunc("GET /api/specs/{id}/state", s.specStateHandler())
	s.mux.HandleFunc("GET /api/events", s.sseHandler())

	gatherer := s.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s.mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
}

// Handler returns the root handler, for tests and embedding
func (s *Server) Handler() http.Handler { return s.mux }

// Start serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api listening", "addr", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	s.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close detaches from the log stream and disconnects every event client
func (s *Server) Close() {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	s.hub.Close()
}

// Broadcast sends an event to all SSE and websocket clients
func (s *Server) Broadcast(event SSEEvent) {
	s.hub.Broadcast(event)
}

// EntriesEvent carries newly parsed log entries for one agent
type EntriesEvent struct {
	AgentID string            `json:"agentId"`
	Entries []logparser.Entry `json:"entries"`
}

func (s *Server) onEntries(agentID string, entries []logparser.Entry) {
	s.hub.Broadcast(SSEEvent{
		Type:    "entries",
		AgentID: agentID,
		Data:    EntriesEvent{AgentID: agentID, Entries: entries},
	})
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeCodedError(w, code, "", message)
}

func writeCodedError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{Error: message, Code: code})
}
