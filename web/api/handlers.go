package api

import (
	"context"
	"errors"
	"io/fs"
	"net/http"
	"strconv"
	"time"

	"github.com/hummer98/sdd-orchestrator-sub011/internal/agent"
	"github.com/hummer98/sdd-orchestrator-sub011/internal/agentlog"
	"github.com/hummer98/sdd-orchestrator-sub011/internal/agentstore"
	"github.com/hummer98/sdd-orchestrator-sub011/internal/domain"
	"github.com/hummer98/sdd-orchestrator-sub011/internal/executor"
	"github.com/hummer98/sdd-orchestrator-sub011/internal/loganalyzer"
	"github.com/hummer98/sdd-orchestrator-sub011/internal/observer"
	"github.com/hummer98/sdd-orchestrator-sub011/internal/retry"
	"github.com/hummer98/sdd-orchestrator-sub011/internal/tasklock"
)

// AgentResponse is the API response for an agent
type AgentResponse struct {
	ID         string `json:"id"`
	SpecID     string `json:"specId"`
	Phase      string `json:"phase"`
	Engine     string `json:"engine"`
	SessionID  string `json:"sessionId,omitempty"`
	PID        int    `json:"pid"`
	Status     string `json:"status"`
	StartedAt  string `json:"startedAt"`
	Duration   string `json:"duration"`
	ExitReason string `json:"exitReason,omitempty"`
	RetryCount int    `json:"retryCount"`
	Reattached bool   `json:"reattached"`
	// Busy is set while an operation holds the lock of the agent's spec
	Busy bool `json:"busy"`
	// Live is set when this instance holds a handle for the agent
	Live    bool   `json:"live"`
	LogPath string `json:"-"`
}

// StatusResponse is the API response for overall status
type StatusResponse struct {
	Total      int            `json:"total"`
	Active     int            `json:"active"`
	Reattached int            `json:"reattached"`
	ByStatus   map[string]int `json:"byStatus"`
	// CachedEngines counts agents whose engine is resolved in the stream cache
	CachedEngines int `json:"cachedEngines"`
}

// RetryResponse is the API response for a retry request
type RetryResponse struct {
	Status     string `json:"status"`
	AgentID    string `json:"agentId,omitempty"`
	RetryCount int    `json:"retryCount"`
}

func (s *Server) recordToResponse(rec *domain.AgentRecord) AgentResponse {
	resp := AgentResponse{
		ID:         rec.AgentID,
		SpecID:     rec.SpecID,
		Phase:      rec.Phase,
		Engine:     string(rec.EngineID),
		SessionID:  rec.SessionID,
		PID:        rec.PID,
		Status:     rec.Status,
		StartedAt:  rec.StartedAt.Format(time.RFC3339),
		ExitReason: rec.ExitReason,
		RetryCount: rec.RetryCount,
		Busy:       s.agents.SpecBusy(rec.SpecID),
		LogPath:    rec.LogPath,
	}
	end := rec.UpdatedAt
	if h, ok := s.agents.Registry().Get(rec.AgentID); ok {
		live := agent.Record(h)
		resp.Status = live.Status
		resp.SessionID = live.SessionID
		resp.ExitReason = live.ExitReason
		resp.Reattached = h.IsReattached()
		resp.Live = true
		if h.State() != agent.StateTerminal {
			end = s.now()
		}
	}
	if !end.IsZero() && end.After(rec.StartedAt) {
		resp.Duration = end.Sub(rec.StartedAt).Round(time.Second).String()
	}
	return resp
}

// lookupAgent prefers the persisted record and falls back to a live handle
// that has not been saved yet
func (s *Server) lookupAgent(id string) (AgentResponse, error) {
	rec, err := s.store.GetAgent(id)
	if err == nil {
		return s.recordToResponse(rec), nil
	}
	if h, ok := s.agents.Registry().Get(id); ok {
		live := agent.Record(h)
		return s.recordToResponse(&live), nil
	}
	return AgentResponse{}, err
}

func (s *Server) writeLookupError(w http.ResponseWriter, err error) {
	if errors.Is(err, agentstore.ErrNotFound) {
		writeError(w, http.StatusNotFound, "agent not found")
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

func (s *Server) statusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		recs, err := s.store.ListAgents(agentstore.ListOptions{})
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		status := StatusResponse{
			ByStatus:      make(map[string]int),
			CachedEngines: s.stream.CachedEngines(),
		}
		for _, rec := range recs {
			resp := s.recordToResponse(rec)
			status.Total++
			status.ByStatus[resp.Status]++
			if resp.Reattached {
				status.Reattached++
			}
		}
		for _, h := range s.agents.Registry().GetAll() {
			if h.State() != agent.StateTerminal {
				status.Active++
			}
		}

		writeJSON(w, status)
	}
}

// StatsResponse is the API response for completion statistics
type StatsResponse struct {
	observer.Stats
	// Recent lists agents that finished within the ?recent= window
	Recent []string `json:"recent,omitempty"`
}

func (s *Server) statsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var window time.Duration
		if v := r.URL.Query().Get("recent"); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil || d <= 0 {
				writeError(w, http.StatusBadRequest, "invalid recent window")
				return
			}
			window = d
		}
		if s.stats == nil {
			writeJSON(w, StatsResponse{})
			return
		}
		resp := StatsResponse{Stats: s.stats.GetStats()}
		if window > 0 {
			resp.Recent = s.stats.GetRecentCompletions(window)
		}
		writeJSON(w, resp)
	}
}

func (s *Server) listAgentsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		limit, err := queryInt(r, "limit", 0)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		active, _ := strconv.ParseBool(q.Get("active"))
		if st := q.Get("status"); st != "" && !knownState(st) {
			writeError(w, http.StatusBadRequest, "unknown status "+st)
			return
		}

		recs, err := s.store.ListAgents(agentstore.ListOptions{
			SpecID:     q.Get("spec"),
			Status:     q.Get("status"),
			ActiveOnly: active,
			Limit:      limit,
		})
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		resp := make([]AgentResponse, 0, len(recs))
		for _, rec := range recs {
			resp = append(resp, s.recordToResponse(rec))
		}

		writeJSON(w, resp)
	}
}

func knownState(s string) bool {
	for _, st := range agent.AllStates() {
		if string(st) == s {
			return true
		}
	}
	return false
}

func (s *Server) getAgentHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp, err := s.lookupAgent(r.PathValue("id"))
		if err != nil {
			s.writeLookupError(w, err)
			return
		}
		writeJSON(w, resp)
	}
}

func (s *Server) stopAgentHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")

		// a client going away must not leave the agent half stopped
		ctx := context.WithoutCancel(r.Context())
		if err := s.agents.StopAgent(ctx, id); err != nil {
			switch {
			case errors.Is(err, executor.ErrAgentNotFound):
				writeError(w, http.StatusNotFound, "agent not found")
			case errors.Is(err, executor.ErrInvalidState):
				writeError(w, http.StatusConflict, err.Error())
			default:
				writeError(w, http.StatusInternalServerError, err.Error())
			}
			return
		}

		if resp, err := s.lookupAgent(id); err == nil {
			s.Broadcast(SSEEvent{Type: "agent_update", AgentID: id, Data: resp})
		}

		writeJSON(w, map[string]string{"status": "stopped"})
	}
}

func (s *Server) removeAgentHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if err := s.agents.Remove(id); err != nil {
			switch {
			case errors.Is(err, executor.ErrAgentNotFound):
				writeError(w, http.StatusNotFound, "agent not found")
			case errors.Is(err, executor.ErrInvalidState):
				writeError(w, http.StatusConflict, err.Error())
			default:
				writeError(w, http.StatusInternalServerError, err.Error())
			}
			return
		}
		s.Broadcast(SSEEvent{Type: "agent_removed", AgentID: id, Data: map[string]string{"id": id}})
		writeJSON(w, map[string]string{"status": "removed"})
	}
}

func (s *Server) agentLogsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		view, err := s.lookupAgent(id)
		if err != nil {
			s.writeLookupError(w, err)
			return
		}
		tail, err := queryInt(r, "tail", 0)
		if err != nil || tail < 0 {
			writeError(w, http.StatusBadRequest, "invalid tail")
			return
		}

		envs, err := agentlog.ReadAll(view.LogPath)
		if err != nil {
			writeCodedError(w, http.StatusNotFound, string(loganalyzer.CodeFileRead), err.Error())
			return
		}
		entries := s.stream.Replay(id, envs)
		if tail > 0 && len(entries) > tail {
			entries = entries[len(entries)-tail:]
		}

		writeJSON(w, EntriesEvent{AgentID: id, Entries: entries})
	}
}

func (s *Server) analysisHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		view, err := s.lookupAgent(r.PathValue("id"))
		if err != nil {
			s.writeLookupError(w, err)
			return
		}

		report, err := s.analyzer.Analyze(view.LogPath, domain.EngineID(view.Engine))
		if err != nil {
			status := http.StatusInternalServerError
			if loganalyzer.CodeOf(err) == loganalyzer.CodeFileRead {
				status = http.StatusNotFound
			}
			writeCodedError(w, status, string(loganalyzer.CodeOf(err)), err.Error())
			return
		}

		writeJSON(w, report)
	}
}

func (s *Server) specStateHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		specID := r.PathValue("id")
		if err := domain.ValidateSpecID(specID); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		st, err := executor.ReadSpecState(executor.StateFilePath(s.stateDir, specID))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				writeError(w, http.StatusNotFound, "no state for spec "+specID)
				return
			}
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, st)
	}
}

func (s *Server) retryHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := r.PathValue("id")
		count, err := queryInt(r, "count", 0)
		if err != nil || count < 0 {
			writeError(w, http.StatusBadRequest, "invalid count")
			return
		}

		out, err := s.agents.Retry(context.WithoutCancel(r.Context()), sessionID, count)
		if err != nil {
			switch {
			case errors.Is(err, retry.ErrSessionNotFound):
				writeCodedError(w, http.StatusNotFound, retry.CodeSessionNotFound, err.Error())
			case errors.Is(err, tasklock.ErrOperationRunning), errors.Is(err, executor.ErrInvalidState):
				writeError(w, http.StatusConflict, err.Error())
			default:
				writeError(w, http.StatusInternalServerError, err.Error())
			}
			return
		}

		resp := RetryResponse{Status: string(out.Status), RetryCount: out.RetryCount}
		if out.Agent != nil {
			resp.AgentID = out.Agent.AgentID()
		}
		writeJSON(w, resp)
	}
}
