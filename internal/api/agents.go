package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/MrBurberry/huginn/internal/feed"
	"github.com/MrBurberry/huginn/internal/state"
)

// agentView is an agent as returned by the API: options inline as JSON,
// plus its sources and working status.
type agentView struct {
	state.Agent
	Options json.RawMessage `json:"options"`
	Sources []string        `json:"sources"`
	Working bool            `json:"working"`
}

func (s *Server) view(ctx context.Context, agent state.Agent) (agentView, error) {
	sources, err := s.Store.Sources(ctx, agent.ID)
	if err != nil {
		return agentView{}, err
	}
	if sources == nil {
		sources = []string{}
	}
	working, err := s.Feeds.Working(ctx, agent.ID)
	if err != nil {
		s.logger().WarnContext(ctx, "agent status unavailable", "agent_id", agent.ID, "error", err)
		working = false
	}
	v := agentView{Agent: agent, Sources: sources, Working: working}
	if json.Valid([]byte(agent.Options)) {
		v.Options = json.RawMessage(agent.Options)
	}
	return v, nil
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	limit := parseInt(r.URL.Query().Get("limit"), 50)
	agents, err := s.Store.ListAgents(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	out := make([]agentView, 0, len(agents))
	for _, agent := range agents {
		v, err := s.view(r.Context(), agent)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		UserID  string          `json:"user_id"`
		Name    string          `json:"name"`
		Options json.RawMessage `json:"options"`
		Sources []string        `json:"sources"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(payload.UserID) == "" || strings.TrimSpace(payload.Name) == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("user_id and name are required"))
		return
	}
	options := string(payload.Options)
	if err := feed.ValidateOptions(options); err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	ctx := r.Context()
	agent, err := s.Store.CreateAgent(ctx, payload.UserID, payload.Name, options)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	for _, source := range payload.Sources {
		if err := s.Store.AddSource(ctx, agent.ID, source); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	v, err := s.view(ctx, agent)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := s.Store.GetAgent(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	v, err := s.view(r.Context(), agent)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// handleUpdateOptions replaces the option document with the request body.
// The body is stored verbatim so template key order is kept.
func (s *Server) handleUpdateOptions(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxOptionsBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	options := string(data)
	if err := feed.ValidateOptions(options); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	agent, err := s.Store.UpdateOptions(r.Context(), r.PathValue("id"), options)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	v, err := s.view(r.Context(), agent)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleAddSource(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		SourceID string `json:"source_id"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	ctx := r.Context()
	agentID := r.PathValue("id")
	if _, err := s.Store.GetAgent(ctx, agentID); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if err := s.Store.AddSource(ctx, agentID, payload.SourceID); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	// The cached window no longer covers every source.
	if err := s.Windows.Invalidate(ctx, agentID); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleAgentLogs(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")
	if _, err := s.Store.GetAgent(r.Context(), agentID); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	logs, err := s.Store.ListLogs(r.Context(), agentID, parseInt(r.URL.Query().Get("limit"), 100))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if logs == nil {
		logs = []state.LogEntry{}
	}
	writeJSON(w, http.StatusOK, logs)
}
