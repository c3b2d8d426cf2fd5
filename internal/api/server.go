package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrBurberry/huginn/internal/eventbus"
	"github.com/MrBurberry/huginn/internal/feed"
	"github.com/MrBurberry/huginn/internal/observability"
	"github.com/MrBurberry/huginn/internal/state"
	"github.com/MrBurberry/huginn/internal/window"
)

// maxOptionsBytes bounds option documents accepted over HTTP.
const maxOptionsBytes = 1 << 20

type Server struct {
	Store   *state.Store
	Bus     *eventbus.Bus
	Feeds   *feed.Service
	Windows *window.Cache
	Logger  *slog.Logger
	Metrics *observability.Metrics
	// Gatherer backs /metrics; nil disables the endpoint.
	Gatherer  prometheus.Gatherer
	StartedAt time.Time
	Info      DiagnosticsInfo
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/diagnostics", s.handleDiagnostics)
	mux.HandleFunc("GET /api/agents", s.handleListAgents)
	mux.HandleFunc("POST /api/agents", s.handleCreateAgent)
	mux.HandleFunc("GET /api/agents/{id}", s.handleGetAgent)
	mux.HandleFunc("PUT /api/agents/{id}/options", s.handleUpdateOptions)
	mux.HandleFunc("POST /api/agents/{id}/sources", s.handleAddSource)
	mux.HandleFunc("GET /api/agents/{id}/logs", s.handleAgentLogs)
	mux.HandleFunc("GET /api/agents/{id}/feed/events", s.handleFeedSubscribe)
	mux.HandleFunc("GET /api/agents/{id}/feed/ws", s.handleFeedWS)
	mux.HandleFunc("POST /api/events", s.handleEvents)
	mux.HandleFunc("GET /users/{user_id}/web_requests/{agent_id}/{file}", s.handleWebRequest)
	if s.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.Gatherer, promhttp.HandlerOpts{}))
	}

	return s.instrument(mux)
}

func (s *Server) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "time": time.Now().UTC()})
}

// handleWebRequest serves /users/{user_id}/web_requests/{agent_id}/{secret}.{format}.
func (s *Server) handleWebRequest(w http.ResponseWriter, r *http.Request) {
	file := r.PathValue("file")
	dot := strings.LastIndexByte(file, '.')
	if dot <= 0 {
		writeError(w, http.StatusNotFound, errNotFound("feed"))
		return
	}
	req := feed.WebRequest{
		UserID:  r.PathValue("user_id"),
		AgentID: r.PathValue("agent_id"),
		Secret:  file[:dot],
		Format:  file[dot+1:],
	}

	resp, err := s.Feeds.Serve(r.Context(), req)
	if err != nil {
		status := statusFor(err)
		if status == http.StatusNotFound {
			s.Metrics.FeedRequest(req.Format, "404")
		} else {
			s.logger().ErrorContext(r.Context(), "feed request failed", "agent_id", req.AgentID, "error", err)
		}
		writeError(w, status, err)
		return
	}

	w.Header().Set("Content-Type", resp.ContentType)
	for _, h := range resp.Headers {
		w.Header().Set(h[0], h[1])
	}
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		AgentID     string         `json:"agent_id"`
		Payload     map[string]any `json:"payload"`
		PublishedAt *time.Time     `json:"published_at"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	evt, err := s.Bus.Push(r.Context(), eventbus.EventInput{
		AgentID:     payload.AgentID,
		Payload:     payload.Payload,
		PublishedAt: payload.PublishedAt,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	delivered, err := s.Feeds.Deliver(r.Context(), evt)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"event": evt, "delivered_to": delivered})
}

func (s *Server) handleFeedSubscribe(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")
	if _, err := s.Store.GetAgent(r.Context(), agentID); err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errNotFound("streaming support"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	_, _ = w.Write([]byte(":ok\n\n"))
	flusher.Flush()

	ctx := r.Context()
	sub := s.Bus.Subscribe(ctx, []string{eventbus.FeedStream(agentID)})

	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-sub:
			if !ok {
				return
			}
			payload, _ := json.Marshal(n)
			_, _ = w.Write([]byte("data: "))
			_, _ = w.Write(payload)
			_, _ = w.Write([]byte("\n\n"))
			flusher.Flush()
		}
	}
}

func decodeJSON(body io.Reader, dest any) error {
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dest)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	body := map[string]any{"error": err.Error()}
	var verr *feed.ValidationError
	if errors.As(err, &verr) {
		body["problems"] = verr.Problems
	}
	writeJSON(w, status, body)
}

// statusFor maps domain errors to HTTP statuses.
func statusFor(err error) int {
	var verr *feed.ValidationError
	switch {
	case errors.Is(err, state.ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &verr):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func parseInt(value string, fallback int) int {
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

type notFoundError struct {
	msg string
}

func (e notFoundError) Error() string { return e.msg }

func errNotFound(target string) error {
	return notFoundError{msg: target + " not found"}
}
