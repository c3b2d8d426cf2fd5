package api

import (
	"net/http"
	"runtime"
	"time"
)

type DiagnosticsInfo struct {
	HTTPAddr string `json:"http_addr"`
	DataDir  string `json:"data_dir"`
	DBPath   string `json:"db_path"`
	Domain   string `json:"domain"`
	TimeZone string `json:"time_zone"`
}

type DiagnosticsResponse struct {
	Time          time.Time       `json:"time"`
	StartedAt     time.Time       `json:"started_at"`
	UptimeSeconds int64           `json:"uptime_seconds"`
	GoVersion     string          `json:"go_version"`
	Info          DiagnosticsInfo `json:"info"`
	EventBus      map[string]any  `json:"eventbus"`
	Metrics       bool            `json:"metrics_enabled"`
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()
	started := s.StartedAt
	if started.IsZero() {
		started = now
	}
	resp := DiagnosticsResponse{
		Time:          now,
		StartedAt:     started,
		UptimeSeconds: int64(now.Sub(started).Seconds()),
		GoVersion:     runtime.Version(),
		Info:          s.Info,
		EventBus:      map[string]any{},
		Metrics:       s.Gatherer != nil,
	}
	if s.Bus != nil {
		resp.EventBus["subscribers"] = s.Bus.SubscriberCount()
	}
	writeJSON(w, http.StatusOK, resp)
}
