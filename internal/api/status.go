// Package api serves the session's observability surface over HTTP: health,
// live worker progress, and published results. It reads the same
// coordination files the scheduler polls, so it never touches worker state
// directly.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/listwatch/harvester/internal/types"
)

// Status aggregates everything the status endpoint reports.
type Status struct {
	SessionID string                 `json:"session_id"`
	Workers   []types.WorkerProgress `json:"workers"`
	Results   []types.WorkerResult   `json:"results"`
	Uptime    string                 `json:"uptime"`
}

// Server exposes the run's coordination files read-only.
type Server struct {
	workDir   string
	sessionID string
	started   time.Time
	log       *slog.Logger
}

func NewServer(workDir, sessionID string, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{workDir: workDir, sessionID: sessionID, started: time.Now(), log: log}
}

// Register mounts the handlers on mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	status := Status{
		SessionID: s.sessionID,
		Uptime:    time.Since(s.started).Round(time.Second).String(),
	}

	entries, err := os.ReadDir(s.workDir)
	if err != nil {
		http.Error(w, "work dir unreadable", http.StatusInternalServerError)
		return
	}
	for _, e := range entries {
		name := e.Name()
		switch {
		case strings.HasPrefix(name, "progress-") && strings.HasSuffix(name, ".json"):
			var p types.WorkerProgress
			if readJSON(filepath.Join(s.workDir, name), &p) == nil {
				status.Workers = append(status.Workers, p)
			}
		case strings.HasPrefix(name, "result-") && strings.HasSuffix(name, ".json"):
			var r types.WorkerResult
			if readJSON(filepath.Join(s.workDir, name), &r) == nil {
				status.Results = append(status.Results, r)
			}
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		s.log.Warn("status encode failed", slog.String("error", err.Error()))
	}
}

func readJSON(path string, v any) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}
