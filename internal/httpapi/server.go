// Package httpapi exposes the orchestration core over JSON, SSE and
// websocket endpoints.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/agentdeck/internal/broadcast"
	"github.com/ent0n29/agentdeck/internal/config"
	"github.com/ent0n29/agentdeck/internal/history"
	"github.com/ent0n29/agentdeck/internal/job"
	"github.com/ent0n29/agentdeck/internal/observability"
	"github.com/ent0n29/agentdeck/internal/orchestrator"
	"github.com/ent0n29/agentdeck/internal/session"
	"github.com/ent0n29/agentdeck/internal/task"
)

type Server struct {
	cfg      config.Config
	registry *session.Registry
	jobs     *job.Manager
	tasks    *task.Manager
	orchs    *orchestrator.Manager
	engine   *orchestrator.Engine
	hist     history.Store
	hub      *broadcast.Hub
	metrics  *observability.Metrics
	upgrader websocket.Upgrader
}

func New(cfg config.Config, registry *session.Registry, jobs *job.Manager, tasks *task.Manager, orchs *orchestrator.Manager, engine *orchestrator.Engine, hist history.Store, hub *broadcast.Hub, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:      cfg,
		registry: registry,
		jobs:     jobs,
		tasks:    tasks,
		orchs:    orchs,
		engine:   engine,
		hist:     hist,
		hub:      hub,
		metrics:  metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Get("/api/sessions", s.handleListSessions)
	r.Post("/api/sessions", s.handleCreateSession)
	r.Delete("/api/sessions/{name}", s.handleDeleteSession)
	r.Get("/api/sessions/{name}/history", s.handleSessionHistory)
	r.Post("/api/sessions/{name}/prompt", s.handleSubmitPrompt)
	r.Get("/api/sessions/{name}/stream", s.handleSessionStream)

	r.Get("/api/tasks", s.handleListTasks)
	r.Post("/api/tasks", s.handleCreateTask)
	r.Get("/api/tasks/{id}", s.handleGetTask)
	r.Put("/api/tasks/{id}", s.handleUpdateTask)
	r.Delete("/api/tasks/{id}", s.handleDeleteTask)
	r.Post("/api/tasks/{id}/run", s.handleRunTask)
	r.Post("/api/tasks/{id}/enable", s.handleEnableTask)
	r.Get("/api/tasks/{id}/stream", s.handleTaskStream)

	r.Get("/api/orchestrators", s.handleListOrchestrators)
	r.Post("/api/orchestrators", s.handleCreateOrchestrator)
	r.Get("/api/orchestrators/{id}", s.handleGetOrchestrator)
	r.Put("/api/orchestrators/{id}", s.handleUpdateOrchestrator)
	r.Delete("/api/orchestrators/{id}", s.handleDeleteOrchestrator)
	r.Post("/api/orchestrators/{id}/enable", s.handleEnableOrchestrator)
	r.Post("/api/orchestrators/{id}/respond", s.handleRespondOrchestrator)

	r.Get("/api/stream/jobs/{key}", s.handleJobStream)
	r.Get("/api/stream/sessions", s.handleSessionsStream)
	r.Get("/api/stream/master", s.handleMasterStream)
	r.Get("/api/stream/tasks", s.handleTasksStream)

	r.Get("/ws/master", s.handleMasterWS)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	snap := s.registry.Snapshot()
	active := 0
	for _, status := range snap.Status {
		if status == session.StatusRunning {
			active++
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"sessions":        len(snap.Sessions),
		"active_sessions": active,
	})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
