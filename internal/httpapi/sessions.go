package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/agentdeck/internal/job"
	"github.com/ent0n29/agentdeck/internal/session"
)

type createSessionRequest struct {
	Name     string `json:"name"`
	Provider string `json:"provider"`
	Workdir  string `json:"workdir"`
}

type promptRequest struct {
	Prompt     string `json:"prompt"`
	Provider   string `json:"provider"`
	Workdir    string `json:"workdir"`
	TimeoutSec int    `json:"timeout_sec"`
	ResumeLast bool   `json:"resume_last"`
}

type promptResponse struct {
	Outcome       string `json:"outcome"`
	JobID         string `json:"job_id,omitempty"`
	QueuePosition int    `json:"queue_position,omitempty"`
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.registry.Snapshot())
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		respondError(w, http.StatusBadRequest, "missing_name", "session name is required")
		return
	}
	rec, err := s.registry.Resolve(req.Name, req.Provider)
	if err != nil {
		status, code := http.StatusBadRequest, "invalid_request"
		if errors.Is(err, session.ErrConflict) {
			status, code = http.StatusConflict, "session_busy"
		}
		respondError(w, status, code, err.Error())
		return
	}
	if wd := strings.TrimSpace(req.Workdir); wd != "" {
		if err := s.registry.SetWorkdir(rec.Name, wd); err == nil {
			rec.Workdir = wd
		}
	}
	respondJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	rec, err := s.registry.Delete(name)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrNotFound):
			respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		case errors.Is(err, session.ErrConflict):
			respondError(w, http.StatusConflict, "session_busy", err.Error())
		default:
			respondError(w, http.StatusInternalServerError, "internal", err.Error())
		}
		return
	}
	if err := s.hist.DeleteSession(r.Context(), name); err != nil {
		respondError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	s.hub.DropSessionViewers(name)
	respondJSON(w, http.StatusOK, rec)
}

func (s *Server) handleSessionHistory(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if _, err := s.registry.Get(name); err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	rec, err := s.hist.ReadByName(r.Context(), name)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

// handleSubmitPrompt applies the admission rule: a fresh job answers 202,
// a queued prompt or an attach to the running job answer 200.
func (s *Server) handleSubmitPrompt(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var req promptRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	res, err := s.jobs.Submit(job.SubmitRequest{
		SessionName: name,
		Provider:    req.Provider,
		Prompt:      req.Prompt,
		Workdir:     req.Workdir,
		Timeout:     time.Duration(req.TimeoutSec) * time.Second,
		ResumeLast:  req.ResumeLast,
		Source:      "user",
	})
	if err != nil {
		status, code := http.StatusBadRequest, "invalid_request"
		if errors.Is(err, session.ErrConflict) {
			status, code = http.StatusConflict, "provider_conflict"
		}
		respondError(w, status, code, err.Error())
		return
	}
	out := promptResponse{Outcome: string(res.Outcome), QueuePosition: res.QueuePosition}
	if res.Job != nil {
		out.JobID = res.Job.ID
	}
	switch res.Outcome {
	case job.OutcomeStarted:
		respondJSON(w, http.StatusAccepted, out)
	default:
		respondJSON(w, http.StatusOK, out)
	}
}

func (s *Server) handleSessionStream(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if _, err := s.registry.Get(name); err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	s.serveSSE(w, r, s.hub.SessionViewers(name), false)
}
