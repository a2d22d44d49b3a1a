package httpapi

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/agentdeck/internal/orchestrator"
)

func (s *Server) handleListOrchestrators(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"orchestrators": s.orchs.List()})
}

func (s *Server) handleCreateOrchestrator(w http.ResponseWriter, r *http.Request) {
	var in orchestrator.Input
	if err := decodeJSON(r, &in); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	created, err := s.orchs.Create(in)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetOrchestrator(w http.ResponseWriter, r *http.Request) {
	o, err := s.orchs.Get(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusNotFound, "orchestrator_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, o)
}

func (s *Server) handleUpdateOrchestrator(w http.ResponseWriter, r *http.Request) {
	var in orchestrator.Input
	if err := decodeJSON(r, &in); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	updated, err := s.orchs.Update(chi.URLParam(r, "id"), in)
	if err != nil {
		if errors.Is(err, orchestrator.ErrNotFound) {
			respondError(w, http.StatusNotFound, "orchestrator_not_found", err.Error())
			return
		}
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteOrchestrator(w http.ResponseWriter, r *http.Request) {
	if err := s.orchs.Delete(chi.URLParam(r, "id")); err != nil {
		respondError(w, http.StatusNotFound, "orchestrator_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleEnableOrchestrator(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	o, err := s.orchs.SetEnabled(chi.URLParam(r, "id"), req.Enabled)
	if err != nil {
		respondError(w, http.StatusNotFound, "orchestrator_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, o)
}

// handleRespondOrchestrator delivers the human answer to a pending
// ask_human question and clears it.
func (s *Server) handleRespondOrchestrator(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Response string `json:"response"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	err := s.engine.Respond(chi.URLParam(r, "id"), req.Response)
	switch {
	case err == nil:
		respondJSON(w, http.StatusOK, map[string]any{"ok": true})
	case errors.Is(err, orchestrator.ErrNotFound):
		respondError(w, http.StatusNotFound, "orchestrator_not_found", err.Error())
	case errors.Is(err, orchestrator.ErrNoPendingQuestion):
		respondError(w, http.StatusBadRequest, "no_pending_question", err.Error())
	default:
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
	}
}
