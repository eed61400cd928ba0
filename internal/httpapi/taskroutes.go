package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/solovoice/solo/internal/tasks"
)

type createTaskRequest struct {
	Prompt  string `json:"prompt"`
	Project string `json:"project"`
}

type approveTaskRequest struct {
	Approved bool `json:"approved"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	if s.taskMgr == nil {
		respondError(w, http.StatusServiceUnavailable, "unavailable", "task runtime not configured")
		return
	}
	var req createTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	req.Prompt = strings.TrimSpace(req.Prompt)
	if req.Prompt == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "prompt is required")
		return
	}
	sess, err := s.taskMgr.CreateSession(req.Prompt, req.Project)
	if err != nil {
		if errors.Is(err, tasks.ErrAuthDenied) {
			respondError(w, http.StatusForbidden, "auth_denied", "task backend rejected credentials")
			return
		}
		respondError(w, http.StatusBadGateway, "task_backend_error", err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, sess)
}

// handleExecuteTask dispatches a fire-and-forget task: no session, no
// stream, just the backend's acknowledgement.
func (s *Server) handleExecuteTask(w http.ResponseWriter, r *http.Request) {
	if s.backends.TaskExec == nil {
		respondError(w, http.StatusServiceUnavailable, "unavailable", "task runtime not configured")
		return
	}
	var req createTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	req.Prompt = strings.TrimSpace(req.Prompt)
	if req.Prompt == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "prompt is required")
		return
	}
	status, err := s.backends.TaskExec.Execute(r.Context(), req.Prompt, req.Project)
	if err != nil {
		if errors.Is(err, tasks.ErrAuthDenied) {
			respondError(w, http.StatusForbidden, "auth_denied", "task backend rejected credentials")
			return
		}
		respondError(w, http.StatusBadGateway, "task_backend_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": status})
}

func (s *Server) handleListTasks(w http.ResponseWriter, _ *http.Request) {
	if s.taskMgr == nil {
		respondError(w, http.StatusServiceUnavailable, "unavailable", "task runtime not configured")
		return
	}
	activeID := ""
	if active, ok := s.taskMgr.Active(); ok {
		activeID = active.ID
	}
	sessions := s.taskMgr.Sessions()
	if sessions == nil {
		sessions = []tasks.Session{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"sessions":  sessions,
		"active_id": activeID,
	})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	if s.taskMgr == nil {
		respondError(w, http.StatusServiceUnavailable, "unavailable", "task runtime not configured")
		return
	}
	sess, err := s.taskMgr.Get(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleActivateTask(w http.ResponseWriter, r *http.Request) {
	if s.taskMgr == nil {
		respondError(w, http.StatusServiceUnavailable, "unavailable", "task runtime not configured")
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.taskMgr.SetActive(id); err != nil {
		respondError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	sess, err := s.taskMgr.Get(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleApproveTask(w http.ResponseWriter, r *http.Request) {
	if s.taskMgr == nil {
		respondError(w, http.StatusServiceUnavailable, "unavailable", "task runtime not configured")
		return
	}
	var req approveTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	id := chi.URLParam(r, "id")
	err := s.taskMgr.Decide(r.Context(), id, req.Approved)
	switch {
	case err == nil:
	case errors.Is(err, tasks.ErrSessionNotFound):
		respondError(w, http.StatusNotFound, "not_found", err.Error())
		return
	case errors.Is(err, tasks.ErrDecisionInFlight):
		respondError(w, http.StatusConflict, "decision_in_flight", "a decision for this session is already being sent")
		return
	case errors.Is(err, tasks.ErrNoPendingApproval):
		respondError(w, http.StatusConflict, "no_pending_approval", "session is not awaiting approval")
		return
	case errors.Is(err, tasks.ErrAuthDenied):
		respondError(w, http.StatusForbidden, "auth_denied", "task backend rejected credentials")
		return
	default:
		respondError(w, http.StatusBadGateway, "task_backend_error", err.Error())
		return
	}
	sess, err := s.taskMgr.Get(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleCloseTask(w http.ResponseWriter, r *http.Request) {
	if s.taskMgr == nil {
		respondError(w, http.StatusServiceUnavailable, "unavailable", "task runtime not configured")
		return
	}
	if err := s.taskMgr.CloseSession(chi.URLParam(r, "id")); err != nil {
		respondError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "closed"})
}
