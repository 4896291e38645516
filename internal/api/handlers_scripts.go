package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"devconsole/internal/console"
	"devconsole/internal/store"

	"github.com/go-chi/chi/v5"
)

type createScriptRequest struct {
	Name   string  `json:"name"`
	Source string  `json:"source"`
	Cron   *string `json:"cron"`
	Paused bool    `json:"paused"`
}

type updateScriptRequest struct {
	Name   *string `json:"name"`
	Source *string `json:"source"`
	Cron   *string `json:"cron"`
	Paused *bool   `json:"paused"`
}

type scriptResponse struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	Source    string  `json:"source"`
	Cron      *string `json:"cron,omitempty"`
	Status    string  `json:"status"`
	LastRunAt *string `json:"last_run_at,omitempty"`
	NextRunAt *string `json:"next_run_at,omitempty"`
	CreatedAt string  `json:"created_at"`
	UpdatedAt string  `json:"updated_at"`
}

func (s *Server) handleCreateScript(w http.ResponseWriter, r *http.Request) {
	var req createScriptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "name is required")
		return
	}
	if strings.TrimSpace(req.Source) == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "source is required")
		return
	}

	var cronPtr *string
	if req.Cron != nil {
		trimmed := strings.TrimSpace(*req.Cron)
		if trimmed != "" {
			if _, err := console.ParseCron(trimmed); err != nil {
				writeError(w, http.StatusBadRequest, "invalid_cron", err.Error())
				return
			}
			cronPtr = &trimmed
		}
	}

	status := console.ScriptStatusActive
	if req.Paused {
		status = console.ScriptStatusPaused
	}

	script := &console.Script{
		ID:     console.NewID(),
		Name:   req.Name,
		Source: req.Source,
		Cron:   cronPtr,
		Status: status,
	}

	if status == console.ScriptStatusActive && cronPtr != nil {
		schedule, _ := console.ParseCron(*cronPtr)
		next := console.NextAfter(schedule, time.Now().In(s.location)).UTC()
		script.NextRunAt = &next
	}

	if err := s.store.InsertScript(r.Context(), script); err != nil {
		if errors.Is(err, store.ErrScriptNameTaken) {
			writeError(w, http.StatusConflict, "conflict", "script name already in use")
			return
		}
		s.logger.Error("insert script", "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to insert script")
		return
	}
	if err := s.scheduler.AddOrUpdateScript(r.Context(), script); err != nil {
		s.logger.Error("schedule script", "script_id", script.ID, "err", err)
	}

	writeJSON(w, http.StatusCreated, scriptToResponse(script))
}

func (s *Server) handleListScripts(w http.ResponseWriter, r *http.Request) {
	var statusFilter *console.ScriptStatus
	if status := strings.TrimSpace(r.URL.Query().Get("status")); status != "" {
		st := console.ScriptStatus(status)
		switch st {
		case console.ScriptStatusActive, console.ScriptStatusPaused:
			statusFilter = &st
		default:
			writeError(w, http.StatusBadRequest, "invalid_input", "status must be active or paused")
			return
		}
	}
	scripts, err := s.store.ListScripts(r.Context(), statusFilter)
	if err != nil {
		s.logger.Error("list scripts", "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list scripts")
		return
	}
	res := make([]scriptResponse, 0, len(scripts))
	for _, script := range scripts {
		res = append(res, scriptToResponse(script))
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleGetScript(w http.ResponseWriter, r *http.Request) {
	scriptID := chi.URLParam(r, "scriptID")
	script, err := s.store.GetScript(r.Context(), scriptID)
	if err != nil {
		if errors.Is(err, store.ErrScriptNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "script not found")
		} else {
			s.logger.Error("get script", "script_id", scriptID, "err", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to load script")
		}
		return
	}
	writeJSON(w, http.StatusOK, scriptToResponse(script))
}

func (s *Server) handleUpdateScript(w http.ResponseWriter, r *http.Request) {
	scriptID := chi.URLParam(r, "scriptID")
	script, err := s.store.GetScript(r.Context(), scriptID)
	if err != nil {
		if errors.Is(err, store.ErrScriptNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "script not found")
		} else {
			s.logger.Error("get script for update", "script_id", scriptID, "err", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to load script")
		}
		return
	}

	var req updateScriptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	if req.Name != nil {
		trimmed := strings.TrimSpace(*req.Name)
		if trimmed == "" {
			writeError(w, http.StatusBadRequest, "invalid_input", "name cannot be empty")
			return
		}
		script.Name = trimmed
	}
	if req.Source != nil {
		if strings.TrimSpace(*req.Source) == "" {
			writeError(w, http.StatusBadRequest, "invalid_input", "source cannot be empty")
			return
		}
		script.Source = *req.Source
	}

	cronChanged := false
	if req.Cron != nil {
		trimmed := strings.TrimSpace(*req.Cron)
		if trimmed == "" {
			// An explicit empty cron removes the schedule.
			script.Cron = nil
		} else {
			if _, err := console.ParseCron(trimmed); err != nil {
				writeError(w, http.StatusBadRequest, "invalid_cron", err.Error())
				return
			}
			script.Cron = &trimmed
		}
		cronChanged = true
	}

	statusChanged := false
	if req.Paused != nil {
		if *req.Paused && script.Status != console.ScriptStatusPaused {
			script.Status = console.ScriptStatusPaused
			statusChanged = true
		}
		if !*req.Paused && script.Status != console.ScriptStatusActive {
			script.Status = console.ScriptStatusActive
			statusChanged = true
		}
	}

	if script.Status == console.ScriptStatusActive && script.Cron != nil && (cronChanged || statusChanged) {
		schedule, err := console.ParseCron(*script.Cron)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_cron", err.Error())
			return
		}
		next := console.NextAfter(schedule, time.Now().In(s.location)).UTC()
		script.NextRunAt = &next
	}
	if script.Status == console.ScriptStatusPaused || script.Cron == nil {
		script.NextRunAt = nil
	}

	if err := s.store.UpdateScript(r.Context(), script); err != nil {
		switch {
		case errors.Is(err, store.ErrScriptNotFound):
			writeError(w, http.StatusNotFound, "not_found", "script not found")
		case errors.Is(err, store.ErrScriptNameTaken):
			writeError(w, http.StatusConflict, "conflict", "script name already in use")
		default:
			s.logger.Error("update script", "script_id", scriptID, "err", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to update script")
		}
		return
	}

	if err := s.scheduler.AddOrUpdateScript(r.Context(), script); err != nil {
		s.logger.Error("reschedule script", "script_id", script.ID, "err", err)
	}

	writeJSON(w, http.StatusOK, scriptToResponse(script))
}

func (s *Server) handleDeleteScript(w http.ResponseWriter, r *http.Request) {
	scriptID := chi.URLParam(r, "scriptID")
	if err := s.store.DeleteScript(r.Context(), scriptID); err != nil {
		if errors.Is(err, store.ErrScriptNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "script not found")
		} else {
			s.logger.Error("delete script", "script_id", scriptID, "err", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to delete script")
		}
		return
	}
	s.scheduler.RemoveScript(scriptID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRunScript(w http.ResponseWriter, r *http.Request) {
	scriptID := chi.URLParam(r, "scriptID")
	script, err := s.store.GetScript(r.Context(), scriptID)
	if err != nil {
		if errors.Is(err, store.ErrScriptNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "script not found")
		} else {
			s.logger.Error("get script for run", "script_id", scriptID, "err", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to load script")
		}
		return
	}
	jobID, err := s.scheduler.RunNow(r.Context(), script)
	if err != nil {
		switch {
		case errors.Is(err, console.ErrBusy):
			writeError(w, http.StatusConflict, "busy", "a job is already running")
		case errors.Is(err, console.ErrEmptyScript), errors.Is(err, console.ErrScriptTooLarge):
			writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
		default:
			s.logger.Error("run script now", "script_id", scriptID, "err", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to start script")
		}
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

func scriptToResponse(script *console.Script) scriptResponse {
	var last, next *string
	if script.LastRunAt != nil {
		formatted := script.LastRunAt.UTC().Format(time.RFC3339)
		last = &formatted
	}
	if script.NextRunAt != nil {
		formatted := script.NextRunAt.UTC().Format(time.RFC3339)
		next = &formatted
	}
	return scriptResponse{
		ID:        script.ID,
		Name:      script.Name,
		Source:    script.Source,
		Cron:      script.Cron,
		Status:    string(script.Status),
		LastRunAt: last,
		NextRunAt: next,
		CreatedAt: script.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt: script.UpdatedAt.UTC().Format(time.RFC3339),
	}
}
