package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"devconsole/internal/console"

	"github.com/go-chi/chi/v5"
)

type submitJobRequest struct {
	Source string `json:"source"`
}

type jobResponse struct {
	ID          string  `json:"id"`
	State       string  `json:"state"`
	SubmittedAt string  `json:"submitted_at"`
	StartedAt   *string `json:"started_at,omitempty"`
	EndedAt     *string `json:"ended_at,omitempty"`
	ExitCode    *int    `json:"exit_code,omitempty"`
	Error       *string `json:"error,omitempty"`
	ChunkCount  int     `json:"chunk_count"`
	OutputBytes int     `json:"output_bytes"`
	Truncated   bool    `json:"truncated"`
	Source      string  `json:"source,omitempty"`
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req submitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	jobID, err := s.console.Submit(req.Source)
	if err != nil {
		switch {
		case errors.Is(err, console.ErrEmptyScript), errors.Is(err, console.ErrScriptTooLarge):
			writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
		case errors.Is(err, console.ErrBusy):
			writeError(w, http.StatusConflict, "busy", "a job is already running")
		case errors.Is(err, console.ErrClosed):
			writeError(w, http.StatusServiceUnavailable, "unavailable", "console is shutting down")
		default:
			s.logger.Error("submit job", "err", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to submit job")
		}
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	snaps := s.console.List()
	// Newest first.
	res := make([]jobResponse, 0, len(snaps))
	for i := len(snaps) - 1; i >= 0; i-- {
		res = append(res, jobToResponse(snaps[i], false))
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	snap, err := s.console.Poll(jobID)
	if err != nil {
		if errors.Is(err, console.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "job not found")
			return
		}
		s.logger.Error("get job", "job_id", jobID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to load job")
		return
	}
	writeJSON(w, http.StatusOK, jobToResponse(snap, true))
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	if err := s.console.Cancel(jobID); err != nil {
		if errors.Is(err, console.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "job not found")
			return
		}
		s.logger.Error("cancel job", "job_id", jobID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to cancel job")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancel_requested"})
}

// handleJobOutput serves captured output as plain text. With
// follow=1 it keeps the response open and flushes new chunks as the
// job produces them, until the job reaches a terminal state.
func (s *Server) handleJobOutput(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	after := parseInt64Default(r.URL.Query().Get("after"), 0)
	follow := strings.EqualFold(r.URL.Query().Get("follow"), "1") || strings.EqualFold(r.URL.Query().Get("follow"), "true")

	if !follow {
		snap, err := s.console.OutputSince(jobID, after)
		if err != nil {
			if errors.Is(err, console.ErrJobNotFound) {
				writeError(w, http.StatusNotFound, "not_found", "job not found")
				return
			}
			s.logger.Error("read job output", "job_id", jobID, "err", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to read output")
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		for _, chunk := range snap.Chunks {
			_, _ = w.Write([]byte(chunk.Text))
		}
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusBadRequest, "unsupported", "streaming not supported")
		return
	}

	events, err := s.console.Watch(r.Context(), jobID, after)
	if err != nil {
		if errors.Is(err, console.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "job not found")
			return
		}
		s.logger.Error("watch job", "job_id", jobID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to watch job")
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	flusher.Flush()

	// The channel closes after the terminal state event, or when the
	// client goes away.
	for ev := range events {
		if ev.Type != console.EventOutput || ev.Chunk == nil {
			continue
		}
		if _, err := w.Write([]byte(ev.Chunk.Text)); err != nil {
			return
		}
		flusher.Flush()
	}
}

func jobToResponse(snap console.Snapshot, includeSource bool) jobResponse {
	resp := jobResponse{
		ID:          snap.ID,
		State:       string(snap.State),
		SubmittedAt: snap.SubmittedAt.UTC().Format(time.RFC3339),
		ExitCode:    snap.ExitCode,
		Error:       snap.Error,
		ChunkCount:  snap.ChunkCount,
		OutputBytes: snap.OutputBytes,
		Truncated:   snap.Truncated,
	}
	if snap.StartedAt != nil {
		formatted := snap.StartedAt.UTC().Format(time.RFC3339)
		resp.StartedAt = &formatted
	}
	if snap.EndedAt != nil {
		formatted := snap.EndedAt.UTC().Format(time.RFC3339)
		resp.EndedAt = &formatted
	}
	if includeSource {
		resp.Source = snap.Source
	}
	return resp
}

func parseInt64Default(value string, def int64) int64 {
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	payload := map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	}
	writeJSON(w, status, payload)
}
