package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"devconsole/internal/console"
	"devconsole/internal/highlight"
)

type cronPreviewRequest struct {
	Expr  string `json:"expr"`
	Now   string `json:"now,omitempty"`
	Count int    `json:"count,omitempty"`
}

type cronPreviewResponse struct {
	Valid     bool     `json:"valid"`
	NextTimes []string `json:"next_times,omitempty"`
	Message   string   `json:"message,omitempty"`
}

func (s *Server) handleCronPreview(w http.ResponseWriter, r *http.Request) {
	var req cronPreviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, cronPreviewResponse{Valid: false, Message: "invalid JSON payload"})
		return
	}
	expr := strings.TrimSpace(req.Expr)
	if expr == "" {
		writeJSON(w, http.StatusBadRequest, cronPreviewResponse{Valid: false, Message: "cron expression is required"})
		return
	}
	schedule, err := console.ParseCron(expr)
	if err != nil {
		writeJSON(w, http.StatusOK, cronPreviewResponse{Valid: false, Message: err.Error()})
		return
	}

	count := req.Count
	if count <= 0 || count > 10 {
		count = 5
	}

	base := time.Now().In(s.location)
	if req.Now != "" {
		if parsed, err := time.Parse(time.RFC3339, req.Now); err == nil {
			base = parsed.In(s.location)
		}
	}

	times := console.NextOccurrences(schedule, base, count)
	formatted := make([]string, 0, len(times))
	for _, t := range times {
		formatted = append(formatted, t.UTC().Format(time.RFC3339))
	}
	writeJSON(w, http.StatusOK, cronPreviewResponse{Valid: true, NextTimes: formatted})
}

type highlightRequest struct {
	Text string `json:"text"`
}

type spanResponse struct {
	Start int    `json:"start"`
	End   int    `json:"end"`
	Kind  string `json:"kind"`
}

type highlightResponse struct {
	Spans []spanResponse `json:"spans"`
	Stats struct {
		Words int `json:"words"`
		Chars int `json:"chars"`
		Lines int `json:"lines"`
	} `json:"stats"`
}

// handleHighlight styles script text for the editing surface. It
// never touches the execution path.
func (s *Server) handleHighlight(w http.ResponseWriter, r *http.Request) {
	var req highlightRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	spans := highlight.Highlight(req.Text)
	stats := highlight.Measure(req.Text)

	var resp highlightResponse
	resp.Spans = make([]spanResponse, 0, len(spans))
	for _, span := range spans {
		resp.Spans = append(resp.Spans, spanResponse{Start: span.Start, End: span.End, Kind: string(span.Kind)})
	}
	resp.Stats.Words = stats.Words
	resp.Stats.Chars = stats.Chars
	resp.Stats.Lines = stats.Lines
	writeJSON(w, http.StatusOK, resp)
}
