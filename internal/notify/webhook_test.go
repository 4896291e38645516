package notify

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"devconsole/internal/console"
)

// TestWebhookSendPostsJSON verifies method, content type, and payload.
func TestWebhookSendPostsJSON(t *testing.T) {
	var gotMethod, gotContentType string
	var gotPayload map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotContentType = r.Header.Get("Content-Type")
		if err := json.NewDecoder(r.Body).Decode(&gotPayload); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	n, err := NewWebhookNotifier(server.URL)
	if err != nil {
		t.Fatalf("NewWebhookNotifier: %v", err)
	}
	if err := n.Send(context.Background(), "t", "b"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if gotMethod != http.MethodPost {
		t.Fatalf("method = %s, want POST", gotMethod)
	}
	if gotContentType != "application/json" {
		t.Fatalf("content type = %s, want application/json", gotContentType)
	}
	if gotPayload["title"] != "t" || gotPayload["body"] != "b" {
		t.Fatalf("payload = %v, want title t body b", gotPayload)
	}
}

// TestWebhookSendErrorStatus verifies HTTP failures surface as errors.
func TestWebhookSendErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	n, err := NewWebhookNotifier(server.URL)
	if err != nil {
		t.Fatalf("NewWebhookNotifier: %v", err)
	}
	if err := n.Send(context.Background(), "t", "b"); err == nil {
		t.Fatal("expected error for 500 response")
	}
}

// TestWebhookRequiresURL verifies construction validation.
func TestWebhookRequiresURL(t *testing.T) {
	if _, err := NewWebhookNotifier(""); err == nil {
		t.Fatal("expected error for empty url")
	}
}

// recordingNotifier captures the last notification sent.
type recordingNotifier struct {
	title string
	body  string
}

func (r *recordingNotifier) Send(ctx context.Context, title, body string) error {
	r.title = title
	r.body = body
	return nil
}

// TestJobReporterFormatsSnapshot verifies the terminal-state hook
// produces a readable summary.
func TestJobReporterFormatsSnapshot(t *testing.T) {
	rec := &recordingNotifier{}
	reporter := NewJobReporter(rec, slog.New(slog.NewTextHandler(io.Discard, nil)))

	started := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	ended := started.Add(1500 * time.Millisecond)
	code := 1
	msg := "exit status 1: ValueError: x"
	reporter.JobFinished(context.Background(), console.Snapshot{
		ID:        "abc123",
		State:     console.JobStateFailed,
		StartedAt: &started,
		EndedAt:   &ended,
		ExitCode:  &code,
		Error:     &msg,
	})

	if rec.title != "script job failed" {
		t.Fatalf("title = %q", rec.title)
	}
	for _, fragment := range []string{"abc123", "1.5s", "exit code: 1", "ValueError"} {
		if !strings.Contains(rec.body, fragment) {
			t.Fatalf("body %q missing %q", rec.body, fragment)
		}
	}
}

// TestMultiNotifierContinuesPastFailures verifies fan-out delivery.
func TestMultiNotifierContinuesPastFailures(t *testing.T) {
	rec := &recordingNotifier{}
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer failing.Close()
	webhook, err := NewWebhookNotifier(failing.URL)
	if err != nil {
		t.Fatalf("NewWebhookNotifier: %v", err)
	}

	multi := NewMultiNotifier(webhook, rec)
	if err := multi.Send(context.Background(), "t", "b"); err == nil {
		t.Fatal("expected the webhook failure to be reported")
	}
	if rec.title != "t" {
		t.Fatal("second notifier was not reached after the first failed")
	}
}
