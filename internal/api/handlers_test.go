package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"devconsole/internal/console"
	"devconsole/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptedRunner writes fixed chunks and returns the given error, so
// handler tests control job outcomes without a real interpreter.
type scriptedRunner struct {
	mu     sync.Mutex
	chunks []string
	err    error
	block  chan struct{} // when set, Run waits here before finishing
}

func (r *scriptedRunner) Run(ctx context.Context, req console.RunRequest, out console.OutputSink) (console.RunResult, error) {
	r.mu.Lock()
	chunks, runErr, block := r.chunks, r.err, r.block
	r.mu.Unlock()
	for _, chunk := range chunks {
		out.Append(console.StreamStdout, chunk)
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return console.RunResult{}, ctx.Err()
		}
	}
	if runErr != nil {
		code := 1
		return console.RunResult{ExitCode: &code}, runErr
	}
	code := 0
	return console.RunResult{ExitCode: &code}, nil
}

func newTestServer(t *testing.T, runner console.Runner, disableQueue bool) *Server {
	t.Helper()
	logger := testLogger()

	st, err := store.Open(context.Background(), t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cons := console.New(console.Options{Runner: runner, Logger: logger, DisableQueue: disableQueue})
	ctx, cancel := context.WithCancel(context.Background())
	cons.Start(ctx)
	t.Cleanup(func() {
		cancel()
		select {
		case <-cons.Done():
		case <-time.After(5 * time.Second):
			t.Error("console did not stop")
		}
	})

	scheduler := console.NewScheduler(st, cons, logger, time.Local)

	srv, err := NewServer("127.0.0.1:0", "", cons, st, scheduler, nil, logger, time.Local)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return srv
}

func doJSON(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, into any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), into); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

// waitJobState polls the job endpoint until the job reports the wanted
// state.
func waitJobState(t *testing.T, srv *Server, jobID, want string) jobResponse {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		rec := doJSON(t, srv, http.MethodGet, "/v1/jobs/"+jobID, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("get job status = %d, body %s", rec.Code, rec.Body.String())
		}
		var job jobResponse
		decodeBody(t, rec, &job)
		if job.State == want {
			return job
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for state %s, still %s", want, job.State)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// TestSubmitJobLifecycle runs a job through the HTTP surface and reads
// its output back.
func TestSubmitJobLifecycle(t *testing.T) {
	srv := newTestServer(t, &scriptedRunner{chunks: []string{"hi\n"}}, false)

	rec := doJSON(t, srv, http.MethodPost, "/v1/jobs", submitJobRequest{Source: "print('hi')"})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("submit status = %d, want 202: %s", rec.Code, rec.Body.String())
	}
	var submitted map[string]string
	decodeBody(t, rec, &submitted)
	jobID := submitted["job_id"]
	if jobID == "" {
		t.Fatal("submit returned no job_id")
	}

	job := waitJobState(t, srv, jobID, "completed")
	if job.ChunkCount != 1 || job.OutputBytes != 3 {
		t.Fatalf("job = %+v, want 1 chunk of 3 bytes", job)
	}
	if job.Error != nil {
		t.Fatalf("error = %q, want unset", *job.Error)
	}

	out := doJSON(t, srv, http.MethodGet, "/v1/jobs/"+jobID+"/output", nil)
	if out.Code != http.StatusOK {
		t.Fatalf("output status = %d", out.Code)
	}
	if out.Body.String() != "hi\n" {
		t.Fatalf("output = %q, want %q", out.Body.String(), "hi\n")
	}

	list := doJSON(t, srv, http.MethodGet, "/v1/jobs", nil)
	var jobs []jobResponse
	decodeBody(t, list, &jobs)
	if len(jobs) != 1 || jobs[0].ID != jobID {
		t.Fatalf("job list = %+v, want the one submitted job", jobs)
	}
}

// TestSubmitJobValidation maps the console's input errors to 400s.
func TestSubmitJobValidation(t *testing.T) {
	srv := newTestServer(t, &scriptedRunner{}, false)

	rec := doJSON(t, srv, http.MethodPost, "/v1/jobs", submitJobRequest{Source: "   "})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty submit status = %d, want 400", rec.Code)
	}
	var payload struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	decodeBody(t, rec, &payload)
	if payload.Error.Code != "invalid_input" {
		t.Fatalf("error code = %q, want invalid_input", payload.Error.Code)
	}
}

// TestSubmitJobBusy verifies the 409 when queueing is disabled.
func TestSubmitJobBusy(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	srv := newTestServer(t, &scriptedRunner{block: block}, true)

	rec := doJSON(t, srv, http.MethodPost, "/v1/jobs", submitJobRequest{Source: "sleep"})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("first submit status = %d, want 202", rec.Code)
	}
	var submitted map[string]string
	decodeBody(t, rec, &submitted)
	waitJobState(t, srv, submitted["job_id"], "running")

	second := doJSON(t, srv, http.MethodPost, "/v1/jobs", submitJobRequest{Source: "rejected"})
	if second.Code != http.StatusConflict {
		t.Fatalf("second submit status = %d, want 409", second.Code)
	}
}

// TestCancelJob covers cancel of a running job and the 404 for unknown
// IDs.
func TestCancelJob(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	srv := newTestServer(t, &scriptedRunner{block: block}, false)

	rec := doJSON(t, srv, http.MethodPost, "/v1/jobs", submitJobRequest{Source: "while True: pass"})
	var submitted map[string]string
	decodeBody(t, rec, &submitted)
	jobID := submitted["job_id"]
	waitJobState(t, srv, jobID, "running")

	cancelRec := doJSON(t, srv, http.MethodPost, "/v1/jobs/"+jobID+"/cancel", nil)
	if cancelRec.Code != http.StatusAccepted {
		t.Fatalf("cancel status = %d, want 202", cancelRec.Code)
	}
	waitJobState(t, srv, jobID, "cancelled")

	missing := doJSON(t, srv, http.MethodPost, "/v1/jobs/nope/cancel", nil)
	if missing.Code != http.StatusNotFound {
		t.Fatalf("cancel unknown status = %d, want 404", missing.Code)
	}
}

// TestJobOutputFollow streams output over a live connection until the
// job terminates.
func TestJobOutputFollow(t *testing.T) {
	srv := newTestServer(t, &scriptedRunner{chunks: []string{"one\n", "two\n"}}, false)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	rec := doJSON(t, srv, http.MethodPost, "/v1/jobs", submitJobRequest{Source: "emit"})
	var submitted map[string]string
	decodeBody(t, rec, &submitted)
	jobID := submitted["job_id"]

	res, err := http.Get(fmt.Sprintf("%s/v1/jobs/%s/output?follow=1", ts.URL, jobID))
	if err != nil {
		t.Fatalf("follow request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read follow body: %v", err)
	}
	if string(data) != "one\ntwo\n" {
		t.Fatalf("followed output = %q, want %q", data, "one\ntwo\n")
	}
}

// TestFailedJobReportsError verifies the error summary surfaces in the
// job resource.
func TestFailedJobReportsError(t *testing.T) {
	runner := &scriptedRunner{err: fmt.Errorf("exit status 1: ValueError: x")}
	srv := newTestServer(t, runner, false)

	rec := doJSON(t, srv, http.MethodPost, "/v1/jobs", submitJobRequest{Source: "raise ValueError('x')"})
	var submitted map[string]string
	decodeBody(t, rec, &submitted)

	job := waitJobState(t, srv, submitted["job_id"], "failed")
	if job.Error == nil || !strings.Contains(*job.Error, "ValueError") {
		t.Fatalf("error = %v, want ValueError reference", job.Error)
	}
	if job.ExitCode == nil || *job.ExitCode != 1 {
		t.Fatalf("exit code = %v, want 1", job.ExitCode)
	}
}

// TestScriptCRUD walks a script through create, get, update, run, and
// delete.
func TestScriptCRUD(t *testing.T) {
	srv := newTestServer(t, &scriptedRunner{chunks: []string{"saved\n"}}, false)

	cronExpr := "0 9 * * 1-5"
	created := doJSON(t, srv, http.MethodPost, "/v1/scripts", createScriptRequest{
		Name:   "morning",
		Source: "print('saved')",
		Cron:   &cronExpr,
	})
	if created.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", created.Code, created.Body.String())
	}
	var script scriptResponse
	decodeBody(t, created, &script)
	if script.Cron == nil || *script.Cron != cronExpr {
		t.Fatalf("cron = %v, want %q", script.Cron, cronExpr)
	}
	if script.NextRunAt == nil {
		t.Fatal("next_run_at not set for an active scheduled script")
	}

	dup := doJSON(t, srv, http.MethodPost, "/v1/scripts", createScriptRequest{Name: "morning", Source: "x = 1"})
	if dup.Code != http.StatusConflict {
		t.Fatalf("duplicate name status = %d, want 409", dup.Code)
	}

	got := doJSON(t, srv, http.MethodGet, "/v1/scripts/"+script.ID, nil)
	if got.Code != http.StatusOK {
		t.Fatalf("get status = %d", got.Code)
	}

	paused := true
	updated := doJSON(t, srv, http.MethodPatch, "/v1/scripts/"+script.ID, updateScriptRequest{Paused: &paused})
	if updated.Code != http.StatusOK {
		t.Fatalf("update status = %d, body %s", updated.Code, updated.Body.String())
	}
	var after scriptResponse
	decodeBody(t, updated, &after)
	if after.Status != "paused" || after.NextRunAt != nil {
		t.Fatalf("paused script = %+v, want paused with no next run", after)
	}

	run := doJSON(t, srv, http.MethodPost, "/v1/scripts/"+script.ID+"/run", nil)
	if run.Code != http.StatusAccepted {
		t.Fatalf("run status = %d, body %s", run.Code, run.Body.String())
	}
	var started map[string]string
	decodeBody(t, run, &started)
	job := waitJobState(t, srv, started["job_id"], "completed")
	if job.OutputBytes != len("saved\n") {
		t.Fatalf("output bytes = %d, want %d", job.OutputBytes, len("saved\n"))
	}

	deleted := doJSON(t, srv, http.MethodDelete, "/v1/scripts/"+script.ID, nil)
	if deleted.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d, want 204", deleted.Code)
	}
	gone := doJSON(t, srv, http.MethodGet, "/v1/scripts/"+script.ID, nil)
	if gone.Code != http.StatusNotFound {
		t.Fatalf("get after delete status = %d, want 404", gone.Code)
	}
}

// TestCronPreview checks both a valid and an invalid expression.
func TestCronPreview(t *testing.T) {
	srv := newTestServer(t, &scriptedRunner{}, false)

	rec := doJSON(t, srv, http.MethodPost, "/v1/cron/preview", cronPreviewRequest{Expr: "*/5 * * * *", Count: 3})
	if rec.Code != http.StatusOK {
		t.Fatalf("preview status = %d", rec.Code)
	}
	var resp cronPreviewResponse
	decodeBody(t, rec, &resp)
	if !resp.Valid || len(resp.NextTimes) != 3 {
		t.Fatalf("preview = %+v, want 3 valid times", resp)
	}

	bad := doJSON(t, srv, http.MethodPost, "/v1/cron/preview", cronPreviewRequest{Expr: "not a cron"})
	decodeBody(t, bad, &resp)
	if resp.Valid {
		t.Fatal("invalid expression reported as valid")
	}
}

// TestHighlightEndpoint checks span kinds and the text statistics.
func TestHighlightEndpoint(t *testing.T) {
	srv := newTestServer(t, &scriptedRunner{}, false)

	rec := doJSON(t, srv, http.MethodPost, "/v1/highlight", highlightRequest{Text: "def f():\n    return 'x'  # done\n"})
	if rec.Code != http.StatusOK {
		t.Fatalf("highlight status = %d", rec.Code)
	}
	var resp highlightResponse
	decodeBody(t, rec, &resp)

	kinds := make(map[string]int)
	for _, span := range resp.Spans {
		kinds[span.Kind]++
	}
	if kinds["keyword"] != 2 || kinds["string"] != 1 || kinds["comment"] != 1 {
		t.Fatalf("span kinds = %v, want 2 keywords, 1 string, 1 comment", kinds)
	}
	if resp.Stats.Lines != 2 {
		t.Fatalf("lines = %d, want 2", resp.Stats.Lines)
	}
}

// TestAuthMiddleware verifies bearer-token enforcement on /v1 routes.
func TestAuthMiddleware(t *testing.T) {
	handler := AuthMiddleware("secret")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/jobs", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d, want 401", rec.Code)
	}
	var body map[string]any
	decodeBody(t, rec, &body)
	if body["error"] == nil {
		t.Fatalf("unauthenticated body = %v, want an error envelope", body)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("bearer status = %d, want 200", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/jobs?token=secret", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("query token status = %d, want 200", rec.Code)
	}
}
