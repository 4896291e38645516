package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"devconsole/internal/console"
	"devconsole/internal/store"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// MCPServer exposes the script console as MCP tools.
type MCPServer struct {
	console   *console.Console
	store     *store.Store
	scheduler *console.Scheduler
	logger    *slog.Logger
	location  *time.Location

	inner *server.MCPServer
}

// NewMCPServer creates a new MCP server instance.
func NewMCPServer(cons *console.Console, st *store.Store, scheduler *console.Scheduler, logger *slog.Logger, location *time.Location) *MCPServer {
	s := &MCPServer{
		console:   cons,
		store:     st,
		scheduler: scheduler,
		logger:    logger,
		location:  location,
	}
	s.inner = server.NewMCPServer(
		"devconsole",
		"1.0.0",
		server.WithToolCapabilities(true),
	)
	s.registerTools(s.inner)
	return s
}

// Run starts the MCP server using stdio transport. Blocks until the
// transport closes.
func (s *MCPServer) Run() error {
	s.logger.Info("mcp server starting on stdio")
	return server.ServeStdio(s.inner)
}

// Handler returns an http.Handler speaking the streamable HTTP
// transport, for mounting under the API server.
func (s *MCPServer) Handler() http.Handler {
	return server.NewStreamableHTTPServer(s.inner)
}

func (s *MCPServer) registerTools(mcpServer *server.MCPServer) {
	mcpServer.AddTool(mcp.NewTool("console_run_script",
		mcp.WithDescription("Submit script source text for execution and return the job ID. The job runs asynchronously; poll it with console_get_job and read output with console_get_output."),
		mcp.WithString("source",
			mcp.Required(),
			mcp.Description("The script source text to execute"),
		),
	), s.handleRunScript)

	mcpServer.AddTool(mcp.NewTool("console_get_job",
		mcp.WithDescription("Get the state, timing, and error summary of a job"),
		mcp.WithString("job_id",
			mcp.Required(),
			mcp.Description("Job ID returned by console_run_script"),
		),
	), s.handleGetJob)

	mcpServer.AddTool(mcp.NewTool("console_cancel_job",
		mcp.WithDescription("Request cancellation of a job. Running jobs get a cooperative signal that escalates to forced termination after the grace period; cancelling a finished job is a no-op."),
		mcp.WithString("job_id",
			mcp.Required(),
			mcp.Description("Job ID"),
		),
	), s.handleCancelJob)

	mcpServer.AddTool(mcp.NewTool("console_get_output",
		mcp.WithDescription("Read the captured output of a job"),
		mcp.WithString("job_id",
			mcp.Required(),
			mcp.Description("Job ID"),
		),
		mcp.WithNumber("tail",
			mcp.Description("Return only the last N lines, default all"),
			mcp.Min(0),
		),
	), s.handleGetOutput)

	mcpServer.AddTool(mcp.NewTool("console_list_jobs",
		mcp.WithDescription("List recent jobs, newest first"),
	), s.handleListJobs)

	mcpServer.AddTool(mcp.NewTool("console_save_script",
		mcp.WithDescription("Save a named script to the library, optionally with a 5-field cron schedule (minute hour day month weekday)"),
		mcp.WithString("name",
			mcp.Required(),
			mcp.Description("Unique script name"),
		),
		mcp.WithString("source",
			mcp.Required(),
			mcp.Description("Script source text"),
		),
		mcp.WithString("cron",
			mcp.Description("Cron expression, e.g. '0 9 * * 1-5' for weekday mornings"),
		),
	), s.handleSaveScript)

	mcpServer.AddTool(mcp.NewTool("console_list_scripts",
		mcp.WithDescription("List saved scripts"),
		mcp.WithString("status",
			mcp.Description("Filter by status: active or paused"),
			mcp.Enum("active", "paused"),
		),
	), s.handleListScripts)

	mcpServer.AddTool(mcp.NewTool("console_delete_script",
		mcp.WithDescription("Delete a saved script and remove its schedule"),
		mcp.WithString("script_id",
			mcp.Required(),
			mcp.Description("Script ID"),
		),
	), s.handleDeleteScript)

	mcpServer.AddTool(mcp.NewTool("console_run_saved",
		mcp.WithDescription("Run a saved script immediately and return the job ID"),
		mcp.WithString("script_id",
			mcp.Required(),
			mcp.Description("Script ID"),
		),
	), s.handleRunSaved)

	mcpServer.AddTool(mcp.NewTool("console_cron_preview",
		mcp.WithDescription("Preview the next firing times of a cron expression"),
		mcp.WithString("cron",
			mcp.Required(),
			mcp.Description("Cron expression"),
		),
		mcp.WithNumber("count",
			mcp.Description("Number of occurrences to return, default 5"),
			mcp.Min(1),
			mcp.Max(10),
		),
	), s.handleCronPreview)

	s.logger.Info("mcp tools registered", "count", 10)
}

func (s *MCPServer) handleRunScript(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	source := mcp.ParseString(request, "source", "")

	jobID, err := s.console.Submit(source)
	if err != nil {
		switch {
		case errors.Is(err, console.ErrEmptyScript), errors.Is(err, console.ErrScriptTooLarge):
			return mcp.NewToolResultError(fmt.Sprintf("invalid script: %v", err)), nil
		case errors.Is(err, console.ErrBusy):
			return mcp.NewToolResultError("a job is already running; try again after it finishes"), nil
		default:
			return mcp.NewToolResultError(fmt.Sprintf("submit failed: %v", err)), nil
		}
	}
	return mcp.NewToolResultText(fmt.Sprintf("job submitted\nID: %s", jobID)), nil
}

func (s *MCPServer) handleGetJob(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	jobID := mcp.ParseString(request, "job_id", "")

	snap, err := s.console.Poll(jobID)
	if err != nil {
		if errors.Is(err, console.ErrJobNotFound) {
			return mcp.NewToolResultError(fmt.Sprintf("job not found: %s", jobID)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("get job failed: %v", err)), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "job ID: %s\n", snap.ID)
	fmt.Fprintf(&b, "state: %s\n", snap.State)
	fmt.Fprintf(&b, "submitted: %s\n", formatTime(&snap.SubmittedAt))
	if snap.StartedAt != nil {
		fmt.Fprintf(&b, "started: %s\n", formatTime(snap.StartedAt))
	}
	if snap.EndedAt != nil {
		fmt.Fprintf(&b, "ended: %s\n", formatTime(snap.EndedAt))
	}
	if snap.ExitCode != nil {
		fmt.Fprintf(&b, "exit code: %d\n", *snap.ExitCode)
	}
	if snap.Error != nil {
		fmt.Fprintf(&b, "error: %s\n", *snap.Error)
	}
	fmt.Fprintf(&b, "output: %d bytes in %d chunks", snap.OutputBytes, snap.ChunkCount)
	if snap.Truncated {
		b.WriteString(" (truncated)")
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleCancelJob(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	jobID := mcp.ParseString(request, "job_id", "")

	if err := s.console.Cancel(jobID); err != nil {
		if errors.Is(err, console.ErrJobNotFound) {
			return mcp.NewToolResultError(fmt.Sprintf("job not found: %s", jobID)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("cancel failed: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("cancellation requested for job %s", jobID)), nil
}

func (s *MCPServer) handleGetOutput(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	jobID := mcp.ParseString(request, "job_id", "")

	snap, err := s.console.Poll(jobID)
	if err != nil {
		if errors.Is(err, console.ErrJobNotFound) {
			return mcp.NewToolResultError(fmt.Sprintf("job not found: %s", jobID)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("get output failed: %v", err)), nil
	}

	var b strings.Builder
	for _, chunk := range snap.Chunks {
		b.WriteString(chunk.Text)
	}
	content := b.String()

	tailLines := int(mcp.ParseFloat64(request, "tail", 0))
	if tailLines > 0 {
		lines := strings.Split(content, "\n")
		if len(lines) > tailLines {
			lines = lines[len(lines)-tailLines:]
		}
		content = strings.Join(lines, "\n")
	}
	if content == "" {
		return mcp.NewToolResultText("(no output)"), nil
	}
	return mcp.NewToolResultText(content), nil
}

func (s *MCPServer) handleListJobs(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	snaps := s.console.List()
	if len(snaps) == 0 {
		return mcp.NewToolResultText("no jobs"), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d jobs, newest first:\n\n", len(snaps))
	for i := len(snaps) - 1; i >= 0; i-- {
		snap := snaps[i]
		fmt.Fprintf(&b, "[%s] %s\n", snap.State, snap.ID)
		fmt.Fprintf(&b, "    submitted: %s\n", formatTime(&snap.SubmittedAt))
		if snap.Error != nil {
			fmt.Fprintf(&b, "    error: %s\n", truncateString(*snap.Error, 120))
		}
		b.WriteString("\n")
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleSaveScript(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name := strings.TrimSpace(mcp.ParseString(request, "name", ""))
	source := mcp.ParseString(request, "source", "")
	cronExpr := strings.TrimSpace(mcp.ParseString(request, "cron", ""))

	if name == "" {
		return mcp.NewToolResultError("name is required"), nil
	}
	if strings.TrimSpace(source) == "" {
		return mcp.NewToolResultError("source is required"), nil
	}

	script := &console.Script{
		ID:     console.NewID(),
		Name:   name,
		Source: source,
		Status: console.ScriptStatusActive,
	}
	if cronExpr != "" {
		schedule, err := console.ParseCron(cronExpr)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid cron expression: %v", err)), nil
		}
		script.Cron = &cronExpr
		next := console.NextAfter(schedule, time.Now().In(s.location)).UTC()
		script.NextRunAt = &next
	}

	if err := s.store.InsertScript(ctx, script); err != nil {
		if errors.Is(err, store.ErrScriptNameTaken) {
			return mcp.NewToolResultError(fmt.Sprintf("script name already in use: %s", name)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("save script failed: %v", err)), nil
	}
	if err := s.scheduler.AddOrUpdateScript(ctx, script); err != nil {
		s.logger.Error("schedule script", "script_id", script.ID, "err", err)
	}

	result := fmt.Sprintf("script saved\nID: %s\nname: %s", script.ID, script.Name)
	if script.NextRunAt != nil {
		result += fmt.Sprintf("\nnext run: %s", formatTime(script.NextRunAt))
	}
	return mcp.NewToolResultText(result), nil
}

func (s *MCPServer) handleListScripts(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var statusFilter *console.ScriptStatus
	switch mcp.ParseString(request, "status", "") {
	case "active":
		status := console.ScriptStatusActive
		statusFilter = &status
	case "paused":
		status := console.ScriptStatusPaused
		statusFilter = &status
	}

	scripts, err := s.store.ListScripts(ctx, statusFilter)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("list scripts failed: %v", err)), nil
	}
	if len(scripts) == 0 {
		return mcp.NewToolResultText("no saved scripts"), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d scripts:\n\n", len(scripts))
	for _, script := range scripts {
		fmt.Fprintf(&b, "[%s] %s\n", script.Status, script.ID)
		fmt.Fprintf(&b, "    name: %s\n", script.Name)
		if script.Cron != nil {
			fmt.Fprintf(&b, "    cron: %s\n", *script.Cron)
		}
		if script.LastRunAt != nil {
			fmt.Fprintf(&b, "    last run: %s\n", formatTime(script.LastRunAt))
		}
		if script.NextRunAt != nil {
			fmt.Fprintf(&b, "    next run: %s\n", formatTime(script.NextRunAt))
		}
		b.WriteString("\n")
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleDeleteScript(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	scriptID := mcp.ParseString(request, "script_id", "")

	if err := s.store.DeleteScript(ctx, scriptID); err != nil {
		if errors.Is(err, store.ErrScriptNotFound) {
			return mcp.NewToolResultError(fmt.Sprintf("script not found: %s", scriptID)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("delete script failed: %v", err)), nil
	}
	s.scheduler.RemoveScript(scriptID)
	return mcp.NewToolResultText(fmt.Sprintf("script deleted: %s", scriptID)), nil
}

func (s *MCPServer) handleRunSaved(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	scriptID := mcp.ParseString(request, "script_id", "")

	script, err := s.store.GetScript(ctx, scriptID)
	if err != nil {
		if errors.Is(err, store.ErrScriptNotFound) {
			return mcp.NewToolResultError(fmt.Sprintf("script not found: %s", scriptID)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("get script failed: %v", err)), nil
	}

	jobID, err := s.scheduler.RunNow(ctx, script)
	if err != nil {
		if errors.Is(err, console.ErrBusy) {
			return mcp.NewToolResultError("a job is already running; try again after it finishes"), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("run script failed: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("script submitted\nscript ID: %s\njob ID: %s", script.ID, jobID)), nil
}

func (s *MCPServer) handleCronPreview(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	cronExpr := mcp.ParseString(request, "cron", "")

	schedule, err := console.ParseCron(cronExpr)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid cron expression: %v", err)), nil
	}

	count := int(mcp.ParseFloat64(request, "count", 5))

	now := time.Now().In(s.location)
	nextTimes := console.NextOccurrences(schedule, now, count)

	var b strings.Builder
	fmt.Fprintf(&b, "cron expression: %s\n", cronExpr)
	fmt.Fprintf(&b, "timezone: %s\n\n", s.location)
	b.WriteString("next firing times:\n")
	for i, t := range nextTimes {
		fmt.Fprintf(&b, "  %d. %s\n", i+1, t.Format("2006-01-02 15:04:05"))
	}
	return mcp.NewToolResultText(b.String()), nil
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format("2006-01-02 15:04:05")
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
