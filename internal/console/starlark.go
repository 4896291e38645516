package console

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
)

// fileOptions permits the imperative dialect scripts are written in:
// top-level control flow, while loops, set literals, and reassignment
// of globals.
var fileOptions = &syntax.FileOptions{
	Set:             true,
	While:           true,
	TopLevelControl: true,
	GlobalReassign:  true,
}

// StarlarkRunner executes scripts on the embedded Starlark
// interpreter. It needs no interpreter binary on the host; scripts run
// in-process against an empty environment, so the only way out is
// print. Cancellation is checked between VM steps, which covers tight
// loops.
type StarlarkRunner struct {
	logger *slog.Logger
}

func NewStarlarkRunner(logger *slog.Logger) *StarlarkRunner {
	return &StarlarkRunner{logger: logger}
}

func (r *StarlarkRunner) Run(ctx context.Context, req RunRequest, out OutputSink) (RunResult, error) {
	thread := &starlark.Thread{
		Name: req.JobID,
		Print: func(_ *starlark.Thread, msg string) {
			out.Append(StreamStdout, msg+"\n")
		},
	}

	finished := make(chan struct{})
	defer close(finished)
	go func() {
		select {
		case <-ctx.Done():
			r.logger.Warn("cancelling script thread", "job_id", req.JobID)
			thread.Cancel("cancelled")
		case <-finished:
		}
	}()

	_, err := starlark.ExecFileOptions(fileOptions, thread, "script.star", req.Source, starlark.StringDict{})
	if ctx.Err() != nil {
		return RunResult{}, ctx.Err()
	}
	if err != nil {
		var evalErr *starlark.EvalError
		if errors.As(err, &evalErr) {
			return RunResult{}, fmt.Errorf("script failed: %s", evalErr.Backtrace())
		}
		return RunResult{}, fmt.Errorf("script failed: %v", err)
	}
	code := 0
	return RunResult{ExitCode: &code}, nil
}
