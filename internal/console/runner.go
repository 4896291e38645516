package console

import (
	"context"
	"time"
)

// RunRequest carries everything a runner needs to execute one job.
type RunRequest struct {
	JobID  string
	Source string
	// Grace is the window the runner allows for cooperative shutdown
	// after ctx is cancelled before it terminates execution forcibly.
	Grace time.Duration
}

// RunResult reports how an execution ended. ExitCode is nil when the
// runner has no exit code to report.
type RunResult struct {
	ExitCode *int
}

// OutputSink receives output as the script produces it. Append must be
// safe for concurrent use; implementations must not block on the UI or
// any consumer.
type OutputSink interface {
	Append(stream Stream, text string)
}

// Runner executes script source and streams output into the sink.
//
// Run blocks until the script finishes. When ctx is cancelled the
// runner must stop the script and return promptly: cooperatively if
// the script yields, forcibly once req.Grace has elapsed. A run ended
// by cancellation returns ctx.Err().
type Runner interface {
	Run(ctx context.Context, req RunRequest, out OutputSink) (RunResult, error)
}
