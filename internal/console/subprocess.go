package console

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"
)

// stderrTailBytes bounds how much stderr is kept for the failure
// summary; the full stream still reaches the sink.
const stderrTailBytes = 4096

// SubprocessRunner executes scripts with an external interpreter. The
// source text is passed as the argument after the interpreter argv, so
// "python3 -u -c" runs it the way a -c one-liner would.
type SubprocessRunner struct {
	argv   []string
	logger *slog.Logger
}

// NewSubprocessRunner splits interpreter on whitespace into the argv
// prefix. An empty interpreter defaults to "python3 -u -c".
func NewSubprocessRunner(interpreter string, logger *slog.Logger) *SubprocessRunner {
	argv := strings.Fields(interpreter)
	if len(argv) == 0 {
		argv = []string{"python3", "-u", "-c"}
	}
	return &SubprocessRunner{argv: argv, logger: logger}
}

// Run starts the interpreter and streams its stdout and stderr into
// the sink. On ctx cancellation the process receives a termination
// signal and is killed outright once req.Grace elapses.
func (r *SubprocessRunner) Run(ctx context.Context, req RunRequest, out OutputSink) (RunResult, error) {
	args := append(append([]string{}, r.argv[1:]...), req.Source)
	cmd := exec.Command(r.argv[0], args...) // #nosec G204

	tail := &tailBuffer{limit: stderrTailBytes}
	cmd.Stdout = &streamWriter{sink: out, stream: StreamStdout}
	cmd.Stderr = &streamWriter{sink: out, stream: StreamStderr, tee: tail}

	if err := cmd.Start(); err != nil {
		return RunResult{}, fmt.Errorf("start interpreter: %w", err)
	}

	waitDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			r.logger.Warn("terminating job process", "job_id", req.JobID, "pid", cmd.Process.Pid, "grace", req.Grace)
			sendTermination(cmd.Process)
			killTimer := time.AfterFunc(req.Grace, func() {
				_ = cmd.Process.Kill()
			})
			<-waitDone
			killTimer.Stop()
		case <-waitDone:
		}
	}()

	waitErr := cmd.Wait()
	close(waitDone)

	if ctx.Err() != nil {
		return RunResult{}, ctx.Err()
	}
	if waitErr == nil {
		code := 0
		return RunResult{ExitCode: &code}, nil
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		code := exitErr.ExitCode()
		summary := strings.TrimSpace(tail.String())
		if summary == "" {
			return RunResult{ExitCode: &code}, fmt.Errorf("exit status %d", code)
		}
		return RunResult{ExitCode: &code}, fmt.Errorf("exit status %d: %s", code, summary)
	}
	return RunResult{}, fmt.Errorf("wait for interpreter: %w", waitErr)
}

// streamWriter forwards process output to the sink, one chunk per
// write, tagged with the stream it came from.
type streamWriter struct {
	mu     sync.Mutex
	sink   OutputSink
	stream Stream
	tee    *tailBuffer
}

func (w *streamWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.tee != nil {
		_, _ = w.tee.Write(p)
	}
	w.sink.Append(w.stream, string(p))
	return len(p), nil
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if len(b.buf) > b.limit {
		b.buf = b.buf[len(b.buf)-b.limit:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

func sendTermination(process *os.Process) {
	if process == nil {
		return
	}
	if runtime.GOOS == "windows" {
		_ = process.Kill()
		return
	}
	_ = process.Signal(syscall.SIGTERM)
}
