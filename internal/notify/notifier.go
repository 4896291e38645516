package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"devconsole/internal/console"
)

// Notifier delivers a short notification to an external channel.
type Notifier interface {
	Send(ctx context.Context, title, body string) error
}

// MultiNotifier fans out to several notifiers. Failures do not stop
// delivery to the rest; the last error is returned.
type MultiNotifier struct {
	notifiers []Notifier
}

func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	return &MultiNotifier{notifiers: notifiers}
}

func (m *MultiNotifier) Send(ctx context.Context, title, body string) error {
	var lastErr error
	for _, n := range m.notifiers {
		if err := n.Send(ctx, title, body); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// NoOpNotifier does nothing.
type NoOpNotifier struct{}

func (n *NoOpNotifier) Send(ctx context.Context, title, body string) error {
	return nil
}

// JobReporter formats finished jobs for a Notifier. It satisfies the
// console's terminal-state hook.
type JobReporter struct {
	notifier Notifier
	logger   *slog.Logger
}

func NewJobReporter(notifier Notifier, logger *slog.Logger) *JobReporter {
	return &JobReporter{notifier: notifier, logger: logger}
}

func (r *JobReporter) JobFinished(ctx context.Context, snap console.Snapshot) {
	title := fmt.Sprintf("script job %s", snap.State)
	var b strings.Builder
	fmt.Fprintf(&b, "job: %s\n", snap.ID)
	if snap.StartedAt != nil && snap.EndedAt != nil {
		fmt.Fprintf(&b, "duration: %s\n", snap.EndedAt.Sub(*snap.StartedAt).Round(time.Millisecond))
	}
	if snap.ExitCode != nil {
		fmt.Fprintf(&b, "exit code: %d\n", *snap.ExitCode)
	}
	if snap.Error != nil {
		fmt.Fprintf(&b, "error: %s\n", *snap.Error)
	}
	fmt.Fprintf(&b, "output bytes: %d", snap.OutputBytes)

	if err := r.notifier.Send(ctx, title, b.String()); err != nil {
		r.logger.Warn("send job notification", "job_id", snap.ID, "err", err)
	}
}
