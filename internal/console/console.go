package console

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"
)

const (
	DefaultCancelGrace    = 2 * time.Second
	DefaultMaxScriptBytes = 256 << 10
	DefaultMaxOutputBytes = 1 << 20
	DefaultHistoryLimit   = 50
)

// Notifier is told about every job that reaches a terminal state.
type Notifier interface {
	JobFinished(ctx context.Context, snap Snapshot)
}

// Options configure a Console. Zero values fall back to the defaults
// above; the zero value of DisableQueue means submissions queue.
type Options struct {
	Runner Runner
	Logger *slog.Logger

	// DisableQueue rejects submissions with ErrBusy while a job is
	// active instead of queueing them behind it.
	DisableQueue   bool
	CancelGrace    time.Duration
	MaxScriptBytes int
	MaxOutputBytes int

	// HistoryLimit bounds how many finished jobs stay available to
	// Poll before the oldest are evicted.
	HistoryLimit int

	Notifier Notifier
}

// Console owns all job state and executes submissions one at a time in
// submission order. All methods are safe for concurrent use and none
// of them block on script execution.
type Console struct {
	runner   Runner
	logger   *slog.Logger
	notifier Notifier

	queueDisabled  bool
	cancelGrace    time.Duration
	maxScriptBytes int
	maxOutputBytes int
	historyLimit   int

	mu     sync.Mutex
	jobs   map[string]*job
	order  []string // job IDs in submission order
	queue  []*job   // pending jobs awaiting dispatch
	active *job
	closed bool

	kick chan struct{}
	done chan struct{}
}

// job is the console's mutable record of one execution. Guarded by
// Console.mu; the outside world only ever sees snapshots.
type job struct {
	id          string
	source      string
	state       JobState
	submittedAt time.Time
	startedAt   *time.Time
	endedAt     *time.Time
	exitCode    *int
	errMsg      *string

	chunks      []Chunk
	lastSeq     int64
	outputBytes int
	truncated   bool

	cancelRequested bool
	cancelRun       context.CancelFunc // cancels the runner context; set while running

	// changed is closed and replaced on every mutation so watchers can
	// wait without polling.
	changed chan struct{}
}

// New constructs a Console. Call Start before submitting.
func New(opts Options) *Console {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.CancelGrace <= 0 {
		opts.CancelGrace = DefaultCancelGrace
	}
	if opts.MaxScriptBytes <= 0 {
		opts.MaxScriptBytes = DefaultMaxScriptBytes
	}
	if opts.MaxOutputBytes <= 0 {
		opts.MaxOutputBytes = DefaultMaxOutputBytes
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = DefaultHistoryLimit
	}
	return &Console{
		runner:         opts.Runner,
		logger:         opts.Logger,
		notifier:       opts.Notifier,
		queueDisabled:  opts.DisableQueue,
		cancelGrace:    opts.CancelGrace,
		maxScriptBytes: opts.MaxScriptBytes,
		maxOutputBytes: opts.MaxOutputBytes,
		historyLimit:   opts.HistoryLimit,
		jobs:           make(map[string]*job),
		kick:           make(chan struct{}, 1),
		done:           make(chan struct{}),
	}
}

// Start launches the dispatch loop. The loop drains until ctx is
// cancelled, then cancels the active job, fails over queued jobs to
// cancelled, and closes Done.
func (c *Console) Start(ctx context.Context) {
	go c.loop(ctx)
}

// Done is closed once the dispatch loop has fully stopped.
func (c *Console) Done() <-chan struct{} {
	return c.done
}

// Grace returns the configured cooperative-cancellation window.
func (c *Console) Grace() time.Duration {
	return c.cancelGrace
}

// Submit validates the source text, records a new pending job, and
// returns its ID. The script starts asynchronously; callers observe
// progress via Poll, OutputSince, or Watch.
func (c *Console) Submit(source string) (string, error) {
	if strings.TrimSpace(source) == "" {
		return "", ErrEmptyScript
	}
	if len(source) > c.maxScriptBytes {
		return "", fmt.Errorf("%w: %d bytes, limit %d", ErrScriptTooLarge, len(source), c.maxScriptBytes)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", ErrClosed
	}
	if c.queueDisabled && (c.active != nil || len(c.queue) > 0) {
		c.mu.Unlock()
		return "", ErrBusy
	}
	j := &job{
		id:          NewID(),
		source:      source,
		state:       JobStatePending,
		submittedAt: time.Now().UTC(),
		changed:     make(chan struct{}),
	}
	c.jobs[j.id] = j
	c.order = append(c.order, j.id)
	c.queue = append(c.queue, j)
	c.mu.Unlock()

	select {
	case c.kick <- struct{}{}:
	default:
	}
	c.logger.Info("job submitted", "job_id", j.id, "bytes", len(source))
	return j.id, nil
}

// Cancel requests termination of a job. Pending jobs are finalised
// immediately; running jobs get a cooperative signal that escalates to
// forced termination after the grace period. Cancelling a terminal job
// is a no-op. Cancel never blocks on the job actually stopping.
func (c *Console) Cancel(id string) error {
	c.mu.Lock()
	j, ok := c.jobs[id]
	if !ok {
		c.mu.Unlock()
		return ErrJobNotFound
	}
	if j.state.Terminal() {
		c.mu.Unlock()
		return nil
	}
	j.cancelRequested = true

	if j.state == JobStatePending {
		c.removeQueuedLocked(j)
		c.finalizeLocked(j, JobStateCancelled, RunResult{}, nil)
		snap := c.snapshotLocked(j, 0)
		c.mu.Unlock()
		c.logger.Info("job cancelled before start", "job_id", id)
		c.notify(snap)
		return nil
	}

	cancelRun := j.cancelRun
	c.mu.Unlock()
	c.logger.Info("job cancel requested", "job_id", id)
	if cancelRun != nil {
		cancelRun()
	}
	return nil
}

// Poll returns the full snapshot of a job: state, timing, and all
// output captured so far. Non-blocking.
func (c *Console) Poll(id string) (Snapshot, error) {
	return c.OutputSince(id, 0)
}

// OutputSince returns a snapshot whose Chunks only contain output with
// Seq greater than afterSeq. afterSeq of 0 returns everything.
func (c *Console) OutputSince(id string, afterSeq int64) (Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	j, ok := c.jobs[id]
	if !ok {
		return Snapshot{}, ErrJobNotFound
	}
	return c.snapshotLocked(j, afterSeq), nil
}

// List returns snapshots of all known jobs in submission order. The
// snapshots omit output chunks; use Poll for output.
func (c *Console) List() []Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Snapshot, 0, len(c.order))
	for _, id := range c.order {
		j, ok := c.jobs[id]
		if !ok {
			continue
		}
		out = append(out, c.snapshotLocked(j, math.MaxInt64))
	}
	return out
}

// Watch streams ordered events for a job: one output event per chunk
// with Seq greater than afterSeq, interleaved with state events as the
// job advances. Chunk N is always delivered before chunk N+1. The
// channel closes after the terminal state event or when ctx ends.
func (c *Console) Watch(ctx context.Context, id string, afterSeq int64) (<-chan Event, error) {
	c.mu.Lock()
	j, ok := c.jobs[id]
	c.mu.Unlock()
	if !ok {
		return nil, ErrJobNotFound
	}

	ch := make(chan Event, 16)
	go func() {
		defer close(ch)
		seq := afterSeq
		var lastState JobState
		for {
			c.mu.Lock()
			changed := j.changed
			var pending []Event
			for i := range j.chunks {
				if j.chunks[i].Seq <= seq {
					continue
				}
				chunk := j.chunks[i]
				pending = append(pending, Event{Type: EventOutput, JobID: j.id, Chunk: &chunk})
				seq = chunk.Seq
			}
			state := j.state
			var errMsg string
			if j.errMsg != nil {
				errMsg = *j.errMsg
			}
			c.mu.Unlock()

			for _, ev := range pending {
				select {
				case ch <- ev:
				case <-ctx.Done():
					return
				}
			}
			if state != lastState {
				select {
				case ch <- Event{Type: EventState, JobID: j.id, State: state, Error: errMsg}:
				case <-ctx.Done():
					return
				}
				lastState = state
			}
			if state.Terminal() {
				return
			}
			select {
			case <-changed:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func (c *Console) loop(ctx context.Context) {
	defer close(c.done)
	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return
		default:
		}
		j := c.popNext()
		if j == nil {
			select {
			case <-c.kick:
			case <-ctx.Done():
				c.shutdown()
				return
			}
			continue
		}
		c.runJob(ctx, j)
	}
}

// popNext claims the oldest still-pending job and marks it active so a
// Busy check cannot race the handoff from queue to runner.
func (c *Console) popNext() *job {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.queue) > 0 {
		j := c.queue[0]
		c.queue = c.queue[1:]
		if j.state != JobStatePending {
			continue
		}
		c.active = j
		return j
	}
	return nil
}

func (c *Console) runJob(parent context.Context, j *job) {
	runCtx, cancel := context.WithCancel(parent)
	defer cancel()

	c.mu.Lock()
	if j.state != JobStatePending {
		// Cancelled between claim and start.
		if c.active == j {
			c.active = nil
		}
		c.mu.Unlock()
		return
	}
	now := time.Now().UTC()
	j.state = JobStateRunning
	j.startedAt = &now
	j.cancelRun = cancel
	c.bumpLocked(j)
	c.mu.Unlock()

	c.logger.Info("job started", "job_id", j.id)
	res, runErr := c.runner.Run(runCtx, RunRequest{
		JobID:  j.id,
		Source: j.source,
		Grace:  c.cancelGrace,
	}, &jobSink{c: c, j: j})

	c.mu.Lock()
	state := JobStateCompleted
	switch {
	case j.cancelRequested || errors.Is(runErr, context.Canceled):
		state = JobStateCancelled
	case runErr != nil:
		state = JobStateFailed
	}
	c.finalizeLocked(j, state, res, runErr)
	c.active = nil
	snap := c.snapshotLocked(j, 0)
	c.mu.Unlock()

	if snap.State == JobStateFailed {
		c.logger.Warn("job failed", "job_id", j.id, "err", runErr)
	} else {
		c.logger.Info("job finished", "job_id", j.id, "state", string(snap.State))
	}
	c.notify(snap)
}

// finalizeLocked moves a job to a terminal state exactly once and
// evicts old history. Caller holds c.mu.
func (c *Console) finalizeLocked(j *job, state JobState, res RunResult, runErr error) {
	now := time.Now().UTC()
	j.endedAt = &now
	j.exitCode = res.ExitCode
	j.cancelRun = nil
	j.state = state
	if state == JobStateFailed && runErr != nil {
		msg := runErr.Error()
		j.errMsg = &msg
	}
	c.evictLocked()
	c.bumpLocked(j)
}

// evictLocked drops the oldest terminal jobs beyond the history limit.
// Pending and running jobs are never evicted.
func (c *Console) evictLocked() {
	terminal := 0
	for _, id := range c.order {
		if j, ok := c.jobs[id]; ok && j.state.Terminal() {
			terminal++
		}
	}
	if terminal <= c.historyLimit {
		return
	}
	kept := c.order[:0]
	for _, id := range c.order {
		j, ok := c.jobs[id]
		if !ok {
			continue
		}
		if terminal > c.historyLimit && j.state.Terminal() {
			delete(c.jobs, id)
			terminal--
			continue
		}
		kept = append(kept, id)
	}
	c.order = kept
}

func (c *Console) appendOutput(j *job, stream Stream, text string) {
	if text == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if j.state != JobStateRunning || j.truncated {
		return
	}
	if j.outputBytes+len(text) > c.maxOutputBytes {
		j.truncated = true
		if keep := c.maxOutputBytes - j.outputBytes; keep > 0 {
			j.lastSeq++
			j.chunks = append(j.chunks, Chunk{
				Seq:    j.lastSeq,
				Stream: stream,
				Text:   text[:keep],
				Time:   time.Now().UTC(),
			})
			j.outputBytes += keep
		}
		// One final in-band chunk marking the dropped tail. It does
		// not count toward the cap.
		j.lastSeq++
		j.chunks = append(j.chunks, Chunk{
			Seq:    j.lastSeq,
			Stream: StreamStderr,
			Text:   TruncationMarker,
			Time:   time.Now().UTC(),
		})
		c.bumpLocked(j)
		return
	}
	j.lastSeq++
	j.chunks = append(j.chunks, Chunk{
		Seq:    j.lastSeq,
		Stream: stream,
		Text:   text,
		Time:   time.Now().UTC(),
	})
	j.outputBytes += len(text)
	c.bumpLocked(j)
}

func (c *Console) snapshotLocked(j *job, afterSeq int64) Snapshot {
	snap := Snapshot{
		ID:          j.id,
		Source:      j.source,
		State:       j.state,
		SubmittedAt: j.submittedAt,
		ChunkCount:  len(j.chunks),
		OutputBytes: j.outputBytes,
		Truncated:   j.truncated,
	}
	if j.startedAt != nil {
		t := *j.startedAt
		snap.StartedAt = &t
	}
	if j.endedAt != nil {
		t := *j.endedAt
		snap.EndedAt = &t
	}
	if j.exitCode != nil {
		v := *j.exitCode
		snap.ExitCode = &v
	}
	if j.errMsg != nil {
		s := *j.errMsg
		snap.Error = &s
	}
	for i := range j.chunks {
		if j.chunks[i].Seq > afterSeq {
			snap.Chunks = append(snap.Chunks, j.chunks[i])
		}
	}
	return snap
}

// bumpLocked wakes all watchers of j. Caller holds c.mu.
func (c *Console) bumpLocked(j *job) {
	close(j.changed)
	j.changed = make(chan struct{})
}

func (c *Console) removeQueuedLocked(j *job) {
	for i, queued := range c.queue {
		if queued == j {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			return
		}
	}
}

// shutdown marks the console closed and cancels everything still
// queued. The active job, if any, has already been stopped through its
// run context by the time the loop gets here.
func (c *Console) shutdown() {
	c.mu.Lock()
	c.closed = true
	pending := c.queue
	c.queue = nil
	var snaps []Snapshot
	for _, j := range pending {
		if j.state != JobStatePending {
			continue
		}
		j.cancelRequested = true
		c.finalizeLocked(j, JobStateCancelled, RunResult{}, nil)
		snaps = append(snaps, c.snapshotLocked(j, 0))
	}
	c.mu.Unlock()
	if len(pending) > 0 {
		c.logger.Info("console closed", "cancelled_pending", len(snaps))
	}
	for _, snap := range snaps {
		c.notify(snap)
	}
}

func (c *Console) notify(snap Snapshot) {
	if c.notifier == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		c.notifier.JobFinished(ctx, snap)
	}()
}

// jobSink adapts a job to the OutputSink the runner writes into.
type jobSink struct {
	c *Console
	j *job
}

func (s *jobSink) Append(stream Stream, text string) {
	s.c.appendOutput(s.j, stream, text)
}
