package console

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// JobState describes the lifecycle state of a submitted script.
type JobState string

const (
	JobStatePending   JobState = "pending"
	JobStateRunning   JobState = "running"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
	JobStateCancelled JobState = "cancelled"
)

// Terminal reports whether the state is final. Terminal jobs never
// change again.
func (s JobState) Terminal() bool {
	switch s {
	case JobStateCompleted, JobStateFailed, JobStateCancelled:
		return true
	}
	return false
}

// Stream identifies which output stream a chunk was read from.
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
)

// TruncationMarker is the text of the final chunk appended to a job
// whose output hit the configured byte cap.
const TruncationMarker = "[output truncated]\n"

// Chunk is one piece of script output. Seq starts at 1 and increases
// by one per chunk within a job.
type Chunk struct {
	Seq    int64
	Stream Stream
	Text   string
	Time   time.Time
}

// Snapshot is a point-in-time copy of a job. Mutating a snapshot has
// no effect on the job it was taken from.
type Snapshot struct {
	ID          string
	Source      string
	State       JobState
	SubmittedAt time.Time
	StartedAt   *time.Time
	EndedAt     *time.Time
	ExitCode    *int
	Error       *string
	Chunks      []Chunk
	// ChunkCount is the total number of chunks captured so far, even
	// when Chunks itself is filtered or omitted.
	ChunkCount  int
	OutputBytes int
	Truncated   bool
}

// EventType distinguishes watch events.
type EventType string

const (
	EventOutput EventType = "output"
	EventState  EventType = "state"
)

// Event is one ordered notification about a job: either a new output
// chunk or a state change.
type Event struct {
	Type  EventType
	JobID string
	Chunk *Chunk   // set when Type is EventOutput
	State JobState // set when Type is EventState
	Error string   // failure summary, set alongside a failed state
}

// ScriptStatus describes whether a saved script's schedule is active.
type ScriptStatus string

const (
	ScriptStatusActive ScriptStatus = "active"
	ScriptStatusPaused ScriptStatus = "paused"
)

// Script is a saved script in the library, optionally carrying a cron
// schedule.
type Script struct {
	ID        string
	Name      string
	Source    string
	Cron      *string
	Status    ScriptStatus
	LastRunAt *time.Time
	NextRunAt *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

var (
	// ErrEmptyScript is returned by Submit for blank source text.
	ErrEmptyScript = errors.New("script text is empty")
	// ErrScriptTooLarge is returned by Submit when the source exceeds
	// the configured maximum length.
	ErrScriptTooLarge = errors.New("script text exceeds maximum length")
	// ErrBusy is returned by Submit while a job is active and queueing
	// is disabled.
	ErrBusy = errors.New("a job is already active")
	// ErrJobNotFound is returned for unknown or evicted job IDs.
	ErrJobNotFound = errors.New("job not found")
	// ErrClosed is returned by Submit after the console has shut down.
	ErrClosed = errors.New("console is closed")
)

// NewID returns a random 128-bit identifier encoded as lowercase hex.
// Falls back to a timestamp string if the random source fails.
func NewID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err == nil {
		return hex.EncodeToString(buf)
	}
	return fmt.Sprintf("%d", time.Now().UTC().UnixNano())
}
