package state

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

type Status int

const (
	StatusPending Status = iota
	StatusRunning
	StatusCompleted
	StatusFailed
	StatusTimedOut
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "Pending"
	case StatusRunning:
		return "Running"
	case StatusCompleted:
		return "Completed"
	case StatusFailed:
		return "Failed"
	case StatusTimedOut:
		return "TimedOut"
	case StatusCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// Terminal reports whether no further transitions can leave s.
func (s Status) Terminal() bool {
	return s >= StatusCompleted && s <= StatusCancelled
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func canAdvance(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusRunning
	case StatusRunning:
		return to.Terminal()
	default:
		return false
	}
}

var (
	// ErrCancelled is the cancellation cause recorded when a caller stops a job.
	ErrCancelled         = errors.New("job was cancelled by user")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// NewID returns a 32 character hex identifier.
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Job represents one request to execute a script.
//
// Status, exit code, completion time and the captured output are guarded by a
// single mutex so a reader always observes them in a consistent state.
type Job struct {
	ID         string
	ScriptPath string
	CreatedAt  time.Time

	ctx    context.Context
	cancel context.CancelCauseFunc

	mu          sync.Mutex
	status      Status
	exitCode    *int
	completedAt time.Time
	out         backing
}

func NewJob(id, scriptPath string, createdAt time.Time) *Job {
	ctx, cancel := context.WithCancelCause(context.Background())
	return &Job{
		ID:         id,
		ScriptPath: scriptPath,
		CreatedAt:  createdAt,
		ctx:        ctx,
		cancel:     cancel,
		status:     StatusPending,
		out:        &memoryOutput{},
	}
}

// Context is done once the job has been cancelled. context.Cause returns the
// error passed to Cancel.
func (j *Job) Context() context.Context {
	return j.ctx
}

// Cancel signals cancellation. Only the first call has an effect; a nil cause
// is recorded as ErrCancelled.
func (j *Job) Cancel(cause error) {
	if cause == nil {
		cause = ErrCancelled
	}
	j.cancel(cause)
}

func (j *Job) Status() Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// ExitCode returns the process exit code, if the process exited on its own.
func (j *Job) ExitCode() (int, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.exitCode == nil {
		return 0, false
	}
	return *j.exitCode, true
}

// CompletedAt returns the time the job reached a terminal status.
func (j *Job) CompletedAt() (time.Time, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.completedAt, !j.completedAt.IsZero()
}

// Start moves a pending job to Running.
func (j *Job) Start() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.advance(StatusRunning)
}

// Finish records a terminal status together with its completion time. The
// exit code is only kept for natural process exits and may be nil.
func (j *Job) Finish(status Status, exitCode *int, at time.Time) error {
	if !status.Terminal() {
		return errors.Wrapf(ErrInvalidTransition, "%s is not a terminal status", status)
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.advance(status); err != nil {
		return err
	}
	if exitCode != nil {
		code := *exitCode
		j.exitCode = &code
	}
	j.completedAt = at
	return nil
}

func (j *Job) advance(to Status) error {
	if !canAdvance(j.status, to) {
		return errors.Wrapf(ErrInvalidTransition, "job %s: %s -> %s", j.ID, j.status, to)
	}
	j.status = to
	return nil
}

// Snapshot is a point in time copy of the job metadata.
type Snapshot struct {
	ID          string
	ScriptPath  string
	Status      Status
	ExitCode    *int
	CreatedAt   time.Time
	CompletedAt *time.Time
}

func (j *Job) Snapshot() Snapshot {
	j.mu.Lock()
	defer j.mu.Unlock()
	s := Snapshot{
		ID:         j.ID,
		ScriptPath: j.ScriptPath,
		Status:     j.status,
		CreatedAt:  j.CreatedAt,
	}
	if j.exitCode != nil {
		code := *j.exitCode
		s.ExitCode = &code
	}
	if !j.completedAt.IsZero() {
		at := j.completedAt
		s.CompletedAt = &at
	}
	return s
}
