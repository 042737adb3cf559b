// Package engine queues submitted scripts and executes them one at a time on a
// single background worker.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/mattkinnersley/script-runner/internal/executor"
	"github.com/mattkinnersley/script-runner/internal/state"
)

var (
	ErrAlreadyTerminal = errors.New("job already finished")
	ErrShutdown        = errors.New("service shutting down")
	ErrWorkerRunning   = errors.New("worker already running")
	ErrCapacity        = errors.New("job registry is full")

	errTimedOut      = errors.New("job timed out")
	errNoInterpreter = errors.New("no interpreter configured")
)

const (
	cancelledNotice = "Job was cancelled by user"
	shutdownNotice  = "Job was cancelled: service shutting down"
)

type Config struct {
	MaxJobs   int
	Retention time.Duration
	Timeout   time.Duration
	OutputDir string
	// Interpreter is the command line the script path is appended to.
	Interpreter []string
}

type Engine struct {
	cfg     Config
	store   *state.Store
	exec    executor.Executor
	queue   *queue
	now     func() time.Time
	started atomic.Bool
}

type Option func(*Engine)

// WithClock replaces the wall clock used for timestamps and retention.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func New(cfg Config, store *state.Store, exec executor.Executor, opts ...Option) *Engine {
	e := &Engine{
		cfg:   cfg,
		store: store,
		exec:  exec,
		queue: newQueue(),
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Full reports whether the registry reached its capacity. Admission control
// belongs to the caller of Submit.
func (e *Engine) Full() bool {
	return e.store.Len() >= e.cfg.MaxJobs
}

// Submit registers a pending job for scriptPath and queues it. It never
// blocks on execution.
func (e *Engine) Submit(scriptPath string) string {
	job := state.NewJob(state.NewID(), scriptPath, e.now())
	e.store.Save(job)
	e.queue.push(job)
	slog.Info("job submitted", "job", job.ID, "script", scriptPath, "queued", e.queue.len())
	return job.ID
}

// TrySubmit is Submit with admission control: it fails with ErrCapacity,
// without touching the registry, once MaxJobs jobs are known.
func (e *Engine) TrySubmit(scriptPath string) (string, error) {
	job := state.NewJob(state.NewID(), scriptPath, e.now())
	if !e.store.SaveBelow(job, e.cfg.MaxJobs) {
		return "", ErrCapacity
	}
	e.queue.push(job)
	slog.Info("job submitted", "job", job.ID, "script", scriptPath, "queued", e.queue.len())
	return job.ID, nil
}

func (e *Engine) Get(id string) (*state.Job, error) {
	return e.store.Get(id)
}

// List returns all known jobs, newest first.
func (e *Engine) List() []*state.Job {
	return e.store.List()
}

// Stop requests cancellation of a pending or running job. Repeated calls have
// the effect of one.
func (e *Engine) Stop(id string) error {
	job, err := e.store.Get(id)
	if err != nil {
		return err
	}
	if job.Status().Terminal() {
		return errors.Wrapf(ErrAlreadyTerminal, "job %s", id)
	}
	job.Cancel(state.ErrCancelled)
	slog.Info("job stop requested", "job", id)
	return nil
}

// Run is the worker loop. It executes queued jobs in submission order until
// ctx is done; a job running at that point is killed and marked cancelled.
func (e *Engine) Run(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return ErrWorkerRunning
	}
	defer e.started.Store(false)

	slog.InfoContext(ctx, "worker started", "max_jobs", e.cfg.MaxJobs, "timeout", e.cfg.Timeout, "retention", e.cfg.Retention)
	for {
		job, err := e.queue.pop(ctx)
		if err != nil {
			slog.InfoContext(ctx, "worker stopped", "pending", e.queue.len())
			return nil
		}
		e.execute(ctx, job)
		e.sweep()
	}
}

func (e *Engine) execute(ctx context.Context, job *state.Job) {
	logger := slog.With("job", job.ID, "script", job.ScriptPath)
	if err := job.Start(); err != nil {
		logger.Error("cannot start job", "error", err)
		return
	}
	logger.Info("job running")

	status, exitCode := e.run(ctx, logger, job)
	if err := job.Finish(status, exitCode, e.now()); err != nil {
		logger.Error("cannot finish job", "error", err)
	}
	if err := job.Persist(e.cfg.OutputDir); err != nil {
		logger.Warn("persisting output failed, keeping it in memory", "error", err)
	}
	logger.Info("job finished", "status", status)
}

// run races the process against the job's cancellation and the timeout and
// returns the terminal status.
func (e *Engine) run(ctx context.Context, logger *slog.Logger, job *state.Job) (state.Status, *int) {
	stopShutdown := context.AfterFunc(ctx, func() { job.Cancel(ErrShutdown) })
	defer stopShutdown()

	if job.Context().Err() != nil {
		return e.interrupted(job, context.Cause(job.Context())), nil
	}

	runCtx, cancel := context.WithTimeoutCause(job.Context(), e.cfg.Timeout, errTimedOut)
	defer cancel()

	cmd, err := e.command(job)
	if err != nil {
		job.AppendError(err.Error())
		return state.StatusFailed, nil
	}
	res, err := e.exec.Run(runCtx, cmd, job.AppendOutput, job.AppendError)
	switch {
	case err != nil && runCtx.Err() != nil:
		return e.interrupted(job, context.Cause(runCtx)), nil
	case err != nil:
		logger.Warn("spawning process failed", "error", err)
		job.AppendError(err.Error())
		return state.StatusFailed, nil
	case res.Killed:
		return e.interrupted(job, context.Cause(runCtx)), nil
	}

	if res.Err != nil {
		logger.Warn("waiting for process", "error", res.Err)
	}
	code := res.ExitCode
	if code != 0 {
		return state.StatusFailed, &code
	}
	return state.StatusCompleted, &code
}

func (e *Engine) interrupted(job *state.Job, cause error) state.Status {
	switch {
	case errors.Is(cause, errTimedOut):
		job.AppendError(fmt.Sprintf("Process timed out after %s and was killed", e.cfg.Timeout))
		return state.StatusTimedOut
	case errors.Is(cause, ErrShutdown):
		job.AppendError(shutdownNotice)
		return state.StatusCancelled
	default:
		job.AppendError(cancelledNotice)
		return state.StatusCancelled
	}
}

func (e *Engine) command(job *state.Job) (executor.Command, error) {
	if len(e.cfg.Interpreter) == 0 {
		return executor.Command{}, errNoInterpreter
	}
	script := job.ScriptPath
	if abs, err := filepath.Abs(script); err == nil {
		script = abs
	}
	args := append(slices.Clone(e.cfg.Interpreter[1:]), script)
	return executor.Command{
		Path: e.cfg.Interpreter[0],
		Args: args,
		Dir:  filepath.Dir(script),
	}, nil
}
