package executor

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
)

const defaultWaitDelay = 5 * time.Second

type SubprocessExecutor struct {
	waitDelay time.Duration
}

func NewSubprocessExecutor() *SubprocessExecutor {
	return &SubprocessExecutor{waitDelay: defaultWaitDelay}
}

func (e *SubprocessExecutor) Run(ctx context.Context, c Command, stdout, stderr LineFunc) (Result, error) {
	logger := slog.With("path", c.Path, "dir", c.Dir)

	cmd := exec.CommandContext(ctx, c.Path, c.Args...)
	cmd.Dir = c.Dir
	if c.Env != nil {
		cmd.Env = c.Env
	}
	setProcessGroup(cmd)

	var killed atomic.Bool
	cmd.Cancel = treeCanceller(cmd, &killed, logger)
	// descendants that escaped the kill may hold the pipes open
	cmd.WaitDelay = e.waitDelay

	outw := newLineWriter(stdout)
	errw := newLineWriter(stderr)
	cmd.Stdout = outw
	cmd.Stderr = errw

	res := Result{Started: time.Now().UTC()}
	if err := cmd.Start(); err != nil {
		return res, errors.Wrapf(err, "starting %s", c.Path)
	}
	logger.Debug("process started", "pid", cmd.Process.Pid)

	err := cmd.Wait()
	outw.Flush()
	errw.Flush()

	res.Stopped = time.Now().UTC()
	res.Killed = killed.Load()
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}
	var exitErr *exec.ExitError
	if err != nil && !res.Killed && !errors.As(err, &exitErr) {
		res.Err = err
	}
	logger.Debug("process stopped", "exit_code", res.ExitCode, "killed", res.Killed)
	return res, nil
}

// treeCanceller kills the process tree of cmd. killed is only set when
// something was still alive to be signalled, so a process that exited on its
// own just before ctx ended keeps its exit status.
func treeCanceller(cmd *exec.Cmd, killed *atomic.Bool, logger *slog.Logger) func() error {
	return func() error {
		err := killTree(cmd.Process.Pid)
		if errors.Is(err, os.ErrProcessDone) {
			logger.Debug("process already gone", "pid", cmd.Process.Pid)
			return err
		}
		killed.Store(true)
		logger.Debug("killed process tree", "pid", cmd.Process.Pid, "error", err)
		return err
	}
}
