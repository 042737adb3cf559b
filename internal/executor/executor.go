package executor

import (
	"context"
	"time"
)

// LineFunc receives one line of process output without its line terminator.
type LineFunc func(line string)

// Command describes a process to spawn.
type Command struct {
	Path string
	Args []string
	Dir  string
	Env  []string // nil inherits the current environment
}

// Result describes how a process ended.
type Result struct {
	ExitCode int
	// Killed is set when the process tree was terminated because ctx ended.
	Killed  bool
	Started time.Time
	Stopped time.Time
	// Err holds a wait error that is neither an exit status nor caused by a kill.
	Err error
}

// Executor runs a command to completion.
type Executor interface {
	// Run spawns cmd, streams its output line by line and blocks until the
	// process exits. When ctx ends first the whole process tree is killed.
	// The returned error is non-nil only if the process could not be started.
	Run(ctx context.Context, cmd Command, stdout, stderr LineFunc) (Result, error)
}
