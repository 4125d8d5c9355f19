package runner

import (
	"context"
	"io"
	"time"
)

// Command describes a single process invocation.
type Command struct {
	Name  string
	Args  []string
	Dir   string
	Env   []string // appended to the parent environment
	Stdin io.Reader
}

// Result captures the outcome of a command.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
	Error    error // detailed go error if any
}

// OK reports whether the command started and exited with status 0.
func (r Result) OK() bool {
	return r.Error == nil && r.ExitCode == 0
}

// CommandRunner executes commands on behalf of the git store and the watch loop.
type CommandRunner interface {
	// Run executes cmd within ctx. Cancelling ctx kills the process.
	Run(ctx context.Context, cmd Command) Result
}
