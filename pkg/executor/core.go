package executor

import (
	"context"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"leaselock/pkg/election"
	"leaselock/pkg/executor/runner"
	"leaselock/pkg/metrics"
	"leaselock/pkg/models"
)

// Executor runs the protected command on behalf of the current leader.
type Executor struct {
	runner  runner.CommandRunner
	timeout time.Duration
	stdout  io.Writer
	stderr  io.Writer
	log     *zap.Logger
}

// NewExecutor returns an executor that bounds each run by timeout (zero means no limit)
// and copies the command output to stdout and stderr when they are non-nil.
func NewExecutor(r runner.CommandRunner, timeout time.Duration, stdout, stderr io.Writer, log *zap.Logger) *Executor {
	if r == nil {
		r = runner.NewShellRunner()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Executor{runner: r, timeout: timeout, stdout: stdout, stderr: stderr, log: log}
}

// Execute runs argv with the lease details exported as LEASELOCK_* variables.
func (e *Executor) Execute(ctx context.Context, argv []string, d election.Decision) runner.Result {
	if len(argv) == 0 {
		return runner.Result{}
	}

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	cmd := runner.Command{
		Name: argv[0],
		Args: argv[1:],
		Env:  leaseEnv(d),
	}

	e.log.Info("running protected command", zap.String("command", strings.Join(argv, " ")))
	result := e.runner.Run(ctx, cmd)
	metrics.RecordCommand(result.OK(), result.Duration)

	if e.stdout != nil && result.Stdout != "" {
		io.WriteString(e.stdout, result.Stdout)
	}
	if e.stderr != nil && result.Stderr != "" {
		io.WriteString(e.stderr, result.Stderr)
	}

	fields := []zap.Field{
		zap.Int("exit_code", result.ExitCode),
		zap.Duration("duration", result.Duration),
	}
	if result.OK() {
		e.log.Info("protected command finished", fields...)
	} else {
		if result.Error != nil {
			fields = append(fields, zap.Error(result.Error))
		}
		e.log.Warn("protected command failed", fields...)
	}
	return result
}

func leaseEnv(d election.Decision) []string {
	env := []string{"LEASELOCK_LEADER=1"}
	if d.Record != nil {
		env = append(env,
			"LEASELOCK_MACHINE_ID="+d.Record.MachineID,
			"LEASELOCK_LEASE_TIMESTAMP="+d.Record.Timestamp.UTC().Format(models.TimestampLayout),
		)
	}
	return env
}
