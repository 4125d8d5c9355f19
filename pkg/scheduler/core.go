// Package scheduler drives the election on a cron schedule and runs the
// protected command on ticks where this machine holds the lease.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"leaselock/pkg/election"
	"leaselock/pkg/executor"
	"leaselock/pkg/executor/runner"
	"leaselock/pkg/metrics"
)

// Elector is the part of *election.Election the loop drives.
type Elector interface {
	Renew(ctx context.Context) (election.Decision, error)
}

// Config controls the watch loop.
type Config struct {
	Schedule string   // standard cron spec or descriptor such as "@every 60s"
	Command  []string // run on every tick while leader; empty only keeps the lease
}

// Tick is the outcome of one scheduled run.
type Tick struct {
	At       time.Time         `json:"at"`
	Decision election.Decision `json:"decision"`
	Error    string            `json:"error,omitempty"`
	Ran      bool              `json:"ran"`
	ExitCode int               `json:"exit_code,omitempty"`
	Duration time.Duration     `json:"duration,omitempty"`

	// ConsecutiveFailures counts ticks in a row that ended in a local fault.
	ConsecutiveFailures int `json:"consecutive_failures"`
}

type Core struct {
	cfg      Config
	schedule cron.Schedule
	elector  Elector
	exec     *executor.Executor
	log      *zap.Logger
	now      func() time.Time

	mu       sync.Mutex
	last     *Tick
	failures int
}

func NewCore(cfg Config, el Elector, exec *executor.Executor, log *zap.Logger) (*Core, error) {
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 60s"
	}
	schedule, err := cron.ParseStandard(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("invalid watch schedule %q: %w", cfg.Schedule, err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	if exec == nil {
		exec = executor.NewExecutor(runner.NewShellRunner(), 0, nil, nil, log)
	}
	return &Core{
		cfg:      cfg,
		schedule: schedule,
		elector:  el,
		exec:     exec,
		log:      log,
		now:      time.Now,
	}, nil
}

// Next returns when the schedule fires after t.
func (c *Core) Next(t time.Time) time.Time {
	return c.schedule.Next(t)
}

// Tick renews, then runs the command if the decision granted the lease. Renew
// claims a free lease like Check does and also picks up a fresh record this
// machine wrote before a restart.
func (c *Core) Tick(ctx context.Context) Tick {
	metrics.TicksTotal.Inc()
	tick := Tick{At: c.now().UTC()}

	d, err := c.elector.Renew(ctx)
	tick.Decision = d

	c.mu.Lock()
	if err != nil {
		c.failures++
	} else {
		c.failures = 0
	}
	tick.ConsecutiveFailures = c.failures
	c.mu.Unlock()

	if err != nil {
		tick.Error = err.Error()
		c.log.Error("election failed", zap.Error(err), zap.Int("consecutive_failures", tick.ConsecutiveFailures))
	} else if d.Leader && len(c.cfg.Command) > 0 {
		res := c.exec.Execute(ctx, c.cfg.Command, d)
		tick.Ran = true
		tick.ExitCode = res.ExitCode
		tick.Duration = res.Duration
	}

	c.mu.Lock()
	c.last = &tick
	c.mu.Unlock()
	return tick
}

// Last returns the latest tick, nil before the first one.
func (c *Core) Last() *Tick {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last == nil {
		return nil
	}
	t := *c.last
	return &t
}

// Run ticks once immediately and then on schedule until ctx is done. Ticks never
// overlap; a tick that is still running when the next one is due is skipped.
func (c *Core) Run(ctx context.Context) error {
	cr := cron.New(
		cron.WithLogger(cronLogger{c.log.Sugar()}),
		cron.WithChain(cron.Recover(cronLogger{c.log.Sugar()}), cron.SkipIfStillRunning(cronLogger{c.log.Sugar()})),
	)
	job := cron.FuncJob(func() { c.Tick(ctx) })
	cr.Schedule(c.schedule, job)

	c.log.Info("watch loop starting", zap.String("schedule", c.cfg.Schedule))
	c.Tick(ctx)

	cr.Start()
	<-ctx.Done()

	c.log.Info("watch loop stopping")
	<-cr.Stop().Done()
	return nil
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
